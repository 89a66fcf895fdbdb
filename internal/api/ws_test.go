package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sluice-dev/sluice/internal/config"
	"github.com/sluice-dev/sluice/internal/event"
	"github.com/sluice-dev/sluice/internal/plan"
)

// readStreamEvent reads frames until a JSON event arrives, skipping
// keep-alive text frames.
func readStreamEvent(t *testing.T, conn *websocket.Conn) event.Event {
	t.Helper()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			t.Fatalf("SetReadDeadline failed: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if s := string(data); s == "ping" || s == "pong" {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("stream frame %q is not an event: %v", data, err)
		}
		return evt
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	release := make(chan struct{})
	held := &plan.Plan{
		Name: "held",
		Waves: []plan.Wave{{Name: "gather", Tasks: []plan.TaskSpec{{
			Name: "collect",
			Run: plan.ExecutorFunc(func(ctx context.Context, in plan.Input) (*plan.Result, error) {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return &plan.Result{Narrative: "collected", Structured: json.RawMessage(`{"items":1}`)}, nil
			}),
		}}}},
	}
	cli, _ := newTestServer(t, *config.DefaultConfig(), held)

	started, err := cli.Start("held", "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id := started.SessionID

	conn, err := cli.Stream(id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer conn.Close()

	// A pong reply proves the forward loop is live, so nothing published
	// after this point can be missed.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pong failed: %v", err)
	}
	if string(data) != "pong" {
		t.Fatalf("reply to ping = %q, want pong", data)
	}

	// Let the task finish and follow the session over the stream.
	close(release)

	// The dial races the first fan-out, so the stream may or may not open
	// with wave_started and agent_started. Everything after the task
	// completes arrives post-subscription and is asserted strictly.
	evt := readStreamEvent(t, conn)
	for evt.Type == event.WaveStarted || evt.Type == event.AgentStarted {
		evt = readStreamEvent(t, conn)
	}
	if evt.Type != event.AgentCompleted || evt.TaskName != "collect" {
		t.Fatalf("event = %+v, want agent_completed for collect", evt)
	}
	evt = readStreamEvent(t, conn)
	if evt.Type != event.CheckpointReady || evt.Checkpoint != 1 {
		t.Fatalf("event = %+v, want checkpoint_ready 1", evt)
	}

	if _, err := cli.Approve(id, 1); err != nil {
		t.Fatalf("Approve(1) failed: %v", err)
	}
	evt = readStreamEvent(t, conn)
	if evt.Type != event.WaveComplete || evt.Wave != 1 {
		t.Fatalf("event = %+v, want wave_complete 1", evt)
	}
	evt = readStreamEvent(t, conn)
	if evt.Type != event.CheckpointReady || evt.Checkpoint != 2 {
		t.Fatalf("event = %+v, want checkpoint_ready 2", evt)
	}

	if _, err := cli.Approve(id, 2); err != nil {
		t.Fatalf("Approve(2) failed: %v", err)
	}
	evt = readStreamEvent(t, conn)
	if evt.Type != event.SessionComplete {
		t.Fatalf("event = %+v, want session_complete", evt)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	cli, _ := newTestServer(t, *config.DefaultConfig(), reviewPlan())
	if _, err := cli.Stream("ghost"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Stream(ghost) = %v, want a not-found error", err)
	}
}

// A silent client is dropped once the idle limit lapses.
func TestStreamIdleDisconnect(t *testing.T) {
	cfg := *config.DefaultConfig()
	cfg.Stream.PingInterval = 1
	cfg.Stream.MissedPingLimit = 1
	cli, _ := newTestServer(t, cfg, oneTaskPlan("quiet"))

	started, err := cli.Start("quiet", "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn, err := cli.Stream(started.SessionID)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(8 * time.Second)); err != nil {
			t.Fatalf("SetReadDeadline failed: %v", err)
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			if time.Since(start) > 7*time.Second {
				t.Fatalf("connection ended only by read timeout after %v", time.Since(start))
			}
			return // the server dropped us, as expected
		}
		// Server pings and stray events are read and deliberately ignored.
	}
}

// Answering the server's pings counts as activity and keeps the stream
// open past the idle limit.
func TestStreamActivityKeepsConnectionAlive(t *testing.T) {
	cfg := *config.DefaultConfig()
	cfg.Stream.PingInterval = 1
	cfg.Stream.MissedPingLimit = 2
	cli, _ := newTestServer(t, cfg, oneTaskPlan("quiet"))

	started, err := cli.Start("quiet", "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn, err := cli.Stream(started.SessionID)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer conn.Close()

	stop := time.Now().Add(3500 * time.Millisecond)
	for time.Now().Before(stop) {
		if err := conn.SetReadDeadline(stop.Add(2 * time.Second)); err != nil {
			t.Fatalf("SetReadDeadline failed: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("connection dropped despite activity: %v", err)
		}
		if string(data) == "ping" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				t.Fatalf("write pong failed: %v", err)
			}
		}
	}
}
