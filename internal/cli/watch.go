// watch.go implements the "sluice watch" command: a live view of one
// session's event stream.
package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/sluice-dev/sluice/internal/event"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Stream a session's events",
	Long: `Follow a session over its WebSocket stream, printing one line per
event. Exits when the session completes or fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}

	conn, err := c.Stream(args[0])
	if err != nil {
		return fmt.Errorf("watching session: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Watching session %s (Ctrl-C to stop)\n", args[0])

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}

		// The server probes liveness with a text "ping"; answer it or the
		// connection gets dropped as idle.
		if kind == websocket.TextMessage && string(data) == "ping" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return fmt.Errorf("answering ping: %w", err)
			}
			continue
		}

		var evt event.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			fmt.Printf("  %s\n", strings.TrimSpace(string(data)))
			continue
		}
		fmt.Printf("%s  %s\n", evt.Time.Local().Format("15:04:05"), formatEvent(evt))

		if evt.Type == event.SessionComplete || evt.Type == event.Error {
			return nil
		}
	}
}

func formatEvent(evt event.Event) string {
	switch evt.Type {
	case event.WaveStarted:
		return fmt.Sprintf("wave %d started: %s", evt.Wave, strings.Join(evt.TaskNames, ", "))
	case event.AgentStarted:
		return fmt.Sprintf("  task %s started", evt.TaskName)
	case event.AgentCompleted:
		return fmt.Sprintf("  task %s completed", evt.TaskName)
	case event.CheckpointReady:
		return fmt.Sprintf("checkpoint %d ready (%s, wave %d); review with: sluice checkpoint %s %d",
			evt.Checkpoint, evt.TaskName, evt.Wave, evt.SessionID, evt.Checkpoint)
	case event.WaveComplete:
		return fmt.Sprintf("wave %d complete, next wave %d", evt.Wave, evt.NextWave)
	case event.SessionComplete:
		return "session complete; fetch the artifact with: sluice result " + evt.SessionID
	case event.Error:
		if evt.TaskName != "" {
			return fmt.Sprintf("error in task %s: %s", evt.TaskName, evt.Message)
		}
		return "error: " + evt.Message
	}
	return evt.Type
}
