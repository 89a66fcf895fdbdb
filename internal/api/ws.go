// ws.go upgrades /sessions/{id}/stream to a WebSocket and forwards the
// session's events as they happen.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval    = 30 * time.Second
	defaultMissedPingLimit = 3
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to whatever fronts this server; the stream
	// itself carries no credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(sess.ID)
	defer sub.Close()

	pingInterval := time.Duration(s.cfg.Stream.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	limit := s.cfg.Stream.MissedPingLimit
	if limit <= 0 {
		limit = defaultMissedPingLimit
	}
	idleLimit := pingInterval * time.Duration(limit)

	// Reader side: every inbound message counts as liveness, and a literal
	// "ping" asks for a "pong" back. All writes stay on the loop below;
	// the connection allows only one writer.
	activity := make(chan struct{}, 1)
	pings := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case activity <- struct{}{}:
			default:
			}
			if kind == websocket.TextMessage && string(data) == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	lastSeen := time.Now()
	for {
		select {
		case evt, open := <-sub.C:
			if !open {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-pings:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case <-activity:
			lastSeen = time.Now()
		case <-ticker.C:
			if time.Since(lastSeen) > idleLimit {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
