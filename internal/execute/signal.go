// signal.go wakes parked gate waiters when approval state changes.
package execute

import "sync"

// Signal is a per-session wake-up: waiters arm a channel before re-reading
// durable state, and the approve handler closes it after writing. The
// channel carries no data; waiters always re-check the store after waking.
type Signal struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewSignal returns an empty signal table.
func NewSignal() *Signal {
	return &Signal{waiters: make(map[string]chan struct{})}
}

// Chan returns the channel the next Notify for this session will close.
// Arm it before reading state so a write landing in between still wakes
// the waiter.
func (s *Signal) Chan(sessionID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.waiters[sessionID]
	if !ok {
		ch = make(chan struct{})
		s.waiters[sessionID] = ch
	}
	return ch
}

// Notify wakes every waiter currently armed on the session. A session with
// no armed waiters is a no-op; the poll fallback covers late arrivals.
func (s *Signal) Notify(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.waiters[sessionID]; ok {
		close(ch)
		delete(s.waiters, sessionID)
	}
}
