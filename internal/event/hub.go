// hub.go fans events out to live observers. Delivery is best-effort and
// at-most-once: nobody listening means the event is simply gone, and a
// subscriber that stops draining loses events rather than stalling the
// scheduler.
package event

import "sync"

// subscriberBuffer bounds how far a slow observer may fall behind before
// events are dropped for it.
const subscriberBuffer = 16

// Hub routes events to the subscribers of each session.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// Subscriber receives one session's events on C until Close.
type Subscriber struct {
	C chan Event

	hub       *Hub
	sessionID string
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers an observer for one session's events.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		C:         make(chan Event, subscriberBuffer),
		hub:       h,
		sessionID: sessionID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}

	return sub
}

// Close unregisters the subscriber and closes its channel. Safe to call
// once; the channel close is the subscriber's end-of-stream signal.
func (s *Subscriber) Close() {
	h := s.hub

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[s.sessionID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.sessionID)
	}
	close(s.C)
}

// Publish delivers an event to every subscriber of its session without
// blocking. Subscribers with full buffers miss the event.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[evt.SessionID] {
		select {
		case sub.C <- evt:
		default:
		}
	}
}

// SubscriberCount reports how many observers a session currently has.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
