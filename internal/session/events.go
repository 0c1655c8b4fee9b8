package session

// EventType names an update pushed to UI subscribers
type EventType string

const (
	EventMessage    EventType = "message"
	EventPresence   EventType = "presence"
	EventUnread     EventType = "unread"
	EventCall       EventType = "call"
	EventError      EventType = "error"
	EventConnection EventType = "connection"
	EventRedirect   EventType = "redirect"
)

type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Subscribe returns a stream of session events and a function that ends it.
// A subscriber that falls behind misses events rather than stalling the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *Session) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
