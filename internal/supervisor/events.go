package supervisor

import "time"

// State of the supervised backend.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EventKind distinguishes output lines from state changes.
type EventKind int

const (
	EventOutput EventKind = iota
	EventState
)

// Event is delivered to subscribers.
type Event struct {
	Kind  EventKind
	Line  string // EventOutput: one stdout line
	State State  // EventState: the new state
	PID   int
	At    time.Time
}

// Subscribe returns a channel of events and a cancel func. Events are dropped
// for a subscriber whose buffer is full.
func (s *Supervisor) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = defaultSubscriber
	}
	ch := make(chan Event, buf)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subsMu.Unlock()
	}
	return ch, cancel
}

func (s *Supervisor) broadcast(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
