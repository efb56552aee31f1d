package node

import (
	"sync"
	"time"
)

// EventType represents the type of change notification.
type EventType string

const (
	EventPeerJoined       EventType = "peer_joined"
	EventPeerLost         EventType = "peer_lost"
	EventStructureApplied EventType = "structure_applied"
	EventPointEdited      EventType = "point_edited"
	EventMediaChanged     EventType = "media_changed"
	EventSyncStarted      EventType = "sync_started"
	EventSyncProgress     EventType = "sync_progress"
	EventSyncFinished     EventType = "sync_finished"
	EventScriptReloaded   EventType = "script_reloaded"
	EventRoleChanged      EventType = "role_changed"
)

// Event is a change notification for the external renderer/GUI.
type Event struct {
	Type      EventType `json:"type"`
	Peer      string    `json:"peer,omitempty"`
	Path      string    `json:"path,omitempty"`
	Progress  float32   `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription represents an active event subscription.
type Subscription interface {
	// Events returns the channel to receive events on.
	Events() <-chan Event
	// Close stops the subscription and closes the channel.
	Close()
}

type subscription struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
	bus    *EventBus
}

func (s *subscription) Events() <-chan Event {
	return s.ch
}

func (s *subscription) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers without blocking; a slow subscriber loses events rather
// than stalling the network path.
func (s *subscription) send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

// EventBus fans events out to subscribers.
type EventBus struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscription]struct{})}
}

// Subscribe registers a buffered subscription.
func (b *EventBus) Subscribe() Subscription {
	s := &subscription{ch: make(chan Event, 64), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish stamps and delivers an event to every subscriber.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.send(e)
	}
}

// Close closes every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}
}

func (b *EventBus) remove(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}
