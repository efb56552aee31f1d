package node

import "testing"

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	s1 := bus.Subscribe()
	s2 := bus.Subscribe()

	bus.Publish(Event{Type: EventPeerJoined, Peer: "BBBBBBBB"})

	for i, sub := range []Subscription{s1, s2} {
		select {
		case e := <-sub.Events():
			if e.Type != EventPeerJoined || e.Peer != "BBBBBBBB" {
				t.Errorf("subscriber %d got %+v", i, e)
			}
			if e.Timestamp.IsZero() {
				t.Errorf("subscriber %d event not timestamped", i)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestEventBusSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	// Publish far past the buffer; this must not block.
	for i := 0; i < 1000; i++ {
		bus.Publish(Event{Type: EventMediaChanged})
	}

	drained := 0
	for {
		select {
		case <-sub.Events():
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained > 64 {
		t.Errorf("drained %d events, want 1..64", drained)
	}
}

func TestClosedSubscriptionSafe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()
	sub.Close() // double close is a no-op

	bus.Publish(Event{Type: EventPeerLost}) // must not panic
}
