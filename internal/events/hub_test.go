package events

import (
	"context"
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub(nil)

	ch := hub.Subscribe(10, EventOffense)

	hub.EmitOffense(OffenseData{SourceIP: "203.0.113.10", Description: "probe"}, "port_detector")

	select {
	case e := <-ch:
		if e.Type != EventOffense {
			t.Errorf("expected offense event, got %s", e.Type)
		}
		data, ok := e.Data.(OffenseData)
		if !ok {
			t.Fatal("expected OffenseData payload")
		}
		if data.SourceIP != "203.0.113.10" {
			t.Errorf("unexpected payload: %+v", data)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be stamped")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestHub_TypeFiltering(t *testing.T) {
	hub := NewHub(nil)

	blocks := hub.Subscribe(10, EventBlock)

	hub.EmitOffense(OffenseData{SourceIP: "203.0.113.10"}, "test")
	hub.EmitBlock(BlockData{IP: "203.0.113.10", Action: "add", Source: "rule"})

	select {
	case e := <-blocks:
		if e.Type != EventBlock {
			t.Errorf("filtered subscriber got %s", e.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for block event")
	}

	select {
	case e := <-blocks:
		t.Errorf("unexpected extra event: %+v", e)
	default:
	}
}

func TestHub_GlobalSubscription(t *testing.T) {
	hub := NewHub(nil)

	ch := hub.Subscribe(10)

	hub.Publish(Event{Type: EventOffense})
	hub.Publish(Event{Type: EventBlock})
	hub.Publish(Event{Type: EventStats})

	received := 0
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
		}
	}
	if received != 3 {
		t.Errorf("expected 3 events, got %d", received)
	}
}

func TestHub_DropsOldestWhenFull(t *testing.T) {
	hub := NewHub(nil)

	ch := hub.Subscribe(2, EventOffense)

	for i := 0; i < 5; i++ {
		hub.EmitOffense(OffenseData{ID: int64(i)}, "test")
	}

	// The queue holds the two newest events: 3 and 4
	first := <-ch
	second := <-ch
	if first.Data.(OffenseData).ID != 3 || second.Data.(OffenseData).ID != 4 {
		t.Errorf("expected newest events kept, got %v then %v",
			first.Data.(OffenseData).ID, second.Data.(OffenseData).ID)
	}

	_, dropped := hub.Counters()
	if dropped != 3 {
		t.Errorf("expected 3 drops, got %d", dropped)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(nil)

	ch := hub.Subscribe(10, EventOffense, EventBlock)
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.SubscriberCount())
	}

	hub.Unsubscribe(ch)
	if hub.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", hub.SubscriberCount())
	}

	hub.EmitOffense(OffenseData{}, "test")
	select {
	case e := <-ch:
		t.Errorf("unsubscribed channel received %+v", e)
	default:
	}
}

func TestHub_StatsTicker(t *testing.T) {
	hub := NewHub(nil)

	ch := hub.Subscribe(10, EventStats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.RunStatsTicker(ctx, 10*time.Millisecond, func() StatsData {
		return StatsData{ActiveBlocks: 7}
	})

	select {
	case e := <-ch:
		data, ok := e.Data.(StatsData)
		if !ok || data.ActiveBlocks != 7 {
			t.Errorf("unexpected stats payload: %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for stats snapshot")
	}
}
