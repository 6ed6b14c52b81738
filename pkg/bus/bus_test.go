package bus

import (
	"testing"

	"github.com/rookery-ai/rookery/pkg/events"
)

func TestFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	a := b.Subscribe("a")
	c := b.Subscribe("c")

	b.Publish(events.Event{Type: "test.event", Source: "test"})

	for name, ch := range map[string]<-chan events.Event{"a": a, "c": c} {
		select {
		case ev := <-ch:
			if ev.Type != "test.event" {
				t.Errorf("subscriber %s: type = %q, want test.event", name, ev.Type)
			}
		default:
			t.Errorf("subscriber %s: no event delivered", name)
		}
	}
}

func TestSessionFilter(t *testing.T) {
	b := New()
	defer b.Close()

	scoped := b.SubscribeSession("scoped", "bot-1")

	b.Publish(events.Event{Type: "stream.delta", SessionID: "bot-2"})
	b.Publish(events.Event{Type: "stream.delta", SessionID: "bot-1"})
	b.Publish(events.Event{Type: "system.status"}) // unscoped

	var got []events.Event
	for {
		select {
		case ev := <-scoped:
			got = append(got, ev)
			continue
		default:
		}
		break
	}

	if len(got) != 2 {
		t.Fatalf("scoped subscriber got %d events, want 2", len(got))
	}
	if got[0].SessionID != "bot-1" {
		t.Errorf("first event session = %q, want bot-1", got[0].SessionID)
	}
	if got[1].Type != "system.status" {
		t.Errorf("second event type = %q, want the unscoped system.status", got[1].Type)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe("slow")

	// Fill past the buffer; publishes must not block.
	for i := 0; i < 200; i++ {
		b.Publish(events.Event{Type: "stream.delta"})
	}

	n := 0
	for {
		select {
		case <-ch:
			n++
			continue
		default:
		}
		break
	}
	if n != 64 {
		t.Errorf("buffered events = %d, want 64 (rest dropped)", n)
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New()
	ch := b.Subscribe("x")
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel not closed")
	}

	// Publish after unsubscribe must not panic.
	b.Publish(events.Event{Type: "test.event"})

	b.Close()
	b.Close() // idempotent
	b.Publish(events.Event{Type: "test.event"})
}
