// Package bus is the in-process push channel: components publish typed
// events, and any number of named subscribers tap the stream (fan-out).
// Delivery is best-effort — a slow tap drops events rather than stalling
// the publisher or any agent turn.
package bus

import (
	"sync"

	"github.com/rookery-ai/rookery/pkg/events"
)

// Subscriber is a named tap on the event stream. Multiple subscribers can
// independently consume the same published events (fan-out).
type Subscriber struct {
	Name      string
	SessionID string // non-empty: only events for this session
	ch        chan events.Event
}

type Bus struct {
	mu        sync.RWMutex
	subs      []*Subscriber
	closed    bool
	closeOnce sync.Once
}

func New() *Bus {
	return &Bus{}
}

// Subscribe creates a named subscriber that receives copies of all
// published events. The returned channel is buffered; slow consumers drop.
func (b *Bus) Subscribe(name string) <-chan events.Event {
	return b.subscribe(name, "")
}

// SubscribeSession creates a named subscriber that receives only events
// scoped to the given session, plus global (unscoped) events.
func (b *Bus) SubscribeSession(name, sessionID string) <-chan events.Event {
	return b.subscribe(name, sessionID)
}

func (b *Bus) subscribe(name, sessionID string) <-chan events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{Name: name, SessionID: sessionID, ch: make(chan events.Event, 64)}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Unsubscribe removes and closes the subscriber owning ch.
func (b *Bus) Unsubscribe(ch <-chan events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish fans the event out to every matching subscriber.
func (b *Bus) Publish(ev events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.SessionID != "" && ev.SessionID != "" && sub.SessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default: // non-blocking — drop if subscriber is slow
		}
	}
}

func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.subs = nil
		b.mu.Unlock()
	})
}
