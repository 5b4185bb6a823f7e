package device

import (
	"context"
	"sync"
	"time"

	"github.com/embermesh/embermesh/pkg/client"
)

type EventType string

const (
	// EventEffect carries one effect of a durably committed command.
	EventEffect EventType = "effect"
	// EventCommitted marks the end of one head advance; every effect of
	// the batch has been published before it.
	EventCommitted EventType = "committed"
)

// Event is an application-consumable notification of graph state changes.
// Only relevant fields for an event type are populated.
type Event struct {
	Type   EventType
	At     time.Time
	Effect *client.Effect
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring the sync loop.
func (d *Device) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	d.eb.add(ch)
	go func() {
		<-ctx.Done()
		d.eb.remove(ch)
		close(ch)
	}()
	return ch
}

// eventBus fans effects out to subscribers. It implements client.Sink: the
// client delivers effects between Begin and Commit, and only a Commit makes
// them visible, so subscribers never see effects of a failed head advance.
type eventBus struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	pending []client.Effect
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	if e.subs != nil {
		delete(e.subs, ch)
	}
	e.mu.Unlock()
}

func (e *eventBus) Begin() {
	e.mu.Lock()
	e.pending = e.pending[:0]
	e.mu.Unlock()
}

func (e *eventBus) Consume(ef client.Effect) {
	e.mu.Lock()
	e.pending = append(e.pending, ef)
	e.mu.Unlock()
}

func (e *eventBus) Rollback() {
	e.mu.Lock()
	e.pending = e.pending[:0]
	e.mu.Unlock()
}

func (e *eventBus) Commit() {
	e.mu.Lock()
	now := time.Now()
	for i := range e.pending {
		ef := e.pending[i]
		e.publishLocked(Event{Type: EventEffect, At: now, Effect: &ef})
	}
	e.pending = e.pending[:0]
	e.publishLocked(Event{Type: EventCommitted, At: now})
	e.mu.Unlock()
}

func (e *eventBus) publishLocked(ev Event) {
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// drop if receiver is slow
		}
	}
}

var _ client.Sink = (*eventBus)(nil)
