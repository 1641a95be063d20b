package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/insightd/internal/insight"
)

// Handler consumes one event.
type Handler = func(ctx context.Context, e insight.Event) error

// Bus is an in-process publisher. Handlers run synchronously, in
// subscription order, on the publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers []subscription
}

type subscription struct {
	id    int
	types map[insight.EventType]bool
	fn    Handler
}

var _ insight.Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for the given event types, or for every type
// when none are given. The returned func removes the subscription.
func (b *Bus) Subscribe(fn Handler, types ...insight.EventType) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[insight.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.handlers = append(b.handlers, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.handlers {
			if h.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every matching handler. A panicking handler is
// reported as an error and does not stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, e insight.Event) error {
	b.mu.RLock()
	handlers := append([]subscription(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if h.types != nil && !h.types[e.Type] {
			continue
		}
		if err := deliver(ctx, h.fn, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, fn Handler, e insight.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked on %s: %v", e.Type, r)
		}
	}()
	return fn(ctx, e)
}

// Multi publishes to every publisher and joins their errors.
func Multi(publishers ...insight.Publisher) insight.Publisher {
	var ps []insight.Publisher
	for _, p := range publishers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return insight.PublisherFunc(func(ctx context.Context, e insight.Event) error {
		var errs []error
		for _, p := range ps {
			if err := p.Publish(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
