package server

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Event is one SSE payload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broker fans events out to SSE subscribers. Publishing is non-blocking: a
// slow subscriber drops events rather than stalling the main loop, and the
// rate limiter bounds total fan-out pressure.
type Broker struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	limiter *rate.Limiter
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[chan Event]struct{}),
		limiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// Subscribe registers a subscriber until ctx ends.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()
	return ch
}

// Publish sends an event to every subscriber, dropping on full buffers.
func (b *Broker) Publish(ev Event) {
	if !b.limiter.Allow() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
