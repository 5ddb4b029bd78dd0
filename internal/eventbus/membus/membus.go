// Package membus is an in-process implementation of eventbus.Bus: a buffered
// channel feeding a fan-out loop to subscriber channels. It exists so the
// control plane always has a real, exercised event-bus backing instead of an
// untested stub; a production deployment would swap this for the cloud event
// bus behind the same interface.
package membus

import (
	"context"
	"sync"

	"github.com/zeroechelon/outpost-dispatcher/internal/eventbus"
)

// Subscriber receives a copy of every entry published to the bus.
type Subscriber chan eventbus.Entry

// Bus is a process-wide, subscribable event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	entryCh     chan eventbus.Entry
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a new Bus and starts its distribution loop.
func New() *Bus {
	b := &Bus{
		subscribers: make(map[Subscriber]bool),
		entryCh:     make(chan eventbus.Entry, 256),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Stop halts the distribution loop. Safe to call more than once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber channel. Callers must Unsubscribe
// when done to avoid leaking the channel.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// PutEvents implements eventbus.Bus. It never blocks the caller on a full
// bus: entries are dropped (best-effort) if the bus is saturated, since
// cost-event emission failures are logged by the caller rather than
// surfaced as dispatch errors.
func (b *Bus) PutEvents(ctx context.Context, entries []eventbus.Entry) error {
	for _, e := range entries {
		select {
		case b.entryCh <- e:
		case <-b.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Buffer full; drop rather than block the caller.
		}
	}
	return nil
}

func (b *Bus) run() {
	for {
		select {
		case e := <-b.entryCh:
			b.broadcast(e)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(e eventbus.Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// Subscriber buffer full; skip rather than stall the bus.
		}
	}
}

// SubscriberCount reports the number of active subscribers (test/ops hook).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
