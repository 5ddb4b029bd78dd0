// Package eventbus defines the abstract event-bus contract the dispatcher
// emits cost and lifecycle events through: a single PutEvents operation
// over opaque JSON-detail entries. The control plane never reads events
// back; it is a fire-and-forget sink.
package eventbus

import (
	"context"
	"time"
)

// Entry is a single event-bus entry.
type Entry struct {
	EventBus   string
	Source     string
	DetailType string
	Time       time.Time
	Detail     string // opaque JSON string
}

// Bus is the abstract event bus used by the dispatcher to emit cost events.
type Bus interface {
	PutEvents(ctx context.Context, entries []Entry) error
}
