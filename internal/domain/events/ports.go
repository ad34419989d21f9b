// Package events defines the lifecycle event envelope pushed to live
// subscribers and mirrored to external sinks.
package events

import (
	"context"
)

// Sink receives a copy of every broadcast event. It provides a
// technology-agnostic interface so the hub stays decoupled from the
// messaging infrastructure (Kafka, in-memory recorders).
type Sink interface {
	// Publish forwards the event. Optional PublishOptions configure routing.
	Publish(ctx context.Context, evt Event, opts ...PublishOption) error

	// Close flushes and releases sink resources.
	Close() error
}
