package connections

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RegistryMetrics defines the connection metrics kept by the registry.
type RegistryMetrics interface {
	IncConnectedSubscribers(ctx context.Context)
	DecConnectedSubscribers(ctx context.Context)
	SetConnectedSubscribers(ctx context.Context, count int)
}

// SubscriberRegistry manages the collection of connected subscribers.
// It provides thread-safe operations for registering, accessing, and removing subscribers.
//
// All operations are thread-safe, using read-write locks so broadcasts, which
// only take snapshots, proceed concurrently while registrations are serialized.
type SubscriberRegistry struct {
	mu          sync.RWMutex
	subscribers map[string]*SubscriberConnection
	metrics     RegistryMetrics
}

// NewSubscriberRegistry creates a new subscriber registry.
func NewSubscriberRegistry(metrics RegistryMetrics) *SubscriberRegistry {
	return &SubscriberRegistry{subscribers: make(map[string]*SubscriberConnection), metrics: metrics}
}

// Register adds a subscriber connection to the registry.
// If a subscriber with the same ID already exists, it will be replaced.
func (r *SubscriberRegistry) Register(ctx context.Context, conn *SubscriberConnection) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("subscriber_id", conn.ID))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscribers[conn.ID]; exists {
		span.AddEvent("subscriber_already_registered")
	} else {
		r.metrics.IncConnectedSubscribers(ctx)
	}

	r.subscribers[conn.ID] = conn
	span.AddEvent("subscriber_registered")
	r.metrics.SetConnectedSubscribers(ctx, len(r.subscribers))
}

// Unregister removes a subscriber from the registry.
// Returns true if the subscriber was found and removed, false otherwise.
func (r *SubscriberRegistry) Unregister(ctx context.Context, subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("subscriber_id", subscriberID))

	if _, exists := r.subscribers[subscriberID]; !exists {
		span.AddEvent("subscriber_not_found")
		return false
	}

	delete(r.subscribers, subscriberID)
	span.AddEvent("subscriber_unregistered")

	r.metrics.DecConnectedSubscribers(ctx)
	r.metrics.SetConnectedSubscribers(ctx, len(r.subscribers))

	return true
}

// Get retrieves a subscriber connection by ID.
func (r *SubscriberRegistry) Get(subscriberID string) (*SubscriberConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.subscribers[subscriberID]
	return conn, exists
}

// Count returns the number of registered subscribers.
func (r *SubscriberRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subscribers)
}

// Snapshot returns the registered subscribers at this instant.
func (r *SubscriberRegistry) Snapshot() []*SubscriberConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SubscriberConnection, 0, len(r.subscribers))
	for _, c := range r.subscribers {
		out = append(out, c)
	}
	return out
}
