package events

// EventType identifies the kind of lifecycle notification carried by an Event.
// The string values are the wire contract seen by subscribers.
type EventType string

const (
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeVolumeUpdate EventType = "volume_update"
	EventTypeScanProgress EventType = "scan_progress"
	EventTypeScanComplete EventType = "scan_complete"
	EventTypeScanError    EventType = "scan_error"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypePing, EventTypePong, EventTypeVolumeUpdate,
		EventTypeScanProgress, EventTypeScanComplete, EventTypeScanError:
		return true
	default:
		return false
	}
}

// IsControl reports whether the event belongs to connection upkeep rather than
// scan lifecycle. Control events bypass volume scoping.
func (t EventType) IsControl() bool { return t == EventTypePing || t == EventTypePong }

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing events to a sink.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
// The key helps ensure related events are processed in order by the same consumer.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// ApplyOptions folds opts into a PublishParams.
func ApplyOptions(opts ...PublishOption) PublishParams {
	var p PublishParams
	for _, o := range opts {
		o(&p)
	}
	return p
}
