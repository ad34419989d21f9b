package connections

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/volscan/pkg/common/logger"
	"github.com/ahrav/volscan/pkg/common/timeutil"
)

// controlLaneSize bounds pending control frames (ping, pong) per subscriber.
const controlLaneSize = 4

// Options tunes a subscriber connection.
type Options struct {
	// QueueSize bounds buffered data frames. Frames beyond it are dropped.
	QueueSize int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// InboundRate and InboundBurst limit frames accepted from the peer.
	InboundRate  rate.Limit
	InboundBurst int
	// Volumes scopes data events to these volume ids. Empty means all.
	Volumes []string
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.InboundRate <= 0 {
		o.InboundRate = 5
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 10
	}
}

// SubscriberConnection tracks the state of a connected subscriber. It owns an
// isolated bounded outbound queue and a small control lane that is always
// drained first, so heartbeats are never stuck behind queued data.
type SubscriberConnection struct {
	ID        string    // Subscriber ID
	Stream    Stream    // Transport
	Connected time.Time // When the subscriber connected

	volumes map[string]struct{}

	queue   chan []byte
	control chan []byte
	done    chan struct{}
	once    sync.Once

	writeTimeout time.Duration
	inbound      *rate.Limiter

	lastActivity atomic.Int64 // unix nanos
	outstanding  atomic.Int32 // pings sent without a pong since
	dropped      atomic.Int64

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewSubscriberConnection creates a connection over stream with a fresh id.
func NewSubscriberConnection(
	stream Stream,
	opts Options,
	timeProvider timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *SubscriberConnection {
	opts.setDefaults()

	id := uuid.NewString()
	now := timeProvider.Now()
	c := &SubscriberConnection{
		ID:           id,
		Stream:       stream,
		Connected:    now,
		volumes:      make(map[string]struct{}, len(opts.Volumes)),
		queue:        make(chan []byte, opts.QueueSize),
		control:      make(chan []byte, controlLaneSize),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		inbound:      rate.NewLimiter(opts.InboundRate, opts.InboundBurst),
		timeProvider: timeProvider,
		logger:       logger.With("component", "subscriber_connection", "subscriber_id", id),
		tracer:       tracer,
	}
	for _, v := range opts.Volumes {
		c.volumes[v] = struct{}{}
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Wants reports whether data events for volumeID should reach this subscriber.
func (c *SubscriberConnection) Wants(volumeID string) bool {
	if len(c.volumes) == 0 || volumeID == "" {
		return true
	}
	_, ok := c.volumes[volumeID]
	return ok
}

// Volumes returns the subscriber's scope, sorted. Empty means all volumes.
func (c *SubscriberConnection) Volumes() []string {
	out := make([]string, 0, len(c.volumes))
	for v := range c.volumes {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Enqueue queues a data frame without blocking. It reports false, and counts
// the frame as dropped, when the queue is full or the connection closed.
func (c *SubscriberConnection) Enqueue(frame []byte) bool {
	return c.offer(c.queue, frame)
}

// EnqueueControl queues a control frame on the priority lane without blocking.
func (c *SubscriberConnection) EnqueueControl(frame []byte) bool {
	return c.offer(c.control, frame)
}

func (c *SubscriberConnection) offer(lane chan []byte, frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case lane <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of frames dropped for this subscriber.
func (c *SubscriberConnection) Dropped() int64 { return c.dropped.Load() }

// QueueLen returns the number of buffered data frames.
func (c *SubscriberConnection) QueueLen() int { return len(c.queue) }

// AllowInbound reports whether another frame from the peer may be processed.
func (c *SubscriberConnection) AllowInbound() bool { return c.inbound.Allow() }

// PingSent records an outgoing heartbeat and returns the number of heartbeats
// now awaiting a pong.
func (c *SubscriberConnection) PingSent() int { return int(c.outstanding.Add(1)) }

// PongReceived clears outstanding heartbeats.
func (c *SubscriberConnection) PongReceived() { c.outstanding.Store(0) }

// Outstanding returns the number of heartbeats awaiting a pong.
func (c *SubscriberConnection) Outstanding() int { return int(c.outstanding.Load()) }

// UpdateActivity records traffic from the peer.
func (c *SubscriberConnection) UpdateActivity(t time.Time) { c.lastActivity.Store(t.UnixNano()) }

// LastActivity returns the time of the last frame received from the peer.
func (c *SubscriberConnection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load()).UTC()
}

// Done is closed once the connection is closed.
func (c *SubscriberConnection) Done() <-chan struct{} { return c.done }

// Close closes the connection once; later calls are no-ops.
func (c *SubscriberConnection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if err := c.Stream.Close(code, reason); err != nil {
			c.logger.Debug(context.Background(), "closing subscriber stream", "error", err)
		}
	})
}

// WritePump drains the control lane and the data queue into the stream until
// the connection closes or ctx ends. Control frames always go first. A failed
// write closes the connection.
func (c *SubscriberConnection) WritePump(ctx context.Context) {
	defer c.Close(CloseGoingAway, "writer stopped")

	for {
		var frame []byte
		select {
		case frame = <-c.control:
		default:
			select {
			case frame = <-c.control:
			case frame = <-c.queue:
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		}

		if err := c.send(ctx, frame); err != nil {
			c.logger.Warn(ctx, "subscriber write failed", "error", err)
			c.Close(CloseInternalError, "write failed")
			return
		}
	}
}

func (c *SubscriberConnection) send(ctx context.Context, frame []byte) error {
	ctx, span := c.tracer.Start(ctx, "hub.subscriber_connection.send",
		trace.WithAttributes(
			attribute.String("subscriber_id", c.ID),
			attribute.Int("frame_bytes", len(frame)),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := c.Stream.Send(ctx, frame); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send frame")
		return err
	}
	return nil
}

// ReceiveMessage blocks for the next frame from the peer and records activity.
func (c *SubscriberConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	frame, err := c.Stream.Recv(ctx)
	if err != nil {
		return nil, err
	}
	c.UpdateActivity(c.timeProvider.Now())
	return frame, nil
}
