// Package broadcast fans scan lifecycle events out to live subscribers. Every
// subscriber owns a bounded outbound queue; publishing never blocks on a slow
// subscriber, and subscribers that stop answering heartbeats are evicted.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/volscan/internal/domain/events"
	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/internal/infra/messaging/connections"
	"github.com/ahrav/volscan/pkg/common/logger"
	"github.com/ahrav/volscan/pkg/common/timeutil"
)

// ErrHubClosed is returned when connecting to a closed hub.
var ErrHubClosed = errors.New("hub closed")

// Config holds the hub's tunables.
type Config struct {
	// HeartbeatInterval is the period between pings to every subscriber.
	HeartbeatInterval time.Duration
	// MissedHeartbeats is the number of unanswered pings after which a
	// subscriber is evicted.
	MissedHeartbeats int
	// QueueSize bounds each subscriber's outbound data queue.
	QueueSize int
	// WriteTimeout bounds a single frame write to a subscriber.
	WriteTimeout time.Duration
	// InboundRate and InboundBurst limit messages accepted from a subscriber.
	InboundRate  float64
	InboundBurst int
	// SinkQueueSize bounds events waiting to be mirrored to sinks.
	SinkQueueSize int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 3
	}
	if c.SinkQueueSize <= 0 {
		c.SinkQueueSize = 1024
	}
}

// Option configures optional hub collaborators.
type Option func(*Hub)

// WithSinks mirrors every broadcast event to sinks.
func WithSinks(sinks ...events.Sink) Option {
	return func(h *Hub) { h.sinks = append(h.sinks, sinks...) }
}

// WithTimeProvider sets the clock used for event timestamps.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(h *Hub) { h.timeProvider = tp }
}

// Eviction reasons.
const (
	reasonHeartbeat = "heartbeat_timeout"
	reasonShutdown  = "shutdown"
)

var _ scanning.EventBroadcaster = (*Hub)(nil)

// Hub maintains the registry of live subscribers and fans events out to them.
type Hub struct {
	cfg      Config
	registry *connections.SubscriberRegistry
	sinks    []events.Sink

	sinkQueue chan events.Event

	// ctx scopes subscriber writers and the background loops.
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	timeProvider timeutil.Provider
	metrics      Metrics
	tracer       trace.Tracer
	logger       *logger.Logger
}

var errHubStopped = errors.New("hub stopped")

// NewHub creates a hub. Call Start to begin heartbeats and sink mirroring.
func NewHub(cfg Config, metrics Metrics, tracer trace.Tracer, logger *logger.Logger, opts ...Option) *Hub {
	cfg.setDefaults()

	ctx, cancel := context.WithCancelCause(context.Background())
	h := &Hub{
		cfg:          cfg,
		registry:     connections.NewSubscriberRegistry(metrics),
		sinkQueue:    make(chan events.Event, cfg.SinkQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		timeProvider: timeutil.Default(),
		metrics:      metrics,
		tracer:       tracer,
		logger:       logger.With("component", "event_hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the heartbeat loop and, when sinks are configured, the sink
// forwarder. Both stop on Close.
func (h *Hub) Start(ctx context.Context) {
	_, span := h.tracer.Start(ctx, "hub.broadcast.start",
		trace.WithAttributes(
			attribute.String("heartbeat_interval", h.cfg.HeartbeatInterval.String()),
			attribute.Int("missed_heartbeats", h.cfg.MissedHeartbeats),
			attribute.Int("sinks", len(h.sinks)),
		))
	defer span.End()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.heartbeatLoop(h.ctx)
	}()

	if len(h.sinks) > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.forwardToSinks(h.ctx)
		}()
	}
}

// Connect wraps stream in a subscriber connection scoped to volumes (all
// volumes when empty) and registers it.
func (h *Hub) Connect(ctx context.Context, stream connections.Stream, volumes []string) (*connections.SubscriberConnection, error) {
	conn := connections.NewSubscriberConnection(
		stream,
		connections.Options{
			QueueSize:    h.cfg.QueueSize,
			WriteTimeout: h.cfg.WriteTimeout,
			InboundRate:  rate.Limit(h.cfg.InboundRate),
			InboundBurst: h.cfg.InboundBurst,
			Volumes:      volumes,
		},
		h.timeProvider,
		h.logger,
		h.tracer,
	)
	if err := h.Register(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Register adds conn to the hub and starts its writer.
func (h *Hub) Register(ctx context.Context, conn *connections.SubscriberConnection) error {
	ctx, span := h.tracer.Start(ctx, "hub.broadcast.register",
		trace.WithAttributes(attribute.String("subscriber_id", conn.ID)))
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		conn.Close(connections.CloseGoingAway, "server shutting down")
		span.SetStatus(codes.Error, "hub closed")
		return ErrHubClosed
	}

	h.registry.Register(ctx, conn)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.WritePump(h.ctx)
	}()

	h.logger.Info(ctx, "subscriber registered",
		"subscriber_id", conn.ID, "volumes", conn.Volumes(), "subscribers", h.registry.Count())
	return nil
}

// Unregister removes conn and closes it with code. It reports whether conn
// was registered.
func (h *Hub) Unregister(ctx context.Context, conn *connections.SubscriberConnection, code int, reason string) bool {
	removed := h.registry.Unregister(ctx, conn.ID)
	conn.Close(code, reason)
	if removed {
		h.logger.Info(ctx, "subscriber unregistered",
			"subscriber_id", conn.ID, "reason", reason, "dropped", conn.Dropped())
	}
	return removed
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int { return h.registry.Count() }

// Serve reads the subscriber's messages until its stream fails or closes, then
// unregisters it. Client pings are answered with a pong echoing the ping's
// timestamp; client pongs clear missed heartbeats. Heartbeat frames are exempt
// from the inbound rate limit; other messages beyond it are ignored.
func (h *Hub) Serve(ctx context.Context, conn *connections.SubscriberConnection) error {
	defer h.Unregister(ctx, conn, connections.CloseNormal, "connection closed")

	for {
		frame, err := conn.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-conn.Done():
				return nil
			default:
			}
			return fmt.Errorf("receive from subscriber %s: %w", conn.ID, err)
		}
		h.handleInbound(ctx, conn, frame)
	}
}

func (h *Hub) handleInbound(ctx context.Context, conn *connections.SubscriberConnection, frame []byte) {
	var evt events.Event
	err := json.Unmarshal(frame, &evt)
	heartbeat := err == nil && (evt.Type == events.EventTypePing || evt.Type == events.EventTypePong)
	if !heartbeat && !conn.AllowInbound() {
		h.logger.Debug(ctx, "inbound message rate limited", "subscriber_id", conn.ID)
		return
	}
	if err != nil {
		h.logger.Debug(ctx, "ignoring malformed subscriber message", "subscriber_id", conn.ID, "error", err)
		return
	}

	switch evt.Type {
	case events.EventTypePing:
		pong, err := json.Marshal(events.NewPong(h.timeProvider.Now(), evt.Timestamp))
		if err != nil {
			h.logger.Error(ctx, "failed to encode pong", "error", err)
			return
		}
		conn.EnqueueControl(pong)
	case events.EventTypePong:
		conn.PongReceived()
	default:
		h.logger.Debug(ctx, "ignoring subscriber message", "subscriber_id", conn.ID, "type", evt.Type)
	}
}

// BroadcastScanComplete announces a successful scan.
func (h *Hub) BroadcastScanComplete(ctx context.Context, volumeID, scanID string, result scanning.ScanResult) {
	h.broadcast(ctx, events.NewScanComplete(volumeID, scanID, result, h.timeProvider.Now()))
}

// BroadcastScanError announces a failed or cancelled scan.
func (h *Hub) BroadcastScanError(ctx context.Context, volumeID, scanID, message string, code scanning.ErrorCode) {
	h.broadcast(ctx, events.NewScanError(volumeID, scanID, message, code, h.timeProvider.Now()))
}

// BroadcastScanProgress announces the progress of a running scan.
func (h *Hub) BroadcastScanProgress(ctx context.Context, job scanning.ScanJob) {
	h.broadcast(ctx, events.NewScanProgress(job, h.timeProvider.Now()))
}

// BroadcastVolumeUpdate announces the current volume inventory to every
// subscriber regardless of scope.
func (h *Hub) BroadcastVolumeUpdate(ctx context.Context, volumes []scanning.Volume) {
	h.broadcast(ctx, events.NewVolumeUpdate(volumes, h.timeProvider.Now()))
}

// broadcast encodes evt once and queues it for every interested subscriber
// without blocking. Full queues drop the frame.
func (h *Hub) broadcast(ctx context.Context, evt events.Event) {
	ctx, span := h.tracer.Start(ctx, "hub.broadcast.broadcast",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("volume_id", evt.VolumeID),
		))
	defer span.End()

	frame, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		h.logger.Error(ctx, "failed to encode event", "type", evt.Type, "error", err)
		return
	}

	delivered := 0
	for _, conn := range h.registry.Snapshot() {
		if !conn.Wants(evt.VolumeID) {
			continue
		}
		if conn.Enqueue(frame) {
			delivered++
			continue
		}
		h.metrics.EventDropped(ctx, string(evt.Type))
	}
	h.metrics.EventBroadcast(ctx, string(evt.Type), delivered)
	span.SetAttributes(attribute.Int("delivered", delivered))

	h.mirror(ctx, evt)
}

func (h *Hub) mirror(ctx context.Context, evt events.Event) {
	if len(h.sinks) == 0 {
		return
	}
	select {
	case h.sinkQueue <- evt:
	default:
		h.metrics.SinkDropped(ctx, string(evt.Type))
	}
}

// forwardToSinks publishes queued events to every sink until ctx ends.
func (h *Hub) forwardToSinks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-h.sinkQueue:
			h.publishToSinks(ctx, evt)
		}
	}
}

func (h *Hub) publishToSinks(ctx context.Context, evt events.Event) {
	for _, sink := range h.sinks {
		if err := sink.Publish(ctx, evt, events.WithKey(evt.VolumeID)); err != nil {
			h.metrics.SinkFailed(ctx, string(evt.Type))
			h.logger.Warn(ctx, "failed to mirror event", "type", evt.Type, "error", err)
		}
	}
}

// drainSinks publishes events still queued once the forwarder has stopped.
func (h *Hub) drainSinks(ctx context.Context) {
	for {
		select {
		case evt := <-h.sinkQueue:
			h.publishToSinks(ctx, evt)
		default:
			return
		}
	}
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

// heartbeat evicts subscribers with MissedHeartbeats unanswered pings and
// pings the rest on their control lane.
func (h *Hub) heartbeat(ctx context.Context) {
	ctx, span := h.tracer.Start(ctx, "hub.broadcast.heartbeat")
	defer span.End()

	ping, err := json.Marshal(events.NewPing(h.timeProvider.Now()))
	if err != nil {
		h.logger.Error(ctx, "failed to encode ping", "error", err)
		return
	}

	evicted := 0
	for _, conn := range h.registry.Snapshot() {
		if missed := conn.Outstanding(); missed >= h.cfg.MissedHeartbeats {
			h.logger.Warn(ctx, "subscriber missed heartbeats",
				"subscriber_id", conn.ID, "missed", missed, "last_activity", conn.LastActivity())
			if h.Unregister(ctx, conn, connections.CloseGoingAway, "heartbeat timeout") {
				h.metrics.SubscriberEvicted(ctx, reasonHeartbeat)
				evicted++
			}
			continue
		}
		conn.PingSent()
		conn.EnqueueControl(ping)
	}
	span.SetAttributes(attribute.Int("evicted", evicted))
}

// Close disconnects every subscriber, stops the background loops, waits for
// writers to exit until ctx ends, flushes queued events to the sinks and
// closes them.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	for _, conn := range h.registry.Snapshot() {
		if h.Unregister(ctx, conn, connections.CloseGoingAway, "server shutting down") {
			h.metrics.SubscriberEvicted(ctx, reasonShutdown)
		}
	}
	h.cancel(errHubStopped)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
		h.drainSinks(ctx)
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("hub close: %w", ctx.Err()))
	}

	for _, sink := range h.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
