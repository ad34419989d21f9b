// Package wsclient is a reconnecting subscriber for the volscan event stream.
//
// A Client dials the server's /v1/ws endpoint, answers heartbeat pings, hands
// every lifecycle event to a handler, and redials with exponential backoff
// when the connection drops abnormally. A normal closure from the server, an
// explicit Close, or cancelling the Run context ends the client without
// reconnecting.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/ahrav/volscan/internal/domain/events"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// State is the client's connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

var (
	// ErrReconnectFailed is returned by Run once every reconnection attempt failed.
	ErrReconnectFailed = errors.New("reconnection attempts exhausted")
	// ErrNotConnected is returned by Ping while no connection is open.
	ErrNotConnected = errors.New("not connected")
)

// StateChange reports a transition. Attempt is the reconnection attempt
// number while reconnecting and zero otherwise; Err is the failure that
// caused a reconnection or the final failure.
type StateChange struct {
	State   State
	Attempt int
	Err     error
}

// Config controls dialing and reconnection.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/v1/ws.
	URL string
	// Volumes scopes the subscription; empty subscribes to every volume.
	Volumes []string
	// MaxAttempts bounds consecutive reconnection attempts.
	MaxAttempts int
	// InitialInterval and MaxInterval shape the exponential reconnect delay.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Option configures a Client.
type Option func(*Client)

// WithEventHandler receives every scan and volume event. The handler runs on
// the read loop and should return quickly; heartbeats are not answered while
// it runs.
func WithEventHandler(h func(ctx context.Context, evt events.Event)) Option {
	return func(c *Client) { c.onEvent = h }
}

// WithStateHandler is notified of every state transition.
func WithStateHandler(h func(StateChange)) Option {
	return func(c *Client) { c.onState = h }
}

// WithHeader adds headers, such as Origin, to every handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// Client is a reconnecting event stream subscriber. Run drives it; Ping and
// Close may be called concurrently with Run.
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	header http.Header

	onEvent func(ctx context.Context, evt events.Event)
	onState func(StateChange)

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	closed  bool
	cancel  context.CancelFunc
	pending map[int64]chan struct{}

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	logger *logger.Logger
}

// New creates a client. Nothing is dialed until Run.
func New(cfg Config, log *logger.Logger, opts ...Option) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		onEvent: func(context.Context, events.Event) {},
		onState: func(StateChange) {},
		state:   StateClosed,
		pending: make(map[int64]chan struct{}),
		logger:  log.With("component", "ws_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(ch StateChange) {
	c.mu.Lock()
	c.state = ch.State
	c.mu.Unlock()
	c.onState(ch)
}

// Run connects and serves the stream until the client is closed, ctx ends,
// the server closes normally, or reconnection fails. It returns nil in the
// first three cases and an error wrapping ErrReconnectFailed in the last.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateChange{State: StateConnecting})
	conn, err := c.dial(ctx)
	if err != nil {
		if conn, err = c.reconnect(ctx, err); err != nil {
			return c.finish(ctx, err)
		}
	}

	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			c.logger.Debug(ctx, "event stream closed", "error", err)
			c.setState(StateChange{State: StateClosed})
			return nil
		}

		c.logger.Warn(ctx, "event stream lost", "error", err)
		if conn, err = c.reconnect(ctx, err); err != nil {
			return c.finish(ctx, err)
		}
	}
}

func (c *Client) finish(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.setState(StateChange{State: StateClosed})
		return nil
	}
	c.setState(StateChange{State: StateFailed, Err: err})
	return err
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if len(c.cfg.Volumes) > 0 {
		q := u.Query()
		for _, v := range c.cfg.Volumes {
			q.Add("volume", v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info(ctx, "event stream connected", "url", endpoint)
	c.setState(StateChange{State: StateOpen})
	return conn, nil
}

// reconnect redials with exponential backoff, reporting each attempt.
func (c *Client) reconnect(ctx context.Context, cause error) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		c.setState(StateChange{State: StateReconnecting, Attempt: attempt, Err: cause})

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		c.logger.Debug(ctx, "reconnection attempt failed", "attempt", attempt, "error", err)
		cause = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, c.cfg.MaxAttempts, cause)
}

// serve reads frames until the connection ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var evt events.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Debug(ctx, "ignoring malformed frame", "error", err)
			continue
		}

		switch evt.Type {
		case events.EventTypePing:
			if err := c.write(conn, events.NewPong(time.Now(), evt.Timestamp)); err != nil {
				return err
			}
		case events.EventTypePong:
			c.resolvePing(evt)
		default:
			c.onEvent(ctx, evt)
		}
	}
}

func (c *Client) write(conn *websocket.Conn, evt events.Event) error {
	frame, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) resolvePing(evt events.Event) {
	var pong events.PongPayload
	if err := evt.Decode(&pong); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[pong.Echo.UnixNano()]
	delete(c.pending, pong.Echo.UnixNano())
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Ping sends a ping and waits for the server's pong, returning the round-trip
// latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	sent := time.Now()
	key := sent.UnixNano()
	ch := make(chan struct{})
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.write(conn, events.NewPing(sent)); err != nil {
		return 0, fmt.Errorf("send ping: %w", err)
	}

	select {
	case <-ch:
		return time.Since(sent), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close ends the client with a normal closure. Run returns nil afterwards and
// no reconnection is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		err = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	}
	if cancel != nil {
		cancel()
	}
	return err
}
