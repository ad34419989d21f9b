package wsclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/volscan/internal/domain/events"
	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// session scripts what the test server does with one accepted connection.
type session func(t *testing.T, conn *websocket.Conn)

type testServer struct {
	*httptest.Server
	accepted atomic.Int32
	queries  chan string
}

// newTestServer serves sessions[i] to the i-th connection. Connections beyond
// the script are refused with 503.
func newTestServer(t *testing.T, sessions ...session) *testServer {
	t.Helper()
	ts := &testServer{queries: make(chan string, 16)}
	upgrader := websocket.Upgrader{}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(ts.accepted.Load())
		if n >= len(sessions) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepted.Add(1)
		ts.queries <- r.URL.RawQuery
		defer conn.Close()
		sessions[n](t, conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url() string { return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws" }

func send(t *testing.T, conn *websocket.Conn, evt events.Event) {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))
}

// echoPings answers client pings and returns once the client goes away.
func echoPings(t *testing.T, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt events.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		if evt.Type == events.EventTypePing {
			send(t, conn, events.NewPong(time.Now(), evt.Timestamp))
		}
	}
}

type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (s *stateLog) record(ch StateChange) {
	s.mu.Lock()
	s.changes = append(s.changes, ch)
	s.mu.Unlock()
}

func (s *stateLog) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.changes))
	for _, ch := range s.changes {
		out = append(out, ch.State)
	}
	return out
}

func (s *stateLog) attempts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, ch := range s.changes {
		if ch.State == StateReconnecting {
			out = append(out, ch.Attempt)
		}
	}
	return out
}

func newTestClient(url string, log *stateLog, opts ...Option) *Client {
	opts = append(opts, WithStateHandler(log.record))
	return New(Config{
		URL:             url,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, logger.New(io.Discard, logger.LevelDebug, "test", nil), opts...)
}

func runClient(c *Client) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
		return nil
	}
}

func TestServerNormalClosureDoesNotReconnect(t *testing.T) {
	ts := newTestServer(t, func(t *testing.T, conn *websocket.Conn) { closeNormal(conn) })
	states := new(stateLog)

	err := wait(t, runClient(newTestClient(ts.url(), states)))
	require.NoError(t, err)

	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosed}, states.states())
	assert.Equal(t, int32(1), ts.accepted.Load())
}

func TestAbnormalDropReconnects(t *testing.T) {
	ts := newTestServer(t,
		func(t *testing.T, conn *websocket.Conn) { conn.Close() },
		func(t *testing.T, conn *websocket.Conn) { closeNormal(conn) },
	)
	states := new(stateLog)

	require.NoError(t, wait(t, runClient(newTestClient(ts.url(), states))))

	assert.Equal(t,
		[]State{StateConnecting, StateOpen, StateReconnecting, StateOpen, StateClosed},
		states.states())
	assert.Equal(t, []int{1}, states.attempts())
	assert.Equal(t, int32(2), ts.accepted.Load())
}

func TestGoingAwayReconnects(t *testing.T) {
	ts := newTestServer(t,
		func(t *testing.T, conn *websocket.Conn) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"), time.Now().Add(time.Second))
		},
		func(t *testing.T, conn *websocket.Conn) { closeNormal(conn) },
	)
	states := new(stateLog)

	require.NoError(t, wait(t, runClient(newTestClient(ts.url(), states))))
	assert.Equal(t, []int{1}, states.attempts())
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	ts := newTestServer(t, func(t *testing.T, conn *websocket.Conn) { conn.Close() })
	states := new(stateLog)
	c := newTestClient(ts.url(), states)

	err := wait(t, runClient(c))
	require.ErrorIs(t, err, ErrReconnectFailed)

	assert.Equal(t, []int{1, 2, 3}, states.attempts())
	got := states.states()
	assert.Equal(t, StateFailed, got[len(got)-1])
	assert.Equal(t, StateFailed, c.State())
}

func TestInitialDialFailureRetries(t *testing.T) {
	ts := newTestServer(t)
	states := new(stateLog)

	err := wait(t, runClient(newTestClient(ts.url(), states)))
	require.ErrorIs(t, err, ErrReconnectFailed)
	assert.Equal(t, []int{1, 2, 3}, states.attempts())
	assert.Equal(t, StateConnecting, states.states()[0])
}

func TestEventsAndHeartbeats(t *testing.T) {
	pongs := make(chan events.Event, 1)
	ts := newTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		send(t, conn, events.NewPing(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var pong events.Event
		require.NoError(t, json.Unmarshal(data, &pong))
		pongs <- pong

		send(t, conn, events.NewScanComplete("data", "s1", scanning.ScanResult{VolumeID: "data"}, time.Now()))
		closeNormal(conn)
	})

	var (
		mu       sync.Mutex
		received []events.Event
	)
	c := newTestClient(ts.url(), new(stateLog), WithEventHandler(func(_ context.Context, evt events.Event) {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}))
	c.cfg.Volumes = []string{"data", "logs"}

	require.NoError(t, wait(t, runClient(c)))

	assert.Equal(t, "volume=data&volume=logs", <-ts.queries)

	pong := <-pongs
	require.Equal(t, events.EventTypePong, pong.Type)
	var payload events.PongPayload
	require.NoError(t, pong.Decode(&payload))
	assert.True(t, payload.Echo.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "control frames are not handed to the event handler")
	assert.Equal(t, events.EventTypeScanComplete, received[0].Type)
}

func TestPingMeasuresLatency(t *testing.T) {
	ts := newTestServer(t, echoPings)
	states := new(stateLog)
	c := newTestClient(ts.url(), states)

	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	done := runClient(c)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	latency, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Positive(t, latency)

	require.NoError(t, c.Close())
	require.NoError(t, wait(t, done))
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, states.attempts())
}

func TestContextCancelCloses(t *testing.T) {
	ts := newTestServer(t, echoPings)
	states := new(stateLog)
	c := newTestClient(ts.url(), states)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, time.Millisecond)
	cancel()

	require.NoError(t, wait(t, done))
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, states.attempts())
}
