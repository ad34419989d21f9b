package connections_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/volscan/internal/infra/messaging/connections"
	"github.com/ahrav/volscan/pkg/common/logger"
	"github.com/ahrav/volscan/pkg/common/timeutil"
)

// pipeStream records sent frames and serves received frames from a channel.
type pipeStream struct {
	mu        sync.Mutex
	sent      [][]byte
	closeCode int

	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	// block, when set, makes Send wait until the stream closes.
	block bool
}

func newPipeStream() *pipeStream {
	return &pipeStream{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipeStream) Send(ctx context.Context, frame []byte) error {
	if p.block {
		select {
		case <-p.closed:
			return io.ErrClosedPipe
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, frame)
	return nil
}

func (p *pipeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.incoming:
		return f, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeStream) Close(code int, _ string) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closeCode = code
		p.mu.Unlock()
		close(p.closed)
	})
	return nil
}

func (p *pipeStream) frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, f := range p.sent {
		out = append(out, string(f))
	}
	return out
}

func newConnWith(stream connections.Stream, opts connections.Options) *connections.SubscriberConnection {
	return connections.NewSubscriberConnection(
		stream,
		opts,
		timeutil.Default(),
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"),
	)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	conn := newConnWith(newPipeStream(), connections.Options{QueueSize: 2})

	assert.True(t, conn.Enqueue([]byte("a")))
	assert.True(t, conn.Enqueue([]byte("b")))
	assert.False(t, conn.Enqueue([]byte("c")))

	assert.Equal(t, int64(1), conn.Dropped())
	assert.Equal(t, 2, conn.QueueLen())
}

func TestControlLaneDrainsFirst(t *testing.T) {
	stream := newPipeStream()
	conn := newConnWith(stream, connections.Options{QueueSize: 4})

	require.True(t, conn.Enqueue([]byte("data-1")))
	require.True(t, conn.Enqueue([]byte("data-2")))
	require.True(t, conn.EnqueueControl([]byte("ping")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.WritePump(ctx)

	require.Eventually(t, func() bool { return len(stream.frames()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping", "data-1", "data-2"}, stream.frames())
}

func TestWantsHonorsVolumeScope(t *testing.T) {
	all := newConnWith(newPipeStream(), connections.Options{})
	scoped := newConnWith(newPipeStream(), connections.Options{Volumes: []string{"b", "a"}})

	assert.True(t, all.Wants("anything"))
	assert.True(t, scoped.Wants("a"))
	assert.False(t, scoped.Wants("c"))
	assert.True(t, scoped.Wants(""), "events without a volume reach everyone")
	assert.Equal(t, []string{"a", "b"}, scoped.Volumes())
}

func TestCloseIsIdempotentAndStopsEnqueue(t *testing.T) {
	stream := newPipeStream()
	conn := newConnWith(stream, connections.Options{})

	conn.Close(connections.CloseNormal, "bye")
	conn.Close(connections.CloseInternalError, "again")

	select {
	case <-conn.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Equal(t, connections.CloseNormal, stream.closeCode)
	assert.False(t, conn.Enqueue([]byte("late")))
}

type failingStream struct{ *pipeStream }

func (failingStream) Send(context.Context, []byte) error { return errors.New("broken pipe") }

func TestWritePumpClosesOnSendFailure(t *testing.T) {
	stream := failingStream{newPipeStream()}
	conn := newConnWith(stream, connections.Options{})
	require.True(t, conn.Enqueue([]byte("x")))

	done := make(chan struct{})
	go func() {
		conn.WritePump(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop")
	}
	assert.Equal(t, connections.CloseInternalError, stream.closeCode)
}

func TestHeartbeatAccounting(t *testing.T) {
	conn := newConnWith(newPipeStream(), connections.Options{})

	assert.Equal(t, 1, conn.PingSent())
	assert.Equal(t, 2, conn.PingSent())
	conn.PongReceived()
	assert.Zero(t, conn.Outstanding())
}

func TestInboundRateLimit(t *testing.T) {
	conn := newConnWith(newPipeStream(), connections.Options{InboundRate: 0.001, InboundBurst: 2})

	assert.True(t, conn.AllowInbound())
	assert.True(t, conn.AllowInbound())
	assert.False(t, conn.AllowInbound())
}

func TestReceiveMessageUpdatesActivity(t *testing.T) {
	stream := newPipeStream()
	conn := newConnWith(stream, connections.Options{})
	before := conn.LastActivity()

	time.Sleep(2 * time.Millisecond)
	stream.incoming <- []byte("hello")

	frame, err := conn.ReceiveMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(frame))
	assert.True(t, conn.LastActivity().After(before))
}
