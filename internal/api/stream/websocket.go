// Package stream upgrades subscriber requests to websockets and hands them to
// the event hub.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahrav/volscan/internal/infra/messaging/connections"
)

// closeWriteTimeout bounds writing the close frame.
const closeWriteTimeout = time.Second

var _ connections.Stream = (*wsStream)(nil)

// wsStream adapts a gorilla websocket connection to connections.Stream.
// gorilla allows one concurrent writer, so writes are serialized.
type wsStream struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn, readLimit int64) *wsStream {
	conn.SetReadLimit(readLimit)
	return &wsStream{conn: conn}
}

// Send writes frame as a text message. The context deadline becomes the write
// deadline.
func (s *wsStream) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Recv blocks for the next text or binary message. Closing the stream
// unblocks it.
func (s *wsStream) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, frame, err := s.conn.ReadMessage()
	return frame, err
}

// Close sends a close frame with code and reason, then closes the socket. It
// never waits on a write in progress: a peer that stopped reading only gets
// the socket closed, which also unblocks the stalled writer.
func (s *wsStream) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		var err error
		if s.writeMu.TryLock() {
			msg := websocket.FormatCloseMessage(code, reason)
			err = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
			s.writeMu.Unlock()
			if errors.Is(err, websocket.ErrCloseSent) {
				err = nil
			}
		}
		s.closeErr = errors.Join(err, s.conn.Close())
	})
	return s.closeErr
}
