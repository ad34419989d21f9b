// Package connections tracks live subscriber sessions: their transport, their
// isolated outbound queues and the registry the event hub fans out over.
package connections

import "context"

// Stream is the transport under a subscriber connection. In production it is
// a websocket; tests substitute in-memory streams.
//
// Send is only called from the connection's writer goroutine and Recv only
// from its reader, so implementations need not serialize either direction.
type Stream interface {
	// Send writes one frame, honoring ctx's deadline.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks for the next frame from the peer.
	Recv(ctx context.Context) ([]byte, error)

	// Close ends the session with a close code and reason.
	Close(code int, reason string) error
}

// Close codes, as defined for websocket sessions.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)
