// Package conn owns the persistent push connection: dialing, channel
// join/leave, keepalive, and reconnection with a bounded retry budget that
// downgrades to HTTP polling.
package conn

import (
	"context"
	"errors"
	"fmt"

	"upstand-realtime/internal/models"
)

var (
	// ErrClosed is returned by Session methods after Close.
	ErrClosed = errors.New("session closed")
	// ErrNotConnected is returned when an outbound frame has no session.
	ErrNotConnected = errors.New("not connected")
	// ErrSendBufferFull is returned when the outbound queue is saturated.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Transport opens sessions to the push endpoint for a scope.
type Transport interface {
	Name() string
	Dial(ctx context.Context, scope models.Scope) (Session, error)
}

// Session is one open connection. Receive blocks until the next inbound
// frame; Send may be called concurrently with Receive but not with itself.
type Session interface {
	Receive() ([]byte, error)
	Send(env models.Envelope) error
	Close() error
}

// CloseError reports why a session stopped delivering frames.
type CloseError struct {
	// ServerInitiated is true when the server closed the connection
	// deliberately (close frame, or the relay ended the poll session).
	ServerInitiated bool
	Code            int
	Err             error
}

func (e *CloseError) Error() string {
	if e.ServerInitiated {
		return fmt.Sprintf("closed by server (code %d)", e.Code)
	}
	if e.Err != nil {
		return "connection lost: " + e.Err.Error()
	}
	return "connection lost"
}

func (e *CloseError) Unwrap() error { return e.Err }

// IsServerClose reports whether err is a deliberate close by the server.
func IsServerClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.ServerInitiated
}
