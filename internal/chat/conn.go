// Package chat implements the relay: clients, conversation rooms and event dispatch.
package chat

import "context"

// Conn abstracts a bidirectional, message-framed connection.
// This interface isolates transport details from relay logic.
type Conn interface {
	// Read reads a single frame.
	// Returns io.EOF when the connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
