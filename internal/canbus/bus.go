// Package canbus carries RV-C traffic over SocketCAN or an in-memory loopback bus.
package canbus

import (
	"context"
	"errors"
)

// Bus is a CAN bus connection. Implementations are safe for concurrent use.
type Bus interface {
	// Send transmits a frame, blocking until it is queued or ctx is done.
	Send(ctx context.Context, frame Frame) error
	// Receive blocks until a frame arrives or ctx is done.
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

var (
	// ErrClosed indicates the bus or endpoint has been closed.
	ErrClosed = errors.New("canbus: closed")
	// ErrUnsupported is returned by DialSocketCAN on platforms without SocketCAN.
	ErrUnsupported = errors.New("canbus: socketcan not supported on this platform")
)
