package core

import (
	"context"
	"errors"
)

var (
	ErrBackpressure = errors.New("signal backpressure")
	ErrSignalClosed = errors.New("signal connection closed")
)

// SignalConnection abstracts the per-session messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// Notify queues a server-initiated event. It must not block; a full
	// queue is reported as ErrBackpressure.
	Notify(ctx context.Context, method string, params any) error
	Close()
}
