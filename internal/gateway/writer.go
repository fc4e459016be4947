package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrWriterClosed is returned by Writer.Send after the writer stopped.
var ErrWriterClosed = errors.New("gateway: connection writer closed")

// WriteFunc writes one text frame to a socket, bounded by ctx.
type WriteFunc func(ctx context.Context, data []byte) error

type writeRequest struct {
	ctx    context.Context
	data   []byte
	result chan error
}

// Writer owns the write side of one connection. Reader and heartbeat
// goroutines hand it frames through Send; only Run touches the socket, so
// writes are serialized without a lock.
type Writer struct {
	requests chan writeRequest
	done     chan struct{}
}

// NewWriter creates a Writer. Start it with Run.
func NewWriter() *Writer {
	return &Writer{
		requests: make(chan writeRequest),
		done:     make(chan struct{}),
	}
}

// Run serves write requests until ctx ends.
func (w *Writer) Run(ctx context.Context, write WriteFunc) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			req.result <- write(req.ctx, req.data)
		}
	}
}

// Send queues data and waits for the write result.
func (w *Writer) Send(ctx context.Context, data []byte) error {
	req := writeRequest{ctx: ctx, data: data, result: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendJSON encodes v and sends it.
func (w *Writer) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return w.Send(ctx, data)
}
