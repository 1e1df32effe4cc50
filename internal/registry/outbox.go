package registry

import (
	"context"
	"sync"
)

// Outbox is an unbounded FIFO of outbound text frames. Push never blocks;
// a single writer drains it with Next.
type Outbox struct {
	mu     sync.Mutex
	queue  []string
	notify chan struct{}
	closed bool
}

// NewOutbox creates an empty, open outbox.
func NewOutbox() *Outbox {
	return &Outbox{notify: make(chan struct{}, 1)}
}

// Push appends a frame. Returns ErrClosed once the outbox is closed.
func (o *Outbox) Push(msg string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a frame is available, the outbox is closed, or ctx ends.
// Frames queued before Close are not delivered after it.
func (o *Outbox) Next(ctx context.Context) (string, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return "", ErrClosed
		}
		if len(o.queue) > 0 {
			msg := o.queue[0]
			o.queue[0] = ""
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return msg, nil
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close drops queued frames and wakes the writer. Safe to call twice.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.queue = nil
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}
