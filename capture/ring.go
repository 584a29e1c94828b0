package capture

import (
	"context"
	"sync"
	"sync/atomic"
)

// Policy decides what happens when the chunk queue is full: drop the oldest
// unconsumed chunk (keeps the device callback responsive, default) or block
// the producer until the consumer catches up.
type Policy int

const (
	DropOldest Policy = iota
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// queue is a bounded single-producer chunk queue between the device callback
// and the consumer. Chunks keep the sequence numbers they were created with,
// so a drop is observable downstream as a gap.
type queue struct {
	ch      chan Chunk
	policy  Policy
	dropped atomic.Uint64

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	err    error
}

func newQueue(depth int, policy Policy) *queue {
	return &queue{
		ch:     make(chan Chunk, depth),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// push hands a chunk to the consumer side. Under Block it waits for space;
// under DropOldest it evicts exactly one chunk, the oldest queued, and
// retries.
func (q *queue) push(c Chunk) {
	if q.policy == Block {
		select {
		case q.ch <- c:
		case <-q.done:
		}
		return
	}
	for {
		select {
		case q.ch <- c:
			return
		case <-q.done:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		case <-q.done:
			return
		default:
		}
	}
}

// pop blocks until a chunk is available, the queue is closed, or ctx ends.
// After close, chunks already queued are still delivered before the close
// error surfaces.
func (q *queue) pop(ctx context.Context) (Chunk, error) {
	select {
	case c := <-q.ch:
		return c, nil
	default:
	}
	select {
	case c := <-q.ch:
		return c, nil
	case <-q.done:
		// Drain anything that raced with close.
		select {
		case c := <-q.ch:
			return c, nil
		default:
		}
		return Chunk{}, q.closeErr()
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (q *queue) closeWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	close(q.done)
}

func (q *queue) closeErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *queue) droppedCount() uint64 {
	return q.dropped.Load()
}
