// Package writebehind carries persistence entries from the engine to the
// durable store without the engine ever waiting on the store.
//
// The engine pushes entries in the order their state changes took effect. A
// single Drainer takes them in the same order and applies each one before
// moving to the next, so delivery is at-least-once and FIFO.
package writebehind

import (
	"context"
	"errors"
	"sync"

	"github.com/atmx/matching-engine/internal/protocol"
)

var (
	// ErrEmpty is returned by Ack when there is nothing to acknowledge.
	ErrEmpty = errors.New("writebehind: queue is empty")
	// ErrCorrupt is returned when a stored entry cannot be decoded.
	ErrCorrupt = errors.New("writebehind: corrupt entry")
)

// DeadSuffix names the dead-letter queue that sits next to a queue.
const DeadSuffix = ":dead"

// Queue is a FIFO of persistence entries with a single consumer.
//
// Next returns the head without removing it; it keeps returning the same
// entry until Ack removes it, so an entry is never lost between a crash and
// the store write that would have made it durable.
type Queue interface {
	Push(ctx context.Context, e protocol.Entry) error
	Next(ctx context.Context) (protocol.Entry, error)
	Ack(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is an unbounded in-process queue. It is used when the drainer
// runs inside the engine process and in tests.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []protocol.Entry
	notify chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Push(_ context.Context, e protocol.Entry) error {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Next(ctx context.Context) (protocol.Entry, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return protocol.Entry{}, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return ErrEmpty
	}
	q.items[0] = protocol.Entry{}
	q.items = q.items[1:]
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Entries returns a copy of the queued entries, head first.
func (q *MemoryQueue) Entries() []protocol.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Entry, len(q.items))
	copy(out, q.items)
	return out
}
