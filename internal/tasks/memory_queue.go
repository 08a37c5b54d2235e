package tasks

import (
	"context"
)

// MemoryQueue is a bounded in-process queue used when Redis is not
// configured. Tasks are lost on restart.
type MemoryQueue struct {
	ch chan *Task
}

// NewMemoryQueue creates a queue holding up to size tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan *Task, size)}
}

// Enqueue never blocks; it fails with ErrQueueFull when the buffer is full.
func (q *MemoryQueue) Enqueue(_ context.Context, t *Task) error {
	cp := *t
	select {
	case q.ch <- &cp:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, AckFunc, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case t := <-q.ch:
		return t, func(context.Context) error { return nil }, nil
	}
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

var _ Queue = (*MemoryQueue)(nil)
