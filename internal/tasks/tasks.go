// Package tasks runs background work (scrapes and notification delivery)
// off a queue with a fixed pool of workers.
//
// Delivery is at least once: a task is removed from the queue only after a
// worker acknowledges it, so handlers must tolerate repeats.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull    = errors.New("tasks: queue full")
	ErrQueueClosed  = errors.New("tasks: queue closed")
	ErrUnknownType  = errors.New("tasks: no handler for task type")
	ErrEmptyPayload = errors.New("tasks: empty payload")
)

// Type selects the handler for a task.
type Type string

const (
	TypeScrape Type = "scrape"
	TypeNotify Type = "notify"
)

// Task is one unit of queued work.
type Task struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	TenantID   string          `json:"tenantId"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// NewTask builds a task carrying payload as JSON.
func NewTask(typ Type, tenantID string, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return &Task{
		ID:         uuid.NewString(),
		Type:       typ,
		TenantID:   tenantID,
		Payload:    raw,
		EnqueuedAt: time.Now(),
	}, nil
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(t.Payload, v)
}

// AckFunc removes a dequeued task from the queue for good.
type AckFunc func(ctx context.Context) error

// Queue is a FIFO of tasks shared by producers and workers.
type Queue interface {
	Enqueue(ctx context.Context, t *Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (*Task, AckFunc, error)
	Len(ctx context.Context) (int64, error)
}

// ScrapePayload is the body of a TypeScrape task.
type ScrapePayload struct {
	SKUs []string `json:"skus"`
}
