package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/metrics"
	"github.com/pricewatch/pricewatch/internal/retry"
)

// Handler processes one task. Returning an error wrapped with
// retry.Permanent drops the task instead of re-queueing it.
type Handler func(ctx context.Context, t *Task) error

// Pool runs a fixed number of workers over a queue.
type Pool struct {
	queue       Queue
	workers     int
	maxAttempts int
	logger      *zap.Logger
	handlers    map[Type]Handler
	mu          sync.RWMutex
	stop        chan struct{}
	running     atomic.Bool
	errBackoff  time.Duration
}

// NewPool creates a pool. A task is attempted at most maxAttempts times.
func NewPool(queue Queue, workers, maxAttempts int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Pool{
		queue:       queue,
		workers:     workers,
		maxAttempts: maxAttempts,
		logger:      logger,
		handlers:    make(map[Type]Handler),
		stop:        make(chan struct{}, 1),
		errBackoff:  time.Second,
	}
}

// Handle registers h for tasks of type typ.
func (p *Pool) Handle(typ Type, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[typ] = h
}

// Running reports whether the workers are active.
func (p *Pool) Running() bool {
	return p.running.Load()
}

// Start runs the workers until ctx is done or Stop is called, then waits
// for in-flight tasks. Call in a goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

// Stop signals the workers to finish.
func (p *Pool) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	for {
		t, ack, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue failed", zap.Int("worker", id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errBackoff):
			}
			continue
		}
		// Finish the task even when shutdown starts mid-way.
		p.process(context.WithoutCancel(ctx), t, ack)
		if n, err := p.queue.Len(ctx); err == nil {
			metrics.TaskQueueDepth.Set(float64(n))
		}
	}
}

func (p *Pool) process(ctx context.Context, t *Task, ack AckFunc) {
	ctx = logging.WithLogger(ctx, p.logger)
	if t.TenantID != "" {
		ctx = logging.WithTenantID(ctx, t.TenantID)
	}
	log := logging.L(ctx).With(zap.String("task_id", t.ID), zap.String("task_type", string(t.Type)))

	err := p.run(ctx, t)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownType):
		result = "dropped"
		log.Error("no handler for task")
	default:
		var perm *retry.PermanentError
		if errors.As(err, &perm) || t.Attempt+1 >= p.maxAttempts {
			result = "failed"
			log.Error("task failed", zap.Int("attempt", t.Attempt+1), zap.Error(err))
			break
		}
		result = "requeued"
		log.Warn("task failed, requeueing", zap.Int("attempt", t.Attempt+1), zap.Error(err))
		next := *t
		next.Attempt++
		if qerr := p.queue.Enqueue(ctx, &next); qerr != nil {
			result = "failed"
			log.Error("requeue failed", zap.Error(qerr))
		}
	}
	metrics.TasksProcessedTotal.WithLabelValues(string(t.Type), result).Inc()

	if err := ack(ctx); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

func (p *Pool) run(ctx context.Context, t *Task) (err error) {
	p.mu.RLock()
	h, ok := p.handlers[t.Type]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("panic in %s handler: %v", t.Type, r))
		}
	}()
	return h(ctx, t)
}
