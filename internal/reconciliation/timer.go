package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is used when NewTimer is given a non-positive interval.
const DefaultInterval = 15 * time.Minute

// Timer runs reconciliation on an interval and keeps the latest report.
// Scheduled and on-demand runs never overlap.
type Timer struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	runMu sync.Mutex
	last  atomic.Pointer[Report]
}

func NewTimer(svc *Service, interval time.Duration, logger *zap.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{svc: svc, interval: interval, logger: logger, stop: make(chan struct{})}
}

func (t *Timer) Running() bool { return t.running.Load() }

// Last returns the most recent report, or nil before the first run.
func (t *Timer) Last() *Report { return t.last.Load() }

// Start blocks, running a pass every interval until ctx is done or Stop
// is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-tick.C:
			t.tick(ctx)
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation pass panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	t.RunOnce(ctx)
}

// RunOnce runs a pass now, waiting for any pass already in progress.
func (t *Timer) RunOnce(ctx context.Context) *Report {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	report, err := t.svc.Run(ctx)
	if err != nil {
		t.logger.Warn("reconciliation pass aborted", zap.Error(err))
	}
	t.log(report)
	t.last.Store(report)
	return report
}

func (t *Timer) log(r *Report) {
	for _, m := range r.Mismatches {
		t.logger.Error("tenant balance disagrees with ledger",
			zap.String("tenant_id", m.TenantID),
			zap.Stringer("balance", m.Balance),
			zap.Stringer("ledger_balance", m.LedgerBalance),
			zap.Stringer("diff", m.Diff),
			zap.String("last_entry_id", m.LastEntryID))
	}
	level := zap.InfoLevel
	if !r.Healthy() {
		level = zap.WarnLevel
	}
	t.logger.Log(level, "reconciliation pass finished",
		zap.Int("tenants", r.TenantsChecked),
		zap.Int("mismatches", len(r.Mismatches)),
		zap.Int("errors", r.Errors),
		zap.Duration("took", r.Duration))
}
