package tenant

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically deactivates demo users whose trial has ended.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time
}

// NewSweeper creates a demo-account sweeper.
func NewSweeper(store Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in demo sweeper", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	s.Sweep(ctx)
}

// Sweep deactivates expired demo users once and returns how many changed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	users, err := s.store.DeactivateExpiredDemos(ctx, s.now())
	if err != nil {
		s.logger.Warn("failed to deactivate expired demo users", zap.Error(err))
		return 0
	}
	for _, u := range users {
		s.logger.Info("demo user deactivated",
			zap.String("user_id", u.ID),
			zap.String("tenant_id", u.TenantID))
	}
	return len(users)
}
