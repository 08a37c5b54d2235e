package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var freeLimits = Limits{TotalHours: 720, SKUsLimit: 50, ParseUnitsLimit: 5000}

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewLedger(store), store
}

func assignFree(t *testing.T, l *Ledger, tenantID string) *Quota {
	t.Helper()
	tmpl, err := l.EnsureTemplate(context.Background(), "DEFAULT", freeLimits)
	require.NoError(t, err)
	q, err := l.Assign(context.Background(), tenantID, tmpl)
	require.NoError(t, err)
	return q
}

func TestLedger_GetWithoutQuota(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Get(context.Background(), "ten_missing")
	assert.ErrorIs(t, err, ErrNoQuota)
}

func TestLedger_AssignInitializesFromTemplate(t *testing.T) {
	l, _ := newTestLedger(t)
	assignFree(t, l, "ten_1")

	q, err := l.Get(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, "DEFAULT", q.Name)
	assert.Equal(t, 50, q.SKUsLimit)
	assert.Equal(t, 5000, q.ParseUnitsLimit)
	assert.Equal(t, 50, q.SKUsRemaining)
	assert.Equal(t, q.AssignedAt.Add(720*time.Hour), q.ExpiresAt)
}

func TestLedger_ConsumeDecrements(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assignFree(t, l, "ten_1")

	require.NoError(t, l.Consume(ctx, "ten_1", SKUs, 10))
	require.NoError(t, l.Consume(ctx, "ten_1", ParseUnits, 4999))

	q, err := l.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, 40, q.SKUsRemaining)
	assert.Equal(t, 1, q.ParseUnitsRemaining)
}

func TestLedger_ConsumeExceededLeavesCounter(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assignFree(t, l, "ten_1")
	require.NoError(t, l.Consume(ctx, "ten_1", SKUs, 45))

	err := l.Consume(ctx, "ten_1", SKUs, 6)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, SKUs, exceeded.Resource)
	assert.Equal(t, 6, exceeded.Requested)
	assert.Equal(t, 5, exceeded.Remaining)

	q, _ := l.Get(ctx, "ten_1")
	assert.Equal(t, 5, q.SKUsRemaining)
}

func TestLedger_ConsumeExactRemainderSucceeds(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assignFree(t, l, "ten_1")

	require.NoError(t, l.Consume(ctx, "ten_1", SKUs, 50))
	q, _ := l.Get(ctx, "ten_1")
	assert.Equal(t, 0, q.SKUsRemaining)
}

func TestLedger_ConsumeValidation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assignFree(t, l, "ten_1")

	assert.ErrorIs(t, l.Consume(ctx, "ten_1", SKUs, 0), ErrInvalidAmount)
	assert.ErrorIs(t, l.Consume(ctx, "ten_1", Resource("hours"), 1), ErrUnknownResource)
	assert.ErrorIs(t, l.Consume(ctx, "ten_nobody", SKUs, 1), ErrNoQuota)
}

func TestLedger_ConsumeAfterPeriodExpired(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	tmpl, err := l.EnsureTemplate(ctx, "TEST", Limits{TotalHours: 3, SKUsLimit: 10, ParseUnitsLimit: 100})
	require.NoError(t, err)
	_, err = l.Assign(ctx, "ten_1", tmpl)
	require.NoError(t, err)

	l.now = func() time.Time { return time.Now().Add(4 * time.Hour) }
	assert.ErrorIs(t, l.Consume(ctx, "ten_1", SKUs, 1), ErrQuotaExpired)
}

func TestLedger_ConcurrentConsumeNeverOverdraws(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assignFree(t, l, "ten_1")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Consume(ctx, "ten_1", SKUs, 1) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), ok.Load())
	q, _ := l.Get(ctx, "ten_1")
	assert.Equal(t, 0, q.SKUsRemaining)
}

func TestLedger_SetReusesIdenticalTemplate(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	q1, err := l.Set(ctx, "ten_1", "custom", 100, 20, 200)
	require.NoError(t, err)
	q2, err := l.Set(ctx, "ten_2", "custom", 100, 20, 200)
	require.NoError(t, err)
	assert.Equal(t, q1.TemplateID, q2.TemplateID)

	templates, _ := store.ListTemplates(ctx)
	assert.Len(t, templates, 1)

	q3, err := l.Set(ctx, "ten_3", "custom", 100, 21, 200)
	require.NoError(t, err)
	assert.NotEqual(t, q1.TemplateID, q3.TemplateID)
}

func TestLedger_SharedTemplateUsageIsIsolated(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assignFree(t, l, "ten_1")
	assignFree(t, l, "ten_2")

	require.NoError(t, l.Consume(ctx, "ten_1", SKUs, 30))

	q2, err := l.Get(ctx, "ten_2")
	require.NoError(t, err)
	assert.Equal(t, 50, q2.SKUsRemaining)
}

func TestLedger_SetRejectsNegativeLimits(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Set(context.Background(), "ten_1", "bad", -1, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidLimits)
}

func TestLedger_ReleaseCapsAtLimit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assignFree(t, l, "ten_1")
	require.NoError(t, l.Consume(ctx, "ten_1", SKUs, 3))

	require.NoError(t, l.Release(ctx, "ten_1", SKUs, 10))
	q, _ := l.Get(ctx, "ten_1")
	assert.Equal(t, 50, q.SKUsRemaining)
}

func TestLedger_RenewResetsCounters(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	assignFree(t, l, "ten_1")
	require.NoError(t, l.Consume(ctx, "ten_1", ParseUnits, 4000))

	q, err := l.Renew(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, 5000, q.ParseUnitsRemaining)
}

type fixedCount struct {
	n   int
	err error
}

func (c fixedCount) CountItems(context.Context, string) (int, error) { return c.n, c.err }

func TestLedger_RenewKeepsTrackedItems(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.CountHeldWith(fixedCount{n: 50})
	assignFree(t, l, "ten_1")
	require.NoError(t, l.Consume(ctx, "ten_1", ParseUnits, 100))

	q, err := l.Renew(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, 0, q.SKUsRemaining)
	assert.Equal(t, 5000, q.ParseUnitsRemaining)
	assert.ErrorIs(t, l.Consume(ctx, "ten_1", SKUs, 1), ErrQuotaExceeded)

	// a larger plan leaves room for the difference only
	q, err = l.Set(ctx, "ten_1", "BUSINESS", 720, 500, 50000)
	require.NoError(t, err)
	assert.Equal(t, 450, q.SKUsRemaining)

	// more items than the new limit floors at zero
	l.CountHeldWith(fixedCount{n: 80})
	q, err = l.Set(ctx, "ten_1", "DEFAULT", 720, 50, 5000)
	require.NoError(t, err)
	assert.Equal(t, 0, q.SKUsRemaining)
}

func TestLedger_AssignCountError(t *testing.T) {
	l, _ := newTestLedger(t)
	boom := errors.New("db down")
	l.CountHeldWith(fixedCount{err: boom})
	tmpl, err := l.EnsureTemplate(context.Background(), "DEFAULT", freeLimits)
	require.NoError(t, err)

	_, err = l.Assign(context.Background(), "ten_1", tmpl)
	assert.ErrorIs(t, err, boom)
	_, err = l.Get(context.Background(), "ten_1")
	assert.ErrorIs(t, err, ErrNoQuota)
}
