package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("ten_1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyedMutex_LockContextTimesOut(t *testing.T) {
	m := NewKeyedMutex()
	unlock := m.Lock("ten_1")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	u, err := m.LockContext(ctx, "ten_1")
	assert.Nil(t, u)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_LockContextAcquires(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.LockContext(context.Background(), "ten_2")
	require.NoError(t, err)
	unlock()

	// Re-acquirable after release.
	unlock, err = m.LockContext(context.Background(), "ten_2")
	require.NoError(t, err)
	unlock()
}
