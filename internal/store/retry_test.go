package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

func TestRetryOpRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), fastRetry, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOpStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), fastRetry, func() error {
		calls++
		return ErrVersionConflict
	})
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 1, calls)
}

func TestRetryOpGivesUp(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), fastRetry, func() error {
		calls++
		return errors.New("SQLITE_LOCKED")
	})
	require.Error(t, err)
	assert.Equal(t, fastRetry.maxRetries+1, calls)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("page-1")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Empty(t, locks.locks)
}
