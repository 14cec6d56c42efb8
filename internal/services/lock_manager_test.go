package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLockManagerSerializesConversation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lm := NewLockManager()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lm.Acquire(context.Background(), "c1")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 0, lm.Len())
}

func TestLockManagerIndependentConversations(t *testing.T) {
	lm := NewLockManager()
	r1, err := lm.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	r2, err := lm.Acquire(context.Background(), "c2")
	require.NoError(t, err)
	assert.Equal(t, 2, lm.Len())

	r1()
	r1()
	r2()
	assert.Equal(t, 0, lm.Len())
}

func TestLockManagerAcquireHonoursContext(t *testing.T) {
	lm := NewLockManager()
	release, err := lm.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lm.Acquire(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, lm.Len())
}
