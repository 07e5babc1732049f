// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package batcher

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

func TestSendThenRunDeliversOneBatch(t *testing.T) {
	sender, receiver := Bounded[int](16, nil)

	for i := 0; i < 5; i++ {
		sender.Send(i)
	}

	var got [][]int
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- receiver.Run(ctx, func(batch []int) error {
			mu.Lock()
			cp := append([]int(nil), batch...)
			got = append(got, cp)
			mu.Unlock()
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver.Run did not return in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got[0])
}

func TestSendDropsWholeBatchWhenOverCapacity(t *testing.T) {
	sender, _ := Bounded[int](3, nil)

	for i := 0; i < 3; i++ {
		sender.Send(i)
	}
	// this Send observes the batch at capacity and clears it first
	sender.Send(99)

	sender.sh.mu.Lock()
	defer sender.sh.mu.Unlock()
	assert.Equal(t, []int{99}, sender.sh.st.next.contents)
}

func TestSendAfterCloseIsDiscarded(t *testing.T) {
	sender, _ := Bounded[int](16, nil)
	sender.Close()
	sender.Send(1)

	sender.sh.mu.Lock()
	defer sender.sh.mu.Unlock()
	assert.Empty(t, sender.sh.st.next.contents)
}

func TestOnNextFlushRunsImmediatelyWhenNothingQueued(t *testing.T) {
	sender, _ := Bounded[int](16, nil)

	var ran atomic.Bool
	sender.OnNextFlush(func() { ran.Store(true) })

	assert.True(t, ran.Load())
}

func TestOnNextFlushWaitsForPendingBatch(t *testing.T) {
	sender, receiver := Bounded[int](16, nil)
	sender.Send(1)

	var ran atomic.Bool
	sender.OnNextFlush(func() { ran.Store(true) })
	assert.False(t, ran.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- receiver.Run(ctx, func(batch []int) error {
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver.Run did not return in time")
	}
	assert.True(t, ran.Load())
}

func TestRunExitsAfterCloseOnceDrained(t *testing.T) {
	sender, receiver := Bounded[int](16, nil)
	sender.Send(1)
	sender.Close()

	var batches int
	err := receiver.Run(context.Background(), func(batch []int) error {
		batches++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, batches)
}

func TestRetryableFailureIsRetriedThenGivesUp(t *testing.T) {
	sender, receiver := Bounded[int](16, nil)
	receiver.retry.max = 2
	receiver.retryDelay.InitialInterval = time.Millisecond
	receiver.retryDelay.MaxInterval = 2 * time.Millisecond
	sender.Send(1)
	sender.Close()

	var attempts int
	err := receiver.Run(context.Background(), func(batch []int) error {
		attempts++
		return Retry[int](errors.New("still down"), batch)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts) // first attempt + 2 retries
}

func TestPanicInOnBatchIsRecovered(t *testing.T) {
	sender, receiver := Bounded[int](16, nil)
	sender.Send(1)
	sender.Close()

	err := receiver.Run(context.Background(), func(batch []int) error {
		panic("boom")
	})

	require.NoError(t, err)
}

func TestCapacityWindowTracksRecentMax(t *testing.T) {
	c := newCapacityWindow()
	assert.Equal(t, 1, c.next(1))
	assert.Equal(t, 5, c.next(5))
	assert.Equal(t, 5, c.next(2))
}

func TestDelayDoublesUpToMax(t *testing.T) {
	d := newDelay(time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, time.Millisecond, d.next())
	assert.Equal(t, 3*time.Millisecond, d.next())
	assert.Equal(t, 7*time.Millisecond, d.next())
	assert.Equal(t, 10*time.Millisecond, d.next())
	d.reset()
	assert.Equal(t, time.Millisecond, d.next())
}
