// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package batcher implements a bounded, single-consumer queue that groups
// whatever was enqueued between consumer passes into one batch, retries a
// failed batch with backoff, and lets producers wait for "everything queued
// so far has been flushed" without blocking on every single send.
//
// It's the transport-facing half of every emitter that doesn't want to make
// a network or disk call on the caller's goroutine: call sites call Send,
// which never blocks and never fails; a single background goroutine calls
// Run, which drains whatever accumulated into one slice per pass.
package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dd-diag/emit-go/internal/errkind"
	"github.com/dd-diag/emit-go/internal/log"
	"github.com/dd-diag/emit-go/internalmetrics"
)

// RetryError is returned by an OnBatch callback to signal that some or all
// of the batch should be retried after a backoff delay. Use NoRetry for a
// failure that should simply drop the batch.
type RetryError[T any] struct {
	Err       error
	Retryable []T
}

func (e *RetryError[T]) Error() string { return e.Err.Error() }
func (e *RetryError[T]) Unwrap() error { return e.Err }

// Retry wraps err, carrying the subset of the batch (if any) that should be
// retried. A nil or empty retryable slice behaves exactly like NoRetry.
func Retry[T any](err error, retryable []T) error {
	return &RetryError[T]{Err: err, Retryable: retryable}
}

// NoRetry wraps err with no retryable remainder: the whole batch is dropped.
func NoRetry[T any](err error) error {
	return &RetryError[T]{Err: err}
}

type batch[T any] struct {
	contents []T
	watchers []func()
}

func newBatch[T any]() batch[T] { return batch[T]{} }

type state[T any] struct {
	next      batch[T]
	isOpen    bool
	isInBatch bool
}

type shared[T any] struct {
	mu sync.Mutex
	st state[T]
}

// Sender is the producer half of a batcher. Safe for concurrent use from
// many goroutines.
type Sender[T any] struct {
	maxCapacity int
	sh          *shared[T]
}

// Receiver is the single-consumer half of a batcher. Run must only be
// called once.
type Receiver[T any] struct {
	idleDelay  delay
	retry      retryBudget
	retryDelay *backoff.ExponentialBackOff
	capacity   capacityWindow
	sh         *shared[T]
	metrics    *internalmetrics.Source
}

// Bounded creates a linked Sender/Receiver pair. maxCapacity bounds how many
// queued-but-not-yet-batched items Send will keep before it starts dropping
// the oldest accumulated batch wholesale — this protects memory when the
// consumer (a stalled network emitter, say) falls behind, at the cost of
// losing events rather than growing without bound.
func Bounded[T any](maxCapacity int, metrics *internalmetrics.Source) (*Sender[T], *Receiver[T]) {
	sh := &shared[T]{st: state[T]{next: newBatch[T](), isOpen: true}}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0

	return &Sender[T]{maxCapacity: maxCapacity, sh: sh},
		&Receiver[T]{
			idleDelay:  newDelay(time.Millisecond, 500*time.Millisecond),
			retry:      retryBudget{max: 10},
			retryDelay: b,
			capacity:   newCapacityWindow(),
			sh:         sh,
			metrics:    metrics,
		}
}

// Send enqueues msg for the next batch. Never blocks, never fails: if the
// channel is already over capacity the pending batch is dropped wholesale
// (and logged) to bound memory; if the channel has been closed, msg is
// silently discarded.
func (s *Sender[T]) Send(msg T) {
	s.sh.mu.Lock()
	defer s.sh.mu.Unlock()

	if len(s.sh.st.next.contents) >= s.maxCapacity {
		dropped := len(s.sh.st.next.contents)
		s.sh.st.next.contents = s.sh.st.next.contents[:0]
		log.ErrorOnce("batcher: dropped %d queued item(s), receiver falling behind", dropped)
	}

	if !s.sh.st.isOpen {
		return
	}
	s.sh.st.next.contents = append(s.sh.st.next.contents, msg)
}

// OnNextFlush registers watcher to run once everything queued as of this
// call has been through a batch pass. If there's nothing pending right now
// (and no batch currently in flight), watcher runs immediately, synchronously,
// before OnNextFlush returns.
func (s *Sender[T]) OnNextFlush(watcher func()) {
	s.sh.mu.Lock()

	if !s.sh.st.isInBatch && (len(s.sh.st.next.contents) == 0 || !s.sh.st.isOpen) {
		s.sh.mu.Unlock()
		watcher()
		return
	}

	s.sh.st.next.watchers = append(s.sh.st.next.watchers, watcher)
	s.sh.mu.Unlock()
}

// Close marks the channel closed: subsequent Sends are dropped, and the
// Receiver exits its Run loop once it has flushed whatever was already
// queued. Safe to call more than once.
func (s *Sender[T]) Close() {
	s.sh.mu.Lock()
	s.sh.st.isOpen = false
	s.sh.mu.Unlock()
}

// Close has the same effect as Sender.Close: it marks the channel closed so
// a concurrently-running Sender stops accepting new items. A batcher is
// fully torn down once both sides have called Close.
func (r *Receiver[T]) Close() {
	r.sh.mu.Lock()
	r.sh.st.isOpen = false
	r.sh.mu.Unlock()
}

// Run drains batches until ctx is cancelled or the channel is closed with
// nothing left queued, calling onBatch once per non-empty pass. onBatch
// panics are recovered, logged, and counted rather than killing the loop —
// a bad batch shouldn't take transport workers down with it.
func (r *Receiver[T]) Run(ctx context.Context, onBatch func([]T) error) error {
	next := newBatch[T]()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.sh.mu.Lock()
		var current batch[T]
		isOpen := r.sh.st.isOpen
		if len(r.sh.st.next.contents) > 0 {
			r.sh.st.isInBatch = true
			current = r.sh.st.next
			r.sh.st.next = next
		} else {
			r.sh.st.isInBatch = false
			current = batch[T]{watchers: r.sh.st.next.watchers}
			r.sh.st.next.watchers = nil
		}
		r.sh.mu.Unlock()

		if len(current.contents) > 0 {
			r.retry.reset()
			r.retryDelay.Reset()
			r.idleDelay.reset()

			next = batch[T]{contents: make([]T, 0, r.capacity.next(len(current.contents)))}

			current.contents = r.runBatchWithRetry(ctx, current.contents, onBatch)
			notify(current.watchers)
			continue
		}

		notify(current.watchers)
		if !isOpen {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.idleDelay.next()):
		}
	}
}

// runBatchWithRetry calls onBatch, retrying the retryable remainder (if any)
// up to the retry budget with exponential backoff between attempts.
func (r *Receiver[T]) runBatchWithRetry(ctx context.Context, items []T, onBatch func([]T) error) []T {
	for {
		err := r.callOnBatch(items, onBatch)
		if err == nil {
			return nil
		}

		var re *RetryError[T]
		if e, ok := err.(*RetryError[T]); ok {
			re = e
		}

		retryable := []T(nil)
		if re != nil {
			retryable = re.Retryable
		}

		if len(retryable) == 0 || !r.retry.next() {
			if r.metrics != nil {
				r.metrics.IncrKind(errkind.TransportRequest, 1)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retryDelay.NextBackOff()):
		}
		items = retryable
	}
}

// callOnBatch invokes onBatch, converting a recovered panic into a
// non-retryable error so a single malformed item can't wedge the receiver
// loop forever.
func (r *Receiver[T]) callOnBatch(items []T, onBatch func([]T) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.metrics != nil {
				r.metrics.IncrKind(errkind.PanicRecovered, 1)
			}
			log.ErrorOnce("batcher: recovered panic from batch callback: %v", rec)
			err = NoRetry[T](fmt.Errorf("batcher: panic: %v", rec))
		}
	}()
	return onBatch(items)
}

func notify(watchers []func()) {
	for _, w := range watchers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.ErrorOnce("batcher: recovered panic from flush watcher: %v", rec)
				}
			}()
			w()
		}()
	}
}

// delay computes an exponentially doubling backoff for the idle-poll loop,
// separate from the retry backoff since it isn't retrying a failure — it's
// just backing off polling an empty queue.
type delay struct {
	current time.Duration
	step    time.Duration
	max     time.Duration
}

func newDelay(step, max time.Duration) delay { return delay{step: step, max: max} }

func (d *delay) reset() { d.current = 0 }

func (d *delay) next() time.Duration {
	d.current = d.current*2 + d.step
	if d.current > d.max {
		d.current = d.max
	}
	return d.current
}

// retryBudget bounds how many times a single batch will be retried.
type retryBudget struct {
	current int
	max     int
}

func (r *retryBudget) reset() { r.current = 0 }

func (r *retryBudget) next() bool {
	r.current++
	return r.current <= r.max
}

const capacityWindowSize = 16

// capacityWindow tracks the largest of the last capacityWindowSize batch
// sizes, so the next pre-allocated buffer is sized for recent load instead
// of either under-allocating (causing repeated growth) or over-allocating
// forever after one large spike.
type capacityWindow struct {
	sizes [capacityWindowSize]int
	i     int
}

func newCapacityWindow() capacityWindow {
	var c capacityWindow
	for i := range c.sizes {
		c.sizes[i] = 1
	}
	return c
}

func (c *capacityWindow) next(lastLen int) int {
	c.sizes[c.i%capacityWindowSize] = lastLen
	c.i++
	max := 0
	for _, v := range c.sizes {
		if v > max {
			max = v
		}
	}
	return max
}
