// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package filter collects runtime.Filter predicates beyond the match-all
// default runtime.Empty already provides.
package filter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dd-diag/emit-go/event"
)

// RateLimiter is a runtime.Filter that allows at most perSecond events
// through per second, admitting bursts up to the same count. Events beyond
// the limit are rejected outright rather than queued or delayed — a
// rejected event is simply never emitted, matching the Filter contract
// that a non-matching event costs nothing beyond the Matches call itself.
//
// Modeled on the teacher's own rateLimiter (ddtrace/tracer/sampler.go): a
// thin wrapper over golang.org/x/time/rate.Limiter that additionally
// tracks the effective admit rate over the trailing window, available via
// EffectiveRate for callers that want to report it (e.g. as an internal
// metrics gauge).
type RateLimiter struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	prevTime time.Time
	prevRate float64
	allowed  int
	seen     int
}

// RateLimited constructs a RateLimiter admitting up to perSecond events per
// second, with a burst equal to the same count.
func RateLimited(perSecond float64) *RateLimiter {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		prevTime: time.Now(),
	}
}

// Matches implements runtime.Filter.
func (r *RateLimiter) Matches(event.Event) bool {
	allowed, _ := r.allowOne(time.Now())
	return allowed
}

// EffectiveRate reports the admit rate averaged over the previous and
// current one-second windows, the same smoothing the teacher's sampler
// uses so a single noisy second doesn't swing the reported rate to zero.
func (r *RateLimiter) EffectiveRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveRateLocked()
}

func (r *RateLimiter) effectiveRateLocked() float64 {
	if r.seen == 0 {
		return r.prevRate
	}
	return (r.prevRate + float64(r.allowed)/float64(r.seen)) / 2.0
}

func (r *RateLimiter) allowOne(now time.Time) (bool, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d := now.Sub(r.prevTime); d >= time.Second {
		if d.Truncate(time.Second) == time.Second && r.seen > 0 {
			r.prevRate = float64(r.allowed) / float64(r.seen)
		} else {
			r.prevRate = 0.0
		}
		r.prevTime = now
		r.allowed = 0
		r.seen = 0
	}

	r.seen++
	allowed := r.limiter.AllowN(now, 1)
	if allowed {
		r.allowed++
	}
	return allowed, r.effectiveRateLocked()
}
