// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package setup provides the fluent configuration builder applications use
// to install an ambient Runtime once at process start, modeled on the
// teacher's own global tracer.Start(opts ...StartOption) entry point but
// expressed as method chaining the way the distilled crate's own
// Setup::to/with/init builder reads.
package setup

import (
	"time"

	"github.com/dd-diag/emit-go/ctxt"
	"github.com/dd-diag/emit-go/internal/rand"
	"github.com/dd-diag/emit-go/internalmetrics"
	"github.com/dd-diag/emit-go/runtime"
)

type systemClock struct{}

func (systemClock) Now() (time.Time, bool) { return time.Now(), true }

// Builder accumulates the (Emitter, Filter, Ctxt, Clock, Rng) tuple that
// becomes the ambient Runtime once Init or InitInternal is called.
// Unset components fall back to real, process-wide defaults rather than
// the empty runtime's no-ops: a goroutine-scoped Ctxt stack, the system
// clock, and a crypto/rand-backed Rng.
type Builder struct {
	rt              runtime.Runtime
	metricsInterval time.Duration
	metrics         *internalmetrics.Source
}

// New begins a Builder with every component defaulted.
func New() *Builder {
	return &Builder{
		rt: runtime.Runtime{
			Emitter: runtime.Empty.Emitter,
			Filter:  runtime.Empty.Filter,
			Ctxt:    ctxt.NewStack(),
			Clock:   systemClock{},
			Rng:     rand.System{},
		},
		metricsInterval: time.Minute,
	}
}

// EmitTo sets the destination events are forwarded to after passing Filter.
func (b *Builder) EmitTo(e runtime.Emitter) *Builder {
	b.rt.Emitter = e
	return b
}

// Filter sets the predicate events must match to reach the Emitter.
func (b *Builder) Filter(f runtime.Filter) *Builder {
	b.rt.Filter = f
	return b
}

// Ctxt overrides the default goroutine-scoped context stack, e.g. with
// ctxt.Enrich to stamp every frame with fixed properties.
func (b *Builder) Ctxt(c ctxt.Ctxt) *Builder {
	b.rt.Ctxt = c
	return b
}

// Clock overrides the system clock, mainly useful in tests.
func (b *Builder) Clock(c runtime.Clock) *Builder {
	b.rt.Clock = c
	return b
}

// Rng overrides the default crypto/rand-backed identifier source.
func (b *Builder) Rng(r runtime.Rng) *Builder {
	b.rt.Rng = r
	return b
}

// ReportMetricsEvery changes how often the internal metrics source (see
// InternalMetrics) is rendered as events, if InitInternal's background
// reporter is started. Defaults to one minute.
func (b *Builder) ReportMetricsEvery(d time.Duration) *Builder {
	b.metricsInterval = d
	return b
}

// InternalMetrics attaches a metrics source whose counters (from the
// batcher, file, and transport emitters wired into this Builder) should be
// periodically rendered as events once InitInternal starts its reporter.
func (b *Builder) InternalMetrics(m *internalmetrics.Source) *Builder {
	b.metrics = m
	return b
}

// Handle is returned by Init/InitInternal: a thin wrapper over the
// installed Runtime exposing the lifecycle operations application code
// needs at shutdown.
type Handle struct {
	rt   runtime.Runtime
	stop chan struct{}
}

// Runtime returns the Runtime actually in effect: the one this Builder
// installed if it won the race to set the ambient slot, or whatever
// another call installed first.
func (h Handle) Runtime() runtime.Runtime { return h.rt }

// BlockingFlush blocks until every event emitted before this call has been
// durably forwarded or discarded, or timeout elapses.
func (h Handle) BlockingFlush(timeout time.Duration) bool {
	return h.rt.Emitter.BlockingFlush(timeout)
}

// Stop ends the background internal-metrics reporter started by
// InitInternal, if any. Safe to call on a Handle from Init (a no-op then).
func (h Handle) Stop() {
	if h.stop != nil {
		close(h.stop)
	}
}

// Init installs this Builder's Runtime into the process-wide ambient slot
// read by the root emit package and span.Start. Only the first call across
// the process wins; subsequent calls return a Handle wrapping whatever was
// installed first.
func (b *Builder) Init() Handle {
	rt := runtime.Shared.Set(b.rt)
	return Handle{rt: rt}
}

// InitInternal installs this Builder's Runtime into the internal ambient
// slot the library's own components (batcher, file, transport workers)
// report their failures and self-metrics through, kept separate from the
// host application's Runtime so the library never recurses into the
// user's own Emitter while reporting on itself. If a metrics source was
// attached via InternalMetrics, a background goroutine renders it as
// events every ReportMetricsEvery until Handle.Stop is called.
func (b *Builder) InitInternal() Handle {
	rt := runtime.Internal.Set(b.rt)
	h := Handle{rt: rt}
	if b.metrics != nil {
		h.stop = make(chan struct{})
		go b.metrics.Run(rt, b.metricsInterval, h.stop)
	}
	return h
}
