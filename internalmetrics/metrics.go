// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package internalmetrics gives the library a source of named numeric
// counters (lost events, retries, rollovers, ...) that periodically turn
// into events through the ordinary emission path — never a second
// transport. Modeled on the `emit` crate's metrics::Source/Metric
// visitor (original_source/metrics/src/lib.rs), adapted to Go's
// sync/atomic counters instead of Rust's AtomicUsize wrappers.
package internalmetrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/internal/errkind"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/runtime"
	"github.com/dd-diag/emit-go/template"
	"github.com/dd-diag/emit-go/value"
)

// Agg is the aggregation kind a counter should be exported under, mirroring
// §4.8's metric_agg values.
type Agg string

const (
	AggCount Agg = "count" // monotonic=true Sum
	AggSum   Agg = "sum"   // monotonic=false Sum
	AggGauge Agg = "gauge"
)

type counter struct {
	name string
	agg  Agg
	v    atomic.Int64
}

// Source is a named, thread-safe collection of counters. A library
// component (batcher, file emitter, OTLP transport) creates one Source at
// construction and increments its counters as events occur.
type Source struct {
	module   event.Path
	mu       sync.RWMutex
	counters map[string]*counter
}

// NewSource creates a Source whose metric events are tagged with module as
// their event module path.
func NewSource(module event.Path) *Source {
	return &Source{module: module, counters: make(map[string]*counter)}
}

func (s *Source) get(name string, agg Agg) *counter {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c = &counter{name: name, agg: agg}
	s.counters[name] = c
	return c
}

// Incr adds delta to the named monotonic counter (metric_agg=count).
func (s *Source) Incr(name string, delta int64) {
	s.get(name, AggCount).v.Add(delta)
}

// IncrKind adds delta to the counter named after an error kind.
func (s *Source) IncrKind(k errkind.Kind, delta int64) {
	s.Incr(k.MetricName(), delta)
}

// Gauge sets the named gauge counter (metric_agg unset / gauge).
func (s *Source) Gauge(name string, v int64) {
	s.get(name, AggGauge).v.Store(v)
}

// ForEach visits every counter currently registered, in no particular
// order, calling visit with its name, aggregation kind and current value.
// Count/Sum counters are reset to zero after being visited (so repeated
// export calls report deltas); gauges are left untouched.
func (s *Source) ForEach(visit func(name string, agg Agg, v int64)) {
	s.mu.RLock()
	cs := make([]*counter, 0, len(s.counters))
	for _, c := range s.counters {
		cs = append(cs, c)
	}
	s.mu.RUnlock()
	for _, c := range cs {
		var v int64
		if c.agg == AggGauge {
			v = c.v.Load()
		} else {
			v = c.v.Swap(0)
		}
		visit(c.name, c.agg, v)
	}
}

// EmitEvents renders every counter as an event with event_kind=metric and
// emits it to rt.Emitter, following §4.8's metric mapping.
func (s *Source) EmitEvents(rt runtime.Runtime) {
	now, ok := rt.Clock.Now()
	if !ok {
		now = time.Now()
	}
	s.ForEach(func(name string, agg Agg, v int64) {
		p := props.Slice{
			{Key: value.StaticStr("event_kind"), Val: value.String(value.StaticStr("metric"))},
			{Key: value.StaticStr("metric_name"), Val: value.String(value.OwnedStr(name))},
			{Key: value.StaticStr("metric_value"), Val: value.Int64(v)},
			{Key: value.StaticStr("metric_agg"), Val: value.String(value.StaticStr(string(agg)))},
		}
		e := event.New(s.module, now, template.Literal(name), p)
		if rt.Filter.Matches(e) {
			rt.Emitter.Emit(e)
		}
	})
}

// Run calls EmitEvents every interval and once more when stop is closed,
// then returns. It blocks, so callers run it on a goroutine of their own.
// Used by components that want periodic self-reporting without threading a
// ticker through their own worker loop.
func (s *Source) Run(rt runtime.Runtime, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.EmitEvents(rt)
		case <-stop:
			s.EmitEvents(rt)
			return
		}
	}
}
