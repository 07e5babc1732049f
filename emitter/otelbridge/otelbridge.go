// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package otelbridge forwards events directly onto a
// go.opentelemetry.io/otel SDK, rather than encoding them onto the wire
// itself: span events become trace.Span calls with explicit start/end
// timestamps, metric events become cached otel metric instruments, and
// plain log events render as zero-duration spans carrying their message
// as the span name, so a single "add a provider, get diagnostics" path
// works for hosts that already run an otel SDK and don't want a second
// OTLP exporter.
package otelbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/value"
)

const (
	keyEventKind = "event_kind"
	keyLevel     = "lvl"
	keyErr       = "err"
	keySpanName  = "span_name"
	keyTraceID   = "trace_id"
	keySpanID    = "span_id"
	keyParentID  = "span_parent"
	keyMetricVal = "metric_value"
	keyMetricAgg = "metric_agg"
)

func isReserved(k string) bool {
	switch k {
	case keyEventKind, keyLevel, keyErr, keySpanName, keyTraceID, keySpanID, keyParentID,
		"metric_name", keyMetricVal, keyMetricAgg:
		return true
	}
	return false
}

// Bridge is a runtime.Emitter that forwards onto the ambient otel global
// tracer/meter providers (otel.Tracer / otel.Meter), captured once at
// construction under the given instrumentation name.
type Bridge struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
	updowns  map[string]metric.Int64UpDownCounter
	gauges   map[string]metric.Int64Gauge
}

// New builds a Bridge using otel.Tracer(name) and otel.Meter(name). Install
// a TracerProvider/MeterProvider via otel.SetTracerProvider /
// otel.SetMeterProvider before events start flowing, the same way any otel
// instrumentation library is wired up.
func New(name string) *Bridge {
	return &Bridge{
		tracer:   otel.Tracer(name),
		meter:    otel.Meter(name),
		counters: make(map[string]metric.Int64Counter),
		updowns:  make(map[string]metric.Int64UpDownCounter),
		gauges:   make(map[string]metric.Int64Gauge),
	}
}

// Emit dispatches ev onto a span, a metric instrument, or a zero-duration
// span standing in for a plain log record, based on its event_kind
// property (falling back to ev.Ext.IsSpan() when unset).
func (b *Bridge) Emit(ev event.Event) {
	switch kindOf(ev) {
	case "metric":
		b.emitMetric(ev)
	default:
		b.emitSpanLike(ev)
	}
}

// BlockingFlush force-flushes both the tracer and meter providers, if they
// support it (the SDK's do; a no-op provider trivially returns true).
func (b *Bridge) BlockingFlush(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ok := true
	if f, supports := otel.GetTracerProvider().(flusher); supports {
		if err := f.ForceFlush(ctx); err != nil {
			ok = false
		}
	}
	if f, supports := otel.GetMeterProvider().(flusher); supports {
		if err := f.ForceFlush(ctx); err != nil {
			ok = false
		}
	}
	return ok
}

type flusher interface {
	ForceFlush(context.Context) error
}

func kindOf(ev event.Event) string {
	if v, ok := props.Get(ev.Props, keyEventKind); ok {
		return v.String()
	}
	if ev.HasExt && ev.Ext.IsSpan() {
		return "span"
	}
	return "log"
}

// emitSpanLike renders a span event as a real otel span with explicit
// start/end timestamps, and a plain log event as a zero-duration span
// named after its rendered message — the same instant-event-as-span
// rendering used where a bridge has no separate log signal to target.
func (b *Bridge) emitSpanLike(ev event.Event) {
	name := ev.Msg()
	if v, ok := props.Get(ev.Props, keySpanName); ok {
		name = v.String()
	}

	start := time.Now()
	end := start
	if ev.HasExt {
		start, end = ev.Ext.Start(), ev.Ext.End()
	}

	_, span := b.tracer.Start(context.Background(), name, trace.WithTimestamp(start))
	span.SetAttributes(attributesOf(ev.Props)...)

	errVal, hasErr := props.Get(ev.Props, keyErr)
	lvl, _ := props.Get(ev.Props, keyLevel)
	switch {
	case hasErr:
		span.RecordError(errors.New(errVal.String()), trace.WithTimestamp(end))
		span.SetStatus(codes.Error, errVal.String())
	case lvl.String() == "error":
		span.SetStatus(codes.Error, ev.Msg())
	default:
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(end))
}

// attributesOf converts every non-reserved property into an otel
// attribute.KeyValue, using each Value's string projection — otelbridge
// doesn't attempt int/float round-tripping the way the OTLP encoder does,
// since the otel SDK's own span processors are free to re-type attributes
// from their string form if a later stage needs to.
func attributesOf(p props.Props) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	p.ForEach(func(k value.Str, v value.Value) props.ControlFlow {
		key := k.String()
		if !isReserved(key) {
			attrs = append(attrs, attribute.String(key, v.String()))
		}
		return props.Continue
	})
	return attrs
}

func (b *Bridge) emitMetric(ev event.Event) {
	name := ""
	if v, ok := props.Get(ev.Props, "metric_name"); ok {
		name = v.String()
	}
	agg := ""
	if v, ok := props.Get(ev.Props, keyMetricAgg); ok {
		agg = v.String()
	}
	fv, ok := props.Get(ev.Props, keyMetricVal)
	if !ok {
		return
	}
	f, ok := fv.ToF64()
	if !ok {
		return
	}

	ctx := context.Background()
	switch agg {
	case "count":
		b.counterFor(name).Add(ctx, int64(f))
	case "sum":
		b.updownFor(name).Add(ctx, int64(f))
	default:
		b.gaugeFor(name).Record(ctx, int64(f))
	}
}

func (b *Bridge) counterFor(name string) metric.Int64Counter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.counters[name]; ok {
		return c
	}
	c, _ := b.meter.Int64Counter(name)
	b.counters[name] = c
	return c
}

func (b *Bridge) updownFor(name string) metric.Int64UpDownCounter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.updowns[name]; ok {
		return c
	}
	c, _ := b.meter.Int64UpDownCounter(name)
	b.updowns[name] = c
	return c
}

func (b *Bridge) gaugeFor(name string) metric.Int64Gauge {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.gauges[name]; ok {
		return c
	}
	c, _ := b.meter.Int64Gauge(name)
	b.gauges[name] = c
	return c
}
