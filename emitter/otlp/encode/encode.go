// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package encode turns events into OTLP proto records at enqueue time, and
// regroups a drained batch of those records by scope (module path) into a
// single ExportRequest per signal, ready for the transport package to
// marshal as protobuf or JSON.
package encode

import (
	"encoding/hex"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/template"
	"github.com/dd-diag/emit-go/value"
)

// property keys read while encoding. Only the ones isReserved lists (lvl,
// trace_id, span_id, span_parent, event_kind) are kept out of attributes;
// span_name, err and the metric_* keys are still exported as attributes.
const (
	keyLvl        = "lvl"
	keyTraceID    = "trace_id"
	keySpanID     = "span_id"
	keySpanParent = "span_parent"
	keyEventKind  = "event_kind"
	keySpanName   = "span_name"
	keyErr        = "err"
	keyMetricName = "metric_name"
	keyMetricVal  = "metric_value"
	keyMetricAgg  = "metric_agg"
)

func isReserved(k string) bool {
	switch k {
	case keyLvl, keyTraceID, keySpanID, keySpanParent, keyEventKind:
		return true
	}
	return false
}

// Kind discriminates which OTLP signal a Record belongs to.
type Kind uint8

const (
	KindLog Kind = iota
	KindSpan
	KindMetric
)

// Record is one pre-encoded event, tagged with the scope (module path) it
// will be grouped under when a batch is assembled into an ExportRequest.
type Record struct {
	Scope  event.Path
	Kind   Kind
	Log    *logspb.LogRecord
	Span   *tracepb.Span
	Metric *metricspb.Metric
}

// severityForLevel maps the `lvl` property onto OTLP's severity number
// scale per §4.8.
func severityForLevel(lvl string) logspb.SeverityNumber {
	switch lvl {
	case "debug":
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG
	case "info":
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO
	case "warn", "warning":
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN
	case "error":
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
	default:
		return logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED
	}
}

func attrValue(v value.Value) *commonpb.AnyValue {
	if n, ok := v.ToInt64(); ok && !looksLikeFloatOnly(v) {
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: n}}
	}
	if f, ok := v.ToF64(); ok && looksLikeFloatOnly(v) {
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}}
	}
	if b, ok := v.ToBool(); ok {
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: b}}
	}
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.String()}}
}

// looksLikeFloatOnly is a narrow heuristic: Value.ToInt64 happily truncates
// floats, so attrValue only takes the int branch when the value doesn't
// also carry a (different) float projection, i.e. genuinely integral.
func looksLikeFloatOnly(v value.Value) bool {
	f, fok := v.ToF64()
	n, nok := v.ToInt64()
	if !fok || !nok {
		return fok && !nok
	}
	return float64(n) != f
}

func attributes(p props.Props) []*commonpb.KeyValue {
	var kvs []*commonpb.KeyValue
	p.ForEach(func(k value.Str, v value.Value) props.ControlFlow {
		key := k.String()
		if isReserved(key) {
			return props.Continue
		}
		kvs = append(kvs, &commonpb.KeyValue{Key: key, Value: attrValue(v)})
		return props.Continue
	})
	return kvs
}

func decodeIDHex(p props.Props, key string) []byte {
	v, ok := props.Get(p, key)
	if !ok {
		return nil
	}
	b, err := hex.DecodeString(v.String())
	if err != nil {
		return nil
	}
	return b
}

// Log converts ev into a LogRecord, per §4.8's log-record mapping.
func Log(ev event.Event) *logspb.LogRecord {
	var observed uint64
	if ev.HasExt {
		observed = uint64(ev.Ext.End().UnixNano())
	}
	lvl := ""
	if v, ok := props.Get(ev.Props, keyLvl); ok {
		lvl = v.String()
	}
	return &logspb.LogRecord{
		TimeUnixNano:         observed,
		ObservedTimeUnixNano: observed,
		SeverityNumber:       severityForLevel(lvl),
		SeverityText:         lvl,
		Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: ev.Msg()}},
		Attributes:           attributes(ev.Props),
		TraceId:              decodeIDHex(ev.Props, keyTraceID),
		SpanId:               decodeIDHex(ev.Props, keySpanID),
	}
}

// Span converts ev into a Span, per §4.8's span mapping. ev must carry a
// ranged Extent (event_kind=span call sites always do).
func Span(ev event.Event) *tracepb.Span {
	name := ev.Msg()
	if v, ok := props.Get(ev.Props, keySpanName); ok {
		name = v.String()
	}

	var start, end uint64
	if ev.HasExt {
		start = uint64(ev.Ext.Start().UnixNano())
		end = uint64(ev.Ext.End().UnixNano())
	}

	status := &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}
	var evs []*tracepb.Span_Event
	if v, ok := props.Get(ev.Props, keyLvl); ok && v.String() == "error" {
		status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR}
	}
	if v, ok := props.Get(ev.Props, keyErr); ok {
		evs = append(evs, &tracepb.Span_Event{
			Name:         "exception",
			TimeUnixNano: end,
			Attributes: []*commonpb.KeyValue{
				{Key: "exception.message", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.String()}}},
			},
		})
	}

	var parentID []byte
	if v, ok := props.Get(ev.Props, keySpanParent); ok {
		if b, err := hex.DecodeString(v.String()); err == nil {
			parentID = b
		}
	}

	return &tracepb.Span{
		TraceId:           decodeIDHex(ev.Props, keyTraceID),
		SpanId:            decodeIDHex(ev.Props, keySpanID),
		ParentSpanId:      parentID,
		Name:              name,
		StartTimeUnixNano: start,
		EndTimeUnixNano:   end,
		Attributes:        attributes(ev.Props),
		Status:            status,
		Events:            evs,
	}
}

// Metric converts ev (an event_kind=metric event) into one Metric message
// per §4.8's metric mapping. A metric_value that projects to a number
// yields one data point at the extent end; any other value yields no data
// points (value.Value has no sequence kind, so no interpolated series is
// produced).
func Metric(ev event.Event) *metricspb.Metric {
	name := ""
	if v, ok := props.Get(ev.Props, keyMetricName); ok {
		name = v.String()
	}
	agg := ""
	if v, ok := props.Get(ev.Props, keyMetricAgg); ok {
		agg = v.String()
	}

	var ts uint64
	if ev.HasExt {
		ts = uint64(ev.Ext.End().UnixNano())
	}

	points := metricPoints(ev.Props, ts, ev)

	m := &metricspb.Metric{Name: name}
	switch agg {
	case "sum":
		m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			DataPoints:             points,
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			IsMonotonic:            false,
		}}
	case "count":
		m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			DataPoints:             points,
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			IsMonotonic:            true,
		}}
	default:
		m.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: points}}
	}
	return m
}

func metricPoints(p props.Props, fallbackTS uint64, ev event.Event) []*metricspb.NumberDataPoint {
	v, ok := props.Get(p, keyMetricVal)
	if !ok {
		return nil
	}
	if f, ok := v.ToF64(); ok {
		return []*metricspb.NumberDataPoint{{
			TimeUnixNano: fallbackTS,
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: f},
		}}
	}
	return nil
}

// Resource builds the resource attribute set shared across every request,
// independent of scope.
func Resource(attrs map[string]string) *resourcepb.Resource {
	r := &resourcepb.Resource{}
	for k, v := range attrs {
		r.Attributes = append(r.Attributes, &commonpb.KeyValue{
			Key:   k,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}},
		})
	}
	return r
}

// BuildLogsRequest groups log records by scope into one
// ExportLogsServiceRequest, preserving enqueue order within each scope.
func BuildLogsRequest(resource *resourcepb.Resource, records []Record) *collogspb.ExportLogsServiceRequest {
	scopes := map[event.Path][]*logspb.LogRecord{}
	var order []event.Path
	for _, r := range records {
		if r.Kind != KindLog || r.Log == nil {
			continue
		}
		if _, seen := scopes[r.Scope]; !seen {
			order = append(order, r.Scope)
		}
		scopes[r.Scope] = append(scopes[r.Scope], r.Log)
	}

	var scopeLogs []*logspb.ScopeLogs
	for _, scope := range order {
		scopeLogs = append(scopeLogs, &logspb.ScopeLogs{
			Scope:      &commonpb.InstrumentationScope{Name: string(scope)},
			LogRecords: scopes[scope],
		})
	}
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{Resource: resource, ScopeLogs: scopeLogs}},
	}
}

// BuildTraceRequest groups spans by scope into one
// ExportTraceServiceRequest.
func BuildTraceRequest(resource *resourcepb.Resource, records []Record) *coltracepb.ExportTraceServiceRequest {
	scopes := map[event.Path][]*tracepb.Span{}
	var order []event.Path
	for _, r := range records {
		if r.Kind != KindSpan || r.Span == nil {
			continue
		}
		if _, seen := scopes[r.Scope]; !seen {
			order = append(order, r.Scope)
		}
		scopes[r.Scope] = append(scopes[r.Scope], r.Span)
	}

	var scopeSpans []*tracepb.ScopeSpans
	for _, scope := range order {
		scopeSpans = append(scopeSpans, &tracepb.ScopeSpans{
			Scope: &commonpb.InstrumentationScope{Name: string(scope)},
			Spans: scopes[scope],
		})
	}
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{Resource: resource, ScopeSpans: scopeSpans}},
	}
}

// BuildMetricsRequest groups metrics by scope into one
// ExportMetricsServiceRequest.
func BuildMetricsRequest(resource *resourcepb.Resource, records []Record) *colmetricspb.ExportMetricsServiceRequest {
	scopes := map[event.Path][]*metricspb.Metric{}
	var order []event.Path
	for _, r := range records {
		if r.Kind != KindMetric || r.Metric == nil {
			continue
		}
		if _, seen := scopes[r.Scope]; !seen {
			order = append(order, r.Scope)
		}
		scopes[r.Scope] = append(scopes[r.Scope], r.Metric)
	}

	var scopeMetrics []*metricspb.ScopeMetrics
	for _, scope := range order {
		scopeMetrics = append(scopeMetrics, &metricspb.ScopeMetrics{
			Scope:   &commonpb.InstrumentationScope{Name: string(scope)},
			Metrics: scopes[scope],
		})
	}
	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{Resource: resource, ScopeMetrics: scopeMetrics}},
	}
}

// Encode classifies ev into the record it should encode into, keyed by its
// event_kind property; without one, a span extent encodes as a span and
// anything else as a log.
func Encode(module event.Path, ev event.Event) Record {
	kind := KindLog
	if v, ok := props.Get(ev.Props, keyEventKind); ok {
		switch v.String() {
		case "span":
			kind = KindSpan
		case "metric":
			kind = KindMetric
		}
	} else if ev.HasExt && ev.Ext.IsSpan() {
		kind = KindSpan
	}

	rec := Record{Scope: module, Kind: kind}
	switch kind {
	case KindSpan:
		rec.Span = Span(ev)
	case KindMetric:
		rec.Metric = Metric(ev)
	default:
		rec.Log = Log(ev)
	}
	return rec
}

// RawTemplate returns the unrendered `{key}` template source, used by
// encoders that want it alongside the rendered body (mirrors the file
// writer's tpl field).
func RawTemplate(ev event.Event) string { return template.RawString(ev.Tpl) }
