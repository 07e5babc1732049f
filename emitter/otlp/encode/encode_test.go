// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package encode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/template"
	"github.com/dd-diag/emit-go/value"
)

func TestLogMappingDropsReservedKeys(t *testing.T) {
	p := props.Slice{
		{Key: value.StaticStr("lvl"), Val: value.String(value.StaticStr("info"))},
		{Key: value.StaticStr("trace_id"), Val: value.String(value.StaticStr("0102030405060708090a0b0c0d0e0f10"))},
		{Key: value.StaticStr("span_id"), Val: value.String(value.StaticStr("0102030405060708"))},
		{Key: value.StaticStr("user_id"), Val: value.Int64(42)},
	}
	ev := event.New("myapp::work", time.Unix(1700000000, 0), template.Literal("hi"), p)

	rec := Encode("myapp::work", ev)
	require.Equal(t, KindLog, rec.Kind)
	require.NotNil(t, rec.Log)

	assert.Equal(t, logspb.SeverityNumber_SEVERITY_NUMBER_INFO, rec.Log.SeverityNumber)
	require.Len(t, rec.Log.Attributes, 1)
	assert.Equal(t, "user_id", rec.Log.Attributes[0].Key)
	assert.Len(t, rec.Log.TraceId, 16)
	assert.Len(t, rec.Log.SpanId, 8)
}

func TestSpanMappingSetsErrorStatus(t *testing.T) {
	p := props.Slice{
		{Key: value.StaticStr("lvl"), Val: value.String(value.StaticStr("error"))},
		{Key: value.StaticStr("err"), Val: value.String(value.StaticStr("boom"))},
		{Key: value.StaticStr("span_name"), Val: value.String(value.StaticStr("do-thing"))},
		{Key: value.StaticStr("event_kind"), Val: value.String(value.StaticStr("span"))},
	}
	ev := event.NewExtent("myapp", event.Span(time.Unix(100, 0), time.Unix(101, 0)), template.Literal("do-thing"), p)

	rec := Encode("myapp", ev)
	require.Equal(t, KindSpan, rec.Kind)
	require.NotNil(t, rec.Span)
	assert.Equal(t, "do-thing", rec.Span.Name)
	assert.Equal(t, int32(2), int32(rec.Span.Status.Code)) // STATUS_CODE_ERROR
	require.Len(t, rec.Span.Events, 1)
	assert.Equal(t, "exception", rec.Span.Events[0].Name)
}

func TestMetricMappingCount(t *testing.T) {
	p := props.Slice{
		{Key: value.StaticStr("event_kind"), Val: value.String(value.StaticStr("metric"))},
		{Key: value.StaticStr("metric_name"), Val: value.String(value.StaticStr("emit_errors_total"))},
		{Key: value.StaticStr("metric_value"), Val: value.Int64(7)},
		{Key: value.StaticStr("metric_agg"), Val: value.String(value.StaticStr("count"))},
	}
	ev := event.New("myapp", time.Unix(100, 0), template.Literal("emit_errors_total"), p)

	rec := Encode("myapp", ev)
	require.Equal(t, KindMetric, rec.Kind)
	require.NotNil(t, rec.Metric)
	assert.Equal(t, "emit_errors_total", rec.Metric.Name)
	sum := rec.Metric.GetSum()
	require.NotNil(t, sum)
	assert.True(t, sum.IsMonotonic)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, 7.0, sum.DataPoints[0].GetAsDouble())
}

func TestBuildLogsRequestGroupsByScopePreservingOrder(t *testing.T) {
	p := props.Slice{{Key: value.StaticStr("lvl"), Val: value.String(value.StaticStr("info"))}}
	ev1 := event.New("a", time.Unix(1, 0), template.Literal("one"), p)
	ev2 := event.New("a", time.Unix(2, 0), template.Literal("two"), p)
	ev3 := event.New("b", time.Unix(3, 0), template.Literal("three"), p)

	records := []Record{Encode("a", ev1), Encode("a", ev2), Encode("b", ev3)}
	req := BuildLogsRequest(Resource(nil), records)

	require.Len(t, req.ResourceLogs, 1)
	require.Len(t, req.ResourceLogs[0].ScopeLogs, 2)
	assert.Equal(t, "a", req.ResourceLogs[0].ScopeLogs[0].Scope.Name)
	require.Len(t, req.ResourceLogs[0].ScopeLogs[0].LogRecords, 2)
	assert.Equal(t, "one", req.ResourceLogs[0].ScopeLogs[0].LogRecords[0].Body.GetStringValue())
	assert.Equal(t, "two", req.ResourceLogs[0].ScopeLogs[0].LogRecords[1].Body.GetStringValue())
}
