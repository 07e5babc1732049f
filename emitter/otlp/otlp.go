// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package otlp is a runtime.Emitter that forwards events to an OTLP
// collector: events are pre-encoded into a Record at enqueue time, batched
// through the batcher package, and regrouped into one ExportRequest per
// signal (logs, traces, metrics) each time the background worker drains a
// batch, matching the shape of emitter/file.Set and emitter/otelbridge.Bridge.
package otlp

import (
	"context"
	"time"

	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/dd-diag/emit-go/batcher"
	"github.com/dd-diag/emit-go/emitter/otlp/encode"
	"github.com/dd-diag/emit-go/emitter/otlp/transport"
	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/internal/errkind"
	"github.com/dd-diag/emit-go/internal/log"
	"github.com/dd-diag/emit-go/internalmetrics"
	"github.com/dd-diag/emit-go/runtime"
)

const defaultMaxQueued = 10_000

// Builder configures a Set before Spawn starts its background worker.
type Builder struct {
	cfg           transport.Config
	rt            runtime.Runtime
	resourceAttrs map[string]string
	maxQueued     int
	metrics       *internalmetrics.Source
}

// New begins a Builder against the destination described by cfg. rt supplies
// the ambient context transport.Client reads to build its outbound
// traceparent header.
func New(cfg transport.Config, rt runtime.Runtime) *Builder {
	return &Builder{
		cfg:       cfg,
		rt:        rt,
		maxQueued: defaultMaxQueued,
		metrics:   internalmetrics.NewSource("emit::otlp"),
	}
}

// Resource sets the resource attributes (service.name and the like) attached
// to every export request this Set sends.
func (b *Builder) Resource(attrs map[string]string) *Builder {
	b.resourceAttrs = attrs
	return b
}

// MaxQueued bounds how many pre-encoded records the batcher keeps before it
// starts dropping the oldest accumulated batch wholesale.
func (b *Builder) MaxQueued(n int) *Builder {
	b.maxQueued = n
	return b
}

// Set is a handle to a running OTLP emitter. Obtain one via Builder.Spawn and
// pass it to a runtime's Emitter slot.
type Set struct {
	sender  *batcher.Sender[encode.Record]
	metrics *internalmetrics.Source
	cancel  context.CancelFunc
	done    chan struct{}
}

// Spawn completes the builder: it starts a background goroutine draining
// batches onto the configured destination and returns a Set ready to receive
// events.
func (b *Builder) Spawn() (*Set, error) {
	client := transport.New(b.cfg, b.rt, b.metrics)
	sender, receiver := batcher.Bounded[encode.Record](b.maxQueued, b.metrics)

	w := &worker{
		client:   client,
		encoding: b.cfg.Encoding,
		resource: encode.Resource(b.resourceAttrs),
		metrics:  b.metrics,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = receiver.Run(ctx, w.onBatch)
	}()

	return &Set{sender: sender, metrics: b.metrics, cancel: cancel, done: done}, nil
}

// Emit encodes ev into its OTLP record at enqueue time and hands it to the
// background worker. Encoding happens on the caller's goroutine, the same
// way emitter/file.Set formats its on-disk line before ever touching the
// batcher.
func (s *Set) Emit(ev event.Event) {
	s.sender.Send(encode.Encode(ev.Module, ev))
}

// BlockingFlush blocks until every event sent before this call has been
// through a batch pass (exported, or exhausted its retry budget), or timeout
// elapses.
func (s *Set) BlockingFlush(timeout time.Duration) bool {
	done := make(chan struct{})
	s.sender.OnNextFlush(func() { close(done) })
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops the background worker after draining whatever is queued.
func (s *Set) Close() {
	s.sender.Close()
	<-s.done
	s.cancel()
}

// MetricSource exposes the counters this OTLP set has accumulated
// (transport_connect, response_non_2xx, encoding, ...) for the host to fold
// into its own diagnostics pipeline.
func (s *Set) MetricSource() *internalmetrics.Source { return s.metrics }

// worker owns the one transport.Client and does the per-signal build/
// marshal/send work. It's only ever touched from the batcher's Receiver
// goroutine, so it needs no locking of its own.
type worker struct {
	client   *transport.Client
	encoding transport.Encoding
	resource *resourcepb.Resource
	metrics  *internalmetrics.Source
}

// onBatch groups the drained records into (at most) one ExportRequest per
// signal and sends each non-empty one. A send failure retries the whole
// batch rather than tracking which signal failed, since export requests for
// the same records are cheap to rebuild and idempotent on the collector side.
func (w *worker) onBatch(items []encode.Record) error {
	ctx := context.Background()

	logsReq := encode.BuildLogsRequest(w.resource, items)
	traceReq := encode.BuildTraceRequest(w.resource, items)
	metricsReq := encode.BuildMetricsRequest(w.resource, items)

	var sendErr error
	if len(logsReq.ResourceLogs[0].ScopeLogs) > 0 {
		sendErr = w.send(ctx, logsReq)
	}
	if sendErr == nil && len(traceReq.ResourceSpans[0].ScopeSpans) > 0 {
		sendErr = w.send(ctx, traceReq)
	}
	if sendErr == nil && len(metricsReq.ResourceMetrics[0].ScopeMetrics) > 0 {
		sendErr = w.send(ctx, metricsReq)
	}

	if sendErr != nil {
		return batcher.Retry(sendErr, items)
	}
	return nil
}

// send marshals msg per the configured encoding and posts it over the
// transport client, counting a marshal failure under errkind.Encoding rather
// than retrying it (retrying a message that won't marshal would just fail
// again).
func (w *worker) send(ctx context.Context, msg proto.Message) error {
	body, err := transport.Marshal(w.encoding, msg)
	if err != nil {
		w.metrics.IncrKind(errkind.Encoding, 1)
		log.ErrorOnce("emitter/otlp: failed to marshal export request: %v", err)
		return nil
	}
	return w.client.Send(ctx, body)
}
