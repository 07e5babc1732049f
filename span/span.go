// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package span

import (
	goruntime "runtime"
	"sync"
	"time"

	"github.com/dd-diag/emit-go/ctxt"
	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/internal/errkind"
	"github.com/dd-diag/emit-go/internal/log"
	"github.com/dd-diag/emit-go/internalmetrics"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/runtime"
	"github.com/dd-diag/emit-go/template"
	"github.com/dd-diag/emit-go/value"
)

// Metrics counts spans that completed via the finalizer safety net rather
// than an explicit End/CompleteWith. Nothing in this module assigns it; while
// it is nil the counter is simply skipped.
var Metrics *internalmetrics.Source

// reserved property keys a span writes into its frame, mirroring the
// vendored tracer's span_id/trace_id/parent_id tag names, adapted to this
// library's snake_case event property convention.
const (
	KeyTraceID  = "trace_id"
	KeySpanID   = "span_id"
	KeyParentID = "span_parent"
	KeyName     = "span_name"
	KeyLevel    = "lvl"
	KeyErr      = "err"
)

// Span is a single unit of work with a start time, an eventual completion,
// and a position in a trace inherited from the ambient Ctxt. The zero value
// is not usable; construct with Start.
type Span struct {
	rt      runtime.Runtime
	module  event.Path
	name    string
	frame   ctxt.Frame
	entered bool

	trace  TraceID
	id     SpanID
	parent SpanID

	start time.Time

	disabled bool // filter-gated short circuit: frame still opens, nothing is timed or emitted

	mu        sync.Mutex
	completed bool
	props     props.Slice
}

// Start opens a new span as a child of whatever trace is current on the
// ambient Ctxt (or a fresh trace if none is), enters it onto the calling
// goroutine's stack, and returns the Span handle. Callers complete it with
// End or CompleteWith, exactly once; a Span dropped without either logs a
// span_unexpected_close fault and still emits the event so the trace isn't
// silently truncated.
//
// If rt.Filter would reject every event this span could ever produce — a
// coarse check made once up front, not on every child event — ids are still
// minted (so props.Pull("trace_id"/...) downstream stays consistent) but no
// timer work or allocation beyond the Frame happens, and completion only
// exits the frame. This is the disabled-span short circuit described for sampling.
func Start(rt runtime.Runtime, module event.Path, name string, extra props.Props) *Span {
	now, ok := rt.Clock.Now()
	if !ok {
		now = time.Now()
	}

	trace, parent := inheritIDs(rt)
	id, _ := NewSpanID(rt.Rng)

	s := &Span{
		rt:     rt,
		module: module,
		name:   name,
		trace:  trace,
		id:     id,
		parent: parent,
		start:  now,
	}

	frameProps := props.Slice{
		{Key: value.StaticStr(KeyTraceID), Val: value.String(value.OwnedStr(trace.String()))},
		{Key: value.StaticStr(KeySpanID), Val: value.String(value.OwnedStr(id.String()))},
		{Key: value.StaticStr(KeyName), Val: value.String(value.OwnedStr(name))},
	}
	if !parent.IsZero() {
		frameProps = append(frameProps, props.Pair{
			Key: value.StaticStr(KeyParentID),
			Val: value.String(value.OwnedStr(parent.String())),
		})
	}
	joined := props.Props(frameProps)
	if extra != nil {
		joined = props.Chain(frameProps, extra)
	}

	f := rt.Ctxt.Open(joined)
	rt.Ctxt.Enter(&f)
	s.frame = f
	s.entered = true

	s.disabled = !rt.Filter.Matches(event.NewExtent(module, event.Span(now, now), template.Literal(name), frameProps))

	goruntime.SetFinalizer(s, finalizeUnclosed)
	return s
}

// finalizeUnclosed runs if a Span is garbage collected without ever being
// completed. It still emits the completion event — a trace shouldn't go
// silently truncated just because a caller forgot to call End — but counts
// and logs the fault, since this always indicates a bug at the call site.
func finalizeUnclosed(s *Span) {
	s.mu.Lock()
	already := s.completed
	s.mu.Unlock()
	if already {
		return
	}
	log.ErrorOnce("span: %s completed by finalizer, not End/CompleteWith — missing a defer?", s.name)
	if Metrics != nil {
		Metrics.IncrKind(errkind.SpanUnexpectedClose, 1)
	}
	// The finalizer goroutine never entered s.frame, so Exit would panic
	// here; skip the stack unwind and only emit the completion event.
	s.entered = false
	s.complete(nil)
}

// inheritIDs reads trace_id/span_id off the current Ctxt frame (if any) to
// determine this span's trace and parent. A fresh trace id is minted when
// none is inherited.
func inheritIDs(rt runtime.Runtime) (TraceID, SpanID) {
	var trace TraceID
	var parent SpanID
	rt.Ctxt.WithCurrent(func(p props.Props) {
		if v, ok := props.Get(p, KeyTraceID); ok {
			if t, ok := ParseTraceID(v.String()); ok {
				trace = t
			}
		}
		if v, ok := props.Get(p, KeySpanID); ok {
			if s, ok := ParseSpanID(v.String()); ok {
				parent = s
			}
		}
	})
	if trace.IsZero() {
		if t, ok := NewTraceID(rt.Rng); ok {
			trace = t
		}
	}
	return trace, parent
}

// TraceID reports the span's trace identifier.
func (s *Span) TraceID() TraceID { return s.trace }

// ID reports the span's own identifier.
func (s *Span) ID() SpanID { return s.id }

// ParentID reports the inherited parent span identifier, the zero value if
// this is a root span.
func (s *Span) ParentID() SpanID { return s.parent }

// AddProp appends a property to be carried on the span's completion event.
// Safe to call concurrently with itself, but not after the span has
// completed.
func (s *Span) AddProp(key string, v value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.props = append(s.props, props.Pair{Key: value.StaticStr(key), Val: v})
}

// SetError marks the span as failed: lvl=error and an err property carrying
// the captured error, matching §4.5's status mapping.
func (s *Span) SetError(err error) {
	s.AddProp(KeyLevel, value.String(value.StaticStr("error")))
	s.AddProp(KeyErr, value.CaptureError(err))
}

// End completes the span successfully at the current time.
func (s *Span) End() { s.complete(nil) }

// CompleteWith completes the span, recording err if non-nil via SetError
// first.
func (s *Span) CompleteWith(err error) {
	if err != nil {
		s.SetError(err)
	}
	s.complete(err)
}

func (s *Span) complete(_ error) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	extraProps := s.props
	s.mu.Unlock()

	if s.entered {
		s.rt.Ctxt.Exit(&s.frame)
		s.rt.Ctxt.Close(s.frame)
		s.entered = false
	}

	if s.disabled {
		return
	}

	now, ok := s.rt.Clock.Now()
	if !ok {
		now = time.Now()
	}
	if now.Before(s.start) {
		now = s.start
	}

	base := props.Slice{
		{Key: value.StaticStr(KeyTraceID), Val: value.String(value.OwnedStr(s.trace.String()))},
		{Key: value.StaticStr(KeySpanID), Val: value.String(value.OwnedStr(s.id.String()))},
		{Key: value.StaticStr(KeyName), Val: value.String(value.OwnedStr(s.name))},
	}
	if !s.parent.IsZero() {
		base = append(base, props.Pair{
			Key: value.StaticStr(KeyParentID),
			Val: value.String(value.OwnedStr(s.parent.String())),
		})
	}
	all := props.Props(base)
	if len(extraProps) > 0 {
		all = props.Chain(base, extraProps)
	}

	e := event.NewExtent(s.module, event.Span(s.start, now), template.Literal(s.name), all)
	if s.rt.Filter.Matches(e) {
		s.rt.Emitter.Emit(e)
	}
}

// Guard wraps a *Span so `defer span.Guard(s)()` completes it exactly once
// even on panic, emitting a separate lvl=error panic event and re-panicking —
// the same "recovered, logged, propagated" shape the library uses for any
// call-site boundary fault (§7).
func Guard(s *Span) func() {
	return func() {
		if r := recover(); r != nil {
			log.ErrorOnce("span: recovered panic completing span %s: %v", s.name, r)
			s.rt.Emitter.Emit(panicEvent(s, r))
			s.complete(nil)
			panic(r)
		}
		s.complete(nil)
	}
}

func panicEvent(s *Span, r any) event.Event {
	p := props.Slice{
		{Key: value.StaticStr(KeyTraceID), Val: value.String(value.OwnedStr(s.trace.String()))},
		{Key: value.StaticStr(KeySpanID), Val: value.String(value.OwnedStr(s.id.String()))},
		{Key: value.StaticStr(KeyLevel), Val: value.String(value.StaticStr("error"))},
		{Key: value.StaticStr("error_kind"), Val: value.String(value.StaticStr(string(errkind.PanicRecovered)))},
		{Key: value.StaticStr(KeyErr), Val: value.CaptureDebug(r)},
	}
	return event.New(s.module, s.start, template.Literal("panic in "+s.name), p)
}
