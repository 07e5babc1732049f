// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package emit is the call-site front door: the functions application code
// actually reaches for (Info, Warn, Error, Span, ...) built on top of the
// ambient Runtime installed by setup. Every function here reads
// runtime.Shared at call time rather than capturing it once, so Init can
// legitimately race application startup code that is already emitting.
package emit

import (
	"time"

	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/runtime"
	"github.com/dd-diag/emit-go/setup"
	"github.com/dd-diag/emit-go/span"
	"github.com/dd-diag/emit-go/template"
	"github.com/dd-diag/emit-go/value"
)

// New begins a configuration Builder. Chain EmitTo/Filter/Ctxt/Clock/Rng and
// terminate with Init (or InitInternal, for the library's own self-report
// path) to install the ambient Runtime these functions read.
func New() *setup.Builder { return setup.New() }

// BlockingFlush blocks until every event emitted on the ambient Runtime
// before this call has been durably forwarded or discarded, or timeout
// elapses. A no-op true before Init is ever called, since the empty
// runtime's Emitter discards instantly.
func BlockingFlush(timeout time.Duration) bool {
	return runtime.Shared.Get().Emitter.BlockingFlush(timeout)
}

// lvl property values, matching the severity names the OTLP encoder maps
// from (severityForLevel in emitter/otlp/encode).
const (
	levelDebug = "debug"
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
)

func emit(module event.Path, lvl string, tpl string, p props.Props) {
	rt := runtime.Shared.Get()
	now, ok := rt.Clock.Now()
	if !ok {
		now = time.Now()
	}

	lvlProp := props.Slice{{Key: value.StaticStr("lvl"), Val: value.String(value.StaticStr(lvl))}}
	all := props.Props(lvlProp)
	if p != nil {
		all = props.Chain(lvlProp, p)
	}

	e := event.New(module, now, template.Parse(tpl), all)
	if rt.Filter.Matches(e) {
		rt.Emitter.Emit(e)
	}
}

// Debug emits a point-in-time event at lvl=debug.
func Debug(module event.Path, tpl string, p props.Props) { emit(module, levelDebug, tpl, p) }

// Info emits a point-in-time event at lvl=info.
func Info(module event.Path, tpl string, p props.Props) { emit(module, levelInfo, tpl, p) }

// Warn emits a point-in-time event at lvl=warn.
func Warn(module event.Path, tpl string, p props.Props) { emit(module, levelWarn, tpl, p) }

// Error emits a point-in-time event at lvl=error.
func Error(module event.Path, tpl string, p props.Props) { emit(module, levelError, tpl, p) }

// ErrorWith emits a lvl=error event carrying err as an `err` property
// (captured via value.CaptureError, so its chain stays inspectable by a
// downcast-aware emitter) alongside any other supplied props.
func ErrorWith(module event.Path, tpl string, err error, p props.Props) {
	errProp := props.Slice{{Key: value.StaticStr("err"), Val: value.CaptureError(err)}}
	joined := props.Props(errProp)
	if p != nil {
		joined = props.Chain(errProp, p)
	}
	emit(module, levelError, tpl, joined)
}

// Span opens a span-scoped call site against the ambient Runtime: a child
// of whatever trace is current on the calling goroutine's Ctxt, or a fresh
// trace if none is. Callers must complete it with span.End or
// span.CompleteWith exactly once, typically via `defer`.
func Span(module event.Path, name string, p props.Props) *span.Span {
	return span.Start(runtime.Shared.Get(), module, name, p)
}
