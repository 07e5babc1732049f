// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package event defines the immutable event aggregate and its supporting
// Path and Extent types.
package event

import (
	"strings"
	"time"

	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/template"
)

// Path is an event's module path, segmented with "::" the same way the
// `emit` crate this was distilled from segments Rust module paths. Kept as
// "::" (rather than translated to "/" or ".") because the child-of
// invariant in the testable properties is phrased in terms of "::"
// literally.
type Path string

// IsChildOf reports whether p is the same path as, or a "::"-delimited
// descendant of, other. p.IsChildOf(p) is always true; "a::b" is a child
// of "a"; "ab" is NOT a child of "a" (no segment boundary).
func (p Path) IsChildOf(other Path) bool {
	ps, os := string(p), string(other)
	if ps == os {
		return true
	}
	if !strings.HasPrefix(ps, os) {
		return false
	}
	return strings.HasPrefix(ps[len(os):], "::")
}

// Extent is either a point in time or a half-open range [Start, End). A
// range with equal endpoints is a point. Spans always carry a ranged
// Extent; metric cumulative points always carry a point Extent.
type Extent struct {
	start  time.Time
	end    time.Time
	ranged bool
}

// Point builds a point-in-time Extent.
func Point(t time.Time) Extent { return Extent{start: t, end: t} }

// Range builds a half-open [start, end) Extent. If start equals end, the
// result behaves as a point (IsSpan still reports the caller's intent via
// the span flag passed separately — see Span below).
func Range(start, end time.Time) Extent { return Extent{start: start, end: end} }

// Span marks an Extent as carrying the "span" flag: spans always use
// ranges even when, pathologically, start equals end.
func Span(start, end time.Time) Extent { return Extent{start: start, end: end, ranged: true} }

// IsPoint reports whether the Extent's endpoints are equal.
func (e Extent) IsPoint() bool { return e.start.Equal(e.end) }

// IsSpan reports whether this Extent was constructed via Span.
func (e Extent) IsSpan() bool { return e.ranged }

// Start returns the range's start, or the point's timestamp.
func (e Extent) Start() time.Time { return e.start }

// End returns the range's end, or the point's timestamp.
func (e Extent) End() time.Time { return e.end }

// Event is the immutable, borrow-only aggregate produced at a call site:
// a module path, an optional Extent, a Template and a Props. Emitters that
// need to outlive the call (batching emitters) must serialize immediately;
// Event itself holds no ownership guarantees beyond the call frame.
type Event struct {
	Module   Path
	HasExt   bool
	Ext      Extent
	Tpl      template.Template
	Props    props.Props
}

// New builds a point-in-time event at t.
func New(module Path, t time.Time, tpl template.Template, p props.Props) Event {
	return Event{Module: module, HasExt: true, Ext: Point(t), Tpl: tpl, Props: p}
}

// NewExtent builds an event carrying an explicit Extent (used by spans and
// metrics, which need ranges/points respectively).
func NewExtent(module Path, ext Extent, tpl template.Template, p props.Props) Event {
	return Event{Module: module, HasExt: true, Ext: ext, Tpl: tpl, Props: p}
}

// Msg renders the event's template against its props.
func (e Event) Msg() string { return template.RenderString(e.Tpl, e.Props) }
