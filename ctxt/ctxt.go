// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package ctxt implements the span/trace context engine: frame open/enter/
// exit/close protocol over a goroutine-scoped property stack, plus the
// async integration that lets a Frame follow a goroutine the way it would
// follow a polled future.
package ctxt

import (
	"github.com/dd-diag/emit-go/internal/gls"
	"github.com/dd-diag/emit-go/props"
)

// Ctxt is the context engine contract: open a Frame carrying a snapshot of
// the current stack joined with caller-supplied props, push/pop it around
// a scope, and read the top of the stack.
type Ctxt interface {
	Open(p props.Props) Frame
	Enter(f *Frame)
	Exit(f *Frame)
	WithCurrent(visit func(props.Props))
	Close(f Frame)
}

// stackEntry is one pushed frame on the goroutine-local stack.
type stackEntry struct {
	props props.Props
	prev  *stackEntry
}

// Frame is the opaque handle returned by Open. Lifecycle: created →
// entered 0..N times (each Enter paired with an Exit) → closed exactly
// once. A Frame may be transferred to another goroutine before being
// entered there, which is exactly what Go (below) does.
type Frame struct {
	owner   *Stack
	own     props.Props
	joined  props.Props
	parent  *stackEntry // weak ref: stack top observed at Open time
	entered *stackEntry // non-nil while pushed
	closed  bool
}

// Stack is the default Ctxt implementation: a goroutine-scoped stack of
// property frames. Multiple goroutines each have their own stack.
type Stack struct {
	top *gls.Slot[*stackEntry]
}

// NewStack constructs an empty context stack.
func NewStack() *Stack {
	return &Stack{top: gls.NewSlot[*stackEntry]()}
}

func (s *Stack) currentEntry() *stackEntry {
	e, _ := s.top.Get()
	return e
}

func topProps(e *stackEntry) props.Props {
	if e == nil {
		return props.Empty
	}
	return e.props
}

// Open snapshots the current stack's aggregated properties, concatenates
// them with p, and returns a Frame containing the joined set. The
// thread-local (goroutine-local) stack is not mutated yet.
func (s *Stack) Open(p props.Props) Frame {
	top := s.currentEntry()
	return Frame{
		owner:  s,
		own:    p,
		joined: props.Chain(p, topProps(top)),
		parent: top,
	}
}

// Enter pushes f onto the goroutine-local stack. If f was opened on this
// goroutine and the current top still matches its recorded parent, this is
// a cheap pointer swap; otherwise f is rebased by re-joining against the
// now-current stack, and its parent pointer is updated to match. Rebasing
// preserves the invariant that WithCurrent after Enter sees the union of
// the frame's original props and the live parent chain.
func (s *Stack) Enter(f *Frame) {
	top := s.currentEntry()
	if top != f.parent {
		f.joined = props.Chain(f.own, topProps(top))
		f.parent = top
	}
	entry := &stackEntry{props: f.joined, prev: top}
	f.entered = entry
	s.top.Set(entry)
}

// WithCurrent visits the top of the goroutine-local stack. If nothing has
// been entered, visit receives props.Empty.
func (s *Stack) WithCurrent(visit func(props.Props)) {
	top := s.currentEntry()
	visit(topProps(top))
}

// Exit pops f from the goroutine-local stack. Enter/Exit must nest: if the
// current top isn't the entry Enter pushed for f, that's a contract
// violation (cross-nested exit) and Exit panics rather than silently
// corrupting the stack.
func (s *Stack) Exit(f *Frame) {
	if f.entered == nil {
		panic("ctxt: Exit called without a matching Enter")
	}
	top := s.currentEntry()
	if top != f.entered {
		panic("ctxt: cross-nested Exit — frame is not the current stack top")
	}
	s.top.Set(f.entered.prev)
	f.entered = nil
}

// Close releases ownership of f. Required exactly once; calling it more
// than once is a no-op beyond the first.
func (s *Stack) Close(f Frame) {
	f.closed = true
}

// Go runs fn on a new goroutine with f entered around it for the duration,
// then exits and closes f when fn returns. This is the Go-idiomatic
// rendering of Frame::in_future: rather than entering/exiting on every
// poll (Go goroutines don't have poll points), the frame is entered once
// at goroutine start and exited once at its end, which is sufficient since
// a goroutine's ID — unlike an OS thread — is stable for its entire life.
func (f Frame) Go(fn func()) {
	owner := f.owner
	if owner == nil {
		// frame opened against a no-op Ctxt (e.g. the empty runtime);
		// nothing to enter, so just run fn on its own goroutine.
		go fn()
		return
	}
	local := f
	go func() {
		owner.Enter(&local)
		defer func() {
			owner.Exit(&local)
			owner.Close(local)
		}()
		fn()
	}()
}

// Empty is the no-op Ctxt used by the empty ambient runtime before
// initialization.
type Empty struct{}

func (Empty) Open(props.Props) Frame             { return Frame{} }
func (Empty) Enter(*Frame)                       {}
func (Empty) Exit(*Frame)                        {}
func (Empty) Close(Frame)                        {}
func (Empty) WithCurrent(visit func(props.Props)) { visit(props.Empty) }

// enrich wraps a Ctxt, prepending extra props — fixed or computed at Open
// time — onto every frame it opens. This restores the original emit
// crate's `enrich` behavior (dropped from spec.md as a macro-adjacent
// convenience, but its runtime half is pure core behavior): a way to
// stamp every frame with e.g. a deployment ID without the call site
// remembering to pass it explicitly.
type enrich struct {
	inner Ctxt
	extra func() props.Props
}

// Enrich wraps inner so every Open additionally joins the props produced
// by extra, evaluated fresh on each Open.
func Enrich(inner Ctxt, extra func() props.Props) Ctxt {
	return enrich{inner: inner, extra: extra}
}

func (e enrich) Open(p props.Props) Frame {
	return e.inner.Open(props.Chain(p, e.extra()))
}
func (e enrich) Enter(f *Frame)                       { e.inner.Enter(f) }
func (e enrich) Exit(f *Frame)                        { e.inner.Exit(f) }
func (e enrich) Close(f Frame)                        { e.inner.Close(f) }
func (e enrich) WithCurrent(visit func(props.Props)) { e.inner.WithCurrent(visit) }
