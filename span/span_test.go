// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package span

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd-diag/emit-go/ctxt"
	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/runtime"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() (time.Time, bool) {
	c.t = c.t.Add(time.Millisecond)
	return c.t, true
}

type captureEmitter struct {
	events []event.Event
}

func (e *captureEmitter) Emit(ev event.Event) { e.events = append(e.events, ev) }
func (e *captureEmitter) BlockingFlush(time.Duration) bool { return true }

type matchAll struct{}

func (matchAll) Matches(event.Event) bool { return true }

type matchNone struct{}

func (matchNone) Matches(event.Event) bool { return false }

func newTestRuntime() (runtime.Runtime, *captureEmitter) {
	em := &captureEmitter{}
	rt := runtime.Runtime{
		Emitter: em,
		Filter:  matchAll{},
		Ctxt:    ctxt.NewStack(),
		Clock:   &fakeClock{t: time.Unix(1000, 0)},
		Rng:     &seqRng{vals: seqVals(64)},
	}
	return rt, em
}

// seqVals returns n arbitrary, distinct-looking uint64 draws, enough to mint
// many ids across a test without exhausting the Rng.
func seqVals(n int) []uint64 {
	vals := make([]uint64, n)
	for i := range vals {
		vals[i] = uint64(i+1)<<32 | uint64(i+1)
	}
	return vals
}

func TestStartAndEndEmitsOneSpanEvent(t *testing.T) {
	rt, em := newTestRuntime()

	s := Start(rt, "myapp::work", "do-work", nil)
	require.NotZero(t, s.TraceID())
	require.NotZero(t, s.ID())
	assert.True(t, s.ParentID().IsZero())

	s.End()
	require.Len(t, em.events, 1)

	ev := em.events[0]
	assert.True(t, ev.Ext.IsSpan())
	assert.False(t, ev.Ext.End().Before(ev.Ext.Start()))

	v, ok := props.Get(ev.Props, KeySpanID)
	require.True(t, ok)
	assert.Equal(t, s.ID().String(), v.String())
}

func TestCompletionIsExactlyOnce(t *testing.T) {
	rt, em := newTestRuntime()

	s := Start(rt, "myapp::work", "do-work", nil)
	s.End()
	s.End()
	s.CompleteWith(errors.New("too late"))

	assert.Len(t, em.events, 1)
}

func TestChildSpanInheritsTraceAndParent(t *testing.T) {
	rt, em := newTestRuntime()

	parent := Start(rt, "myapp", "outer", nil)
	child := Start(rt, "myapp", "inner", nil)

	assert.Equal(t, parent.TraceID(), child.TraceID())
	assert.Equal(t, parent.ID(), child.ParentID())

	child.End()
	parent.End()
	require.Len(t, em.events, 2)

	childEv := em.events[0]
	v, ok := props.Get(childEv.Props, KeyParentID)
	require.True(t, ok)
	assert.Equal(t, parent.ID().String(), v.String())
}

func TestCompleteWithErrorSetsLevelAndErrProp(t *testing.T) {
	rt, em := newTestRuntime()

	s := Start(rt, "myapp", "risky", nil)
	s.CompleteWith(errors.New("boom"))

	require.Len(t, em.events, 1)
	lvl, ok := props.Get(em.events[0].Props, KeyLevel)
	require.True(t, ok)
	assert.Equal(t, "error", lvl.String())

	errVal, ok := props.Get(em.events[0].Props, KeyErr)
	require.True(t, ok)
	assert.Equal(t, "boom", errVal.String())
}

func TestDisabledSpanShortCircuitsEmission(t *testing.T) {
	em := &captureEmitter{}
	rt := runtime.Runtime{
		Emitter: em,
		Filter:  matchNone{},
		Ctxt:    ctxt.NewStack(),
		Clock:   &fakeClock{t: time.Unix(1000, 0)},
		Rng:     &seqRng{vals: seqVals(8)},
	}

	s := Start(rt, "myapp", "filtered-out", nil)
	assert.True(t, s.disabled)
	s.End()

	assert.Empty(t, em.events)
}

func TestGuardCompletesOnPanicAndRePanics(t *testing.T) {
	rt, em := newTestRuntime()

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
		}()
		s := Start(rt, "myapp", "will-panic", nil)
		defer Guard(s)()
		panic("kaboom")
	}()

	// the panic event plus the span completion event
	require.Len(t, em.events, 2)
}
