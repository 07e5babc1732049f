// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package emit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/value"
)

// runtime.Shared is a set-once ambient slot, so every test in this package
// shares one installed Runtime rather than each installing its own: Init
// after the first call is a no-op that returns the existing Runtime, a
// behavior exercised directly in TestInitIsSetOnceAcrossTheProcess.
type captureEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (e *captureEmitter) Emit(ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *captureEmitter) BlockingFlush(time.Duration) bool { return true }

func (e *captureEmitter) snapshot() []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]event.Event, len(e.events))
	copy(out, e.events)
	return out
}

var sharedEmitter = &captureEmitter{}
var initOnce sync.Once

func installOnce() *captureEmitter {
	initOnce.Do(func() {
		New().EmitTo(sharedEmitter).Init()
	})
	return sharedEmitter
}

func TestInitIsSetOnceAcrossTheProcess(t *testing.T) {
	em := installOnce()
	other := &captureEmitter{}
	New().EmitTo(other).Init()
	Info("app::widgets", "after second init", nil)
	assert.Empty(t, other.events, "a second Init must not displace the already-installed emitter")
	assert.Same(t, em, sharedEmitter)
}

func TestInfoEmitsEventWithInfoLevelAndRenderedMessage(t *testing.T) {
	em := installOnce()
	before := len(em.snapshot())

	Info("app::widgets", "created {name}", props.Slice{
		{Key: value.StaticStr("name"), Val: value.String(value.StaticStr("gizmo"))},
	})

	events := em.snapshot()
	require.Len(t, events, before+1)
	ev := events[len(events)-1]
	lvl, ok := props.Get(ev.Props, "lvl")
	require.True(t, ok)
	assert.Equal(t, "info", lvl.String())
	assert.Equal(t, "created gizmo", ev.Msg())
}

func TestDebugWarnErrorSetDistinctLevels(t *testing.T) {
	em := installOnce()

	cases := []struct {
		fn   func(event.Path, string, props.Props)
		want string
	}{
		{Debug, "debug"},
		{Warn, "warn"},
		{Error, "error"},
	}
	for _, c := range cases {
		before := len(em.snapshot())
		c.fn("app::widgets", "tick", nil)
		events := em.snapshot()
		require.Len(t, events, before+1)
		lvl, ok := props.Get(events[len(events)-1].Props, "lvl")
		require.True(t, ok)
		assert.Equal(t, c.want, lvl.String())
	}
}

func TestErrorWithCapturesErrorProp(t *testing.T) {
	em := installOnce()
	before := len(em.snapshot())

	ErrorWith("app::widgets", "save failed", errors.New("disk full"), nil)

	events := em.snapshot()
	require.Len(t, events, before+1)
	ev := events[len(events)-1]
	errv, ok := props.Get(ev.Props, "err")
	require.True(t, ok)
	assert.Equal(t, "disk full", errv.String())
	lvl, _ := props.Get(ev.Props, "lvl")
	assert.Equal(t, "error", lvl.String())
}

func TestErrorWithMergesCallerProps(t *testing.T) {
	em := installOnce()
	before := len(em.snapshot())

	ErrorWith("app::widgets", "save failed", errors.New("disk full"), props.Slice{
		{Key: value.StaticStr("attempt"), Val: value.Int64(3)},
	})

	events := em.snapshot()
	require.Len(t, events, before+1)
	attempt, ok := props.Get(events[len(events)-1].Props, "attempt")
	require.True(t, ok)
	n, _ := attempt.ToInt64()
	assert.Equal(t, int64(3), n)
}

func TestSpanCompletesExactlyOneEventOnEnd(t *testing.T) {
	em := installOnce()
	before := len(em.snapshot())

	s := Span("app::widgets", "build", nil)
	s.End()

	assert.Len(t, em.snapshot(), before+1)
}

func TestSpanCompleteWithRecordsError(t *testing.T) {
	em := installOnce()
	before := len(em.snapshot())

	s := Span("app::widgets", "build", nil)
	s.CompleteWith(errors.New("boom"))

	events := em.snapshot()
	require.Len(t, events, before+1)
	lvl, ok := props.Get(events[len(events)-1].Props, "lvl")
	require.True(t, ok)
	assert.Equal(t, "error", lvl.String())
}

func TestBlockingFlushDelegatesToAmbientEmitter(t *testing.T) {
	installOnce()
	assert.True(t, BlockingFlush(time.Second))
}
