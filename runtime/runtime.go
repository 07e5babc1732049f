// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package runtime aggregates the ambient Emitter+Filter+Ctxt+Clock+Rng
// tuple and exposes the two process-wide slots (shared, internal) the rest
// of the library reads from. Go interfaces already give erasure/dynamic
// dispatch for free, so unlike the original, there's no vtable-plus-
// type-id dance here — just plain interface values behind a write-once
// atomic pointer.
package runtime

import (
	"sync/atomic"
	"time"

	"github.com/dd-diag/emit-go/ctxt"
	"github.com/dd-diag/emit-go/event"
)

// Emitter receives events that pass the Filter.
type Emitter interface {
	Emit(e event.Event)
	// BlockingFlush returns true iff every event emitted before the call
	// has been durably forwarded, or discarded on unrecoverable error,
	// within timeout.
	BlockingFlush(timeout time.Duration) bool
}

// Filter decides whether an event should reach the Emitter. Must be pure
// and cheap; evaluated on every event.
type Filter interface {
	Matches(e event.Event) bool
}

// Clock supplies the current time. Returns false if no reading is
// available (the empty runtime's Clock always does).
type Clock interface {
	Now() (time.Time, bool)
}

// Rng supplies random bits for span/trace identifier generation. Returns
// false if no randomness source is available.
type Rng interface {
	GenUint64() (uint64, bool)
}

// Runtime is the aggregated (Emitter, Filter, Ctxt, Clock, Rng) tuple.
type Runtime struct {
	Emitter Emitter
	Filter  Filter
	Ctxt    ctxt.Ctxt
	Clock   Clock
	Rng     Rng
}

// --- empty components -------------------------------------------------

type discardEmitter struct{}

func (discardEmitter) Emit(event.Event)                 {}
func (discardEmitter) BlockingFlush(time.Duration) bool { return true }

type matchAllFilter struct{}

func (matchAllFilter) Matches(event.Event) bool { return true }

type noClock struct{}

func (noClock) Now() (time.Time, bool) { return time.Time{}, false }

type noRng struct{}

func (noRng) GenUint64() (uint64, bool) { return 0, false }

// Empty is the all-no-op runtime returned before a slot has been
// initialized: Emitter discards, Filter matches everything, Ctxt is a
// no-op, Clock and Rng always report absent.
var Empty = Runtime{
	Emitter: discardEmitter{},
	Filter:  matchAllFilter{},
	Ctxt:    ctxt.Empty{},
	Clock:   noClock{},
	Rng:     noRng{},
}

// --- slots --------------------------------------------------------------

// Slot is a write-once, lock-free-read holder for a Runtime. Subsequent
// Set calls after the first fail silently, exactly like a sync.OnceValue
// that only keeps its first result.
type Slot struct {
	p atomic.Pointer[Runtime]
}

// Set installs rt if the slot hasn't been set yet. Returns the runtime now
// in effect (rt if this call won the race, the previously-set one
// otherwise) so callers can chain off of it.
func (s *Slot) Set(rt Runtime) Runtime {
	if s.p.CompareAndSwap(nil, &rt) {
		return rt
	}
	return *s.p.Load()
}

// Get returns the installed Runtime, or Empty if the slot hasn't been set.
func (s *Slot) Get() Runtime {
	if p := s.p.Load(); p != nil {
		return *p
	}
	return Empty
}

// Shared is the public ambient slot; setup.Builder.Init (reached through
// emit.New) writes it and the top-level emit package reads it.
var Shared Slot

// Internal is the slot the diagnostics library uses to report its own
// errors, kept distinct from Shared so the library never recurses into
// the user's own Emitter while doing so.
var Internal Slot
