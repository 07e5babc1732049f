// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package props implements the ordered key/value iteration model shared by
// events, context frames and templates: a polymorphic "for-each over
// (Str, Value) pairs with short-circuit", plus the handful of combinators
// (chain, filter) needed to compose sources without collecting them into a
// map first.
package props

import (
	"sort"

	"github.com/dd-diag/emit-go/value"
)

// Visitor is called once per key/value pair. Returning Break ends
// iteration early; the zero value (Continue) keeps it going.
type Visitor func(k value.Str, v value.Value) ControlFlow

// ControlFlow mirrors Rust's ControlFlow<()> for the for_each protocol.
type ControlFlow uint8

const (
	Continue ControlFlow = iota
	Break
)

// Props is anything that can be iterated as an ordered sequence of
// (Str, Value) pairs. get is defined in terms of for_each: "first match by
// iteration order", and every implementation here is written to keep that
// invariant without a separate, possibly-inconsistent lookup path.
type Props interface {
	ForEach(visit Visitor) ControlFlow
}

// Get returns the first value for key by iteration order, or false if no
// pair matches. Defined purely in terms of ForEach so it can never
// disagree with it.
func Get(p Props, key string) (value.Value, bool) {
	var (
		found value.Value
		ok    bool
	)
	p.ForEach(func(k value.Str, v value.Value) ControlFlow {
		if k.String() == key {
			found, ok = v, true
			return Break
		}
		return Continue
	})
	return found, ok
}

// Pull projects the first match for key through proj. Returns false if the
// key is absent or proj can't convert the value.
func Pull[T any](p Props, key string, proj func(value.Value) (T, bool)) (T, bool) {
	var zero T
	v, ok := Get(p, key)
	if !ok {
		return zero, false
	}
	return proj(v)
}

// Slice is the simplest Props: a plain ordered slice of pairs, as produced
// by ad-hoc call sites that don't go through a macro-generated sorted
// array.
type Slice []Pair

// Pair is one (key, value) entry. A nil Value (IsNull) is a legitimate
// present-but-null entry, distinct from an unset OptPair's "absent" semantics.
type Pair struct {
	Key value.Str
	Val value.Value
}

func (s Slice) ForEach(visit Visitor) ControlFlow {
	for _, pair := range s {
		if visit(pair.Key, pair.Val) == Break {
			return Break
		}
	}
	return Continue
}

// OptPair is one entry in a sorted, macro-emitted property array, where a
// Some/None discriminant lets a call site skip `#[optional]` captures
// without branching — the key is still compile-time sorted alongside its
// slot, but its value may be absent.
type OptPair struct {
	Key value.Str
	Val value.Value
	Set bool // false means the key is absent (treated as unset by Get/ForEach)
}

// SortedSlice is a macro-emitted sorted array of (Str, Option<Value>)
// supporting O(log n) Get via binary search, while ForEach still walks in
// key order and skips unset slots. Keys MUST already be sorted by the
// producer; SortedSlice does not sort them itself, matching the
// zero-runtime-cost intent of the macro front-end this mirrors.
type SortedSlice []OptPair

func (s SortedSlice) ForEach(visit Visitor) ControlFlow {
	for _, pair := range s {
		if !pair.Set {
			continue
		}
		if visit(pair.Key, pair.Val) == Break {
			return Break
		}
	}
	return Continue
}

// Get uses binary search since the slice is sorted by key. Duplicate keys
// aren't expected in a sorted slice (the producer guarantees uniqueness),
// so the first (only) match wins.
func (s SortedSlice) Get(key string) (value.Value, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].Key.String() >= key })
	if i < len(s) && s[i].Key.String() == key && s[i].Set {
		return s[i].Val, true
	}
	return value.Value{}, false
}

// chain is the left-biased concatenation of two Props: ForEach visits
// first, then second; Get (via the default implementation above) therefore
// naturally consults first before second.
type chain struct {
	first, second Props
}

// Chain concatenates two Props sources, left-biased: a lookup on the
// result consults first before second, matching for_each order exactly.
func Chain(first, second Props) Props {
	return chain{first: first, second: second}
}

func (c chain) ForEach(visit Visitor) ControlFlow {
	if c.first != nil {
		if c.first.ForEach(visit) == Break {
			return Break
		}
	}
	if c.second != nil {
		return c.second.ForEach(visit)
	}
	return Continue
}

// Predicate decides whether a single pair should be visible through a
// Filter.
type Predicate func(k value.Str, v value.Value) bool

// filtered wraps a Props, hiding pairs the predicate rejects both from
// ForEach and from Get (by construction, since Get is ForEach-derived).
type filtered struct {
	inner Props
	pred  Predicate
}

// Filter returns a Props view that only yields pairs pred accepts.
func Filter(inner Props, pred Predicate) Props {
	return filtered{inner: inner, pred: pred}
}

func (f filtered) ForEach(visit Visitor) ControlFlow {
	return f.inner.ForEach(func(k value.Str, v value.Value) ControlFlow {
		if !f.pred(k, v) {
			return Continue
		}
		return visit(k, v)
	})
}

// ByRef returns p unchanged; it exists so call sites that pass Props
// through several layers of composition read the same way the original
// `by_ref` adaptor does, without actually needing a distinct Go type since
// interfaces are already reference-like.
func ByRef(p Props) Props { return p }

// Empty is the zero-pair Props, used by the empty ambient runtime and as
// the base case for Chain.
var Empty Props = emptyProps{}

type emptyProps struct{}

func (emptyProps) ForEach(Visitor) ControlFlow { return Continue }
