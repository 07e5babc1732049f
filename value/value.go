// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package value implements the polymorphic value carrier and capability
// erasure layer described by the event model: a cheap, non-generic way for
// emitters, filters and templates to inspect captured data without forcing
// every caller to monomorphize over it.
package value

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// kind discriminates the primitive payload a Value carries, or indicates
// that the Value holds an erased capability reference instead.
type kind uint8

const (
	kindNull kind = iota
	kindI64
	kindU64
	kindF64
	kindBool
	kindChar
	kindStr
	kindBytes
	kindErased
)

// capability tags which Display-like operation an erased Value supports.
// Only one is ever set per erased Value; it's recorded so String/MarshalJSON
// know which path produced the erased reference without a live type switch.
type capability uint8

const (
	capDisplay capability = iota
	capDebug
	capSerde
	capError
)

// Value is a polymorphic leaf: either a primitive, copied inline, or an
// erased reference to a captured value along with one capability used to
// project it back to text or structure. Cloning a Value is O(1): primitives
// copy a machine word, erased values copy an interface header.
type Value struct {
	kind kind
	cap  capability

	i64 int64
	u64 uint64
	f64 float64
	b   bool
	ch  rune
	str Str
	by  []byte

	erased   any
	typeOf   reflect.Type // set only when the static type should be downcastable
	hasType  bool
}

// Null returns the absent-value sentinel.
func Null() Value { return Value{kind: kindNull} }

// Int64 wraps a signed integer up to 64 bits. Value has no wider integer
// kind; 128-bit trace identifiers are carried as span.TraceID instead.
func Int64(v int64) Value { return Value{kind: kindI64, i64: v} }

// Uint64 wraps an unsigned integer up to 64 bits.
func Uint64(v uint64) Value { return Value{kind: kindU64, u64: v} }

// Float64 wraps a floating point value.
func Float64(v float64) Value { return Value{kind: kindF64, f64: v} }

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{kind: kindBool, b: v} }

// Char wraps a single rune.
func Char(v rune) Value { return Value{kind: kindChar, ch: v} }

// String wraps a borrowed-or-owned string directly, without going through
// the Display capture path; this is the fast path the capture functions
// below fall into when the static type is already a string.
func String(s Str) Value { return Value{kind: kindStr, str: s} }

// Bytes wraps a raw byte slice.
func Bytes(b []byte) Value { return Value{kind: kindBytes, by: b} }

// stringer and goStringer mirror fmt.Stringer/fmt.GoStringer so capture
// doesn't need to import fmt at the call site.
type stringer interface{ String() string }
type goStringer interface{ GoString() string }

// CaptureDisplay captures v using its Display-equivalent representation. If
// v's static type is a supported primitive, the fast path stores it inline
// and downcast remains available. Otherwise v is stored as an erased
// reference capturing only %v / Stringer output.
func CaptureDisplay(v any) Value {
	if p, ok := capturePrimitive(v); ok {
		return p
	}
	return Value{kind: kindErased, cap: capDisplay, erased: v, typeOf: reflect.TypeOf(v), hasType: true}
}

// CaptureDebug captures v using its Debug-equivalent representation (%+v,
// or GoString if implemented). Preserves downcast exactly like
// CaptureDisplay.
func CaptureDebug(v any) Value {
	if p, ok := capturePrimitive(v); ok {
		return p
	}
	return Value{kind: kindErased, cap: capDebug, erased: v, typeOf: reflect.TypeOf(v), hasType: true}
}

// CaptureSerde captures v for structured (JSON) serialization. Used for
// values an OTLP or file encoder should render as a nested structure rather
// than a flattened string.
func CaptureSerde(v any) Value {
	if p, ok := capturePrimitive(v); ok {
		return p
	}
	return Value{kind: kindErased, cap: capSerde, erased: v, typeOf: reflect.TypeOf(v), hasType: true}
}

// CaptureError captures an error chain. Display projection unwraps with
// Error(); downcast still works against the concrete error type.
func CaptureError(err error) Value {
	if err == nil {
		return Null()
	}
	return Value{kind: kindErased, cap: capError, erased: err, typeOf: reflect.TypeOf(err), hasType: true}
}

// capturePrimitive attempts the fast-path specialization: if v's underlying
// static type is one of the primitives the Value kind enum already covers,
// store it inline instead of erasing it.
func capturePrimitive(v any) (Value, bool) {
	switch t := v.(type) {
	case nil:
		return Null(), true
	case bool:
		return Bool(t), true
	case string:
		return String(BorrowedStr(t)), true
	case int:
		return Int64(int64(t)), true
	case int8:
		return Int64(int64(t)), true
	case int16:
		return Int64(int64(t)), true
	case int32:
		return Int64(int64(t)), true
	case int64:
		return Int64(t), true
	case uint:
		return Uint64(uint64(t)), true
	case uint8:
		return Uint64(uint64(t)), true
	case uint16:
		return Uint64(uint64(t)), true
	case uint32:
		return Uint64(uint64(t)), true
	case uint64:
		return Uint64(t), true
	case float32:
		return Float64(float64(t)), true
	case float64:
		return Float64(t), true
	case []byte:
		return Bytes(t), true
	}
	return Value{}, false
}

// IsNull reports whether this Value is the absent sentinel.
func (v Value) IsNull() bool { return v.kind == kindNull }

// String renders the Value via its Display projection. Never panics.
func (v Value) String() string {
	switch v.kind {
	case kindNull:
		return ""
	case kindI64:
		return strconv.FormatInt(v.i64, 10)
	case kindU64:
		return strconv.FormatUint(v.u64, 10)
	case kindF64:
		return strconv.FormatFloat(v.f64, 'g', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindChar:
		return string(v.ch)
	case kindStr:
		return v.str.String()
	case kindBytes:
		return string(v.by)
	case kindErased:
		return v.erasedString()
	default:
		return ""
	}
}

func (v Value) erasedString() string {
	switch v.cap {
	case capError:
		if err, ok := v.erased.(error); ok {
			return err.Error()
		}
	case capDebug:
		if gs, ok := v.erased.(goStringer); ok {
			return gs.GoString()
		}
		return fmt.Sprintf("%+v", v.erased)
	case capSerde:
		b, err := json.Marshal(v.erased)
		if err != nil {
			return fmt.Sprintf("%v", v.erased)
		}
		return string(b)
	}
	if s, ok := v.erased.(stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v.erased)
}

// Downcast attempts to recover the originally-captured static type T. It
// only succeeds if the Value was captured (or constructed) while preserving
// that type tag — anonymous / primitive-folded captures of a matching Go
// type also succeed via a value (not pointer-identity) comparison.
func Downcast[T any](v Value) (T, bool) {
	var zero T
	if v.kind == kindErased && v.hasType {
		if t, ok := v.erased.(T); ok {
			return t, true
		}
		return zero, false
	}
	// allow downcasting primitives that were captured through the fast path
	if t, ok := any(v.asPrimitiveAny()).(T); ok {
		return t, true
	}
	return zero, false
}

func (v Value) asPrimitiveAny() any {
	switch v.kind {
	case kindI64:
		return v.i64
	case kindU64:
		return v.u64
	case kindF64:
		return v.f64
	case kindBool:
		return v.b
	case kindChar:
		return v.ch
	case kindStr:
		return v.str.String()
	case kindBytes:
		return v.by
	default:
		return nil
	}
}

// ToInt64 projects the Value to an int64, if it holds or parses as one.
func (v Value) ToInt64() (int64, bool) {
	switch v.kind {
	case kindI64:
		return v.i64, true
	case kindU64:
		if v.u64 <= uint64(1)<<63-1 {
			return int64(v.u64), true
		}
	case kindF64:
		return int64(v.f64), true
	case kindStr:
		if n, err := strconv.ParseInt(v.str.String(), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// ToUint64 projects the Value to a uint64, if it holds or parses as one.
func (v Value) ToUint64() (uint64, bool) {
	switch v.kind {
	case kindU64:
		return v.u64, true
	case kindI64:
		if v.i64 >= 0 {
			return uint64(v.i64), true
		}
	case kindStr:
		if n, err := strconv.ParseUint(v.str.String(), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// ToF64 projects the Value to a float64.
func (v Value) ToF64() (float64, bool) {
	switch v.kind {
	case kindF64:
		return v.f64, true
	case kindI64:
		return float64(v.i64), true
	case kindU64:
		return float64(v.u64), true
	case kindStr:
		if f, err := strconv.ParseFloat(v.str.String(), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ToUsize projects the Value to a non-negative int, typically used for
// counts and indices.
func (v Value) ToUsize() (int, bool) {
	n, ok := v.ToInt64()
	if !ok || n < 0 {
		return 0, false
	}
	return int(n), true
}

// ToBorrowedStr projects the Value to its Str form without allocating when
// the Value already holds one.
func (v Value) ToBorrowedStr() (Str, bool) {
	if v.kind == kindStr {
		return v.str, true
	}
	return Str{}, false
}

// ToBool projects the Value to a bool.
func (v Value) ToBool() (bool, bool) {
	if v.kind == kindBool {
		return v.b, true
	}
	return false, false
}

// Parse hands the Value's text (the borrowed string it holds, otherwise its
// Display projection) to parse and returns the result; there are no
// built-in parsers, so every target type goes through parse. Errors
// are discarded per the failure model: capture/parse never panics and
// degrades to (zero, false) rather than surfacing an error.
func Parse[T any](v Value, parse func(s string) (T, error)) (T, bool) {
	var zero T
	s, ok := v.ToBorrowedStr()
	var text string
	if ok {
		text = s.String()
	} else {
		text = v.String()
	}
	t, err := parse(text)
	if err != nil {
		return zero, false
	}
	return t, true
}
