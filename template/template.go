// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package template implements the parsed message template: an ordered
// sequence of literal text parts and property "holes", rendered lazily
// against a props.Props without allocating unless the caller asks for the
// rendered string.
package template

import (
	"strings"

	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/value"
)

// Formatter renders a filled hole's value. A nil Formatter means "use the
// value's default Display projection" (Value.String).
type Formatter func(value.Value) string

// Part is one piece of a parsed template: either literal text or a hole.
type Part struct {
	Text      string    // literal text; empty for a hole
	Hole      bool      // true if this part is a property hole
	Key       string    // the property key a hole refers to
	Formatter Formatter // optional custom formatter for a hole
}

// Template is an ordered sequence of Parts.
type Template struct {
	parts []Part
}

// New builds a Template from already-parsed parts. Most callers won't need
// this directly — Parse below covers the common `{key}` hole syntax — but
// macro-adjacent front-ends that already parsed a template at compile time
// construct one this way, bypassing Parse entirely.
func New(parts []Part) Template { return Template{parts: parts} }

// Literal builds a single-literal-part Template; AsStr on the result
// returns text unchanged.
func Literal(text string) Template {
	return Template{parts: []Part{{Text: text}}}
}

// Parse parses a template using `{key}` hole syntax, with `{{` and `}}`
// as escapes for literal braces. This is the minimal rendering the core
// needs at runtime; a macro front-end is expected to do smarter,
// compile-time parsing and hand the core pre-built Parts via New.
func Parse(s string) Template {
	var parts []Part
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, Part{Text: lit.String()})
			lit.Reset()
		}
	}
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				// unterminated hole; treat the rest as literal text
				lit.WriteString(s[i:])
				i = len(s)
				continue
			}
			flush()
			key := s[i+1 : i+end]
			parts = append(parts, Part{Hole: true, Key: key})
			i += end + 1
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return Template{parts: parts}
}

// AsStr returns the template's text when it consists of exactly one literal
// part, the common case for plain messages with no holes.
func (t Template) AsStr() (string, bool) {
	if len(t.parts) == 1 && !t.parts[0].Hole {
		return t.parts[0].Text, true
	}
	if len(t.parts) == 0 {
		return "", true
	}
	return "", false
}

// Parts exposes the parsed parts for encoders that want to walk the
// template structurally (e.g. to render the raw `tpl` field alongside the
// rendered `msg`).
func (t Template) Parts() []Part { return t.parts }

// Render writes the template against p to w: literal parts verbatim, filled
// holes through their Formatter (or the value's default Display), and
// unfilled holes as the bracketed key name.
func Render(t Template, p props.Props, w *strings.Builder) {
	for _, part := range t.parts {
		if !part.Hole {
			w.WriteString(part.Text)
			continue
		}
		v, ok := props.Get(p, part.Key)
		if !ok {
			w.WriteByte('`')
			w.WriteString(part.Key)
			w.WriteByte('`')
			continue
		}
		if part.Formatter != nil {
			w.WriteString(part.Formatter(v))
		} else {
			w.WriteString(v.String())
		}
	}
}

// RenderString is a convenience wrapper around Render returning the result
// as a string.
func RenderString(t Template, p props.Props) string {
	var b strings.Builder
	Render(t, p, &b)
	return b.String()
}

// RawString reconstructs the original `{key}` source text of the template,
// used by encoders/writers that want the unrendered `tpl` alongside the
// rendered `msg` (see the file emitter's on-disk format).
func RawString(t Template) string {
	var b strings.Builder
	for _, part := range t.parts {
		if part.Hole {
			b.WriteByte('{')
			b.WriteString(part.Key)
			b.WriteByte('}')
		} else {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
