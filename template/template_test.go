// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/value"
)

func propsOf(pairs ...props.Pair) props.Slice { return props.Slice(pairs) }

func TestParseFillsHolesFromProps(t *testing.T) {
	tpl := Parse("created {name} with count {n}")
	p := propsOf(
		props.Pair{Key: value.StaticStr("name"), Val: value.String(value.StaticStr("gizmo"))},
		props.Pair{Key: value.StaticStr("n"), Val: value.Int64(3)},
	)
	assert.Equal(t, "created gizmo with count 3", RenderString(tpl, p))
}

func TestParseEscapesDoubleBraces(t *testing.T) {
	tpl := Parse("literal {{brace}} stays")
	assert.Equal(t, "literal {brace} stays", RenderString(tpl, props.Empty))
}

func TestUnfilledHoleRendersBracketedKeyName(t *testing.T) {
	tpl := Parse("missing {key} here")
	assert.Equal(t, "missing `key` here", RenderString(tpl, props.Empty))
}

func TestUnterminatedHoleTreatedAsLiteralText(t *testing.T) {
	tpl := Parse("oops {unterminated")
	assert.Equal(t, "oops {unterminated", RenderString(tpl, props.Empty))
}

func TestLiteralTemplateHasNoHoles(t *testing.T) {
	tpl := Literal("just text {not a hole marker}")
	s, ok := tpl.AsStr()
	assert.True(t, ok)
	assert.Equal(t, "just text {not a hole marker}", s)
}

func TestAsStrFailsWhenTemplateHasHoles(t *testing.T) {
	tpl := Parse("hello {name}")
	_, ok := tpl.AsStr()
	assert.False(t, ok)
}

func TestAsStrOnEmptyTemplate(t *testing.T) {
	tpl := Parse("")
	s, ok := tpl.AsStr()
	assert.True(t, ok)
	assert.Equal(t, "", s)
}

func TestRawStringReconstructsSourceSyntax(t *testing.T) {
	const src = "created {name} with count {n}"
	tpl := Parse(src)
	assert.Equal(t, src, RawString(tpl))
}

func TestRenderUsesCustomFormatterWhenPresent(t *testing.T) {
	tpl := New([]Part{
		{Text: "value="},
		{Hole: true, Key: "n", Formatter: func(v value.Value) string {
			return "<" + v.String() + ">"
		}},
	})
	p := propsOf(props.Pair{Key: value.StaticStr("n"), Val: value.Int64(7)})
	assert.Equal(t, "value=<7>", RenderString(tpl, p))
}

func TestRenderWritesDirectlyToBuilder(t *testing.T) {
	tpl := Parse("{a}-{b}")
	p := propsOf(
		props.Pair{Key: value.StaticStr("a"), Val: value.String(value.StaticStr("x"))},
		props.Pair{Key: value.StaticStr("b"), Val: value.String(value.StaticStr("y"))},
	)
	var b strings.Builder
	Render(tpl, p, &b)
	require.Equal(t, "x-y", b.String())
}

func TestPartsExposesParsedStructure(t *testing.T) {
	tpl := Parse("a{b}c")
	parts := tpl.Parts()
	require.Len(t, parts, 3)
	assert.Equal(t, "a", parts[0].Text)
	assert.True(t, parts[1].Hole)
	assert.Equal(t, "b", parts[1].Key)
	assert.Equal(t, "c", parts[2].Text)
}
