// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package console

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/template"
)

func TestEmitWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf)

	p := props.Slice{}
	ev := event.New("myapp", time.Unix(1700000000, 0), template.Literal("hello world"), p)
	e.Emit(ev)

	out := buf.String()
	require.True(t, strings.HasSuffix(out, "hello world\n"), out)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestBlockingFlushAlwaysTrue(t *testing.T) {
	e := New(nil)
	assert.True(t, e.BlockingFlush(time.Second))
}
