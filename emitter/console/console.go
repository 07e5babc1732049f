// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package console is the simplest possible Emitter: one line per event,
// written straight to an io.Writer. It does no ANSI coloring, no TTY
// detection, no column alignment — that's terminal rendering, explicitly
// out of scope.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dd-diag/emit-go/event"
)

// Emitter writes one rendered line per event to Out, flushing after every
// write so BlockingFlush can simply report true.
type Emitter struct {
	mu  sync.Mutex
	out *bufio.Writer
	w   io.Writer
}

// New wraps w. A nil w defaults to os.Stderr.
func New(w io.Writer) *Emitter {
	if w == nil {
		w = os.Stderr
	}
	return &Emitter{out: bufio.NewWriter(w), w: w}
}

// Emit writes one line: "TIMESTAMP MESSAGE".
func (e *Emitter) Emit(ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := time.Now()
	if ev.HasExt {
		ts = ev.Ext.End()
	}
	fmt.Fprintf(e.out, "%s %s\n", ts.UTC().Format(time.RFC3339Nano), ev.Msg())
	e.out.Flush()
}

// BlockingFlush always returns true: every write above is already flushed
// synchronously before Emit returns.
func (e *Emitter) BlockingFlush(time.Duration) bool { return true }
