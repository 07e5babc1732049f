// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package log

import (
	"fmt"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) Log(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

func (r *recordingLogger) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func TestLevelGateSuppressesBelowThreshold(t *testing.T) {
	rec := &recordingLogger{}
	UseLogger(rec)
	defer restoreDefault()

	SetLevel(LevelError)
	Warn("should not appear")
	Info("should not appear either")
	assert.Empty(t, rec.snapshot())

	Error("boom")
	assert.Len(t, rec.snapshot(), 1)
}

func TestSetLevelRaisesVisibility(t *testing.T) {
	rec := &recordingLogger{}
	UseLogger(rec)
	defer restoreDefault()

	SetLevel(LevelDebug)
	Debug("detail %d", 1)
	Info("info %d", 2)
	Warn("warn %d", 3)
	Error("error %d", 4)

	lines := rec.snapshot()
	assert.Len(t, lines, 4)
}

func TestErrorOnceDeduplicatesPerFormatString(t *testing.T) {
	rec := &recordingLogger{}
	UseLogger(rec)
	defer restoreDefault()
	SetLevel(LevelError)

	format := fmt.Sprintf("unique-format-%p", t)
	ErrorOnce(format + ": %d", 1)
	ErrorOnce(format+": %d", 2)
	ErrorOnce(format+": %d", 3)

	assert.Len(t, rec.snapshot(), 1, "ErrorOnce must only write the first call for a given format string")
}

func restoreDefault() {
	SetLevel(LevelWarn)
	UseLogger(stdLogger{l: log.New(os.Stderr, "emit: ", log.LstdFlags)})
}
