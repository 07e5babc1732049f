// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package file emits diagnostic events to a rolling set of files on disk.
// All IO happens off the caller's goroutine: Emit formats and enqueues,
// a single background worker drains batches and writes them, retrying on
// transient failure and rolling to a new file when the current one is
// poisoned, too large, or in the wrong time bucket.
package file

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dd-diag/emit-go/batcher"
	"github.com/dd-diag/emit-go/event"
	"github.com/dd-diag/emit-go/internal/errkind"
	"github.com/dd-diag/emit-go/internal/log"
	"github.com/dd-diag/emit-go/internalmetrics"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/runtime"
	"github.com/dd-diag/emit-go/template"
	"github.com/dd-diag/emit-go/value"
)

// RollBy selects the truncation granularity used to name and roll files.
type RollBy int

const (
	RollByDay RollBy = iota
	RollByHour
	RollByMinute
)

const (
	defaultMaxFiles         = 32
	defaultMaxFileSizeBytes = 1024 * 1024 * 1024
	defaultSeparator        = "\n"
)

// Writer formats one event into buf. If it returns an error the event is
// dropped and counted under errkind.EventFormat.
type Writer func(buf *bytes.Buffer, module event.Path, ev event.Event) error

// Builder configures a Set before Spawn starts its background worker.
type Builder struct {
	dir         string
	prefix      string
	ext         string
	rollBy      RollBy
	maxFiles    int
	maxFileSize int
	reuseFiles  bool
	writer      Writer
	separator   string
	metrics     *internalmetrics.Source
}

// New begins a Builder using path as the naming template: its directory
// groups the files, its base name (sans extension) is the prefix, and its
// extension (defaulting to "log") is appended to every generated file name.
func New(path string) *Builder {
	dir, prefix, ext := splitTemplate(path)
	return &Builder{
		dir:         dir,
		prefix:      prefix,
		ext:         ext,
		rollBy:      RollByHour,
		maxFiles:    defaultMaxFiles,
		maxFileSize: defaultMaxFileSizeBytes,
		writer:      defaultWriter,
		separator:   defaultSeparator,
		metrics:     internalmetrics.NewSource("emit::file"),
	}
}

func splitTemplate(path string) (dir, prefix, ext string) {
	dir = filepath.Dir(path)
	base := filepath.Base(path)
	ext = filepath.Ext(base)
	prefix = strings.TrimSuffix(base, ext)
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "log"
	}
	return dir, prefix, ext
}

// RollByDay rolls to a new file once the calendar day changes.
func (b *Builder) RollByDay() *Builder { b.rollBy = RollByDay; return b }

// RollByHour rolls to a new file once the calendar hour changes. This is the
// default.
func (b *Builder) RollByHour() *Builder { b.rollBy = RollByHour; return b }

// RollByMinute rolls to a new file once the calendar minute changes.
func (b *Builder) RollByMinute() *Builder { b.rollBy = RollByMinute; return b }

// MaxFiles bounds how many files are kept in the directory. Oldest files
// (by name, which sorts by bucket then creation order) are deleted first.
func (b *Builder) MaxFiles(n int) *Builder { b.maxFiles = n; return b }

// MaxFileSizeBytes bounds how large a single file may grow before the next
// batch rolls to a new one.
func (b *Builder) MaxFileSizeBytes(n int) *Builder { b.maxFileSize = n; return b }

// ReuseFiles controls whether startup reuses an existing file whose bucket
// matches the current one, instead of always starting a fresh file.
func (b *Builder) ReuseFiles(reuse bool) *Builder { b.reuseFiles = reuse; return b }

// WithWriter overrides the default newline-delimited-JSON writer and the
// separator written between records.
func (b *Builder) WithWriter(w Writer, separator string) *Builder {
	b.writer = w
	b.separator = separator
	return b
}

// Set is a handle to a running rolling-file emitter. Obtain one via
// Builder.Spawn and pass it to a runtime's Emitter slot.
type Set struct {
	sender    *batcher.Sender[[]byte]
	metrics   *internalmetrics.Source
	writer    Writer
	separator string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Spawn completes the builder: it starts a background goroutine draining
// batches onto disk and returns a Set ready to receive events.
func (b *Builder) Spawn() (*Set, error) {
	if b.dir != "" {
		if err := os.MkdirAll(b.dir, 0o755); err != nil {
			return nil, fmt.Errorf("emitter/file: create directory %s: %w", b.dir, err)
		}
	}

	sender, receiver := batcher.Bounded[[]byte](10_000, b.metrics)

	w := &worker{
		metrics:     b.metrics,
		dir:         b.dir,
		prefix:      b.prefix,
		ext:         b.ext,
		rollBy:      b.rollBy,
		reuseFiles:  b.reuseFiles,
		maxFiles:    b.maxFiles,
		maxFileSize: b.maxFileSize,
		separator:   b.separator,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = receiver.Run(ctx, w.onBatch)
	}()

	return &Set{
		sender:    sender,
		metrics:   b.metrics,
		writer:    b.writer,
		separator: b.separator,
		cancel:    cancel,
		done:      done,
	}, nil
}

// Emit formats ev and enqueues it for the background writer. A formatting
// failure drops the event and counts it under errkind.EventFormat rather
// than blocking or panicking the caller.
func (s *Set) Emit(ev event.Event) {
	var buf bytes.Buffer
	if err := s.writer(&buf, ev.Module, ev); err != nil {
		s.metrics.IncrKind(errkind.EventFormat, 1)
		log.ErrorOnce("emitter/file: failed to format event payload: %v", err)
		return
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte(s.separator)) {
		buf.WriteString(s.separator)
	}
	s.sender.Send(buf.Bytes())
}

// BlockingFlush blocks until every event sent before this call has been
// through a batch pass (written, flushed and synced, or exhausted its retry
// budget), or timeout elapses.
func (s *Set) BlockingFlush(timeout time.Duration) bool {
	done := make(chan struct{})
	s.sender.OnNextFlush(func() { close(done) })
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops the background worker after draining whatever is queued.
func (s *Set) Close() {
	s.sender.Close()
	<-s.done
	s.cancel()
}

// MetricSource exposes the counters this file set has accumulated
// (emit_file_create, emit_file_delete, and emit_errors_* per error kind) for the host to fold
// into its own diagnostics pipeline.
func (s *Set) MetricSource() *internalmetrics.Source { return s.metrics }

// defaultWriter renders one event as a JSON object: ts_start (if the event
// carries a ranged extent), ts, msg, tpl, then every event property
// flattened — a property whose key collides with a reserved name
// (ts/ts_start/msg/tpl) overrides it, per §4.7's on-disk format.
func defaultWriter(buf *bytes.Buffer, _ event.Path, ev event.Event) error {
	fields := make(map[string]string)
	order := make([]string, 0, 8)
	set := func(k, v string) {
		if _, ok := fields[k]; !ok {
			order = append(order, k)
		}
		fields[k] = v
	}

	if ev.HasExt && ev.Ext.IsSpan() {
		set("ts_start", ev.Ext.Start().Format(time.RFC3339Nano))
	}
	ts := time.Now()
	if ev.HasExt {
		ts = ev.Ext.End()
	}
	set("ts", ts.Format(time.RFC3339Nano))
	set("msg", ev.Msg())
	set("tpl", template.RawString(ev.Tpl))

	ev.Props.ForEach(func(k value.Str, v value.Value) props.ControlFlow {
		set(k.String(), v.String())
		return props.Continue
	})

	buf.WriteByte('{')
	for i, k := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, k)
		buf.WriteByte(':')
		writeJSONString(buf, fields[k])
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

// worker owns the single active file and performs every roll/retention/
// recovery decision. It's only ever touched from the batcher's Receiver
// goroutine, so it needs no locking of its own.
type worker struct {
	metrics     *internalmetrics.Source
	active      *activeFile
	dir         string
	prefix      string
	ext         string
	rollBy      RollBy
	reuseFiles  bool
	maxFiles    int
	maxFileSize int
	separator   string
}

func (w *worker) onBatch(items [][]byte) error {
	now := time.Now()
	bucket := bucketFor(w.rollBy, now)

	remaining := 0
	for _, it := range items {
		remaining += len(it)
	}

	file := w.active
	w.active = nil

	dirFiles := newDirSet(w.dir, w.prefix, w.ext)

	if file == nil {
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			w.metrics.IncrKind(errkind.FileOpen, 1)
			log.ErrorOnce("emitter/file: failed to create directory %s: %v", w.dir, err)
			return batcher.Retry[[]byte](err, items)
		}

		if err := dirFiles.read(); err != nil {
			w.metrics.IncrKind(errkind.FileOpen, 1)
			log.ErrorOnce("emitter/file: failed to list files in %s: %v", w.dir, err)
		}

		if w.reuseFiles {
			if name, ok := dirFiles.newest(); ok {
				if f, err := openReuse(filepath.Join(w.dir, name)); err == nil {
					file = f
				} else {
					w.metrics.IncrKind(errkind.FileOpen, 1)
					log.ErrorOnce("emitter/file: failed to reopen %s: %v", name, err)
				}
			}
		}
	}

	if file != nil && (file.sizeBytes+remaining > w.maxFileSize || file.bucket != bucket) {
		file = nil
		if err := dirFiles.read(); err != nil {
			w.metrics.IncrKind(errkind.FileOpen, 1)
			log.ErrorOnce("emitter/file: failed to list files in %s: %v", w.dir, err)
		}
	}

	if file == nil {
		dirFiles.applyRetention(w.metrics, maxOf(w.maxFiles-1, 0))

		id := fileID(millisInBucket(w.rollBy, now, bucket))
		name := fmt.Sprintf("%s.%s.%s.%s", w.prefix, bucket, id, w.ext)
		path := filepath.Join(w.dir, name)

		f, err := openCreate(path, bucket)
		if err != nil {
			w.metrics.IncrKind(errkind.FileOpen, 1)
			log.ErrorOnce("emitter/file: failed to create %s: %v", path, err)
			return batcher.Retry[[]byte](err, items)
		}
		w.metrics.Incr("emit_file_create", 1)
		file = f
	}

	writtenBytes := 0
	for i, it := range items {
		if err := file.writeEvent(it, w.separator); err != nil {
			w.metrics.IncrKind(errkind.FileWrite, 1)
			log.ErrorOnce("emitter/file: failed to write event to %s: %v", file.path, err)
			w.active = nil
			return batcher.Retry[[]byte](err, items[i:])
		}
		writtenBytes += len(it)
	}

	if err := file.flushSync(); err != nil {
		w.metrics.IncrKind(errkind.FileSync, 1)
		log.ErrorOnce("emitter/file: failed to sync %s: %v", file.path, err)
		return batcher.NoRetry[[]byte](err)
	}

	w.active = file
	return nil
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// activeFile is the single file a worker is currently appending to.
type activeFile struct {
	f             *os.File
	path          string
	bucket        string
	needsRecovery bool
	sizeBytes     int
}

func openCreate(path, bucket string) (*activeFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &activeFile{f: f, path: path, bucket: bucket}, nil
}

func openReuse(path string) (*activeFile, error) {
	bucket, err := bucketFromFileName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &activeFile{
		f:             f,
		path:          path,
		bucket:        bucket,
		needsRecovery: true, // an unknown last-write state, per §4.7's recovery rule
		sizeBytes:     int(info.Size()),
	}, nil
}

// writeEvent appends eventBuf, first writing the separator if the file's
// last write state is unknown — this defends against a previously-partial
// record merging with the new one.
func (a *activeFile) writeEvent(eventBuf []byte, separator string) error {
	if a.needsRecovery {
		if _, err := a.f.WriteString(separator); err != nil {
			return err
		}
		a.sizeBytes += len(separator)
	}
	a.needsRecovery = true

	if _, err := a.f.Write(eventBuf); err != nil {
		return err
	}
	a.sizeBytes += len(eventBuf)
	a.needsRecovery = false
	return nil
}

func (a *activeFile) flushSync() error {
	if err := a.f.Sync(); err != nil {
		return err
	}
	return nil
}

// bucketFor truncates now to the configured granularity and formats it the
// way file names embed it, e.g. "2024-05-27-03" for RollByHour.
func bucketFor(roll RollBy, now time.Time) string {
	now = now.UTC()
	switch roll {
	case RollByDay:
		return fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
	case RollByMinute:
		return fmt.Sprintf("%04d-%02d-%02d-%02d-%02d", now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute())
	default: // RollByHour
		return fmt.Sprintf("%04d-%02d-%02d-%02d", now.Year(), now.Month(), now.Day(), now.Hour())
	}
}

func bucketStart(roll RollBy, now time.Time) time.Time {
	now = now.UTC()
	switch roll {
	case RollByDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case RollByMinute:
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
	}
}

// millisInBucket returns the number of milliseconds since the start of
// now's rollover bucket, used as the zero-padded counter component of a
// file's name so files created within the same bucket sort in creation
// order.
func millisInBucket(roll RollBy, now time.Time, _ string) int {
	return int(now.Sub(bucketStart(roll, now)) / time.Millisecond)
}

// fileID formats the millis-in-bucket counter zero-padded to 8 digits,
// followed by a short random suffix disambiguating files created in the
// same millisecond.
func fileID(millis int) string {
	return fmt.Sprintf("%08d.%s", millis, randomSuffix())
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	n := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return fmt.Sprintf("%08x", n)
}

// bucketFromFileName extracts the bucket component from a file name of the
// shape "{prefix}.{bucket}.{id}.{ext}".
func bucketFromFileName(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return "", fmt.Errorf("emitter/file: could not determine bucket from filename %q", name)
	}
	return parts[1], nil
}

// dirSet enumerates the files already on disk matching this set's prefix
// and extension, sorted newest-first by name (which sorts by bucket then
// creation order, since both are zero-padded).
type dirSet struct {
	dir, prefix, ext string
	names            []string
}

func newDirSet(dir, prefix, ext string) *dirSet {
	return &dirSet{dir: dir, prefix: prefix, ext: ext}
}

func (d *dirSet) read() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, d.prefix+".") && strings.HasSuffix(name, "."+d.ext) {
			names = append(names, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	d.names = names
	return nil
}

func (d *dirSet) newest() (string, bool) {
	if len(d.names) == 0 {
		return "", false
	}
	return d.names[0], true
}

// applyRetention deletes the oldest files until at most max remain,
// leaving room for the file about to be created.
func (d *dirSet) applyRetention(metrics *internalmetrics.Source, max int) {
	for len(d.names) > max {
		oldest := d.names[len(d.names)-1]
		d.names = d.names[:len(d.names)-1]

		path := filepath.Join(d.dir, oldest)
		if err := os.Remove(path); err != nil {
			metrics.IncrKind(errkind.FileDelete, 1)
			log.ErrorOnce("emitter/file: failed to delete %s: %v", path, err)
			continue
		}
		metrics.Incr("emit_file_delete", 1)
	}
}
