// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package errkind enumerates the error kinds observed at the boundary of
// the emission path (§7 of the spec) and gives each one a stable counter
// name so the internal metrics source can surface them as events.
package errkind

// Kind is one of the fixed error kinds the library counts internally.
// Producing call sites never see these values — they only ever surface as
// an incremented counter plus an internal log line.
type Kind string

const (
	TransportConnect   Kind = "transport_connect"
	TransportTLS       Kind = "transport_tls"
	TransportRequest   Kind = "transport_request"
	ResponseNon2xx     Kind = "response_non_2xx"
	Encoding           Kind = "encoding"
	FileOpen           Kind = "file_open"
	FileWrite          Kind = "file_write"
	FileSync           Kind = "file_sync"
	FileDelete         Kind = "file_delete"
	EventFormat        Kind = "event_format"
	SpanUnexpectedClose Kind = "span_unexpected_close"
	SpanUnexpectedEmit Kind = "span_unexpected_emit"
	PanicRecovered     Kind = "panic_recovered"
)

// MetricName returns the counter name this kind is surfaced under, e.g.
// "emit_errors_transport_connect".
func (k Kind) MetricName() string { return "emit_errors_" + string(k) }
