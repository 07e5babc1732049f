// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package transport marshals and sends OTLP export requests over HTTP,
// optionally gzip-compressed, with a single pooled connection per
// destination that's marked "poisoned" for the duration of an in-flight
// send and discarded outright on failure.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"google.golang.org/grpc/encoding"
	grpcproto "google.golang.org/grpc/encoding/proto"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/dd-diag/emit-go/internal/errkind"
	"github.com/dd-diag/emit-go/internal/log"
	"github.com/dd-diag/emit-go/internalmetrics"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/runtime"
)

// protoCodec is grpc's own registered "proto" codec (it marshals via
// google.golang.org/protobuf/proto under the hood); reusing it instead of
// calling proto.Marshal directly keeps the wire encoding identical to what a
// real gRPC client would produce for the same message.
var protoCodec = encoding.GetCodec(grpcproto.Name)

// Marshal renders msg the way enc's content-type promises: protobuf via
// grpc's "proto" codec, or proto-correct JSON via protojson (plain
// encoding/json doesn't know protobuf's oneof/enum-name conventions).
func Marshal(enc Encoding, msg proto.Message) ([]byte, error) {
	if enc == EncodingJSON {
		return protojson.Marshal(msg)
	}
	return protoCodec.Marshal(msg)
}

// Encoding selects the request content-type.
type Encoding int

const (
	EncodingProto Encoding = iota
	EncodingJSON
)

func (e Encoding) contentType() string {
	if e == EncodingJSON {
		return "application/json"
	}
	return "application/x-protobuf"
}

// Protocol selects the wire framing: plain HTTP body, or gRPC's 5-byte
// length-prefixed framing over HTTP/2.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolGRPC
)

// Config describes one OTLP destination.
type Config struct {
	URL            string
	Protocol       Protocol
	Encoding       Encoding
	AllowGzip      bool // only ever applied over a plain (non-TLS) connection, per §4.8
	TLSConfig      *tls.Config
	Headers        map[string]string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Client is one pooled connection to an OTLP destination. A single
// underlying *http.Client (and its connection pool) is reused across sends;
// "poisoned" here tracks whether a send is currently in flight so a second
// concurrent caller doesn't race a half-built request, per §4.8's
// connection-pool paragraph.
type Client struct {
	cfg     Config
	rt      runtime.Runtime
	metrics *internalmetrics.Source

	mu       sync.Mutex
	poisoned bool
	http     *http.Client
}

// New builds a Client. rt supplies the ambient context used to build the
// outbound traceparent header; metrics may be nil.
func New(cfg Config, rt runtime.Runtime, metrics *internalmetrics.Source) *Client {
	return &Client{cfg: cfg, rt: rt, metrics: metrics, http: newHTTPClient(cfg)}
}

func newHTTPClient(cfg Config) *http.Client {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	tr := &http.Transport{
		TLSClientConfig:     cfg.TLSConfig,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 1,
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// isHTTPS reports whether the configured URL uses https, used to gate gzip
// per §4.8 ("Optional gzip on non-TLS connections only").
func (c *Client) isHTTPS() bool {
	return len(c.cfg.URL) >= 8 && c.cfg.URL[:8] == "https://"
}

// Send posts one pre-marshaled body to the destination. It discards the
// pooled connection on any failure (the next Send reconnects via a fresh
// *http.Client.Transport dial) and returns the failure as an error; the
// internal/errkind kind of a transport failure is counted on the client's
// metrics, not carried in the returned error.
func (c *Client) Send(ctx context.Context, body []byte) error {
	c.mu.Lock()
	if c.poisoned {
		c.mu.Unlock()
		return fmt.Errorf("transport: connection busy")
	}
	c.poisoned = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.poisoned = false
		c.mu.Unlock()
	}()

	payload := body
	gzipped := false
	if c.cfg.AllowGzip && !c.isHTTPS() {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err == nil && zw.Close() == nil {
			payload = buf.Bytes()
			gzipped = true
		}
	}

	if c.cfg.Protocol == ProtocolGRPC {
		payload = frameGRPC(payload, gzipped)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		c.incr(errkind.TransportRequest)
		return fmt.Errorf("transport: build request: %w", err)
	}

	req.Header.Set("content-type", c.cfg.Encoding.contentType())
	if gzipped {
		req.Header.Set("content-encoding", "gzip")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if tp := c.traceparent(); tp != "" {
		req.Header.Set("traceparent", tp)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.poisonConn()
		c.incr(errkind.TransportConnect)
		return fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.incr(errkind.ResponseNon2xx)
		return fmt.Errorf("transport: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// poisonConn discards the pooled connection so the next Send dials fresh,
// per §4.8 ("On send failure the connection is discarded").
func (c *Client) poisonConn() {
	c.http.CloseIdleConnections()
}

func (c *Client) incr(k errkind.Kind) {
	if c.metrics != nil {
		c.metrics.IncrKind(k, 1)
	}
	log.ErrorOnce("transport: %s", k.MetricName())
}

// traceparent builds the outbound `traceparent: 00-{trace_id}-{span_id}-00`
// header from the ambient context, so the exporter's own traffic is
// traceable, per §4.8.
func (c *Client) traceparent() string {
	var trace, span string
	c.rt.Ctxt.WithCurrent(func(p props.Props) {
		if v, ok := props.Get(p, "trace_id"); ok {
			trace = v.String()
		}
		if v, ok := props.Get(p, "span_id"); ok {
			span = v.String()
		}
	})
	if trace == "" || span == "" {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-00", trace, span)
}

// frameGRPC prepends gRPC's 5-byte header: 1 compression flag byte plus a
// 4-byte big-endian length.
func frameGRPC(payload []byte, compressed bool) []byte {
	framed := make([]byte, 5+len(payload))
	if compressed {
		framed[0] = 1
	}
	binary.BigEndian.PutUint32(framed[1:5], uint32(len(payload)))
	copy(framed[5:], payload)
	return framed
}
