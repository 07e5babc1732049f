// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd-diag/emit-go/ctxt"
	"github.com/dd-diag/emit-go/internalmetrics"
	"github.com/dd-diag/emit-go/props"
	"github.com/dd-diag/emit-go/runtime"
	"github.com/dd-diag/emit-go/value"
)

func TestSendSucceedsOn200(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("content-type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Encoding: EncodingProto}, runtime.Empty, nil)
	err := c.Send(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "application/x-protobuf", gotContentType)
}

func TestSendFailsOn503ThenNextSendSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := internalmetrics.NewSource("transport")
	c := New(Config{URL: srv.URL}, runtime.Empty, m)

	err := c.Send(context.Background(), []byte("a"))
	assert.Error(t, err)

	err = c.Send(context.Background(), []byte("a"))
	assert.NoError(t, err)

	assert.Equal(t, int32(2), attempts.Load())
}

func TestSendSetsTraceparentFromAmbientContext(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stack := ctxt.NewStack()
	p := props.Slice{
		{Key: value.StaticStr("trace_id"), Val: value.String(value.StaticStr("0102030405060708090a0b0c0d0e0f10"))},
		{Key: value.StaticStr("span_id"), Val: value.String(value.StaticStr("0102030405060708"))},
	}
	f := stack.Open(p)
	stack.Enter(&f)
	defer stack.Exit(&f)

	rt := runtime.Runtime{Ctxt: stack}
	c := New(Config{URL: srv.URL}, rt, nil)

	err := c.Send(context.Background(), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "00-0102030405060708090a0b0c0d0e0f10-0102030405060708-00", gotHeader)
}

func TestSendGzipsOverPlainHTTP(t *testing.T) {
	var gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("content-encoding")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, AllowGzip: true}, runtime.Empty, nil)
	err := c.Send(context.Background(), []byte("a payload worth compressing"))
	require.NoError(t, err)
	assert.Equal(t, "gzip", gotEncoding)
}

func TestFrameGRPCPrependsFiveByteHeader(t *testing.T) {
	framed := frameGRPC([]byte("ab"), false)
	require.Len(t, framed, 7)
	assert.Equal(t, byte(0), framed[0])
	assert.Equal(t, []byte{0, 0, 0, 2}, framed[1:5])
	assert.Equal(t, []byte("ab"), framed[5:])
}
