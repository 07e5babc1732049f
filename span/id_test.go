// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

package span

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqRng struct {
	vals []uint64
	i    int
}

func (r *seqRng) GenUint64() (uint64, bool) {
	if r.i >= len(r.vals) {
		return 0, false
	}
	v := r.vals[r.i]
	r.i++
	return v, true
}

func TestTraceIDHexRoundTrip(t *testing.T) {
	rng := &seqRng{vals: []uint64{0x0102030405060708, 0x090a0b0c0d0e0f10}}
	id, ok := NewTraceID(rng)
	require.True(t, ok)

	s := id.String()
	assert.Len(t, s, 32)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", s)

	back, ok := ParseTraceID(s)
	require.True(t, ok)
	assert.Equal(t, id, back)
}

func TestSpanIDHexRoundTrip(t *testing.T) {
	rng := &seqRng{vals: []uint64{0xfeedfacecafebeef}}
	id, ok := NewSpanID(rng)
	require.True(t, ok)

	s := id.String()
	assert.Len(t, s, 16)

	back, ok := ParseSpanID(s)
	require.True(t, ok)
	assert.Equal(t, id, back)
}

func TestParseZeroIsAbsent(t *testing.T) {
	_, ok := ParseTraceID("00000000000000000000000000000000"[:32])
	assert.False(t, ok)

	_, ok = ParseSpanID("0000000000000000")
	assert.False(t, ok)
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, ok := ParseTraceID("abcd")
	assert.False(t, ok)

	_, ok = ParseSpanID("abcdef0123456789ab")
	assert.False(t, ok)
}

func TestNewIDReturnsFalseWhenRngExhausted(t *testing.T) {
	rng := &seqRng{}
	_, ok := NewTraceID(rng)
	assert.False(t, ok)

	_, ok = NewSpanID(rng)
	assert.False(t, ok)
}
