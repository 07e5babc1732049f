// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for structured, ambient diagnostics.

// Package rand supplies the default runtime.Rng: crypto/rand read directly
// into a uint64, so trace and span identifiers are generated from the
// operating system's CSPRNG rather than a seeded PRNG, the same source
// real identifiers need in a multi-process deployment where colliding IDs
// from a predictable seed would be a correctness bug, not just a cosmetic
// one.
package rand

import (
	"crypto/rand"
	"encoding/binary"
)

// System is the default runtime.Rng: every call reads 8 fresh bytes from
// crypto/rand.Reader. Returns false only if the OS entropy source itself
// fails, which in practice never happens on a running process.
type System struct{}

// GenUint64 implements runtime.Rng.
func (System) GenUint64() (uint64, bool) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(b[:]), true
}
