// Package hash provides the fixed-width content digest used to address
// every pack entry in the store.
package hash

import (
	"encoding/base32"
	"fmt"

	"github.com/zeebo/blake3"
)

// ByteLen is the width of a digest in bytes.
const ByteLen = 32

// StringLen is the width of a digest in its base32 text form.
const StringLen = 52

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Hash is a content digest. The zero value is the empty hash and is never
// produced by Of.
type Hash [ByteLen]byte

var empty Hash

// Of computes the digest of data.
func Of(data []byte) Hash {
	sum := blake3.Sum256(data)
	var h Hash
	copy(h[:], sum[:])
	return h
}

// Parse decodes s, panicking if it is not a well-formed digest. Callers on
// a hot path that must not panic should use MaybeParse instead.
func Parse(s string) Hash {
	h, ok := MaybeParse(s)
	if !ok {
		panic(fmt.Sprintf("invalid hash: %q", s))
	}
	return h
}

// MaybeParse decodes s, reporting whether it was a well-formed digest.
func MaybeParse(s string) (Hash, bool) {
	if len(s) != StringLen {
		return empty, false
	}
	buf, err := encoding.DecodeString(s)
	if err != nil || len(buf) != ByteLen {
		return empty, false
	}
	var h Hash
	copy(h[:], buf)
	return h, true
}

// String renders the canonical base32 text form of h.
func (h Hash) String() string {
	return encoding.EncodeToString(h[:])
}

// IsEmpty reports whether h is the zero hash.
func (h Hash) IsEmpty() bool {
	return h == empty
}

// Less orders hashes by byte value.
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// Prefix returns the leading 8 bytes of the hash as a big-endian uint64
// (a "short hash" projection).
func (h Hash) Prefix() uint64 {
	var p uint64
	for i := 0; i < 8; i++ {
		p = p<<8 | uint64(h[i])
	}
	return p
}

// Bytes returns a copy of the underlying digest bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, ByteLen)
	copy(b, h[:])
	return b
}

// New builds a Hash from a raw ByteLen-length byte slice. It panics if b is
// the wrong length; callers reading from a trusted on-disk entry prefix
// should slice exactly ByteLen bytes first.
func New(b []byte) Hash {
	if len(b) != ByteLen {
		panic(fmt.Sprintf("hash.New: want %d bytes, got %d", ByteLen, len(b)))
	}
	var h Hash
	copy(h[:], b)
	return h
}
