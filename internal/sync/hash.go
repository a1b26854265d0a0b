package sync

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"
	"time"
)

// HashBuilder provides a fluent API for building content hashes.
//
// Usage:
//
//	digest := NewHashBuilder().
//	    String(path).
//	    Int64(size).
//	    Time(modTime).
//	    Hex()
//
// The hash is deterministic: the same inputs in the same order always
// produce the same output.
type HashBuilder struct {
	h   hash.Hash64
	buf [8]byte
}

// NewHashBuilder creates a new hash builder.
func NewHashBuilder() *HashBuilder {
	return &HashBuilder{h: fnv.New64a()}
}

// String adds a string value to the hash.
func (b *HashBuilder) String(s string) *HashBuilder {
	b.h.Write([]byte(s))
	b.h.Write([]byte{0}) // separator
	return b
}

// Int adds an integer to the hash.
func (b *HashBuilder) Int(i int) *HashBuilder {
	return b.Uint64(uint64(i))
}

// Int64 adds an int64 to the hash.
func (b *HashBuilder) Int64(i int64) *HashBuilder {
	return b.Uint64(uint64(i))
}

// Uint64 adds a uint64 to the hash.
func (b *HashBuilder) Uint64(i uint64) *HashBuilder {
	binary.LittleEndian.PutUint64(b.buf[:], i)
	b.h.Write(b.buf[:])
	return b
}

// Float64 adds the IEEE-754 bits of f to the hash.
func (b *HashBuilder) Float64(f float64) *HashBuilder {
	return b.Uint64(math.Float64bits(f))
}

// Time adds an instant with nanosecond resolution. Location is ignored.
func (b *HashBuilder) Time(t time.Time) *HashBuilder {
	return b.Int64(t.UnixNano())
}

// Build returns the final hash value.
func (b *HashBuilder) Build() uint64 {
	return b.h.Sum64()
}

// Hex returns the hash as 16 lowercase hex characters.
func (b *HashBuilder) Hex() string {
	return fmt.Sprintf("%016x", b.h.Sum64())
}

// HashString returns the hash of a single string.
func HashString(s string) uint64 {
	return NewHashBuilder().String(s).Build()
}
