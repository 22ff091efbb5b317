// Package bloom implements a serializable Bloom filter used by SSTables to
// short-circuit point lookups for absent keys.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
)

// ErrShortBuffer is returned by Deserialize when the input is too small to
// contain a valid filter.
var ErrShortBuffer = errors.New("bloom: buffer too short to contain a filter")

// Filter is a probabilistic set-membership test: false positives are
// possible, false negatives are not.
type Filter struct {
	bits []byte
	m    uint32 // number of bits
	k    uint32 // number of hash functions
}

// New creates a filter sized for expectedItems entries at the given target
// false-positive rate p (0 < p < 1), following the standard formulas
// m = ceil(-n*ln(p) / ln(2)^2) and k = max(1, round((m/n)*ln(2))).
func New(expectedItems int, p float64) *Filter {
	n := expectedItems
	if n < 1 {
		n = 1
	}
	if p <= 0 {
		p = 0.01
	}
	if p >= 1 {
		p = 0.99
	}

	m := uint32(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
	}
}

// Insert adds key to the set.
func (f *Filter) Insert(key []byte) {
	h1, h2 := seeds(key)
	for i := uint32(0); i < f.k; i++ {
		bit := f.bitIndex(h1, h2, i)
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MaybeContains reports whether key might be in the set. false is a
// definitive answer; true may be a false positive.
func (f *Filter) MaybeContains(key []byte) bool {
	h1, h2 := seeds(key)
	for i := uint32(0); i < f.k; i++ {
		bit := f.bitIndex(h1, h2, i)
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) bitIndex(h1, h2 uint32, i uint32) uint32 {
	return (h1 + i*h2) % f.m
}

// seeds computes the two independent 32-bit hashes used for double hashing:
// FNV-1a and DJB2.
func seeds(key []byte) (h1, h2 uint32) {
	fnvHash := fnv.New32a()
	fnvHash.Write(key)
	h1 = fnvHash.Sum32()

	var djb2 uint32 = 5381
	for _, b := range key {
		djb2 = ((djb2 << 5) + djb2) + uint32(b) // djb2 * 33 + b
	}
	h2 = djb2

	// Force the second hash odd: a zero step would collapse every probe
	// onto one slot, and an even step over an even bit count m keeps all of
	// a key's probes on slots of a single parity.
	h2 |= 1
	return h1, h2
}

// Serialize encodes the filter as [m:u32][k:u32][bits], big-endian.
func (f *Filter) Serialize() []byte {
	buf := make([]byte, 8+len(f.bits))
	binary.BigEndian.PutUint32(buf[0:4], f.m)
	binary.BigEndian.PutUint32(buf[4:8], f.k)
	copy(buf[8:], f.bits)
	return buf
}

// Deserialize parses a filter previously produced by Serialize.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 8 {
		return nil, ErrShortBuffer
	}
	m := binary.BigEndian.Uint32(data[0:4])
	k := binary.BigEndian.Uint32(data[4:8])
	bits := make([]byte, len(data)-8)
	copy(bits, data[8:])

	if uint32(len(bits)) < (m+7)/8 {
		return nil, ErrShortBuffer
	}

	return &Filter{bits: bits, m: m, k: k}, nil
}

// Bits and Hashes expose the filter's sizing parameters, mainly for tests
// and diagnostics.
func (f *Filter) Bits() uint32   { return f.m }
func (f *Filter) Hashes() uint32 { return f.k }
