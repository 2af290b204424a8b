// Package bloom implements the parameterised Bloom filter used for
// key-set summaries in replica reconciliation. Filters are sized from
// an expected item count and a target false-positive rate, and hash
// with the double-hashing scheme so that only two base hashes are
// computed per item.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/sha3"

	"github.com/scalaris/scalaris/ring"
)

// ErrParamMismatch is returned when combining filters whose size or
// hash count differ.
var ErrParamMismatch = errors.New("bloom: filter parameters differ")

// Filter is a Bloom filter. The zero value is not usable; construct
// with New or FromBits.
type Filter struct {
	bits *bitset.BitSet
	m    uint64 // bit-array size
	k    uint64 // hash count
	n    uint64 // items added
	seed uint64
}

// Params computes the bit-array size m and hash count k for the given
// expected item count and false-positive rate:
//
//	m = -n*ln(p) / (ln 2)^2
//	k = round((m/n) * ln 2)
func Params(expectedN int, fpr float64) (m, k uint64) {
	if expectedN < 1 {
		expectedN = 1
	}
	if fpr <= 0 {
		fpr = 1e-9
	}
	if fpr >= 1 {
		fpr = 0.999
	}
	ln2 := math.Ln2
	mf := -float64(expectedN) * math.Log(fpr) / (ln2 * ln2)
	m = uint64(math.Ceil(mf))
	if m < 8 {
		m = 8
	}
	k = uint64(math.Round(float64(m) / float64(expectedN) * ln2))
	if k < 1 {
		k = 1
	}
	return m, k
}

// New returns a filter sized for expectedN items at the given
// false-positive rate.
func New(expectedN int, fpr float64) *Filter {
	m, k := Params(expectedN, fpr)
	return &Filter{bits: bitset.New(uint(m)), m: m, k: k}
}

// NewWithSeed is New with an explicit hash seed, letting both ends of
// a reconciliation session derive identical positions.
func NewWithSeed(expectedN int, fpr float64, seed uint64) *Filter {
	f := New(expectedN, fpr)
	f.seed = seed
	return f
}

// M returns the bit-array size.
func (f *Filter) M() uint64 { return f.m }

// K returns the number of hash positions per item.
func (f *Filter) K() uint64 { return f.k }

// Seed returns the hash seed.
func (f *Filter) Seed() uint64 { return f.seed }

// Count returns the number of items added.
func (f *Filter) Count() uint64 { return f.n }

// baseHashes derives the two 64-bit double-hashing bases from one
// keccak-256 digest of the item and the seed.
func (f *Filter) baseHashes(item []byte) (uint64, uint64) {
	h := sha3.NewLegacyKeccak256()
	var seedBuf [8]byte
	binary.BigEndian.PutUint64(seedBuf[:], f.seed)
	h.Write(seedBuf[:])
	h.Write(item)
	digest := h.Sum(nil)
	h1 := binary.BigEndian.Uint64(digest[0:8])
	h2 := binary.BigEndian.Uint64(digest[8:16])
	// An even h2 would cycle through a subset of positions; force odd.
	return h1, h2 | 1
}

// Add inserts an item.
func (f *Filter) Add(item []byte) {
	h1, h2 := f.baseHashes(item)
	for i := uint64(0); i < f.k; i++ {
		f.bits.Set(uint((h1 + i*h2) % f.m))
	}
	f.n++
}

// AddKey inserts a ring key.
func (f *Filter) AddKey(key ring.Key) { f.Add(key.Bytes()) }

// Contains reports whether the item may have been added. False
// positives occur at roughly the configured rate; false negatives
// never. An empty filter contains nothing.
func (f *Filter) Contains(item []byte) bool {
	if f.n == 0 && f.bits.None() {
		return false
	}
	h1, h2 := f.baseHashes(item)
	for i := uint64(0); i < f.k; i++ {
		if !f.bits.Test(uint((h1 + i*h2) % f.m)) {
			return false
		}
	}
	return true
}

// ContainsKey reports whether the ring key may have been added.
func (f *Filter) ContainsKey(key ring.Key) bool { return f.Contains(key.Bytes()) }

// Union merges other into f. Both filters must share m, k and seed.
func (f *Filter) Union(other *Filter) error {
	if f.m != other.m || f.k != other.k || f.seed != other.seed {
		return ErrParamMismatch
	}
	f.bits.InPlaceUnion(other.bits)
	f.n += other.n
	return nil
}

// Bits serialises the bit array for the wire.
func (f *Filter) Bits() []byte {
	out := make([]byte, (f.m+7)/8)
	for i, w := range f.bits.Bytes() {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], w)
		copy(out[i*8:], buf[:])
	}
	return out
}

// FromBits reconstructs a filter from its wire form and parameters.
func FromBits(raw []byte, m, k, seed uint64) (*Filter, error) {
	if uint64(len(raw)) != (m+7)/8 {
		return nil, ErrParamMismatch
	}
	words := make([]uint64, (m+63)/64)
	for i := range words {
		var buf [8]byte
		copy(buf[:], raw[i*8:])
		words[i] = binary.LittleEndian.Uint64(buf[:])
	}
	return &Filter{
		bits: bitset.From(words),
		m:    m,
		k:    k,
		seed: seed,
	}, nil
}

// FPRate estimates the current false-positive probability from the
// fill ratio: (set/m)^k.
func (f *Filter) FPRate() float64 {
	if f.m == 0 {
		return 0
	}
	fill := float64(f.bits.Count()) / float64(f.m)
	return math.Pow(fill, float64(f.k))
}
