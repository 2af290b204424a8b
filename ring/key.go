// Package ring implements the 128-bit key space of the Scalaris overlay:
// ring positions, modular arithmetic, replica-key derivation across the
// four quadrants, and interval arithmetic on arcs of the ring.
package ring

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// ReplicationFactor is the number of replicas kept for every key. Each
// replica lives in its own quadrant of the ring.
const ReplicationFactor = 4

// mask128 is 2^128 - 1. All key arithmetic is done in uint256 and
// reduced modulo 2^128 by masking.
var mask128 = func() *uint256.Int {
	m := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	return m.SubUint64(m, 1)
}()

// quadrantSpan is 2^126, one quarter of the ring.
var quadrantSpan = new(uint256.Int).Lsh(uint256.NewInt(1), 126)

// Key is a position on the ring: an unsigned 128-bit integer. The zero
// value is the ring origin. Keys are comparable and usable as map keys.
type Key struct {
	hi, lo uint64
}

// KeyFromUint64 returns the key at position v.
func KeyFromUint64(v uint64) Key {
	return Key{lo: v}
}

// KeyFromBytes interprets up to 16 big-endian bytes as a ring position.
// Longer inputs keep only the trailing 16 bytes.
func KeyFromBytes(b []byte) Key {
	if len(b) > 16 {
		b = b[len(b)-16:]
	}
	u := new(uint256.Int).SetBytes(b)
	return keyFromUint256(u)
}

// KeyFromHex parses a hexadecimal ring position, with or without a
// leading "0x".
func KeyFromHex(s string) (Key, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("ring: invalid hex key %q: %w", s, err)
	}
	if len(b) > 16 {
		return Key{}, fmt.Errorf("ring: hex key %q exceeds 128 bits", s)
	}
	return KeyFromBytes(b), nil
}

// HashKey maps an application-level item name onto the ring by hashing
// it with keccak-256 and keeping the low 16 bytes of the digest.
func HashKey(name string) Key {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))
	digest := h.Sum(nil)
	return KeyFromBytes(digest[16:])
}

func keyFromUint256(u *uint256.Int) Key {
	v := new(uint256.Int).And(u, mask128)
	return Key{hi: v[1], lo: v[0]}
}

func (k Key) toUint256() *uint256.Int {
	return &uint256.Int{k.lo, k.hi, 0, 0}
}

// Bytes returns the big-endian 16-byte representation of the key.
func (k Key) Bytes() []byte {
	b := k.toUint256().Bytes32()
	out := make([]byte, 16)
	copy(out, b[16:])
	return out
}

// Uint64 returns the low 64 bits of the key.
func (k Key) Uint64() uint64 { return k.lo }

// String renders the key as 0x-prefixed hex.
func (k Key) String() string {
	return "0x" + hex.EncodeToString(k.Bytes())
}

// Add returns k + other mod 2^128.
func (k Key) Add(other Key) Key {
	sum := new(uint256.Int).Add(k.toUint256(), other.toUint256())
	return keyFromUint256(sum)
}

// AddUint64 returns k + v mod 2^128.
func (k Key) AddUint64(v uint64) Key {
	return k.Add(KeyFromUint64(v))
}

// Sub returns k - other mod 2^128, the clockwise distance from other
// to k.
func (k Key) Sub(other Key) Key {
	d := new(uint256.Int).Sub(k.toUint256(), other.toUint256())
	return keyFromUint256(d)
}

// Cmp compares the absolute ring positions: -1 if k < other, 0 if
// equal, 1 if k > other.
func (k Key) Cmp(other Key) int {
	return k.toUint256().Cmp(other.toUint256())
}

// Distance returns the clockwise distance from k to other.
func (k Key) Distance(other Key) Key {
	return other.Sub(k)
}

// Quadrant returns which quarter of the ring the key lies in, 0..3.
func (k Key) Quadrant() int {
	q := new(uint256.Int).Div(k.toUint256(), quadrantSpan)
	return int(q.Uint64())
}

// Replica returns the replica of k in quadrant offset j: k + j*2^126
// mod 2^128. j is reduced modulo the replication factor, so negative
// offsets walk the ring counter-clockwise and
// Replica(Replica(k, j), -j) == k.
func (k Key) Replica(j int) Key {
	j = ((j % ReplicationFactor) + ReplicationFactor) % ReplicationFactor
	step := new(uint256.Int).Mul(quadrantSpan, uint256.NewInt(uint64(j)))
	return keyFromUint256(step.Add(step, k.toUint256()))
}

// ReplicaGroup returns the four replica keys of k, starting with k
// itself.
func (k Key) ReplicaGroup() [ReplicationFactor]Key {
	var group [ReplicationFactor]Key
	for j := 0; j < ReplicationFactor; j++ {
		group[j] = k.Replica(j)
	}
	return group
}

// ReplicaBase maps k onto its quadrant-0 representative, the canonical
// member of its replica group.
func (k Key) ReplicaBase() Key {
	return k.Replica(-k.Quadrant())
}
