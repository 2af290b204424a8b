package rrepair

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/scalaris/scalaris/bloom"
	"github.com/scalaris/scalaris/kvstore"
	"github.com/scalaris/scalaris/ring"
)

// MsgType identifies a wire message. The names mirror the protocol
// message set exactly for interoperability.
type MsgType uint8

const (
	MsgRequestSync MsgType = iota + 1
	MsgBloomSummary
	MsgMerkleSummary
	MsgARTSummary
	MsgResolveUpdate
	MsgResolveRegen
	MsgSessionDone
	MsgSessionAbort
)

// String returns the protocol name of the message type.
func (m MsgType) String() string {
	switch m {
	case MsgRequestSync:
		return "request_sync"
	case MsgBloomSummary:
		return "bloom_summary"
	case MsgMerkleSummary:
		return "merkle_summary"
	case MsgARTSummary:
		return "art_summary"
	case MsgResolveUpdate:
		return "resolve_update"
	case MsgResolveRegen:
		return "resolve_regen"
	case MsgSessionDone:
		return "session_done"
	case MsgSessionAbort:
		return "session_abort"
	default:
		return fmt.Sprintf("msg(%d)", uint8(m))
	}
}

// ErrMalformed is returned for payloads that fail to decode. Sessions
// treat it as a structural error and fail without retrying.
var ErrMalformed = errors.New("rrepair: malformed message")

// Envelope frames one wire message: type tag, the session id (unique
// and monotonically increasing per initiator), the sender, and the
// RLP-encoded payload.
type Envelope struct {
	Type    uint8
	Session uint64
	From    string
	Payload []byte
}

// EncodeEnvelope serialises an envelope.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return rlp.EncodeToBytes(&env)
}

// DecodeEnvelope deserialises an envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := rlp.DecodeBytes(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	return env, nil
}

// seal encodes payload into an envelope from the given sender.
func seal(t MsgType, session uint64, from NodeID, payload any) (Envelope, error) {
	raw, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: uint8(t), Session: session, From: string(from), Payload: raw}, nil
}

// RequestSync opens a session: the initiator names the method and the
// replica key whose owner it wants to reconcile with.
type RequestSync struct {
	Method     uint8
	ReplicaKey []byte
}

// BloomSummary carries one Bloom filter over (key, version) items.
type BloomSummary struct {
	FilterBytes []byte
	M, K, Seed  uint64
}

// MerkleSummary carries the sender's node hashes at one tree level, in
// frontier order.
type MerkleSummary struct {
	Level  uint64
	Hashes [][]byte
}

// ARTSummary carries the per-level filters of an approximate
// reconciliation tree; each element of FilterBytes is one encoded
// filter, root level first.
type ARTSummary struct {
	Level       uint64
	FilterBytes [][]byte
}

// WireEntry is the blob codec for resolve payloads: base key, value,
// version, and an explicit empty marker (RLP cannot distinguish a nil
// value from an empty one).
type WireEntry struct {
	Key     []byte
	Value   []byte
	Version uint64
	Empty   bool
}

// EncodeEntry converts a store entry to its wire form, normalising the
// key to its quadrant-0 representative.
func EncodeEntry(e kvstore.Entry) WireEntry {
	return WireEntry{
		Key:     e.Key.ReplicaBase().Bytes(),
		Value:   e.Value,
		Version: uint64(e.Version),
		Empty:   e.Empty(),
	}
}

// DecodeEntry converts a wire entry back to a store entry keyed by the
// quadrant-0 representative; the caller maps it into its own quadrant.
func DecodeEntry(w WireEntry) (kvstore.Entry, error) {
	if len(w.Key) != 16 {
		return kvstore.Entry{}, fmt.Errorf("%w: entry key has %d bytes", ErrMalformed, len(w.Key))
	}
	e := kvstore.Entry{
		Key:     ring.KeyFromBytes(w.Key),
		Version: int64(w.Version),
	}
	if !w.Empty {
		e.Value = w.Value
		if e.Value == nil {
			e.Value = []byte{}
		}
	}
	return e, nil
}

// ResolveUpdate ships one entry to a peer whose replica is outdated or
// missing.
type ResolveUpdate struct {
	Entry WireEntry
}

// ResolveRegen asks the peer to ship its entry for one base key; the
// reply is a ResolveUpdate.
type ResolveRegen struct {
	Key []byte
}

// WireStats is the statistics snapshot carried by session_done.
type WireStats struct {
	Updated     uint64
	Regenerated uint64
	Conflicts   uint64
	ResolveSent uint64
}

// SessionDone signals that the sender has finished its resolve phase.
type SessionDone struct {
	Stats WireStats
}

// SessionAbort terminates a session with a reason tag.
type SessionAbort struct {
	Reason string
}

// Abort reasons.
const (
	AbortReasonConflict = "conflict"
	AbortReasonTTL      = "ttl"
	AbortReasonRetry    = "retry_exhausted"
)

// encodeFilter serialises a Bloom filter with its parameters for
// embedding in ART summaries.
type wireFilter struct {
	Bits       []byte
	M, K, Seed uint64
}

func encodeFilter(f *bloom.Filter) ([]byte, error) {
	return rlp.EncodeToBytes(&wireFilter{Bits: f.Bits(), M: f.M(), K: f.K(), Seed: f.Seed()})
}

func decodeFilter(raw []byte) (*bloom.Filter, error) {
	var w wireFilter
	if err := rlp.DecodeBytes(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrMalformed, err)
	}
	f, err := bloom.FromBits(w.Bits, w.M, w.K, w.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrMalformed, err)
	}
	return f, nil
}

func decodePayload[T any](env Envelope) (T, error) {
	var out T
	if err := rlp.DecodeBytes(env.Payload, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformed, MsgType(env.Type), err)
	}
	return out, nil
}
