package rrepair

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/scalaris/scalaris/art"
	"github.com/scalaris/scalaris/bloom"
	"github.com/scalaris/scalaris/kvstore"
	"github.com/scalaris/scalaris/merkle"
	"github.com/scalaris/scalaris/ring"
)

// State is the session lifecycle state.
type State uint8

const (
	// StateIdle: created, nothing sent yet.
	StateIdle State = iota
	// StateBuildSummary: assembling the local summary.
	StateBuildSummary
	// StateWaitReply: summary or request sent, awaiting the peer.
	StateWaitReply
	// StateDiffCompute: transient, computing divergences.
	StateDiffCompute
	// StateWaitResolve: own resolve phase finished, awaiting the
	// peer's session_done.
	StateWaitResolve
	// StateDone: terminal success.
	StateDone
	// StateAborted: terminal, TTL expiry, retry exhaustion or peer
	// abort.
	StateAborted
	// StateFailed: terminal, structural error; never retried.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuildSummary:
		return "BUILD_SUMMARY"
	case StateWaitReply:
		return "WAIT_REPLY"
	case StateDiffCompute:
		return "DIFF_COMPUTE"
	case StateWaitResolve:
		return "WAIT_RESOLVE"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Role distinguishes the session opener from the receiving peer.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// session is the per-pair reconciliation state. Sessions are owned by
// the engine and touched only under its lock; each holds a
// configuration snapshot taken at creation.
type session struct {
	id     uint64
	peer   NodeID
	role   Role
	method Method
	state  State
	cfg    Config

	// quadrant is the local ring quadrant being reconciled. The
	// engine keeps concurrent sessions on disjoint quadrants.
	quadrant int
	// check restricts, in quadrant-0 base space, which own entries
	// this side verifies and resolves (bounded by MaxItems parts).
	check ring.Interval

	round    int
	deadline time.Time
	attempts int
	// replicaKey is the request_sync target, kept for retries.
	replicaKey ring.Key

	// outstanding counts regen requests awaiting their update reply.
	outstanding int
	stats       Stats
	sentDone    bool
	recvDone    bool

	// Merkle exchange state: the fixed tree, its cached level hashes,
	// the frontier positions at the current level, and whether this
	// side has already sent its hashes for that level.
	tree     *merkle.Tree
	levels   [][][]byte
	frontier []int
	level    int
	echoed   bool

	// ART exchange state.
	artTree *merkle.Tree
}

// baseQuadrant is the quadrant-0 image every summary is built over.
func baseQuadrant() ring.Interval {
	return ring.QuadrantInterval(0)
}

// itemBytes is the Bloom item for one entry: base key plus version, so
// stale versions diverge like missing keys.
func itemBytes(e kvstore.Entry) []byte {
	out := make([]byte, 0, 24)
	out = append(out, e.Key.ReplicaBase().Bytes()...)
	out = binary.BigEndian.AppendUint64(out, uint64(e.Version))
	return out
}

// collect returns this node's entries in the session's quadrant whose
// base image falls into the check interval, base-sorted.
func (e *Engine) collect(s *session) []kvstore.Entry {
	var out []kvstore.Entry
	for _, entry := range e.store.EntriesIn(e.ownRange()) {
		if entry.Key.Quadrant() != s.quadrant {
			continue
		}
		if !s.check.IsEmpty() && !s.check.Contains(entry.Key.ReplicaBase()) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// ---------------------------------------------------------------------------
// Summary construction
// ---------------------------------------------------------------------------

// buildBloom packs the session's entries into a filter seeded with the
// session id, so both peers derive identical hash positions.
func (e *Engine) buildBloom(s *session) *bloom.Filter {
	entries := e.collect(s)
	n := len(entries)
	if n == 0 {
		n = 1
	}
	f := bloom.NewWithSeed(n, s.cfg.BloomFPR, s.id)
	for _, entry := range entries {
		f.Add(itemBytes(entry))
	}
	return f
}

// buildFixedTree builds the positionally aligned merkle tree both
// peers of a merkle session agree on by shape.
func (e *Engine) buildFixedTree(s *session) error {
	depth := s.cfg.merkleDepth()
	cfg := merkle.Config{
		BranchFactor: s.cfg.MerkleBranchFactor,
		BucketSize:   s.cfg.MerkleBucketSize,
	}
	t, err := merkle.NewFixed(baseQuadrant(), depth, cfg)
	if err != nil {
		return err
	}
	for _, entry := range e.collect(s) {
		if err := t.Insert(entry.Key.ReplicaBase(), entry.Version); err != nil {
			return err
		}
	}
	t.Finalise()
	s.tree = t
	s.levels = make([][][]byte, t.Depth())
	for l := range s.levels {
		hashes, err := t.LevelHashes(l)
		if err != nil {
			return err
		}
		s.levels[l] = hashes
	}
	s.frontier = []int{0}
	s.level = 0
	return nil
}

// buildARTTree builds the organically split merkle tree an ART
// summary is derived from.
func (e *Engine) buildARTTree(s *session) error {
	cfg := merkle.Config{
		BranchFactor: s.cfg.MerkleBranchFactor,
		BucketSize:   s.cfg.MerkleBucketSize,
	}
	t := merkle.New(baseQuadrant(), cfg)
	for _, entry := range e.collect(s) {
		if err := t.Insert(entry.Key.ReplicaBase(), entry.Version); err != nil {
			return err
		}
	}
	t.Finalise()
	s.artTree = t
	return nil
}

func (e *Engine) artSummaryEnvelope(s *session) (Envelope, error) {
	summary, err := art.Build(s.artTree, art.Config{
		InnerFPR:         s.cfg.ARTInnerFPR,
		LeafFPR:          s.cfg.ARTLeafFPR,
		CorrectionFactor: s.cfg.ARTCorrectionFactor,
	})
	if err != nil {
		return Envelope{}, err
	}
	encoded := make([][]byte, 0, summary.Depth())
	for l := 0; l < summary.Depth(); l++ {
		raw, err := encodeFilter(summary.Level(l))
		if err != nil {
			return Envelope{}, err
		}
		encoded = append(encoded, raw)
	}
	return seal(MsgARTSummary, s.id, e.id, &ARTSummary{
		Level:       uint64(summary.Depth()),
		FilterBytes: encoded,
	})
}

// ---------------------------------------------------------------------------
// Message handling
// ---------------------------------------------------------------------------

func (e *Engine) handleBloomSummary(s *session, env Envelope) {
	msg, err := decodePayload[BloomSummary](env)
	if err != nil {
		e.fail(s, "malformed bloom summary")
		return
	}
	remote, err := bloom.FromBits(msg.FilterBytes, msg.M, msg.K, msg.Seed)
	if err != nil {
		e.fail(s, "bloom parameter mismatch")
		return
	}
	if msg.Seed != s.id {
		e.fail(s, "bloom parameter mismatch")
		return
	}
	s.state = StateDiffCompute
	own := e.buildBloom(s)

	// Identical summaries mean no divergence at all: short-cut to the
	// resolve-free close.
	if s.role == RoleInitiator && own.M() == remote.M() && own.K() == remote.K() &&
		bytes.Equal(own.Bits(), remote.Bits()) {
		e.sendDone(s)
		return
	}

	for _, entry := range e.collect(s) {
		if remote.Contains(itemBytes(entry)) {
			continue
		}
		e.sendResolve(s, entry)
	}
	if s.role == RoleInitiator && !s.echoed {
		// Echo the local filter so the peer can heal this side too.
		s.echoed = true
		ownEnv, err := seal(MsgBloomSummary, s.id, e.id, &BloomSummary{
			FilterBytes: own.Bits(), M: own.M(), K: own.K(), Seed: own.Seed(),
		})
		if err != nil {
			e.fail(s, "encode bloom summary")
			return
		}
		e.send(s, ownEnv)
	}
	e.sendDone(s)
}

func (e *Engine) handleMerkleSummary(s *session, env Envelope) {
	msg, err := decodePayload[MerkleSummary](env)
	if err != nil {
		e.fail(s, "malformed merkle summary")
		return
	}
	if s.tree == nil {
		e.fail(s, "merkle summary without tree")
		return
	}
	if int(msg.Level) != s.level || len(msg.Hashes) != len(s.frontier) {
		// The peers disagree about tree shape or exchange position;
		// structural, no retry.
		e.fail(s, "interval disagreement")
		return
	}
	s.state = StateDiffCompute
	s.round++

	own := make([][]byte, len(s.frontier))
	for i, pos := range s.frontier {
		own[i] = s.levels[s.level][pos]
	}

	// If the peer led this level, echo our hashes at the same frontier
	// so it can compute the identical divergence set.
	if !s.echoed {
		echo, err := seal(MsgMerkleSummary, s.id, e.id, &MerkleSummary{
			Level:  uint64(s.level),
			Hashes: own,
		})
		if err != nil {
			e.fail(s, "encode merkle summary")
			return
		}
		e.send(s, echo)
	}

	var diverged []int
	for i, pos := range s.frontier {
		if !bytes.Equal(own[i], msg.Hashes[i]) {
			diverged = append(diverged, pos)
		}
	}
	if len(diverged) == 0 {
		e.sendDone(s)
		return
	}

	depth := len(s.levels)
	if s.level == depth-1 {
		// Leaf level: both sides now know the divergent slots and
		// resolve their own entries inside them.
		slots := s.tree.LevelIntervals(depth - 1)
		for _, entry := range e.collect(s) {
			base := entry.Key.ReplicaBase()
			for _, pos := range diverged {
				if slots[pos].Contains(base) {
					e.sendResolve(s, entry)
					break
				}
			}
		}
		e.sendDone(s)
		return
	}

	// Descend: the frontier becomes the children of the divergent
	// positions. The responder leads every level.
	branch := s.cfg.MerkleBranchFactor
	next := make([]int, 0, len(diverged)*branch)
	for _, pos := range diverged {
		for c := 0; c < branch; c++ {
			next = append(next, pos*branch+c)
		}
	}
	s.frontier = next
	s.level++
	s.echoed = s.role == RoleResponder
	s.state = StateWaitReply
	if s.role == RoleResponder {
		lead := make([][]byte, len(s.frontier))
		for i, pos := range s.frontier {
			lead[i] = s.levels[s.level][pos]
		}
		env, err := seal(MsgMerkleSummary, s.id, e.id, &MerkleSummary{
			Level:  uint64(s.level),
			Hashes: lead,
		})
		if err != nil {
			e.fail(s, "encode merkle summary")
			return
		}
		e.send(s, env)
	}
}

func (e *Engine) handleARTSummary(s *session, env Envelope) {
	msg, err := decodePayload[ARTSummary](env)
	if err != nil {
		e.fail(s, "malformed art summary")
		return
	}
	filters := make([]*bloom.Filter, 0, len(msg.FilterBytes))
	for _, raw := range msg.FilterBytes {
		f, err := decodeFilter(raw)
		if err != nil {
			e.fail(s, "malformed art summary")
			return
		}
		filters = append(filters, f)
	}
	remote := art.FromLevels(filters)

	if s.artTree == nil {
		if err := e.buildARTTree(s); err != nil {
			e.fail(s, "build art tree")
			return
		}
	}
	s.state = StateDiffCompute
	s.round++

	diffs, err := art.Compare(s.artTree, remote)
	if err != nil {
		e.fail(s, "art comparison")
		return
	}

	if s.role == RoleInitiator && !s.echoed {
		s.echoed = true
		echo, err := e.artSummaryEnvelope(s)
		if err != nil {
			e.fail(s, "encode art summary")
			return
		}
		e.send(s, echo)
	}

	for _, entry := range e.collect(s) {
		base := entry.Key.ReplicaBase()
		for _, d := range diffs {
			if d.Contains(base) {
				e.sendResolve(s, entry)
				break
			}
		}
	}
	e.sendDone(s)
}

// sendResolve ships one entry (or, for empty lock-holding entries, a
// regeneration request) to the peer.
func (e *Engine) sendResolve(s *session, entry kvstore.Entry) {
	if entry.Empty() {
		env, err := seal(MsgResolveRegen, s.id, e.id, &ResolveRegen{
			Key: entry.Key.ReplicaBase().Bytes(),
		})
		if err != nil {
			return
		}
		s.outstanding++
		s.stats.ResolveSent++
		e.metrics.ResolvesSent.Inc()
		e.send(s, env)
		return
	}
	env, err := seal(MsgResolveUpdate, s.id, e.id, &ResolveUpdate{Entry: EncodeEntry(entry)})
	if err != nil {
		return
	}
	s.stats.ResolveSent++
	e.metrics.ResolvesSent.Inc()
	e.send(s, env)
}

func (e *Engine) handleResolveUpdate(s *session, env Envelope) {
	msg, err := decodePayload[ResolveUpdate](env)
	if err != nil {
		e.fail(s, "malformed resolve update")
		return
	}
	entry, err := DecodeEntry(msg.Entry)
	if err != nil {
		e.fail(s, "malformed resolve update")
		return
	}
	if s.outstanding > 0 {
		s.outstanding--
	}
	e.applyResolve(s, entry)
}

// applyResolve maps a base-keyed entry into this node's quadrant and
// applies it with higher-version-wins semantics.
func (e *Engine) applyResolve(s *session, entry kvstore.Entry) {
	key, ok := e.localReplicaKey(entry.Key)
	if !ok {
		// Not responsible for any replica of this key; a stray or
		// over-broad resolve.
		e.metrics.ResolvesDropped.Inc()
		return
	}
	existing, present := e.store.Get(key)
	missing := !present || existing.Empty()
	if missing && s.cfg.RepairType == RepairUpdate {
		return
	}
	if !missing && s.cfg.RepairType == RepairRegen {
		return
	}
	err := e.store.Put(kvstore.Entry{Key: key, Value: entry.Value, Version: entry.Version})
	switch {
	case err == kvstore.ErrConflict:
		s.stats.Conflicts++
		e.metrics.Conflicts.Inc()
		e.abort(s, AbortReasonConflict, true)
	case err != nil:
		e.log.Warn("resolve apply failed", "session", s.id, "err", err)
	case missing:
		s.stats.Regenerated++
		e.metrics.Regenerated.Inc()
	case existing.Version < entry.Version:
		s.stats.Updated++
		e.metrics.Updated.Inc()
	}
}

func (e *Engine) handleResolveRegen(s *session, env Envelope) {
	msg, err := decodePayload[ResolveRegen](env)
	if err != nil {
		e.fail(s, "malformed resolve regen")
		return
	}
	if len(msg.Key) != 16 {
		e.fail(s, "malformed resolve regen")
		return
	}
	base := ring.KeyFromBytes(msg.Key)
	key, ok := e.localReplicaKey(base)
	if !ok {
		return
	}
	entry, present := e.store.Get(key)
	if !present || entry.Empty() {
		return
	}
	reply, err := seal(MsgResolveUpdate, s.id, e.id, &ResolveUpdate{Entry: EncodeEntry(entry)})
	if err != nil {
		return
	}
	s.stats.ResolveSent++
	e.metrics.ResolvesSent.Inc()
	e.send(s, reply)
}

func (e *Engine) handleSessionDone(s *session, env Envelope) {
	if _, err := decodePayload[SessionDone](env); err != nil {
		e.fail(s, "malformed session done")
		return
	}
	s.recvDone = true
	if !s.sentDone {
		// The peer finished without needing anything from us
		// (no_diff or an empty resolve set); close our side too.
		e.sendDone(s)
		return
	}
	e.complete(s)
}

func (e *Engine) handleSessionAbort(s *session, env Envelope) {
	msg, err := decodePayload[SessionAbort](env)
	if err != nil {
		e.fail(s, "malformed session abort")
		return
	}
	if msg.Reason == AbortReasonRetry && s.role == RoleInitiator && s.state == StateWaitReply {
		e.scheduleRetry(s)
		return
	}
	e.abort(s, msg.Reason, false)
}

// ---------------------------------------------------------------------------
// Terminal transitions
// ---------------------------------------------------------------------------

// sendDone finishes this side's resolve phase and, if the peer already
// finished too, completes the session.
func (e *Engine) sendDone(s *session) {
	if s.sentDone {
		return
	}
	env, err := seal(MsgSessionDone, s.id, e.id, &SessionDone{Stats: s.stats.wire()})
	if err != nil {
		e.fail(s, "encode session done")
		return
	}
	s.sentDone = true
	s.state = StateWaitResolve
	e.send(s, env)
	if s.recvDone {
		e.complete(s)
	}
}

func (e *Engine) complete(s *session) {
	if s.state == StateDone {
		return
	}
	s.state = StateDone
	e.metrics.SessionsDone.Inc()
	e.dropSession(s)
	e.log.Debug("session done", "session", s.id, "peer", s.peer,
		"method", s.method.String(), "updated", s.stats.Updated,
		"regenerated", s.stats.Regenerated, "rounds", s.round)
	if s.role == RoleInitiator && s.cfg.Rounds > 0 {
		e.roundsDone++
		if e.roundsDone < s.cfg.Rounds {
			e.trigger(true)
		}
	}
}

// abort terminates the session; notify sends session_abort to the
// peer.
func (e *Engine) abort(s *session, reason string, notify bool) {
	if s.state == StateAborted || s.state == StateFailed || s.state == StateDone {
		return
	}
	s.state = StateAborted
	e.metrics.SessionsAborted.Inc()
	e.dropSession(s)
	if notify {
		if env, err := seal(MsgSessionAbort, s.id, e.id, &SessionAbort{Reason: reason}); err == nil {
			e.send(s, env)
		}
	}
	e.log.Debug("session aborted", "session", s.id, "peer", s.peer, "reason", reason)
}

// fail terminates the session on a structural error. Failed sessions
// are never retried.
func (e *Engine) fail(s *session, reason string) {
	if s.state == StateAborted || s.state == StateFailed || s.state == StateDone {
		return
	}
	s.state = StateFailed
	e.metrics.SessionsFailed.Inc()
	e.dropSession(s)
	if env, err := seal(MsgSessionAbort, s.id, e.id, &SessionAbort{Reason: reason}); err == nil {
		e.send(s, env)
	}
	e.log.Warn("session failed", "session", s.id, "peer", s.peer, "reason", reason)
}
