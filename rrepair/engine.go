package rrepair

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/scalaris/scalaris/kvstore"
	"github.com/scalaris/scalaris/log"
	"github.com/scalaris/scalaris/metrics"
	"github.com/scalaris/scalaris/ring"
)

// Engine is the repair orchestrator of one node: it fires periodic
// reconciliation triggers, opens sessions toward replicas of randomly
// chosen keys, drives the per-session exchanges, applies resolutions
// to the local store, and reports statistics.
//
// The engine is an actor: all session state is touched under one lock,
// and Deliver is the single entry point for incoming messages.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	id        NodeID
	store     *kvstore.Store
	sampler   PeerSampler
	lookup    Lookup
	transport Transport
	ownRange  func() ring.Interval
	log       *log.Logger
	metrics   *Metrics

	sessions map[uint64]*session
	seq      uint32
	idBase   uint64
	rng      *rand.Rand
	// roundsDone counts completed initiator rounds of a multi-round
	// repair (cfg.Rounds > 0); each completion re-arms the trigger
	// until the budget is spent.
	roundsDone int

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Options carries the collaborators an engine is wired to.
type Options struct {
	ID        NodeID
	Store     *kvstore.Store
	Sampler   PeerSampler
	Lookup    Lookup
	Transport Transport
	// OwnRange reports the node's current responsibility; it is
	// re-read at session creation, not cached.
	OwnRange func() ring.Interval
	Logger   *log.Logger
	Registry *metrics.Registry
	// Seed makes the trigger randomness deterministic in tests;
	// 0 seeds from the clock.
	Seed int64
}

// NewEngine wires a repair engine. The configuration is validated and
// then snapshotted into every session at creation time.
func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Transport == nil || opts.OwnRange == nil {
		return nil, fmt.Errorf("rrepair: store, transport and own-range are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// The high half of every session id fingerprints the initiator;
	// the low half is the per-initiator monotonic counter.
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(opts.ID))
	digest := h.Sum(nil)
	idBase := uint64(digest[0])<<56 | uint64(digest[1])<<48 |
		uint64(digest[2])<<40 | uint64(digest[3])<<32

	return &Engine{
		cfg:       cfg,
		id:        opts.ID,
		store:     opts.Store,
		sampler:   opts.Sampler,
		lookup:    opts.Lookup,
		transport: opts.Transport,
		ownRange:  opts.OwnRange,
		log:       logger.Module("rrepair").With("node", string(opts.ID)),
		metrics:   NewMetrics(opts.Registry),
		sessions:  make(map[uint64]*session),
		idBase:    idBase,
		rng:       rand.New(rand.NewSource(seed)),
		stop:      make(chan struct{}),
	}, nil
}

// ID returns the node id the engine acts for.
func (e *Engine) ID() NodeID { return e.id }

// Start launches the periodic trigger and the session sweeper.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.wg.Add(2)
	go e.triggerLoop()
	go e.sweepLoop()
}

// Stop halts the background loops. Open sessions are left to the TTL
// sweep of their peers.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stop)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) triggerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TriggerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			e.trigger(false)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			e.sweep()
			e.mu.Unlock()
		}
	}
}

// sweep garbage-collects sessions past their TTL.
func (e *Engine) sweep() {
	now := time.Now()
	for _, s := range e.sessions {
		if now.After(s.deadline) {
			e.abort(s, AbortReasonTTL, false)
		}
	}
}

// TriggerOnce fires one repair trigger immediately, bypassing the
// trigger probability. Used by multi-round drivers and tests.
func (e *Engine) TriggerOnce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trigger(true)
}

// trigger runs one orchestration step: pick a random local key and a
// foreign replica quadrant, locate the peer owning that replica, and
// open a session. Runs under e.mu.
func (e *Engine) trigger(force bool) {
	if !e.cfg.Enabled {
		return
	}
	e.metrics.Triggers.Inc()
	if !force && e.rng.Intn(100) >= e.cfg.TriggerProbability {
		return
	}
	if len(e.sessions) >= e.cfg.MaxSessions {
		e.log.Debug("trigger dropped, session cap reached", "open", len(e.sessions))
		return
	}

	own := e.ownRange()
	var keys []ring.Key
	for _, entry := range e.store.EntriesIn(own) {
		keys = append(keys, entry.Key)
	}
	if len(keys) == 0 {
		return
	}
	key := keys[e.rng.Intn(len(keys))]
	// A foreign quadrant offset, 1..3.
	offset := 1 + e.rng.Intn(ring.ReplicationFactor-1)
	e.startSession(key, offset)
}

// TriggerFor opens a repair session for a specific local key against
// its replica at the given quadrant offset. Used for targeted repair.
func (e *Engine) TriggerFor(key ring.Key, offset int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.Enabled {
		return
	}
	e.startSession(key, offset)
}

// startSession opens the initiator side of a session reconciling the
// quadrant of key against the peer responsible for its replica at the
// given offset. Runs under e.mu.
func (e *Engine) startSession(key ring.Key, offset int) {
	quadrant := key.Quadrant()

	// Concurrent sessions stay on disjoint quadrants so their write
	// sets cannot overlap.
	for _, s := range e.sessions {
		if s.quadrant == quadrant {
			return
		}
	}

	replicaKey := key.Replica(offset)
	peer, ok := e.resolvePeer(replicaKey)
	if !ok || peer == e.id {
		// A one-node ring (or an unresolvable replica) makes the
		// session a no-op that completes immediately.
		e.metrics.SessionsStarted.Inc()
		e.metrics.SessionsDone.Inc()
		return
	}

	s := &session{
		id:         e.nextSessionID(),
		peer:       peer,
		role:       RoleInitiator,
		method:     e.cfg.ReconMethod,
		state:      StateBuildSummary,
		cfg:        e.cfg,
		quadrant:   quadrant,
		check:      e.partFor(key, quadrant),
		deadline:   time.Now().Add(e.cfg.SessionTTL),
		replicaKey: replicaKey,
	}

	if s.method == MethodMerkle {
		if err := e.buildFixedTree(s); err != nil {
			e.log.Warn("merkle tree build failed", "err", err)
			return
		}
	}

	e.sessions[s.id] = s
	e.metrics.SessionsStarted.Inc()
	e.metrics.OpenSessions.Set(int64(len(e.sessions)))
	e.sendRequestSync(s)
}

// partFor bounds the reconciled range by MaxItems: when the quadrant
// holds more items, its base image is split into equal parts and the
// part containing the chosen key is reconciled this round.
func (e *Engine) partFor(key ring.Key, quadrant int) ring.Interval {
	base := baseQuadrant()
	count := 0
	for _, entry := range e.store.EntriesIn(e.ownRange()) {
		if entry.Key.Quadrant() == quadrant {
			count++
		}
	}
	if count <= e.cfg.MaxItems {
		return base
	}
	n := (count + e.cfg.MaxItems - 1) / e.cfg.MaxItems
	parts, err := base.Split(n)
	if err != nil {
		return base
	}
	target := key.ReplicaBase()
	for _, p := range parts {
		if p.Contains(target) {
			return p
		}
	}
	return base
}

// resolvePeer locates the node responsible for the replica key via the
// routing layer, falling back to a random sampled peer.
func (e *Engine) resolvePeer(replicaKey ring.Key) (NodeID, bool) {
	if e.lookup != nil {
		if peer, ok := e.lookup.ResponsibleFor(replicaKey); ok {
			return peer, true
		}
	}
	if e.sampler != nil {
		return e.sampler.RandomPeer()
	}
	return "", false
}

func (e *Engine) nextSessionID() uint64 {
	e.seq++
	return e.idBase | uint64(e.seq)
}

func (e *Engine) sendRequestSync(s *session) {
	env, err := seal(MsgRequestSync, s.id, e.id, &RequestSync{
		Method:     uint8(s.method),
		ReplicaKey: s.replicaKey.Bytes(),
	})
	if err != nil {
		e.fail(s, "encode request sync")
		return
	}
	s.state = StateWaitReply
	if err := e.transport.Send(s.peer, env); err != nil {
		e.scheduleRetry(s)
	}
}

// scheduleRetry backs off exponentially and re-sends request_sync,
// aborting once the retry budget is spent.
func (e *Engine) scheduleRetry(s *session) {
	if s.attempts >= s.cfg.RetryCount {
		e.abort(s, AbortReasonRetry, false)
		return
	}
	s.attempts++
	delay := s.cfg.RetryBackoff << (s.attempts - 1)
	sid := s.id
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		retry, ok := e.sessions[sid]
		if !ok || retry.state != StateWaitReply {
			return
		}
		e.sendRequestSync(retry)
	})
}

// send delivers an envelope to the session peer; transient failures on
// mid-session traffic abort the session (the TTL would reap it
// anyway).
func (e *Engine) send(s *session, env Envelope) {
	if err := e.transport.Send(s.peer, env); err != nil {
		if s.state != StateAborted && s.state != StateFailed {
			e.abort(s, AbortReasonRetry, false)
		}
	}
}

// Deliver feeds one incoming envelope into the engine. It is the
// transport inbox of the node actor.
func (e *Engine) Deliver(env Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if MsgType(env.Type) == MsgRequestSync {
		e.acceptSession(env)
		return
	}
	s, ok := e.sessions[env.Session]
	if !ok {
		// Resolves and replies tagged with a dead session are dropped
		// silently.
		if t := MsgType(env.Type); t == MsgResolveUpdate || t == MsgResolveRegen {
			e.metrics.ResolvesDropped.Inc()
		}
		return
	}
	switch MsgType(env.Type) {
	case MsgBloomSummary:
		e.handleBloomSummary(s, env)
	case MsgMerkleSummary:
		e.handleMerkleSummary(s, env)
	case MsgARTSummary:
		e.handleARTSummary(s, env)
	case MsgResolveUpdate:
		e.handleResolveUpdate(s, env)
	case MsgResolveRegen:
		e.handleResolveRegen(s, env)
	case MsgSessionDone:
		e.handleSessionDone(s, env)
	case MsgSessionAbort:
		e.handleSessionAbort(s, env)
	default:
		e.fail(s, "unknown message type")
	}
}

// acceptSession creates the responder side of a session and sends the
// opening summary.
func (e *Engine) acceptSession(env Envelope) {
	if !e.cfg.Enabled {
		return
	}
	msg, err := decodePayload[RequestSync](env)
	if err != nil || len(msg.ReplicaKey) != 16 {
		e.log.Warn("malformed request_sync", "from", env.From)
		return
	}
	if _, exists := e.sessions[env.Session]; exists {
		return
	}
	if len(e.sessions) >= e.cfg.MaxSessions {
		// Ask the initiator to back off and come back later.
		if abort, err := seal(MsgSessionAbort, env.Session, e.id, &SessionAbort{Reason: AbortReasonRetry}); err == nil {
			e.transport.Send(NodeID(env.From), abort)
		}
		return
	}
	replicaKey := ring.KeyFromBytes(msg.ReplicaKey)
	s := &session{
		id:         env.Session,
		peer:       NodeID(env.From),
		role:       RoleResponder,
		method:     Method(msg.Method),
		state:      StateBuildSummary,
		cfg:        e.cfg,
		quadrant:   replicaKey.Quadrant(),
		check:      baseQuadrant(),
		deadline:   time.Now().Add(e.cfg.SessionTTL),
		replicaKey: replicaKey,
	}

	var opening Envelope
	switch s.method {
	case MethodBloom:
		f := e.buildBloom(s)
		opening, err = seal(MsgBloomSummary, s.id, e.id, &BloomSummary{
			FilterBytes: f.Bits(), M: f.M(), K: f.K(), Seed: f.Seed(),
		})
	case MethodMerkle:
		if err = e.buildFixedTree(s); err == nil {
			s.echoed = true // the responder leads every level
			opening, err = seal(MsgMerkleSummary, s.id, e.id, &MerkleSummary{
				Level:  0,
				Hashes: [][]byte{s.levels[0][0]},
			})
		}
	case MethodART:
		if err = e.buildARTTree(s); err == nil {
			opening, err = e.artSummaryEnvelope(s)
		}
	default:
		e.log.Warn("request_sync with unknown method", "method", msg.Method, "from", env.From)
		return
	}
	if err != nil {
		e.log.Warn("summary build failed", "err", err)
		return
	}

	e.sessions[s.id] = s
	e.metrics.SessionsStarted.Inc()
	e.metrics.OpenSessions.Set(int64(len(e.sessions)))
	s.state = StateWaitReply
	e.send(s, opening)
}

// localReplicaKey maps a quadrant-0 base key onto the replica this
// node is responsible for.
func (e *Engine) localReplicaKey(base ring.Key) (ring.Key, bool) {
	own := e.ownRange()
	for j := 0; j < ring.ReplicationFactor; j++ {
		candidate := base.Replica(j)
		if own.Contains(candidate) {
			return candidate, true
		}
	}
	return ring.Key{}, false
}

// dropSession removes a terminal session from the index.
func (e *Engine) dropSession(s *session) {
	delete(e.sessions, s.id)
	e.metrics.OpenSessions.Set(int64(len(e.sessions)))
}

// OpenSessions reports the number of live sessions.
func (e *Engine) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Snapshot returns the engine counter values.
func (e *Engine) Snapshot() map[string]int64 {
	return map[string]int64{
		"triggers":         e.metrics.Triggers.Value(),
		"sessions_started": e.metrics.SessionsStarted.Value(),
		"sessions_done":    e.metrics.SessionsDone.Value(),
		"sessions_aborted": e.metrics.SessionsAborted.Value(),
		"sessions_failed":  e.metrics.SessionsFailed.Value(),
		"updated":          e.metrics.Updated.Value(),
		"regenerated":      e.metrics.Regenerated.Value(),
		"conflicts":        e.metrics.Conflicts.Value(),
		"resolves_sent":    e.metrics.ResolvesSent.Value(),
		"resolves_dropped": e.metrics.ResolvesDropped.Value(),
	}
}
