package node

import (
	"fmt"
	"testing"
	"time"

	"github.com/scalaris/scalaris/kvstore"
	"github.com/scalaris/scalaris/ring"
	"github.com/scalaris/scalaris/rrepair"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ID = "n1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := cfg
	bad.ID = ""
	if bad.Validate() == nil {
		t.Error("empty id accepted")
	}

	bad = cfg
	bad.ReconMethod = "telepathy"
	if bad.Validate() == nil {
		t.Error("unknown method accepted")
	}

	bad = cfg
	bad.LogLevel = "loud"
	if bad.Validate() == nil {
		t.Error("unknown log level accepted")
	}

	bad = cfg
	bad.BloomFPR = 1.5
	if bad.Validate() == nil {
		t.Error("out-of-range bloom fpr accepted")
	}
}

func TestStaticRingResponsibility(t *testing.T) {
	ids := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	r := NewStaticRing(ids)

	// Every probe key must land with exactly the node whose range
	// contains it.
	for i := 0; i < 100; i++ {
		k := ring.HashKey(fmt.Sprintf("probe-%d", i))
		owner, ok := r.ResponsibleFor(k)
		if !ok {
			t.Fatalf("no owner for %v", k)
		}
		if !r.RangeOf(string(owner)).Contains(k) {
			t.Errorf("owner %s's range does not contain %v", owner, k)
		}
		// No other node's range may contain it.
		for _, id := range ids {
			if id != string(owner) && r.RangeOf(id).Contains(k) {
				t.Errorf("key %v owned by both %s and %s", k, owner, id)
			}
		}
	}
}

func TestStaticRingSingleMember(t *testing.T) {
	r := NewStaticRing([]string{"solo"})
	if !r.RangeOf("solo").IsFull() {
		t.Error("single member should own the full ring")
	}
	owner, ok := r.ResponsibleFor(ring.HashKey("anything"))
	if !ok || owner != "solo" {
		t.Errorf("owner = %v, %v", owner, ok)
	}
	if _, _, ok := r.Neighbours("solo"); ok {
		t.Error("single member has no neighbours")
	}
}

func TestStaticRingNeighbours(t *testing.T) {
	r := NewStaticRing([]string{"a", "b", "c"})
	members := r.Members()
	for i, id := range members {
		pred, succ, ok := r.Neighbours(id)
		if !ok {
			t.Fatalf("Neighbours(%s) not ok", id)
		}
		wantPred := members[(i+len(members)-1)%len(members)]
		wantSucc := members[(i+1)%len(members)]
		if pred != wantPred || succ != wantSucc {
			t.Errorf("Neighbours(%s) = %s, %s, want %s, %s", id, pred, succ, wantPred, wantSucc)
		}
	}
}

func TestStaticRingAddRemove(t *testing.T) {
	r := NewStaticRing([]string{"a", "b"})
	r.Add("c")
	r.Add("c") // duplicate ignored
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
	r.Remove("b")
	if r.Len() != 2 {
		t.Errorf("Len after remove = %d, want 2", r.Len())
	}
	if !r.RangeOf("missing").IsEmpty() {
		t.Error("RangeOf unknown member should be empty")
	}
}

func TestEventBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(EventPeerUp)
	defer sub.Unsubscribe()
	other := bus.Subscribe(EventPeerDown)
	defer other.Unsubscribe()

	bus.Publish(EventPeerUp, "n7")

	select {
	case ev := <-sub.Chan():
		if ev.Type != EventPeerUp || ev.Data != "n7" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	select {
	case ev := <-other.Chan():
		t.Fatalf("mismatched subscriber received %+v", ev)
	default:
	}
}

func TestEventBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic or double-close
	bus.Publish(EventPeerUp, "x")
}

func TestNodeLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ID = "n1"
	cfg.TriggerInterval = time.Hour
	cfg.Sampler.CycleInterval = 10 * time.Millisecond
	cfg.KnownHosts = []string{"n2", "n3"}

	transport := rrepair.NewLoopback()
	defer transport.Close()
	view := NewStaticRing([]string{"n1", "n2", "n3"})

	n, err := New(cfg, transport, view)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	transport.Register("n1", n)

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Start(); err == nil {
		t.Error("double Start accepted")
	}

	if n.Sampler().Len() != 2 {
		t.Errorf("sampler bootstrapped with %d peers, want 2", n.Sampler().Len())
	}

	// Neighbourhood events feed the sampler.
	n.Bus().Publish(EventPeerUp, "n9")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && n.Sampler().Len() != 3 {
		time.Sleep(2 * time.Millisecond)
	}
	if n.Sampler().Len() != 3 {
		t.Error("peer-up event did not reach the sampler")
	}

	n.Stop()
	n.Stop() // idempotent
}

func TestNodeRepairAcrossRing(t *testing.T) {
	transport := rrepair.NewLoopback()
	defer transport.Close()
	ids := []string{"n1", "n2", "n3", "n4", "n5"}
	view := NewStaticRing(ids)

	nodes := make(map[string]*Node, len(ids))
	for _, id := range ids {
		cfg := DefaultConfig()
		cfg.ID = id
		cfg.TriggerInterval = time.Hour
		cfg.BloomFPR = 0.001
		n, err := New(cfg, transport, view)
		if err != nil {
			t.Fatalf("New(%s): %v", id, err)
		}
		transport.Register(rrepair.NodeID(id), n)
		if err := n.Start(); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
		defer n.Stop()
		nodes[id] = n
	}

	// One logical key, fully replicated, with one stale replica.
	base := ring.HashKey("document").ReplicaBase()
	var staleOwner *Node
	var staleKey ring.Key
	for j := 0; j < ring.ReplicationFactor; j++ {
		rk := base.Replica(j)
		owner, _ := view.ResponsibleFor(rk)
		version := int64(2)
		if j != 0 && staleOwner == nil && string(owner) != "" {
			srcOwner, _ := view.ResponsibleFor(base)
			if owner != srcOwner {
				staleOwner, staleKey = nodes[string(owner)], rk
				version = 1
			}
		}
		nodes[string(owner)].Store().Put(kvstore.Entry{
			Key: rk, Value: []byte(fmt.Sprintf("v%d", version)), Version: version,
		})
	}
	if staleOwner == nil {
		t.Skip("replica layout put every copy on one node")
	}

	// Drive triggers on the fresh copy's owner until the stale replica
	// heals; the orchestrator picks random quadrant offsets each time.
	srcOwner, _ := view.ResponsibleFor(base)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		nodes[string(srcOwner)].TriggerRepair()
		e, ok := staleOwner.Store().Get(staleKey)
		if ok && e.Version == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	e, _ := staleOwner.Store().Get(staleKey)
	if e.Version != 2 {
		t.Fatalf("stale replica never healed: %+v", e)
	}
}
