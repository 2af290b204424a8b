package rrepair

import (
	"fmt"
	"testing"

	"github.com/scalaris/scalaris/ring"
)

// The end-to-end scenarios: rings of engines exchanging real wire
// messages over the loopback transport, measured by sync degree
// against a pristine reference.

func scenarioConfig(method Method) Config {
	cfg := DefaultConfig()
	cfg.ReconMethod = method
	cfg.BloomFPR = 0.1
	cfg.TriggerProbability = 100
	cfg.MerkleBucketSize = 8
	cfg.MaxItems = 2000
	return cfg
}

func TestScenarioNoDiff(t *testing.T) {
	c := newCluster(t, 4, scenarioConfig(MethodBloom))
	c.loadData(1000, 0, 11)

	initial := c.syncDegree()
	if initial != 1.0 {
		t.Fatalf("initial sync degree = %v, want 1.0", initial)
	}
	c.runRound()

	if final := c.syncDegree(); final != initial {
		t.Errorf("no_diff round changed sync degree: %v -> %v", initial, final)
	}
	if healed := c.counters("updated") + c.counters("regenerated"); healed != 0 {
		t.Errorf("no_diff round healed %d entries", healed)
	}
}

func TestScenarioOneNode(t *testing.T) {
	c := newCluster(t, 1, scenarioConfig(MethodBloom))
	c.loadData(1, 0.5, 12)

	initial := c.syncDegree()
	c.runRound()

	if final := c.syncDegree(); final != initial {
		t.Errorf("one-node round changed sync degree: %v -> %v", initial, final)
	}
	if c.counters("sessions_done") != 1 {
		t.Errorf("one-node session not counted as done: %+v", c.nodes[0].eng.Snapshot())
	}
}

func TestScenarioSimple(t *testing.T) {
	c := newCluster(t, 4, scenarioConfig(MethodBloom))
	c.loadData(1000, 0.1, 13)

	initial := c.syncDegree()
	if initial >= 1.0 {
		t.Fatalf("fault injection produced no divergence, degree %v", initial)
	}
	c.runRound()

	if final := c.syncDegree(); final <= initial {
		t.Errorf("sync degree did not improve: %v -> %v", initial, final)
	}
}

func TestScenarioMultiRound(t *testing.T) {
	c := newCluster(t, 4, scenarioConfig(MethodBloom))
	c.loadData(1000, 0.1, 14)

	initial := c.syncDegree()
	c.runRound()
	afterOne := c.syncDegree()
	if afterOne <= initial {
		t.Fatalf("first round did not improve sync degree: %v -> %v", initial, afterOne)
	}
	c.runRound()
	c.runRound()

	if final := c.syncDegree(); final <= afterOne {
		t.Errorf("three rounds did not beat one: %v -> %v", afterOne, final)
	}
}

func TestRoundsConfigRearmsTrigger(t *testing.T) {
	cfg := scenarioConfig(MethodBloom)
	cfg.Rounds = 3
	c := newCluster(t, 4, cfg)
	c.loadData(200, 0.2, 20)

	// One external trigger; each completed initiator round re-arms the
	// next until the configured budget is spent.
	c.nodes[0].eng.TriggerOnce()
	c.quiesce()

	if got := c.nodes[0].eng.Snapshot()["sessions_started"]; got != 3 {
		t.Errorf("multi-round trigger started %d sessions, want 3", got)
	}
}

func TestScenarioDest(t *testing.T) {
	cfg := scenarioConfig(MethodBloom)
	cfg.BloomFPR = 0.01
	c := newCluster(t, 7, cfg)
	c.loadData(1000, 0.5, 15)

	// Target a key whose replica on another node is verifiably
	// damaged, and open one session between exactly that pair.
	var (
		base   ring.Key
		offset int
		src    *simNode
		dst    *simNode
	)
search:
	for i := 0; i < 1000; i++ {
		b := ring.HashKey(fmt.Sprintf("key-%d", i)).ReplicaBase()
		s := c.owner(b)
		for j := 1; j < ring.ReplicationFactor; j++ {
			rk := b.Replica(j)
			d := c.owner(rk)
			if d == s {
				continue
			}
			entry, ok := d.store.Get(rk)
			if !ok || entry.Version < 2 {
				base, offset, src, dst = b, j, s, d
				break search
			}
		}
	}
	if dst == nil {
		t.Fatal("fault injection left every cross-node replica intact")
	}

	before := c.divergence(src, dst)
	src.eng.TriggerFor(base, offset)
	c.quiesce()

	if after := c.divergence(src, dst); after >= before {
		t.Errorf("pair divergence did not shrink: %d -> %d", before, after)
	}
	if c.counters("updated")+c.counters("regenerated") == 0 {
		t.Error("targeted session healed nothing")
	}
}

func TestScenarioParts(t *testing.T) {
	cfg := scenarioConfig(MethodBloom)
	cfg.MaxItems = 500
	c := newCluster(t, 4, cfg)
	c.loadData(1000, 1.0, 16)

	initial := c.syncDegree()
	if initial >= 1.0 {
		t.Fatal("full fault injection left the ring in sync")
	}
	c.runRound()
	c.runRound()

	if final := c.syncDegree(); final <= initial {
		t.Errorf("part-wise rounds did not improve sync degree: %v -> %v", initial, final)
	}
}

func TestScenarioMerkleRing(t *testing.T) {
	c := newCluster(t, 4, scenarioConfig(MethodMerkle))
	c.loadData(400, 0.15, 17)

	initial := c.syncDegree()
	if initial >= 1.0 {
		t.Fatal("fault injection produced no divergence")
	}
	c.runRound()

	if final := c.syncDegree(); final <= initial {
		t.Errorf("merkle round did not improve sync degree: %v -> %v", initial, final)
	}
	if c.counters("sessions_failed") != 0 {
		t.Errorf("merkle sessions failed: %d", c.counters("sessions_failed"))
	}
}

func TestScenarioMerkleNoDiff(t *testing.T) {
	c := newCluster(t, 4, scenarioConfig(MethodMerkle))
	c.loadData(400, 0, 18)

	c.runRound()

	if healed := c.counters("updated") + c.counters("regenerated"); healed != 0 {
		t.Errorf("merkle no_diff round healed %d entries", healed)
	}
	if c.syncDegree() != 1.0 {
		t.Error("merkle no_diff round degraded the ring")
	}
}

func TestScenarioARTRing(t *testing.T) {
	c := newCluster(t, 4, scenarioConfig(MethodART))
	c.loadData(400, 0.15, 19)

	initial := c.syncDegree()
	c.runRound()
	c.runRound()

	if final := c.syncDegree(); final <= initial {
		t.Errorf("art rounds did not improve sync degree: %v -> %v", initial, final)
	}
}
