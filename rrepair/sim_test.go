package rrepair

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scalaris/scalaris/kvstore"
	"github.com/scalaris/scalaris/ring"
)

// The simulator runs a ring of engines over the in-process loopback
// transport: node i owns the i-th of n equal arcs, every logical key
// is replicated into all four quadrants, and a fault injector damages
// replicas outside the quadrant-0 copy (repair needs at least one
// intact replica to converge toward).

type simNode struct {
	id    NodeID
	rng   ring.Interval
	store *kvstore.Store
	ref   *kvstore.Store
	eng   *Engine
}

type cluster struct {
	t         *testing.T
	transport *Loopback
	lookup    *staticLookup
	nodes     []*simNode
}

func newCluster(t *testing.T, n int, cfg Config) *cluster {
	t.Helper()
	parts, err := ring.FullInterval().Split(n)
	if err != nil {
		t.Fatalf("split ring: %v", err)
	}
	c := &cluster{
		t:         t,
		transport: NewLoopback(),
		lookup:    &staticLookup{ranges: make(map[NodeID]ring.Interval)},
	}
	t.Cleanup(c.transport.Close)
	for i := 0; i < n; i++ {
		id := NodeID(fmt.Sprintf("n%d", i))
		c.lookup.ranges[id] = parts[i]
		c.nodes = append(c.nodes, &simNode{
			id:    id,
			rng:   parts[i],
			store: kvstore.New(),
			ref:   kvstore.New(),
		})
	}
	for i, sn := range c.nodes {
		own := sn.rng
		eng, err := NewEngine(cfg, Options{
			ID:        sn.id,
			Store:     sn.store,
			Lookup:    c.lookup,
			Transport: c.transport,
			OwnRange:  func() ring.Interval { return own },
			Seed:      int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("engine %s: %v", sn.id, err)
		}
		sn.eng = eng
		c.transport.Register(sn.id, eng)
	}
	return c
}

func (c *cluster) owner(k ring.Key) *simNode {
	for _, sn := range c.nodes {
		if sn.rng.Contains(k) {
			return sn
		}
	}
	c.t.Fatalf("no owner for key %v", k)
	return nil
}

// loadData populates every replica of nKeys logical keys at version 2
// and damages non-base replicas with the given probability: half of
// the damaged replicas go missing, half stay at a stale version 1.
func (c *cluster) loadData(nKeys int, failProb float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < nKeys; i++ {
		base := ring.HashKey(fmt.Sprintf("key-%d", i)).ReplicaBase()
		for j := 0; j < ring.ReplicationFactor; j++ {
			rk := base.Replica(j)
			owner := c.owner(rk)
			owner.ref.Put(kvstore.Entry{Key: rk, Value: []byte("v2"), Version: 2})

			if j != 0 && rng.Float64() < failProb {
				if rng.Intn(2) == 0 {
					continue // missing replica
				}
				owner.store.Put(kvstore.Entry{Key: rk, Value: []byte("v1"), Version: 1})
				continue
			}
			owner.store.Put(kvstore.Entry{Key: rk, Value: []byte("v2"), Version: 2})
		}
	}
}

// syncDegree averages the per-node sync degree against the per-node
// reference.
func (c *cluster) syncDegree() float64 {
	sum := 0.0
	for _, sn := range c.nodes {
		sum += sn.store.CompareTo(sn.ref).SyncDegree()
	}
	return sum / float64(len(c.nodes))
}

// divergence sums missing and outdated entries across the given
// nodes.
func (c *cluster) divergence(nodes ...*simNode) int {
	total := 0
	for _, sn := range nodes {
		d := sn.store.CompareTo(sn.ref)
		total += d.Missing + d.Outdated
	}
	return total
}

// runRound fires one trigger on every node concurrently and waits for
// all sessions to terminate.
func (c *cluster) runRound() {
	c.t.Helper()
	var g errgroup.Group
	for _, sn := range c.nodes {
		eng := sn.eng
		g.Go(func() error {
			eng.TriggerOnce()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.t.Fatalf("trigger round: %v", err)
	}
	c.quiesce()
}

// quiesce waits until no node has an open session and the state has
// been stable for a few polls.
func (c *cluster) quiesce() {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	stable := 0
	for time.Now().Before(deadline) {
		open := 0
		for _, sn := range c.nodes {
			open += sn.eng.OpenSessions()
		}
		if open == 0 {
			stable++
			if stable >= 5 {
				return
			}
		} else {
			stable = 0
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.t.Fatal("cluster did not quiesce")
}

// counters sums one engine counter across the cluster.
func (c *cluster) counters(name string) int64 {
	total := int64(0)
	for _, sn := range c.nodes {
		total += sn.eng.Snapshot()[name]
	}
	return total
}
