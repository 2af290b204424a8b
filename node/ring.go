package node

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/scalaris/scalaris/ring"
	"github.com/scalaris/scalaris/rrepair"
)

// StaticRing is a fixed view of ring membership: every node sits at
// the position its id hashes to and is responsible for the arc from
// its predecessor (exclusive) to itself (inclusive). It implements the
// routing lookup the repair engine consumes; overlay maintenance
// proper (joins, slides, moves) happens outside this module.
type StaticRing struct {
	mu      sync.RWMutex
	members []member
}

type member struct {
	id  string
	key ring.Key
}

// NewStaticRing builds a ring view over the given node ids.
func NewStaticRing(ids []string) *StaticRing {
	r := &StaticRing{}
	for _, id := range ids {
		r.Add(id)
	}
	return r
}

// Add inserts a node at its hashed position. Duplicate ids are
// ignored.
func (r *StaticRing) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.id == id {
			return
		}
	}
	r.members = append(r.members, member{id: id, key: ring.HashKey(id)})
	slices.SortFunc(r.members, func(a, b member) int { return a.key.Cmp(b.key) })
}

// Remove drops a node from the view.
func (r *StaticRing) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.id == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

// Len returns the number of members.
func (r *StaticRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns the node ids in ring order.
func (r *StaticRing) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.members))
	for i, m := range r.members {
		out[i] = m.id
	}
	return out
}

// ResponsibleFor returns the node owning position k: the clockwise
// successor of k in the membership.
func (r *StaticRing) ResponsibleFor(k ring.Key) (rrepair.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.members) == 0 {
		return "", false
	}
	for _, m := range r.members {
		if k.Cmp(m.key) <= 0 {
			return rrepair.NodeID(m.id), true
		}
	}
	return rrepair.NodeID(r.members[0].id), true
}

// RangeOf returns the arc a node is responsible for: predecessor
// position exclusive, own position inclusive. A single-member ring
// owns everything.
func (r *StaticRing) RangeOf(id string) ring.Interval {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := -1
	for i, m := range r.members {
		if m.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ring.EmptyInterval()
	}
	if len(r.members) == 1 {
		return ring.FullInterval()
	}
	pred := r.members[(idx+len(r.members)-1)%len(r.members)]
	return ring.NewInterval(false, pred.key, r.members[idx].key, true)
}

// Neighbours returns the predecessor and successor of a node.
func (r *StaticRing) Neighbours(id string) (pred, succ string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := -1
	for i, m := range r.members {
		if m.id == id {
			idx = i
			break
		}
	}
	if idx < 0 || len(r.members) < 2 {
		return "", "", false
	}
	n := len(r.members)
	return r.members[(idx+n-1)%n].id, r.members[(idx+1)%n].id, true
}
