// Package merkle implements the interval-partitioned hash tree used by
// the replica repair engine. A tree summarises the keys and versions of
// one arc of the ring so that two nodes can locate differing
// sub-intervals without exchanging the keys themselves.
package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
	"golang.org/x/exp/slices"

	"github.com/scalaris/scalaris/ring"
)

var (
	// ErrFinalised is returned when inserting into a frozen tree.
	ErrFinalised = errors.New("merkle: tree already finalised")
	// ErrNotFinalised is returned when reading hashes before Finalise.
	ErrNotFinalised = errors.New("merkle: tree not finalised")
	// ErrKeyOutsideTree is returned when a key misses the root interval.
	ErrKeyOutsideTree = errors.New("merkle: key outside tree interval")
	// ErrEmptyTree is returned when inserting into a tree built over
	// the empty interval.
	ErrEmptyTree = errors.New("merkle: tree has no interval")
	// ErrIntervalMismatch is returned when comparing trees built over
	// different intervals.
	ErrIntervalMismatch = errors.New("merkle: trees cover different intervals")
)

// LeafHashFunc hashes the serialised, key-ordered bucket of a leaf.
type LeafHashFunc func(data []byte) []byte

// InnerHashFunc folds the hashes of a node's children into one hash.
type InnerHashFunc func(children [][]byte) []byte

// Config controls the shape and hashing of a tree.
type Config struct {
	// BranchFactor is the number of children a leaf splits into.
	BranchFactor int
	// BucketSize is the number of items a leaf holds before splitting.
	BucketSize int
	// LeafHash and InnerHash default to keccak-256 with a 0x00 domain
	// prefix and bitwise XOR respectively.
	LeafHash  LeafHashFunc
	InnerHash InnerHashFunc
}

// DefaultConfig returns the stock configuration: binary tree, buckets
// of 64.
func DefaultConfig() Config {
	return Config{BranchFactor: 2, BucketSize: 64}
}

func (c *Config) applyDefaults() {
	if c.BranchFactor < 2 {
		c.BranchFactor = 2
	}
	if c.BucketSize <= 0 {
		c.BucketSize = 64
	}
	if c.LeafHash == nil {
		c.LeafHash = defaultLeafHash
	}
	if c.InnerHash == nil {
		c.InnerHash = xorHash
	}
}

// leafPrefix is the domain-separation prefix for leaf hashes, keeping
// them distinct from any inner-node digest.
var leafPrefix = []byte{0}

// emptyLeafHash marks a leaf whose bucket is empty. A fixed constant,
// shared by all trees, so empty arcs compare equal everywhere.
var emptyLeafHash = make([]byte, 32)

func defaultLeafHash(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(leafPrefix)
	h.Write(data)
	return h.Sum(nil)
}

// xorHash folds equal-length child hashes with bitwise XOR. The fold
// is commutative, which is acceptable only because sibling intervals
// are disjoint; a key can never move between siblings unnoticed.
func xorHash(children [][]byte) []byte {
	out := make([]byte, 32)
	for _, c := range children {
		for i := range c {
			if i < len(out) {
				out[i] ^= c[i]
			}
		}
	}
	return out
}

// Item is one summarised entry: a ring key and its version.
type Item struct {
	Key     ring.Key
	Version int64
}

// node is one tree node. Exactly one of bucket (leaf) or children
// (inner) is in use; count is the bucket length for leaves and the
// number of items below for inner nodes.
type node struct {
	interval ring.Interval
	hash     []byte
	count    int
	bucket   []Item
	children []*node
}

func (n *node) leaf() bool { return n.children == nil }

// Tree is an interval-partitioned hash tree. It is not safe for
// concurrent use; each repair session owns its trees exclusively.
type Tree struct {
	cfg       Config
	root      *node
	size      int
	finalised bool
	// fixed trees keep their pre-built shape; leaves grow past
	// BucketSize instead of splitting.
	fixed bool
}

// New returns an empty tree over the given interval.
func New(interval ring.Interval, cfg Config) *Tree {
	cfg.applyDefaults()
	t := &Tree{cfg: cfg}
	if !interval.IsEmpty() {
		t.root = &node{interval: interval}
	}
	return t
}

// NewFixed returns a tree pre-expanded to the complete BranchFactor-ary
// shape of the given depth. Leaves never split, so two peers building
// fixed trees of equal depth over the same interval get positionally
// aligned levels regardless of their contents.
func NewFixed(interval ring.Interval, depth int, cfg Config) (*Tree, error) {
	cfg.applyDefaults()
	if depth < 1 {
		depth = 1
	}
	t := &Tree{cfg: cfg, fixed: true}
	if interval.IsEmpty() {
		return t, nil
	}
	t.root = &node{interval: interval}
	if err := expand(t.root, depth-1, cfg.BranchFactor); err != nil {
		return nil, err
	}
	return t, nil
}

func expand(n *node, levels, branch int) error {
	if levels == 0 {
		return nil
	}
	parts, err := n.interval.Split(branch)
	if err != nil {
		return err
	}
	n.children = make([]*node, len(parts))
	for i, p := range parts {
		n.children[i] = &node{interval: p}
		if err := expand(n.children[i], levels-1, branch); err != nil {
			return err
		}
	}
	return nil
}

// Interval returns the arc the tree summarises.
func (t *Tree) Interval() ring.Interval {
	if t.root == nil {
		return ring.EmptyInterval()
	}
	return t.root.interval
}

// Size returns the total number of items inserted.
func (t *Tree) Size() int { return t.size }

// Insert adds one item to the leaf whose interval contains its key.
// A full leaf is split into BranchFactor equi-partitioned children and
// its bucket redistributed before the insertion proceeds.
func (t *Tree) Insert(key ring.Key, version int64) error {
	if t.finalised {
		return ErrFinalised
	}
	if t.root == nil {
		return ErrEmptyTree
	}
	if !t.root.interval.Contains(key) {
		return fmt.Errorf("%w: %v not in %v", ErrKeyOutsideTree, key, t.root.interval)
	}
	if err := t.insert(t.root, Item{Key: key, Version: version}); err != nil {
		return err
	}
	t.size++
	return nil
}

func (t *Tree) insert(n *node, it Item) error {
	for !n.leaf() {
		n.count++
		child := childFor(n, it.Key)
		if child == nil {
			return fmt.Errorf("%w: %v lost between children of %v", ErrKeyOutsideTree, it.Key, n.interval)
		}
		n = child
	}
	if !t.fixed && len(n.bucket) >= t.cfg.BucketSize {
		if err := t.split(n); err != nil {
			// The interval is too narrow to split further; let the
			// bucket grow past its nominal size.
			n.bucket = append(n.bucket, it)
			n.count = len(n.bucket)
			return nil
		}
		return t.insert(n, it)
	}
	n.bucket = append(n.bucket, it)
	n.count = len(n.bucket)
	return nil
}

// split turns a full leaf into an inner node with BranchFactor
// children and redistributes the bucket.
func (t *Tree) split(n *node) error {
	parts, err := n.interval.Split(t.cfg.BranchFactor)
	if err != nil {
		return err
	}
	children := make([]*node, len(parts))
	for i, p := range parts {
		children[i] = &node{interval: p}
	}
	bucket := n.bucket
	n.bucket = nil
	n.children = children
	n.count = 0
	for _, it := range bucket {
		n.count++
		child := childFor(n, it.Key)
		if child == nil {
			return fmt.Errorf("%w: %v lost during split of %v", ErrKeyOutsideTree, it.Key, n.interval)
		}
		child.bucket = append(child.bucket, it)
		child.count = len(child.bucket)
	}
	return nil
}

func childFor(n *node, key ring.Key) *node {
	for _, c := range n.children {
		if c.interval.Contains(key) {
			return c
		}
	}
	return nil
}

// Finalise computes all hashes bottom-up and freezes the tree. It is
// idempotent.
func (t *Tree) Finalise() {
	if t.finalised {
		return
	}
	if t.root != nil {
		t.hashNode(t.root)
	}
	t.finalised = true
}

// Finalised reports whether the tree is frozen.
func (t *Tree) Finalised() bool { return t.finalised }

func (t *Tree) hashNode(n *node) {
	if n.leaf() {
		if len(n.bucket) == 0 {
			n.hash = emptyLeafHash
			return
		}
		n.hash = t.cfg.LeafHash(serialiseBucket(n.bucket))
		return
	}
	hashes := make([][]byte, len(n.children))
	for i, c := range n.children {
		t.hashNode(c)
		hashes[i] = c.hash
	}
	n.hash = t.cfg.InnerHash(hashes)
}

// serialiseBucket renders the bucket sorted by key: 16 key bytes and 8
// big-endian version bytes per item. Sorting makes the leaf hash a
// function of the item multiset alone, independent of insertion order.
func serialiseBucket(bucket []Item) []byte {
	sorted := make([]Item, len(bucket))
	copy(sorted, bucket)
	slices.SortFunc(sorted, func(a, b Item) int { return a.Key.Cmp(b.Key) })
	out := make([]byte, 0, len(sorted)*24)
	for _, it := range sorted {
		out = append(out, it.Key.Bytes()...)
		out = binary.BigEndian.AppendUint64(out, uint64(it.Version))
	}
	return out
}

// RootHash returns the root signature of a finalised tree. The root of
// an interval-less tree is the empty-leaf constant.
func (t *Tree) RootHash() ([]byte, error) {
	if !t.finalised {
		return nil, ErrNotFinalised
	}
	if t.root == nil {
		return emptyLeafHash, nil
	}
	return t.root.hash, nil
}

// Depth returns the number of levels, 0 for an interval-less tree.
func (t *Tree) Depth() int {
	return depth(t.root)
}

func depth(n *node) int {
	if n == nil {
		return 0
	}
	max := 0
	for _, c := range n.children {
		if d := depth(c); d > max {
			max = d
		}
	}
	return max + 1
}

// LevelHashes returns the hashes of all nodes at the given depth (root
// is level 0), left to right. Missing subtrees simply contribute
// nothing; callers walking level by level use LevelIntervals for the
// matching intervals.
func (t *Tree) LevelHashes(level int) ([][]byte, error) {
	if !t.finalised {
		return nil, ErrNotFinalised
	}
	var out [][]byte
	for _, n := range t.levelNodes(level) {
		out = append(out, n.hash)
	}
	return out, nil
}

// LevelIntervals returns the intervals of all nodes at the given
// depth, aligned with LevelHashes.
func (t *Tree) LevelIntervals(level int) []ring.Interval {
	var out []ring.Interval
	for _, n := range t.levelNodes(level) {
		out = append(out, n.interval)
	}
	return out
}

func (t *Tree) levelNodes(level int) []*node {
	if t.root == nil || level < 0 {
		return nil
	}
	current := []*node{t.root}
	for l := 0; l < level; l++ {
		var next []*node
		for _, n := range current {
			next = append(next, n.children...)
		}
		current = next
	}
	return current
}

// LeafIntervals returns the intervals of all leaves, left to right.
func (t *Tree) LeafIntervals() []ring.Interval {
	var out []ring.Interval
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		if n.leaf() {
			out = append(out, n.interval)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	return out
}

// Visit walks a finalised tree top-down. fn is called for every node
// with its level (root is 0), interval, hash and leaf flag; returning
// false prunes the node's subtree.
func (t *Tree) Visit(fn func(level int, interval ring.Interval, hash []byte, leaf bool) bool) error {
	if !t.finalised {
		return ErrNotFinalised
	}
	var walk func(n *node, level int)
	walk = func(n *node, level int) {
		if !fn(level, n.interval, n.hash, n.leaf()) {
			return
		}
		for _, c := range n.children {
			walk(c, level+1)
		}
	}
	if t.root != nil {
		walk(t.root, 0)
	}
	return nil
}

// Compare walks two finalised trees over the same interval in
// lock-step and returns the disjoint sub-intervals whose signatures
// differ. The result is symmetric in its arguments. Sub-interval
// structure may differ between the trees (they split independently);
// where the shapes diverge the shared ancestor interval is reported.
func Compare(a, b *Tree) ([]ring.Interval, error) {
	if !a.finalised || !b.finalised {
		return nil, ErrNotFinalised
	}
	if !a.Interval().Equal(b.Interval()) {
		return nil, ErrIntervalMismatch
	}
	if a.root == nil || b.root == nil {
		return nil, nil
	}
	var diffs []ring.Interval
	compareNodes(a.root, b.root, &diffs)
	return diffs, nil
}

func compareNodes(x, y *node, diffs *[]ring.Interval) {
	if slices.Equal(x.hash, y.hash) {
		return
	}
	if x.leaf() || y.leaf() || len(x.children) != len(y.children) {
		// One side stops here (or the shapes disagree): the finest
		// shared granularity is this node's interval.
		*diffs = append(*diffs, x.interval)
		return
	}
	for i := range x.children {
		compareNodes(x.children[i], y.children[i], diffs)
	}
}
