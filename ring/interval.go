package ring

import (
	"fmt"

	"github.com/holiman/uint256"
)

// An Interval is a contiguous arc of the ring, delimited by a left and
// a right key and a bound style on each side. Arcs are directed
// clockwise from left to right and may wrap through the origin. The
// full ring and the empty set are distinguished values.
//
// Single-point sets are not representable: an arc whose endpoints
// coincide denotes the full ring (or the ring minus that point when
// both bounds are open). Set operations drop degenerate single-point
// results; the repair engine only ever works with half-open arcs, for
// which the operations are exact.
type Interval struct {
	kind        intervalKind
	left, right Key
	leftClosed  bool
	rightClosed bool
}

type intervalKind uint8

const (
	kindEmpty intervalKind = iota
	kindFull
	kindArc
)

// EmptyInterval returns the empty set.
func EmptyInterval() Interval {
	return Interval{kind: kindEmpty}
}

// FullInterval returns the whole ring.
func FullInterval() Interval {
	return Interval{kind: kindFull}
}

// NewInterval builds the arc running clockwise from left to right with
// the given bound styles. An arc whose endpoints coincide denotes the
// full ring when at least one bound is closed, and the full ring minus
// the shared endpoint when both are open.
func NewInterval(leftClosed bool, left, right Key, rightClosed bool) Interval {
	if left == right {
		if leftClosed || rightClosed {
			return FullInterval()
		}
		return Interval{kind: kindArc, left: left, right: right}
	}
	return Interval{
		kind:        kindArc,
		left:        left,
		right:       right,
		leftClosed:  leftClosed,
		rightClosed: rightClosed,
	}
}

// ClosedOpen returns [left, right), the partitioning convention used
// for quadrants and merkle buckets.
func ClosedOpen(left, right Key) Interval {
	return NewInterval(true, left, right, false)
}

// QuadrantInterval returns quadrant q of the ring as [q*2^126,
// (q+1)*2^126). q is taken modulo the replication factor.
func QuadrantInterval(q int) Interval {
	q = ((q % ReplicationFactor) + ReplicationFactor) % ReplicationFactor
	start := Key{}.Replica(q)
	return ClosedOpen(start, start.Replica(1))
}

// IsEmpty reports whether the interval contains no keys.
func (i Interval) IsEmpty() bool { return i.kind == kindEmpty }

// IsFull reports whether the interval is the whole ring.
func (i Interval) IsFull() bool { return i.kind == kindFull }

// Bounds returns the left and right keys and bound styles of an arc.
// The full ring reports the origin-to-origin closed-open arc; the
// empty set all zero values.
func (i Interval) Bounds() (leftClosed bool, left, right Key, rightClosed bool) {
	switch i.kind {
	case kindFull:
		return true, Key{}, Key{}, false
	case kindArc:
		return i.leftClosed, i.left, i.right, i.rightClosed
	default:
		return false, Key{}, Key{}, false
	}
}

// Contains reports whether k lies on the arc.
func (i Interval) Contains(k Key) bool {
	switch i.kind {
	case kindEmpty:
		return false
	case kindFull:
		return true
	}
	if i.left == i.right {
		// Degenerate open arc: everything but the endpoint.
		return k != i.left
	}
	dk := k.Sub(i.left)
	dr := i.right.Sub(i.left)
	if dk.isZero() {
		return i.leftClosed
	}
	switch dk.Cmp(dr) {
	case -1:
		return true
	case 0:
		return i.rightClosed
	default:
		return false
	}
}

func (k Key) isZero() bool { return k.hi == 0 && k.lo == 0 }

// Equal reports whether two intervals denote the same set of keys.
func (i Interval) Equal(o Interval) bool {
	if i.kind != o.kind {
		return false
	}
	if i.kind != kindArc {
		return true
	}
	return i.left == o.left && i.right == o.right &&
		i.leftClosed == o.leftClosed && i.rightClosed == o.rightClosed
}

// ringSpan is 2^128, the full extent of the key space.
var ringSpan = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

// span returns the clockwise extent of the interval.
func (i Interval) span() *uint256.Int {
	switch i.kind {
	case kindEmpty:
		return uint256.NewInt(0)
	case kindFull:
		return new(uint256.Int).Set(ringSpan)
	}
	if i.left == i.right {
		return new(uint256.Int).Set(ringSpan)
	}
	return i.right.Sub(i.left).toUint256()
}

// Complement returns the ring minus the interval.
func (i Interval) Complement() Interval {
	switch i.kind {
	case kindEmpty:
		return FullInterval()
	case kindFull:
		return EmptyInterval()
	}
	if i.left == i.right {
		// Complement of "all but one point" is that point, which is
		// not representable; rounded down to empty.
		return EmptyInterval()
	}
	return NewInterval(!i.rightClosed, i.right, i.left, !i.leftClosed)
}

// offsetSeg is a linear segment of clockwise offsets from a reference
// key, used internally to intersect circular arcs without wrap-around
// special cases.
type offsetSeg struct {
	lo, hi *uint256.Int
}

// segments decomposes o into offset segments relative to base.
func (o Interval) segments(base Key) []offsetSeg {
	offL := o.left.Sub(base).toUint256()
	offR := o.right.Sub(base).toUint256()
	switch offL.Cmp(offR) {
	case -1:
		return []offsetSeg{{offL, offR}}
	case 1:
		return []offsetSeg{
			{uint256.NewInt(0), offR},
			{offL, new(uint256.Int).Set(ringSpan)},
		}
	default:
		// Degenerate open arc: the whole ring minus one point. The
		// shared endpoint is excluded by the Contains checks that
		// assign bound styles later.
		return []offsetSeg{
			{uint256.NewInt(0), offL},
			{offL, new(uint256.Int).Set(ringSpan)},
		}
	}
}

// Intersect returns the intersection of two intervals. Intersecting
// two arcs of a ring can leave two disjoint arcs, so a slice is
// returned; it is empty when the intervals do not meet.
func (i Interval) Intersect(o Interval) []Interval {
	if i.kind == kindEmpty || o.kind == kindEmpty {
		return nil
	}
	if i.kind == kindFull {
		return []Interval{o}
	}
	if o.kind == kindFull {
		return []Interval{i}
	}
	extent := i.span()
	var out []Interval
	for _, seg := range o.segments(i.left) {
		lo := seg.lo
		hi := seg.hi
		if hi.Cmp(extent) > 0 {
			hi = extent
		}
		if lo.Cmp(hi) >= 0 {
			// Empty or single-point overlap; points are dropped.
			continue
		}
		left := i.left.Add(keyFromUint256(lo))
		right := i.left.Add(keyFromUint256(new(uint256.Int).Mod(hi, ringSpan)))
		if left == right {
			continue
		}
		part := NewInterval(
			i.Contains(left) && o.Contains(left),
			left,
			right,
			i.Contains(right) && o.Contains(right),
		)
		out = append(out, part)
	}
	return out
}

// Union merges two intervals. Overlapping or touching arcs collapse
// into one; genuinely disjoint arcs are returned side by side.
func (i Interval) Union(o Interval) []Interval {
	if i.kind == kindEmpty {
		if o.kind == kindEmpty {
			return nil
		}
		return []Interval{o}
	}
	if o.kind == kindEmpty {
		return []Interval{i}
	}
	if i.kind == kindFull || o.kind == kindFull {
		return []Interval{FullInterval()}
	}
	// The gaps of the union are the keys outside both arcs.
	gaps := i.Complement().Intersect(o.Complement())
	switch len(gaps) {
	case 0:
		return []Interval{FullInterval()}
	case 1:
		return []Interval{gaps[0].Complement()}
	default:
		return []Interval{i, o}
	}
}

// Subtract removes o from i, returning the remaining pieces.
func (i Interval) Subtract(o Interval) []Interval {
	return i.Intersect(o.Complement())
}

// Split partitions the interval into n equal clockwise arcs. The outer
// bound styles are preserved at the extremes; interior cuts are
// closed-open so the parts are pairwise disjoint and cover i exactly.
func (i Interval) Split(n int) ([]Interval, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ring: split into %d parts", n)
	}
	if i.kind == kindEmpty {
		return nil, fmt.Errorf("ring: split of empty interval")
	}
	if n == 1 {
		return []Interval{i}, nil
	}
	leftClosed, left, right, rightClosed := i.Bounds()
	step := new(uint256.Int).Div(i.span(), uint256.NewInt(uint64(n)))
	if step.IsZero() {
		return nil, fmt.Errorf("ring: interval too small for %d parts", n)
	}
	parts := make([]Interval, 0, n)
	cursor := left
	for p := 0; p < n; p++ {
		partLeftClosed := true
		if p == 0 {
			partLeftClosed = leftClosed
		}
		var partRight Key
		partRightClosed := false
		if p == n-1 {
			partRight = right
			partRightClosed = rightClosed
		} else {
			partRight = cursor.Add(keyFromUint256(step))
		}
		parts = append(parts, Interval{
			kind:        kindArc,
			left:        cursor,
			right:       partRight,
			leftClosed:  partLeftClosed,
			rightClosed: partRightClosed,
		})
		cursor = partRight
	}
	return parts, nil
}

// String renders the interval in mathematical bound notation.
func (i Interval) String() string {
	switch i.kind {
	case kindEmpty:
		return "[empty]"
	case kindFull:
		return "[all]"
	}
	lb, rb := "(", ")"
	if i.leftClosed {
		lb = "["
	}
	if i.rightClosed {
		rb = "]"
	}
	return fmt.Sprintf("%s%s, %s%s", lb, i.left, i.right, rb)
}
