// Package kvstore holds the per-node replica store of the overlay: a
// versioned key-value map with read/write locks, change recording for
// incremental repair summaries, and the sync-degree bookkeeping the
// repair engine reports against.
package kvstore

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/scalaris/scalaris/ring"
)

var (
	// ErrLocked is returned when a mutation collides with a held lock.
	ErrLocked = errors.New("kvstore: entry is locked")
	// ErrConflict is returned when two entries carry the same version
	// but different values. The caller must not overwrite either side.
	ErrConflict = errors.New("kvstore: conflicting values at equal version")
	// ErrNoEntry is returned by lock operations on absent keys.
	ErrNoEntry = errors.New("kvstore: no such entry")
)

// Entry is one replica of a logical key. An entry with a nil Value is
// "empty": it carries no data but may hold locks transiently.
type Entry struct {
	Key     ring.Key
	Value   []byte
	Version int64
	// WriteLock marks an exclusive lock. It never coexists with a
	// positive ReadLock count.
	WriteLock bool
	// ReadLock counts stacked shared locks.
	ReadLock int
}

// Empty reports whether the entry carries no value.
func (e Entry) Empty() bool { return e.Value == nil }

// locked reports whether any lock is held.
func (e Entry) locked() bool { return e.WriteLock || e.ReadLock > 0 }

// Store is the process-wide replica database of one node. All methods
// are safe for concurrent use; mutations cross a single mutex, which
// stands in for the message queue of the database actor.
type Store struct {
	mu      sync.RWMutex
	entries map[ring.Key]Entry

	// Change recorder state. While armed, every written key inside the
	// recording interval is noted, and deletions are kept separately.
	recording   bool
	recInterval ring.Interval
	recWritten  map[ring.Key]struct{}
	recDeleted  map[ring.Key]struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[ring.Key]Entry)}
}

// Len returns the number of non-empty entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.Empty() {
			n++
		}
	}
	return n
}

// Get returns the entry stored under key.
func (s *Store) Get(key ring.Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Write performs a local application write: the value is stored and
// the version advances past the stored one. Returns the new version.
func (s *Store) Write(key ring.Key, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if ok && cur.WriteLock {
		return 0, ErrLocked
	}
	next := int64(1)
	if ok {
		next = cur.Version + 1
	}
	cur.Key = key
	cur.Value = value
	cur.Version = next
	s.entries[key] = cur
	s.noteWrite(key)
	return next, nil
}

// Put applies a replicated entry, typically a repair resolution. The
// write is idempotent with respect to (key, version): an entry whose
// version does not exceed the stored one is a no-op, except that equal
// versions with differing values surface ErrConflict. Entries under a
// write lock are not overwritten.
func (s *Store) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.Key]
	if ok {
		if cur.Version == e.Version && !cur.Empty() && !e.Empty() &&
			!slices.Equal(cur.Value, e.Value) {
			return ErrConflict
		}
		if cur.Version >= e.Version {
			return nil
		}
		if cur.WriteLock {
			return ErrLocked
		}
	}
	// Locks are local state and never travel with replicated entries.
	stored := Entry{Key: e.Key, Value: e.Value, Version: e.Version}
	if ok {
		stored.WriteLock = cur.WriteLock
		stored.ReadLock = cur.ReadLock
	}
	s.entries[e.Key] = stored
	s.noteWrite(e.Key)
	return nil
}

// Delete removes the entry under key. Deletion is refused while any
// lock is held.
func (s *Store) Delete(key ring.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok {
		return nil
	}
	if cur.locked() {
		return ErrLocked
	}
	delete(s.entries, key)
	s.noteDelete(key)
	return nil
}

// AcquireWriteLock takes the exclusive lock on key. The entry is
// created empty when absent so that locks can be held ahead of the
// first write.
func (s *Store) AcquireWriteLock(key ring.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.entries[key]
	if cur.locked() {
		return ErrLocked
	}
	cur.Key = key
	cur.WriteLock = true
	s.entries[key] = cur
	return nil
}

// ReleaseWriteLock drops the exclusive lock on key. Empty entries that
// held nothing but the lock disappear.
func (s *Store) ReleaseWriteLock(key ring.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || !cur.WriteLock {
		return ErrNoEntry
	}
	cur.WriteLock = false
	if cur.Empty() && !cur.locked() {
		delete(s.entries, key)
	} else {
		s.entries[key] = cur
	}
	return nil
}

// AcquireReadLock stacks a shared lock on key.
func (s *Store) AcquireReadLock(key ring.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.entries[key]
	if cur.WriteLock {
		return ErrLocked
	}
	cur.Key = key
	cur.ReadLock++
	s.entries[key] = cur
	return nil
}

// ReleaseReadLock drops one shared lock on key.
func (s *Store) ReleaseReadLock(key ring.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || cur.ReadLock <= 0 {
		return ErrNoEntry
	}
	cur.ReadLock--
	if cur.Empty() && !cur.locked() {
		delete(s.entries, key)
	} else {
		s.entries[key] = cur
	}
	return nil
}

// EntriesIn returns the non-empty entries whose keys lie in ival,
// ordered by ring position.
func (s *Store) EntriesIn(ival ring.Interval) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for k, e := range s.entries {
		if !e.Empty() && ival.Contains(k) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.Key.Cmp(b.Key) })
	return out
}

// CountIn returns the number of non-empty entries inside ival.
func (s *Store) CountIn(ival ring.Interval) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, e := range s.entries {
		if !e.Empty() && ival.Contains(k) {
			n++
		}
	}
	return n
}

// Keys returns all non-empty keys ordered by ring position.
func (s *Store) Keys() []ring.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ring.Key, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.Empty() {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b ring.Key) int { return a.Cmp(b) })
	return out
}

// ---------------------------------------------------------------------------
// Change recorder
// ---------------------------------------------------------------------------

// ArmRecorder starts recording writes and deletions inside ival.
// Re-arming resets previously recorded changes.
func (s *Store) ArmRecorder(ival ring.Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = true
	s.recInterval = ival
	s.recWritten = make(map[ring.Key]struct{})
	s.recDeleted = make(map[ring.Key]struct{})
}

// DisarmRecorder stops recording and clears the recorded sets.
func (s *Store) DisarmRecorder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
	s.recWritten = nil
	s.recDeleted = nil
}

// Changes returns the entries written and the keys deleted since the
// recorder was armed, restricted to the intersection of the recording
// interval and ival.
func (s *Store) Changes(ival ring.Interval) ([]Entry, []ring.Key) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.recording {
		return nil, nil
	}
	inBoth := func(k ring.Key) bool {
		if !ival.Contains(k) {
			return false
		}
		return s.recInterval.Contains(k)
	}
	var entries []Entry
	for k := range s.recWritten {
		if e, ok := s.entries[k]; ok && !e.Empty() && inBoth(k) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b Entry) int { return a.Key.Cmp(b.Key) })
	var deleted []ring.Key
	for k := range s.recDeleted {
		if inBoth(k) {
			deleted = append(deleted, k)
		}
	}
	slices.SortFunc(deleted, func(a, b ring.Key) int { return a.Cmp(b) })
	return entries, deleted
}

// noteWrite and noteDelete run under s.mu.
func (s *Store) noteWrite(key ring.Key) {
	if s.recording && s.recInterval.Contains(key) {
		delete(s.recDeleted, key)
		s.recWritten[key] = struct{}{}
	}
}

func (s *Store) noteDelete(key ring.Key) {
	if s.recording && s.recInterval.Contains(key) {
		delete(s.recWritten, key)
		s.recDeleted[key] = struct{}{}
	}
}

// ---------------------------------------------------------------------------
// Sync degree
// ---------------------------------------------------------------------------

// Divergence counts how far this store lags behind a reference store
// over one interval of the ring: entries the reference has that this
// store misses, and entries present on both sides where this store's
// version is older. Keys are compared by their quadrant-0
// representative so that replicas in different quadrants line up.
type Divergence struct {
	Total    int
	Missing  int
	Outdated int
}

// SyncDegree is (total - missing - outdated) / total, 1.0 for an empty
// reference.
func (d Divergence) SyncDegree() float64 {
	if d.Total == 0 {
		return 1
	}
	return float64(d.Total-d.Missing-d.Outdated) / float64(d.Total)
}

// CompareTo measures the divergence of s against ref. Both stores are
// walked by replica base so stores holding different quadrants of the
// same data can be compared.
func (s *Store) CompareTo(ref *Store) Divergence {
	refByBase := make(map[ring.Key]Entry)
	for _, e := range ref.EntriesIn(ring.FullInterval()) {
		refByBase[e.Key.ReplicaBase()] = e
	}
	ownByBase := make(map[ring.Key]Entry)
	for _, e := range s.EntriesIn(ring.FullInterval()) {
		ownByBase[e.Key.ReplicaBase()] = e
	}
	var d Divergence
	d.Total = len(refByBase)
	for base, refEntry := range refByBase {
		own, ok := ownByBase[base]
		switch {
		case !ok:
			d.Missing++
		case own.Version < refEntry.Version:
			d.Outdated++
		}
	}
	return d
}
