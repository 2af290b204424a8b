package kvstore

import (
	"fmt"
	"testing"

	"github.com/scalaris/scalaris/ring"
)

func TestWriteAdvancesVersion(t *testing.T) {
	s := New()
	k := ring.HashKey("a")
	v1, err := s.Write(k, []byte("one"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v1 != 1 {
		t.Errorf("first version = %d, want 1", v1)
	}
	v2, err := s.Write(k, []byte("two"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v2 != 2 {
		t.Errorf("second version = %d, want 2", v2)
	}
	e, ok := s.Get(k)
	if !ok || string(e.Value) != "two" || e.Version != 2 {
		t.Errorf("Get = %+v, %v", e, ok)
	}
}

func TestPutIdempotentPerKeyVersion(t *testing.T) {
	s := New()
	k := ring.HashKey("b")
	e := Entry{Key: k, Value: []byte("v"), Version: 4}
	if err := s.Put(e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Applying the same resolve twice is a no-op.
	if err := s.Put(e); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, _ := s.Get(k)
	if got.Version != 4 || string(got.Value) != "v" {
		t.Errorf("entry after duplicate Put = %+v", got)
	}
	// Older versions never win.
	if err := s.Put(Entry{Key: k, Value: []byte("old"), Version: 3}); err != nil {
		t.Fatalf("stale Put: %v", err)
	}
	got, _ = s.Get(k)
	if string(got.Value) != "v" {
		t.Errorf("stale Put overwrote entry: %+v", got)
	}
	// Newer versions do.
	if err := s.Put(Entry{Key: k, Value: []byte("new"), Version: 9}); err != nil {
		t.Fatalf("newer Put: %v", err)
	}
	got, _ = s.Get(k)
	if string(got.Value) != "new" || got.Version != 9 {
		t.Errorf("newer Put did not apply: %+v", got)
	}
}

func TestPutEqualVersionConflict(t *testing.T) {
	s := New()
	k := ring.HashKey("c")
	if err := s.Put(Entry{Key: k, Value: []byte("x"), Version: 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := s.Put(Entry{Key: k, Value: []byte("y"), Version: 2})
	if err != ErrConflict {
		t.Errorf("conflicting Put error = %v, want ErrConflict", err)
	}
	got, _ := s.Get(k)
	if string(got.Value) != "x" {
		t.Errorf("conflict overwrote entry: %+v", got)
	}
}

func TestLockInvariants(t *testing.T) {
	s := New()
	k := ring.HashKey("d")
	if err := s.AcquireWriteLock(k); err != nil {
		t.Fatalf("AcquireWriteLock: %v", err)
	}
	if err := s.AcquireReadLock(k); err != ErrLocked {
		t.Errorf("read lock under write lock = %v, want ErrLocked", err)
	}
	if err := s.AcquireWriteLock(k); err != ErrLocked {
		t.Errorf("double write lock = %v, want ErrLocked", err)
	}
	if err := s.Put(Entry{Key: k, Value: []byte("v"), Version: 1}); err != ErrLocked {
		t.Errorf("Put under write lock = %v, want ErrLocked", err)
	}
	if err := s.ReleaseWriteLock(k); err != nil {
		t.Fatalf("ReleaseWriteLock: %v", err)
	}
	// The lock-only entry was empty and must be gone.
	if _, ok := s.Get(k); ok {
		t.Error("empty entry survived lock release")
	}

	// Read locks stack.
	if _, err := s.Write(k, []byte("v")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.AcquireReadLock(k)
	s.AcquireReadLock(k)
	if err := s.AcquireWriteLock(k); err != ErrLocked {
		t.Errorf("write lock under read locks = %v, want ErrLocked", err)
	}
	if err := s.Delete(k); err != ErrLocked {
		t.Errorf("Delete under read locks = %v, want ErrLocked", err)
	}
	s.ReleaseReadLock(k)
	s.ReleaseReadLock(k)
	if err := s.Delete(k); err != nil {
		t.Errorf("Delete after release: %v", err)
	}
}

func TestEntriesInInterval(t *testing.T) {
	s := New()
	for i := 0; i < 16; i++ {
		if _, err := s.Write(ring.KeyFromUint64(uint64(i*100)), []byte{byte(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	ival := ring.ClosedOpen(ring.KeyFromUint64(300), ring.KeyFromUint64(700))
	got := s.EntriesIn(ival)
	if len(got) != 4 {
		t.Fatalf("EntriesIn = %d entries, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Key.Cmp(got[i].Key) >= 0 {
			t.Error("EntriesIn not sorted by ring position")
		}
	}
	if s.CountIn(ival) != 4 {
		t.Errorf("CountIn = %d, want 4", s.CountIn(ival))
	}
}

func TestChangeRecorder(t *testing.T) {
	s := New()
	in := ring.KeyFromUint64(10)
	out := ring.KeyFromBytes(append([]byte{0x80}, make([]byte, 15)...))
	ival := ring.ClosedOpen(ring.KeyFromUint64(0), ring.KeyFromBytes(append([]byte{0x40}, make([]byte, 15)...)))

	s.Write(in, []byte("before")) // before arming: not recorded
	s.ArmRecorder(ival)

	s.Write(in, []byte("after"))
	s.Write(out, []byte("elsewhere"))
	deletedKey := ring.KeyFromUint64(20)
	s.Write(deletedKey, []byte("doomed"))
	s.Delete(deletedKey)

	entries, deleted := s.Changes(ring.FullInterval())
	if len(entries) != 1 || entries[0].Key != in {
		t.Errorf("Changes entries = %+v, want just %v", entries, in)
	}
	if len(deleted) != 1 || deleted[0] != deletedKey {
		t.Errorf("Changes deleted = %v, want [%v]", deleted, deletedKey)
	}

	s.DisarmRecorder()
	if entries, deleted := s.Changes(ring.FullInterval()); entries != nil || deleted != nil {
		t.Error("Changes after disarm should be empty")
	}
}

func TestCompareToAndSyncDegree(t *testing.T) {
	ref := New()
	own := New()
	for i := 0; i < 10; i++ {
		k := ring.HashKey(fmt.Sprintf("key-%d", i)).ReplicaBase()
		ref.Put(Entry{Key: k, Value: []byte("v2"), Version: 2})
		switch {
		case i < 2: // missing on own
		case i < 5: // outdated on own, held in another quadrant
			own.Put(Entry{Key: k.Replica(1), Value: []byte("v1"), Version: 1})
		default: // current
			own.Put(Entry{Key: k.Replica(2), Value: []byte("v2"), Version: 2})
		}
	}
	d := own.CompareTo(ref)
	if d.Total != 10 || d.Missing != 2 || d.Outdated != 3 {
		t.Fatalf("Divergence = %+v, want total 10 missing 2 outdated 3", d)
	}
	want := float64(10-2-3) / 10
	if got := d.SyncDegree(); got != want {
		t.Errorf("SyncDegree = %v, want %v", got, want)
	}
	if (Divergence{}).SyncDegree() != 1 {
		t.Error("empty reference should report sync degree 1")
	}
}
