package art

import (
	"fmt"
	"testing"

	"github.com/scalaris/scalaris/merkle"
	"github.com/scalaris/scalaris/ring"
)

func buildTree(t *testing.T, versions map[int]int64, n int) *merkle.Tree {
	t.Helper()
	tr := merkle.New(ring.FullInterval(), merkle.Config{BucketSize: 4})
	for i := 0; i < n; i++ {
		v := int64(1)
		if over, ok := versions[i]; ok {
			v = over
		}
		if v < 0 {
			continue // simulate a missing key
		}
		if err := tr.Insert(ring.HashKey(fmt.Sprintf("art-%d", i)), v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	tr.Finalise()
	return tr
}

func TestBuildRequiresFinalised(t *testing.T) {
	tr := merkle.New(ring.FullInterval(), merkle.DefaultConfig())
	if _, err := Build(tr, DefaultConfig()); err != ErrNotFinalised {
		t.Errorf("Build on unfrozen tree = %v, want ErrNotFinalised", err)
	}
}

func TestIdenticalTreesNoDiff(t *testing.T) {
	a := buildTree(t, nil, 200)
	b := buildTree(t, nil, 200)
	summary, err := Build(b, DefaultConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	diffs, err := Compare(a, summary)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(diffs) != 0 {
		t.Errorf("identical trees reported %d divergent intervals", len(diffs))
	}
}

func TestDivergenceDetected(t *testing.T) {
	a := buildTree(t, nil, 200)
	// The remote misses some keys and holds stale versions of others.
	b := buildTree(t, map[int]int64{3: -1, 77: -1, 10: 0, 150: 0}, 200)
	summary, err := Build(b, DefaultConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	diffs, err := Compare(a, summary)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(diffs) == 0 {
		t.Fatal("divergent trees reported no differences")
	}
	// Reported intervals come from the local tree, so each must be one
	// of its leaf intervals.
	leaves := a.LeafIntervals()
	for _, d := range diffs {
		found := false
		for _, l := range leaves {
			if d.Equal(l) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("reported interval %v is not a local leaf", d)
		}
	}
}

func TestCompareEmptySummary(t *testing.T) {
	a := buildTree(t, nil, 10)
	if _, err := Compare(a, FromLevels(nil)); err != ErrEmpty {
		t.Errorf("Compare against empty summary = %v, want ErrEmpty", err)
	}
}

func TestDepthMatchesTree(t *testing.T) {
	tr := buildTree(t, nil, 100)
	summary, err := Build(tr, DefaultConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if summary.Depth() != tr.Depth() {
		t.Errorf("summary depth %d, tree depth %d", summary.Depth(), tr.Depth())
	}
}
