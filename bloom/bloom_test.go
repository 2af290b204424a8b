package bloom

import (
	"fmt"
	"testing"

	"github.com/scalaris/scalaris/ring"
)

func TestParamsFormulas(t *testing.T) {
	tests := []struct {
		n     int
		fpr   float64
		wantM uint64
		wantK uint64
	}{
		// m = -n ln(p) / (ln 2)^2, k = round((m/n) ln 2)
		{1000, 0.01, 9586, 7},
		{1000, 0.1, 4793, 3},
		{100, 0.001, 1438, 10},
	}
	for _, tt := range tests {
		m, k := Params(tt.n, tt.fpr)
		if m != tt.wantM || k != tt.wantK {
			t.Errorf("Params(%d, %v) = (%d, %d), want (%d, %d)",
				tt.n, tt.fpr, m, k, tt.wantM, tt.wantK)
		}
	}
}

func TestAddImpliesContains(t *testing.T) {
	f := New(500, 0.01)
	for i := 0; i < 500; i++ {
		item := []byte(fmt.Sprintf("member-%d", i))
		f.Add(item)
		if !f.Contains(item) {
			t.Fatalf("item %d missing right after Add", i)
		}
	}
	// All members must still test positive after the full load.
	for i := 0; i < 500; i++ {
		if !f.Contains([]byte(fmt.Sprintf("member-%d", i))) {
			t.Errorf("item %d lost after load", i)
		}
	}
}

func TestEmptyFilterContainsNothing(t *testing.T) {
	f := New(1000, 0.1)
	for i := 0; i < 100; i++ {
		if f.Contains([]byte(fmt.Sprintf("probe-%d", i))) {
			t.Fatalf("empty filter reported probe %d as present", i)
		}
	}
}

func TestFalsePositiveRateNearTarget(t *testing.T) {
	const n = 2000
	const fpr = 0.05
	f := New(n, fpr)
	for i := 0; i < n; i++ {
		f.AddKey(ring.HashKey(fmt.Sprintf("in-%d", i)))
	}
	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.ContainsKey(ring.HashKey(fmt.Sprintf("out-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / probes
	if rate > fpr*3 {
		t.Errorf("observed false-positive rate %v, target %v", rate, fpr)
	}
}

func TestUnion(t *testing.T) {
	a := NewWithSeed(100, 0.01, 42)
	b := NewWithSeed(100, 0.01, 42)
	a.Add([]byte("only-a"))
	b.Add([]byte("only-b"))
	if err := a.Union(b); err != nil {
		t.Fatalf("Union: %v", err)
	}
	if !a.Contains([]byte("only-a")) || !a.Contains([]byte("only-b")) {
		t.Error("union lost members")
	}

	mismatched := New(5000, 0.001)
	if err := a.Union(mismatched); err != ErrParamMismatch {
		t.Errorf("Union with differing params = %v, want ErrParamMismatch", err)
	}
}

func TestBitsRoundTrip(t *testing.T) {
	f := NewWithSeed(300, 0.02, 9)
	for i := 0; i < 300; i++ {
		f.AddKey(ring.HashKey(fmt.Sprintf("rt-%d", i)))
	}
	restored, err := FromBits(f.Bits(), f.M(), f.K(), f.Seed())
	if err != nil {
		t.Fatalf("FromBits: %v", err)
	}
	for i := 0; i < 300; i++ {
		if !restored.ContainsKey(ring.HashKey(fmt.Sprintf("rt-%d", i))) {
			t.Fatalf("member %d lost in wire round-trip", i)
		}
	}
	if _, err := FromBits(f.Bits()[:4], f.M(), f.K(), f.Seed()); err == nil {
		t.Error("truncated bits accepted")
	}
}
