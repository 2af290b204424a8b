// Package art implements approximate reconciliation trees: a merkle
// tree whose per-level node hashes are packed into Bloom filters. An
// ART summary is smaller than the tree it stands for, at the price of
// approximate comparison: a false positive hides a divergent subtree
// until a later round.
package art

import (
	"errors"

	"github.com/scalaris/scalaris/bloom"
	"github.com/scalaris/scalaris/merkle"
	"github.com/scalaris/scalaris/ring"
)

var (
	// ErrNotFinalised is returned when building from an unfrozen tree.
	ErrNotFinalised = errors.New("art: merkle tree not finalised")
	// ErrEmpty is returned when comparing against an ART with no levels.
	ErrEmpty = errors.New("art: summary has no levels")
)

// Config controls the per-level Bloom filters of an ART.
type Config struct {
	// InnerFPR and LeafFPR are the false-positive rates of the filters
	// over inner levels and the deepest level respectively.
	InnerFPR float64
	LeafFPR  float64
	// CorrectionFactor enlarges each filter beyond its nominal size to
	// compensate for error compounding across levels.
	CorrectionFactor float64
}

// DefaultConfig mirrors the stock reconciliation settings.
func DefaultConfig() Config {
	return Config{InnerFPR: 0.01, LeafFPR: 0.1, CorrectionFactor: 2}
}

func (c *Config) applyDefaults() {
	if c.InnerFPR <= 0 || c.InnerFPR >= 1 {
		c.InnerFPR = 0.01
	}
	if c.LeafFPR <= 0 || c.LeafFPR >= 1 {
		c.LeafFPR = 0.1
	}
	if c.CorrectionFactor < 1 {
		c.CorrectionFactor = 1
	}
}

// Tree is the ART summary of one finalised merkle tree: one Bloom
// filter per level, root first.
type Tree struct {
	levels []*bloom.Filter
}

// Build packs the node hashes of each level of the finalised tree into
// Bloom filters. Filter seeds are derived from the level index so both
// peers of a session build compatible filters independently.
func Build(t *merkle.Tree, cfg Config) (*Tree, error) {
	if !t.Finalised() {
		return nil, ErrNotFinalised
	}
	cfg.applyDefaults()
	depth := t.Depth()
	a := &Tree{levels: make([]*bloom.Filter, 0, depth)}
	for level := 0; level < depth; level++ {
		hashes, err := t.LevelHashes(level)
		if err != nil {
			return nil, err
		}
		fpr := cfg.InnerFPR
		if level == depth-1 {
			fpr = cfg.LeafFPR
		}
		expected := int(float64(len(hashes))*cfg.CorrectionFactor + 1)
		f := bloom.NewWithSeed(expected, fpr, uint64(level))
		for _, h := range hashes {
			f.Add(h)
		}
		a.levels = append(a.levels, f)
	}
	return a, nil
}

// Depth returns the number of levels.
func (a *Tree) Depth() int { return len(a.levels) }

// Level returns the filter at the given level.
func (a *Tree) Level(level int) *bloom.Filter {
	if level < 0 || level >= len(a.levels) {
		return nil
	}
	return a.levels[level]
}

// FromLevels reconstructs an ART from wire-decoded filters, root
// first.
func FromLevels(levels []*bloom.Filter) *Tree {
	return &Tree{levels: levels}
}

// Compare descends the local finalised tree against the remote ART.
// A local node whose hash is absent from the remote filter at its
// level heads a divergent subtree; descent continues below it and the
// leaf intervals of the divergent fringe are returned. Nodes past the
// remote depth cannot be checked and count as divergent. The result
// is approximate: remote false positives can hide real differences,
// but reported intervals always come from the local tree itself.
func Compare(local *merkle.Tree, remote *Tree) ([]ring.Interval, error) {
	if !local.Finalised() {
		return nil, ErrNotFinalised
	}
	if remote.Depth() == 0 {
		return nil, ErrEmpty
	}
	var diffs []ring.Interval
	err := local.Visit(func(level int, interval ring.Interval, hash []byte, leaf bool) bool {
		filter := remote.Level(level)
		if filter != nil && filter.Contains(hash) {
			// The remote claims to hold this exact subtree; assume it
			// is in sync and prune.
			return false
		}
		if leaf {
			diffs = append(diffs, interval)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return diffs, nil
}
