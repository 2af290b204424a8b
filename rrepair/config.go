// Package rrepair implements the anti-entropy replica repair engine of
// the overlay: periodic reconciliation sessions between replicas of
// the same key range, using Bloom filter, merkle tree or approximate
// reconciliation tree summaries, with divergences healed through
// versioned key updates and regenerations.
package rrepair

import (
	"fmt"
	"time"
)

// Method selects the reconciliation summary exchanged by a session.
type Method uint8

const (
	// MethodBloom exchanges Bloom filters over (key, version) pairs.
	MethodBloom Method = iota + 1
	// MethodMerkle exchanges merkle tree levels top-down.
	MethodMerkle
	// MethodART exchanges per-level Bloom filters of the merkle tree.
	MethodART
)

// String returns the configuration name of the method.
func (m Method) String() string {
	switch m {
	case MethodBloom:
		return "bloom"
	case MethodMerkle:
		return "merkle_tree"
	case MethodART:
		return "art"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// ParseMethod parses a configuration method name.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "bloom":
		return MethodBloom, nil
	case "merkle_tree":
		return MethodMerkle, nil
	case "art":
		return MethodART, nil
	default:
		return 0, fmt.Errorf("rrepair: unknown reconciliation method %q", s)
	}
}

// RepairType tags what kinds of divergences a round aims to heal.
type RepairType uint8

const (
	// RepairUpdate heals outdated entries only.
	RepairUpdate RepairType = iota
	// RepairRegen heals missing entries only.
	RepairRegen
	// RepairMixed heals both.
	RepairMixed
)

// Config is the engine configuration. Every session captures a copy at
// creation and never re-reads live configuration mid-round.
type Config struct {
	// Enabled is the master switch; a disabled engine ignores triggers.
	Enabled bool

	// TriggerInterval is the period between trigger events.
	TriggerInterval time.Duration

	// TriggerProbability (0-100) is the chance a trigger actually
	// starts a session.
	TriggerProbability int

	// ReconMethod selects the summary type for initiated sessions.
	ReconMethod Method

	// RepairType tags the divergence kinds a round targets.
	RepairType RepairType

	// BloomFPR is the target false-positive rate of Bloom summaries.
	BloomFPR float64

	// MaxItems bounds the items summarised per round; larger key
	// ranges are reconciled in successive interval parts.
	MaxItems int

	// ART filter tuning.
	ARTInnerFPR         float64
	ARTLeafFPR          float64
	ARTCorrectionFactor float64

	// Merkle tree shape.
	MerkleBranchFactor int
	MerkleBucketSize   int

	// SessionTTL bounds session lifetime; expired sessions are swept.
	SessionTTL time.Duration

	// GCInterval is the sweep period for expired sessions.
	GCInterval time.Duration

	// MaxSessions caps concurrently open sessions per node.
	MaxSessions int

	// RetryCount bounds send retries before a session aborts; retries
	// back off exponentially from RetryBackoff.
	RetryCount   int
	RetryBackoff time.Duration

	// Rounds is the number of trigger rounds a multi-round repair
	// schedules; 0 means unbounded periodic operation.
	Rounds int
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		TriggerInterval:     10 * time.Minute,
		TriggerProbability:  33,
		ReconMethod:         MethodBloom,
		RepairType:          RepairMixed,
		BloomFPR:            0.01,
		MaxItems:            100000,
		ARTInnerFPR:         0.01,
		ARTLeafFPR:          0.1,
		ARTCorrectionFactor: 2,
		MerkleBranchFactor:  2,
		MerkleBucketSize:    64,
		SessionTTL:          100 * time.Second,
		GCInterval:          60 * time.Second,
		MaxSessions:         4,
		RetryCount:          3,
		RetryBackoff:        500 * time.Millisecond,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.TriggerProbability < 0 || c.TriggerProbability > 100 {
		return fmt.Errorf("rrepair: trigger probability %d outside 0-100", c.TriggerProbability)
	}
	if c.BloomFPR <= 0 || c.BloomFPR >= 1 {
		return fmt.Errorf("rrepair: bloom fpr %v outside (0,1)", c.BloomFPR)
	}
	if c.MaxItems <= 0 {
		return fmt.Errorf("rrepair: max items %d must be positive", c.MaxItems)
	}
	if c.MerkleBranchFactor < 2 {
		return fmt.Errorf("rrepair: merkle branch factor %d must be at least 2", c.MerkleBranchFactor)
	}
	if c.MerkleBucketSize <= 0 {
		return fmt.Errorf("rrepair: merkle bucket size %d must be positive", c.MerkleBucketSize)
	}
	if c.SessionTTL <= 0 || c.GCInterval <= 0 {
		return fmt.Errorf("rrepair: session ttl and gc interval must be positive")
	}
	switch c.ReconMethod {
	case MethodBloom, MethodMerkle, MethodART:
	default:
		return fmt.Errorf("rrepair: unknown reconciliation method %d", c.ReconMethod)
	}
	return nil
}

// merkleDepth derives the fixed wire-tree depth both peers of a merkle
// session compute independently from shared configuration.
func (c *Config) merkleDepth() int {
	slots := c.MaxItems / c.MerkleBucketSize
	depth := 1
	span := 1
	for span < slots && depth < 16 {
		span *= c.MerkleBranchFactor
		depth++
	}
	return depth
}
