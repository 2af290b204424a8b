// Package node wires one Scalaris node together: the replica store,
// the peer sampler, the replica repair engine, and the event bus that
// feeds neighbourhood changes between them.
package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/scalaris/scalaris/cyclon"
	"github.com/scalaris/scalaris/rrepair"
)

// Config holds all configuration for a Scalaris node.
type Config struct {
	// ID is the node identifier; it also determines the node's ring
	// position via hashing.
	ID string

	// KnownHosts seeds the peer sampler cache.
	KnownHosts []string

	// RepairEnabled is the master switch of the repair engine.
	RepairEnabled bool

	// TriggerInterval is the period between repair trigger events.
	TriggerInterval time.Duration

	// TriggerProbability (0-100) is the chance a trigger actually
	// starts a session.
	TriggerProbability int

	// ReconMethod selects the summary type: bloom, merkle_tree, art.
	ReconMethod string

	// BloomFPR is the Bloom summary false-positive rate.
	BloomFPR float64

	// MaxItems bounds the items summarised per repair round.
	MaxItems int

	// ART filter tuning.
	ARTInnerFPR         float64
	ARTLeafFPR          float64
	ARTCorrectionFactor float64

	// Merkle tree shape.
	MerkleBranchFactor int
	MerkleBucketSize   int

	// SessionTTL bounds repair session lifetime.
	SessionTTL time.Duration

	// GCInterval is the sweep period for expired sessions.
	GCInterval time.Duration

	// RepairRounds is the number of repair rounds a multi-round
	// configuration drives; 0 means plain periodic operation.
	RepairRounds int

	// Sampler tunes the peer sampler cache.
	Sampler cyclon.Config

	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel string

	// Metrics enables the metrics HTTP endpoint.
	Metrics bool

	// MetricsPort is the HTTP port for the metrics endpoint.
	MetricsPort int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	rc := rrepair.DefaultConfig()
	return Config{
		RepairEnabled:       true,
		TriggerInterval:     rc.TriggerInterval,
		TriggerProbability:  rc.TriggerProbability,
		ReconMethod:         rc.ReconMethod.String(),
		BloomFPR:            rc.BloomFPR,
		MaxItems:            rc.MaxItems,
		ARTInnerFPR:         rc.ARTInnerFPR,
		ARTLeafFPR:          rc.ARTLeafFPR,
		ARTCorrectionFactor: rc.ARTCorrectionFactor,
		MerkleBranchFactor:  rc.MerkleBranchFactor,
		MerkleBucketSize:    rc.MerkleBucketSize,
		SessionTTL:          rc.SessionTTL,
		GCInterval:          rc.GCInterval,
		Sampler:             cyclon.DefaultConfig(),
		LogLevel:            "info",
		Metrics:             false,
		MetricsPort:         8660,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("config: node id must not be empty")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("config: invalid metrics port: %d", c.MetricsPort)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if _, err := c.repairConfig(); err != nil {
		return err
	}
	return nil
}

// repairConfig maps the node configuration onto the repair engine
// configuration snapshot.
func (c *Config) repairConfig() (rrepair.Config, error) {
	method, err := rrepair.ParseMethod(c.ReconMethod)
	if err != nil {
		return rrepair.Config{}, fmt.Errorf("config: %w", err)
	}
	rc := rrepair.DefaultConfig()
	rc.Enabled = c.RepairEnabled
	rc.TriggerInterval = c.TriggerInterval
	rc.TriggerProbability = c.TriggerProbability
	rc.ReconMethod = method
	rc.BloomFPR = c.BloomFPR
	rc.MaxItems = c.MaxItems
	rc.ARTInnerFPR = c.ARTInnerFPR
	rc.ARTLeafFPR = c.ARTLeafFPR
	rc.ARTCorrectionFactor = c.ARTCorrectionFactor
	rc.MerkleBranchFactor = c.MerkleBranchFactor
	rc.MerkleBucketSize = c.MerkleBucketSize
	rc.SessionTTL = c.SessionTTL
	rc.GCInterval = c.GCInterval
	rc.Rounds = c.RepairRounds
	if err := rc.Validate(); err != nil {
		return rrepair.Config{}, fmt.Errorf("config: %w", err)
	}
	return rc, nil
}
