package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/scalaris/scalaris/node"
)

// parseFlags builds the node configuration from CLI arguments. The
// second return value requests an immediate exit with the given code.
func parseFlags(args []string) (node.Config, bool, int) {
	cfg := node.DefaultConfig()

	fs := flag.NewFlagSet("scalaris", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		knownHosts  string
		showVersion bool
	)
	fs.StringVar(&cfg.ID, "id", "", "node identifier")
	fs.StringVar(&knownHosts, "known-hosts", "", "comma-separated peer ids")
	fs.StringVar(&cfg.ReconMethod, "recon-method", cfg.ReconMethod,
		"reconciliation method: bloom, merkle_tree, art")
	fs.Float64Var(&cfg.BloomFPR, "bloom-fpr", cfg.BloomFPR,
		"bloom summary false-positive rate")
	fs.DurationVar(&cfg.TriggerInterval, "trigger-interval", cfg.TriggerInterval,
		"period between repair triggers")
	fs.IntVar(&cfg.TriggerProbability, "trigger-probability", cfg.TriggerProbability,
		"probability (0-100) a trigger starts a session")
	fs.BoolVar(&cfg.RepairEnabled, "repair", cfg.RepairEnabled,
		"enable the replica repair engine")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics,
		"enable the metrics HTTP endpoint")
	fs.IntVar(&cfg.MetricsPort, "metrics.port", cfg.MetricsPort,
		"metrics HTTP port")
	fs.StringVar(&cfg.LogLevel, "verbosity", cfg.LogLevel,
		"log level: debug, info, warn, error")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, true, 2
	}
	if showVersion {
		fmt.Printf("scalaris %s (%s)\n", version, commit)
		return cfg, true, 0
	}
	if cfg.ID == "" {
		fmt.Fprintln(os.Stderr, "missing required --id")
		return cfg, true, 2
	}
	if knownHosts != "" {
		for _, h := range strings.Split(knownHosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.KnownHosts = append(cfg.KnownHosts, h)
			}
		}
	}
	return cfg, false, 0
}
