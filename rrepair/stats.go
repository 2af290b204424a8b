package rrepair

import "github.com/scalaris/scalaris/metrics"

// Stats is the per-session statistics snapshot carried in
// session_done. The engine counters are incremented separately, as each
// event happens; the snapshot a peer sends is not added to them.
type Stats struct {
	// Updated counts outdated local entries healed by peer data.
	Updated int
	// Regenerated counts missing local entries recreated from peer
	// data.
	Regenerated int
	// Conflicts counts equal-version value disagreements observed.
	Conflicts int
	// ResolveSent counts resolve requests this side issued.
	ResolveSent int
}

func (s Stats) wire() WireStats {
	return WireStats{
		Updated:     uint64(s.Updated),
		Regenerated: uint64(s.Regenerated),
		Conflicts:   uint64(s.Conflicts),
		ResolveSent: uint64(s.ResolveSent),
	}
}

// Metrics is the monitoring surface of the repair engine.
type Metrics struct {
	Triggers        *metrics.Counter
	SessionsStarted *metrics.Counter
	SessionsDone    *metrics.Counter
	SessionsAborted *metrics.Counter
	SessionsFailed  *metrics.Counter
	Updated         *metrics.Counter
	Regenerated     *metrics.Counter
	Conflicts       *metrics.Counter
	ResolvesSent    *metrics.Counter
	ResolvesDropped *metrics.Counter
	OpenSessions    *metrics.Gauge
}

// NewMetrics returns the rrepair metric set, registered get-or-create
// style in the given registry. A nil registry gets a private one, so
// engines without a monitoring surface stay isolated.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Metrics{
		Triggers:        reg.Counter("rrepair.triggers"),
		SessionsStarted: reg.Counter("rrepair.sessions.started"),
		SessionsDone:    reg.Counter("rrepair.sessions.done"),
		SessionsAborted: reg.Counter("rrepair.sessions.aborted"),
		SessionsFailed:  reg.Counter("rrepair.sessions.failed"),
		Updated:         reg.Counter("rrepair.entries.updated"),
		Regenerated:     reg.Counter("rrepair.entries.regenerated"),
		Conflicts:       reg.Counter("rrepair.conflicts"),
		ResolvesSent:    reg.Counter("rrepair.resolves.sent"),
		ResolvesDropped: reg.Counter("rrepair.resolves.dropped"),
		OpenSessions:    reg.Gauge("rrepair.sessions.open"),
	}
}
