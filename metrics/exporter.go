package metrics

import (
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strings"
)

// Exporter serves registry metrics in Prometheus text exposition
// format, the monitoring surface of a Scalaris node.

// ExporterConfig configures the exporter.
type ExporterConfig struct {
	// Namespace is an optional prefix prepended to all metric names
	// (e.g. "scalaris" produces "scalaris_rrepair_sessions_done").
	Namespace string
	// EnableRuntime includes Go runtime metrics in the output.
	EnableRuntime bool
	// Path is the HTTP path to serve metrics on (default "/metrics").
	Path string
}

// DefaultExporterConfig returns a config with sensible defaults.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		Namespace:     "scalaris",
		EnableRuntime: true,
		Path:          "/metrics",
	}
}

// Exporter formats and serves metrics over HTTP.
type Exporter struct {
	config   ExporterConfig
	registry *Registry
}

// NewExporter creates an exporter that reads from the given registry.
func NewExporter(registry *Registry, config ExporterConfig) *Exporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &Exporter{config: config, registry: registry}
}

// Handler returns an http.Handler serving the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(e.config.Path, e.handleMetrics)
	return mux
}

func (e *Exporter) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var b strings.Builder
	e.writeRegistryMetrics(&b)
	if e.config.EnableRuntime {
		e.writeRuntimeMetrics(&b)
	}
	w.Write([]byte(b.String()))
}

func (e *Exporter) writeRegistryMetrics(b *strings.Builder) {
	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	for _, name := range sortedKeys(e.registry.counters) {
		c := e.registry.counters[name]
		promName := e.promName(name)
		writeMeta(b, promName, "counter", name)
		fmt.Fprintf(b, "%s %d\n", promName, c.Value())
	}
	for _, name := range sortedKeys(e.registry.gauges) {
		g := e.registry.gauges[name]
		promName := e.promName(name)
		writeMeta(b, promName, "gauge", name)
		fmt.Fprintf(b, "%s %d\n", promName, g.Value())
	}
	for _, name := range sortedKeys(e.registry.histograms) {
		h := e.registry.histograms[name]
		promName := e.promName(name)
		writeMeta(b, promName, "summary", name)
		fmt.Fprintf(b, "%s_count %d\n", promName, h.Count())
		fmt.Fprintf(b, "%s_sum %s\n", promName, formatFloat(h.Sum()))
		if h.Count() > 0 {
			fmt.Fprintf(b, "%s_min %s\n", promName, formatFloat(h.Min()))
			fmt.Fprintf(b, "%s_max %s\n", promName, formatFloat(h.Max()))
			fmt.Fprintf(b, "%s_mean %s\n", promName, formatFloat(h.Mean()))
		}
	}
}

func (e *Exporter) writeRuntimeMetrics(b *strings.Builder) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	prefix := e.config.Namespace
	if prefix != "" {
		prefix += "_"
	}

	goroutineName := prefix + "go_goroutines"
	writeMeta(b, goroutineName, "gauge", "Number of active goroutines")
	fmt.Fprintf(b, "%s %d\n", goroutineName, runtime.NumGoroutine())

	writeMemMetric(b, prefix+"go_memstats_alloc_bytes", "gauge",
		"Bytes of allocated heap objects", m.Alloc)
	writeMemMetric(b, prefix+"go_memstats_sys_bytes", "gauge",
		"Bytes of memory obtained from the OS", m.Sys)
	writeMemMetric(b, prefix+"go_memstats_heap_objects", "gauge",
		"Number of allocated heap objects", m.HeapObjects)

	gcName := prefix + "go_gc_cycles_total"
	writeMeta(b, gcName, "counter", "Total number of GC cycles")
	fmt.Fprintf(b, "%s %d\n", gcName, m.NumGC)
}

// promName converts a dot-separated metric name to Prometheus format.
func (e *Exporter) promName(name string) string {
	sanitized := strings.ReplaceAll(name, ".", "_")
	sanitized = strings.ReplaceAll(sanitized, "-", "_")
	if e.config.Namespace != "" {
		return e.config.Namespace + "_" + sanitized
	}
	return sanitized
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%g", v)
}

func writeMeta(b *strings.Builder, name, metricType, description string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, description)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, metricType)
}

func writeMemMetric(b *strings.Builder, name, metricType, help string, value uint64) {
	writeMeta(b, name, metricType, help)
	fmt.Fprintf(b, "%s %d\n", name, value)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
