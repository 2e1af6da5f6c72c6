package observability

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MetricsRegistry holds all registered metrics.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	histos   map[string]*Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	help  string
	mu    sync.Mutex
	value float64
}

// Histogram tracks distribution of values.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	mu      sync.Mutex
	counts  []uint64
	sum     float64
	count   uint64
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		histos:   make(map[string]*Histogram),
	}
}

// NewCounter creates and registers a counter.
func (r *MetricsRegistry) NewCounter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// NewHistogram creates and registers a histogram. nil buckets selects
// DefaultBuckets.
func (r *MetricsRegistry) NewHistogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{name: name, help: help, buckets: buckets, counts: make([]uint64, len(buckets))}
	r.histos[name] = h
	return h
}

// DefaultBuckets returns default histogram buckets for latency in seconds.
func DefaultBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
}

// Inc increments a counter by 1.
func (c *Counter) Inc() { c.Add(1) }

// Add adds a value to the counter.
func (c *Counter) Add(v float64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the counter value.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
			break
		}
	}
	h.sum += v
	h.count++
}

// ObserveDuration records the seconds elapsed since start.
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler returns an HTTP handler for Prometheus metrics.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text format, sorted by name.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %s\n", name, c.help, name, name, formatFloat(c.Value()))
	}
	for _, name := range sortedKeys(r.histos) {
		r.histos[name].write(w)
	}
}

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%s\"} %d\n", h.name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %s\n%s_count %d\n", h.name, formatFloat(h.sum), h.name, h.count)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatFloat writes plain decimals, switching to exponent form for very
// small or very large magnitudes.
func formatFloat(v float64) string {
	if a := math.Abs(v); a != 0 && (a < 1e-4 || a >= 1e21) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Metrics contains the coderag-specific metrics.
type Metrics struct {
	Registry *MetricsRegistry

	FilesEmbedded     *Counter
	FilesFailed       *Counter
	BatchesUpserted   *Counter
	VectorsUpserted   *Counter
	VectorsPruned     *Counter
	IndexRuns         *Counter
	IndexRunDuration  *Histogram
	Retrievals        *Counter
	RetrievalErrors   *Counter
	RetrievalDuration *Histogram
}

// NewMetrics creates the coderag metrics on a fresh registry.
func NewMetrics() *Metrics {
	r := NewMetricsRegistry()
	return &Metrics{
		Registry: r,

		FilesEmbedded:    r.NewCounter("coderag_files_embedded_total", "Files embedded successfully"),
		FilesFailed:      r.NewCounter("coderag_files_failed_total", "Files skipped after an embedding failure"),
		BatchesUpserted:  r.NewCounter("coderag_batches_upserted_total", "Vector batches upserted"),
		VectorsUpserted:  r.NewCounter("coderag_vectors_upserted_total", "Vectors upserted"),
		VectorsPruned:    r.NewCounter("coderag_vectors_pruned_total", "Stale vectors deleted"),
		IndexRuns:        r.NewCounter("coderag_index_runs_total", "Indexing runs"),
		IndexRunDuration: r.NewHistogram("coderag_index_run_duration_seconds", "Indexing run duration", []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}),

		Retrievals:        r.NewCounter("coderag_retrievals_total", "Retrieval requests"),
		RetrievalErrors:   r.NewCounter("coderag_retrieval_errors_total", "Failed retrieval requests"),
		RetrievalDuration: r.NewHistogram("coderag_retrieval_duration_seconds", "Retrieval latency", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return m.Registry.Handler()
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics()
	})
	return globalMetrics
}
