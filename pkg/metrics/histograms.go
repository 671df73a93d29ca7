package metrics

import (
	"sync"
	"time"
)

// HistogramBucket stores counts for a specific latency bound.
type HistogramBucket struct {
	Le    float64 // upper bound in seconds
	Count int64
}

// defaultBuckets covers both the API paths (sub-second) and oracle round
// trips, which can run tens of seconds on a cold model.
var defaultBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// Histogram tracks latency distributions with P50/P95/P99 percentiles.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

// NewHistogram creates a histogram with default latency buckets.
func NewHistogram(name string) *Histogram {
	buckets := make([]HistogramBucket, len(defaultBuckets))
	for i, le := range defaultBuckets {
		buckets[i] = HistogramBucket{Le: le}
	}
	return &Histogram{name: name, buckets: buckets}
}

// Observe records a latency observation. Buckets are cumulative, so an
// observation increments every bucket whose bound covers it.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
	h.mu.Unlock()
}

// bucketQuantile estimates the q-th quantile as the bound of the first
// bucket covering the target rank.
func bucketQuantile(buckets []HistogramBucket, count int64, q float64) float64 {
	if count == 0 {
		return 0
	}
	target := int64(q * float64(count))
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].Le
	}
	return 0
}

// Percentile returns the estimated percentile (0.0-1.0) from histogram buckets.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bucketQuantile(h.buckets, h.count, p)
}

// HistogramSnapshot is a point-in-time copy used for Prometheus exposition.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

// Snapshot returns a thread-safe snapshot of current histogram state.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.buckets))
	copy(buckets, h.buckets)
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     bucketQuantile(buckets, h.count, 0.50),
		P95:     bucketQuantile(buckets, h.count, 0.95),
		P99:     bucketQuantile(buckets, h.count, 0.99),
	}
}

// HistogramRegistry manages per-endpoint latency histograms.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns or creates a histogram by name.
func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

// ObserveDuration records a duration to the named histogram.
func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns all histogram snapshots for exposition.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	return out
}
