package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	outcome       map[string]int64
	verdict       map[string]int64
	reason        map[string]int64
	gauges        map[string]float64
	contractState map[string]int64
	oracleLatency OracleLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type OracleLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Outcomes        map[string]int64        `json:"outcomes"`
	Verdicts        map[string]int64        `json:"verdicts"`
	Reasons         map[string]int64        `json:"reasons"`
	Gauges          map[string]float64      `json:"gauges"`
	ContractTotals  map[string]int64        `json:"contract_totals"`
	OracleLatencyMS OracleLatencyStat       `json:"oracle_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		outcome:       map[string]int64{},
		verdict:       map[string]int64{},
		reason:        map[string]int64{},
		gauges:        map[string]float64{},
		contractState: map[string]int64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncOutcome counts one transaction decision: approved, blocked or error.
func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

// IncVerdict counts one oracle judgement by status.
func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncContractState counts one contract lifecycle transition by target state.
func (r *Registry) IncContractState(state string) {
	state = strings.TrimSpace(strings.ToLower(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.contractState[state]++
	r.mu.Unlock()
}

func (r *Registry) ObserveOracleLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oracleLatency.Count++
	r.oracleLatency.TotalMS += ms
	r.oracleLatency.LastMS = ms
	if ms > r.oracleLatency.MaxMS {
		r.oracleLatency.MaxMS = ms
	}
	r.oracleLatency.AvgMS = float64(r.oracleLatency.TotalMS) / float64(r.oracleLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:       make(map[string]int64, len(r.outcome)),
		Verdicts:       make(map[string]int64, len(r.verdict)),
		Reasons:        make(map[string]int64, len(r.reason)),
		Gauges:         make(map[string]float64, len(r.gauges)),
		ContractTotals: make(map[string]int64, len(r.contractState)),
		OracleLatencyMS: OracleLatencyStat{
			Count:   r.oracleLatency.Count,
			TotalMS: r.oracleLatency.TotalMS,
			MaxMS:   r.oracleLatency.MaxMS,
			LastMS:  r.oracleLatency.LastMS,
			AvgMS:   r.oracleLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.contractState {
		out.ContractTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP mcpgw_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE mcpgw_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "mcpgw_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP mcpgw_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE mcpgw_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "mcpgw_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP mcpgw_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE mcpgw_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "mcpgw_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP mcpgw_outcome_total transaction validations by outcome\n")
		b.WriteString("# TYPE mcpgw_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "mcpgw_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP mcpgw_verdict_total oracle judgements by status\n")
		b.WriteString("# TYPE mcpgw_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "mcpgw_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP mcpgw_reason_total decisions by reason\n")
		b.WriteString("# TYPE mcpgw_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "mcpgw_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP mcpgw_contract_total contract lifecycle transitions by state\n")
		b.WriteString("# TYPE mcpgw_contract_total counter\n")
		for _, state := range SortedKeys(snap.ContractTotals) {
			fmt.Fprintf(b, "mcpgw_contract_total{state=%q} %d\n", state, snap.ContractTotals[state])
		}
		b.WriteString("# HELP mcpgw_gauge operational gauge metrics\n")
		b.WriteString("# TYPE mcpgw_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "mcpgw_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP mcpgw_oracle_latency_ms oracle round trip latency in ms\n")
		b.WriteString("# TYPE mcpgw_oracle_latency_ms gauge\n")
		fmt.Fprintf(b, "mcpgw_oracle_latency_ms{stat=%q} %d\n", "last", snap.OracleLatencyMS.LastMS)
		fmt.Fprintf(b, "mcpgw_oracle_latency_ms{stat=%q} %.3f\n", "avg", snap.OracleLatencyMS.AvgMS)
		fmt.Fprintf(b, "mcpgw_oracle_latency_ms{stat=%q} %d\n", "max", snap.OracleLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP mcpgw_latency_seconds latency histogram\n")
			b.WriteString("# TYPE mcpgw_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "mcpgw_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "mcpgw_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "mcpgw_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "mcpgw_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "mcpgw_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "mcpgw_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "mcpgw_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
