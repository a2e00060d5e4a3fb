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

// Registry is the process-local metrics store for the reveal gateway. It
// serves both a JSON snapshot and a Prometheus text rendering without an
// external metrics dependency.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	resolveOutcome map[string]int64
	denialReason   map[string]int64
	gateEvent      map[string]int64
	envelopeEvent  map[string]int64
	gauges         map[string]float64
	previews       int64
	verifyLatency  VerifyLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	ResolveOutcomes      map[string]int64        `json:"resolve_outcomes"`
	DenialReasons        map[string]int64        `json:"denial_reasons"`
	GateEvents           map[string]int64        `json:"gate_events"`
	EnvelopeEvents       map[string]int64        `json:"envelope_events"`
	Gauges               map[string]float64      `json:"gauges"`
	PreviewsTotal        int64                   `json:"previews_total"`
	ChainVerifyLatencyMS VerifyLatencyStat       `json:"chain_verify_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		resolveOutcome: map[string]int64{},
		denialReason:   map[string]int64{},
		gateEvent:      map[string]int64{},
		envelopeEvent:  map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
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

// IncResolveOutcome counts one envelope resolve by terminal outcome: "ok" or
// a denial reason from the closed vocabulary. Denials additionally feed the
// per-reason counter.
func (r *Registry) IncResolveOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.resolveOutcome[outcome]++
	if outcome != "ok" {
		r.denialReason[outcome]++
	}
	r.mu.Unlock()
}

// IncGateEvent counts gate lifecycle transitions: submit, revoke, reset,
// opened, expired.
func (r *Registry) IncGateEvent(event string) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	r.mu.Lock()
	r.gateEvent[event]++
	r.mu.Unlock()
}

// IncEnvelopeEvent counts envelope lifecycle transitions: created, opened,
// purged.
func (r *Registry) IncEnvelopeEvent(event string) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	r.mu.Lock()
	r.envelopeEvent[event]++
	r.mu.Unlock()
}

func (r *Registry) IncPreviews() {
	r.mu.Lock()
	r.previews++
	r.mu.Unlock()
}

// ObserveVerifyLatency tracks audit chain verification time.
func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
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
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		ResolveOutcomes: make(map[string]int64, len(r.resolveOutcome)),
		DenialReasons:   make(map[string]int64, len(r.denialReason)),
		GateEvents:      make(map[string]int64, len(r.gateEvent)),
		EnvelopeEvents:  make(map[string]int64, len(r.envelopeEvent)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		PreviewsTotal:   r.previews,
		ChainVerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.resolveOutcome {
		out.ResolveOutcomes[k] = v
	}
	for k, v := range r.denialReason {
		out.DenialReasons[k] = v
	}
	for k, v := range r.gateEvent {
		out.GateEvents[k] = v
	}
	for k, v := range r.envelopeEvent {
		out.EnvelopeEvents[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
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
		b.WriteString("# HELP reveal_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE reveal_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reveal_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP reveal_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE reveal_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reveal_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP reveal_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE reveal_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reveal_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP reveal_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE reveal_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reveal_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP reveal_resolve_total envelope resolves by outcome\n")
		b.WriteString("# TYPE reveal_resolve_total counter\n")
		for _, outcome := range SortedKeys(snap.ResolveOutcomes) {
			fmt.Fprintf(b, "reveal_resolve_total{outcome=%q} %d\n", outcome, snap.ResolveOutcomes[outcome])
		}
		b.WriteString("# HELP reveal_denial_total resolve denials by reason\n")
		b.WriteString("# TYPE reveal_denial_total counter\n")
		for _, reason := range SortedKeys(snap.DenialReasons) {
			fmt.Fprintf(b, "reveal_denial_total{reason=%q} %d\n", reason, snap.DenialReasons[reason])
		}
		b.WriteString("# HELP reveal_gate_total gate lifecycle events\n")
		b.WriteString("# TYPE reveal_gate_total counter\n")
		for _, event := range SortedKeys(snap.GateEvents) {
			fmt.Fprintf(b, "reveal_gate_total{event=%q} %d\n", event, snap.GateEvents[event])
		}
		b.WriteString("# HELP reveal_envelope_total envelope lifecycle events\n")
		b.WriteString("# TYPE reveal_envelope_total counter\n")
		for _, event := range SortedKeys(snap.EnvelopeEvents) {
			fmt.Fprintf(b, "reveal_envelope_total{event=%q} %d\n", event, snap.EnvelopeEvents[event])
		}
		b.WriteString("# HELP reveal_preview_total emoji previews rendered\n")
		b.WriteString("# TYPE reveal_preview_total counter\n")
		fmt.Fprintf(b, "reveal_preview_total %d\n", snap.PreviewsTotal)
		b.WriteString("# HELP reveal_gauge operational gauge metrics\n")
		b.WriteString("# TYPE reveal_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "reveal_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP reveal_latency_seconds latency histogram\n")
			b.WriteString("# TYPE reveal_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "reveal_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "reveal_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "reveal_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "reveal_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "reveal_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "reveal_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "reveal_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP reveal_chain_verify_latency_ms audit chain verification latency in ms\n")
		b.WriteString("# TYPE reveal_chain_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "reveal_chain_verify_latency_ms{stat=%q} %d\n", "last", snap.ChainVerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "reveal_chain_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.ChainVerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "reveal_chain_verify_latency_ms{stat=%q} %d\n", "max", snap.ChainVerifyLatencyMS.MaxMS)

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
