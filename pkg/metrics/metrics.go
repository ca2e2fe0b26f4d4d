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

// Registry aggregates gateway and worker counters. It is process-local;
// every instance exposes its own snapshot and a scraper aggregates.
type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	connections       map[string]int64
	messages          map[string]int64
	rateLimited       map[string]int64
	breakerTransition map[string]int64
	fragments         map[string]int64
	tasks             map[string]int64
	checkpoint        map[string]int64
	safety            map[string]int64
	gauges            map[string]float64
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Connections        map[string]int64        `json:"connections"`
	Messages           map[string]int64        `json:"messages"`
	RateLimited        map[string]int64        `json:"rate_limited"`
	BreakerTransitions map[string]int64        `json:"breaker_transitions"`
	Fragments          map[string]int64        `json:"fragments"`
	Tasks              map[string]int64        `json:"tasks"`
	Checkpoint         map[string]int64        `json:"checkpoint"`
	Safety             map[string]int64        `json:"safety"`
	Gauges             map[string]float64      `json:"gauges"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:          map[string]*EndpointStat{},
		connections:       map[string]int64{},
		messages:          map[string]int64{},
		rateLimited:       map[string]int64{},
		breakerTransition: map[string]int64{},
		fragments:         map[string]int64{},
		tasks:             map[string]int64{},
		checkpoint:        map[string]int64{},
		safety:            map[string]int64{},
		gauges:            map[string]float64{},
		Histograms:        NewHistogramRegistry(),
	}
}

// Observe records one HTTP request against its route.
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

// ObserveLatency feeds the named latency histogram.
func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

// IncConnection counts connection lifecycle outcomes
// (accepted, rejected:<code>, closed:<cause>).
func (r *Registry) IncConnection(outcome string) { r.inc(r.connections, outcome) }

// IncMessage counts inbound messages (accepted, rejected:<reason>).
func (r *Registry) IncMessage(outcome string) { r.inc(r.messages, outcome) }

// IncRateLimited counts rejections per limit class.
func (r *Registry) IncRateLimited(class string) { r.inc(r.rateLimited, class) }

// IncBreakerTransition counts state transitions as "name:STATE".
func (r *Registry) IncBreakerTransition(name, state string) {
	r.inc(r.breakerTransition, name+":"+state)
}

// IncFragment counts fragment flow (published, delivered, discarded:dup,
// discarded:gap, redacted).
func (r *Registry) IncFragment(outcome string) { r.inc(r.fragments, outcome) }

// IncTask counts dispatch outcomes (enqueued, completed, retried, failed,
// deduped, fallback).
func (r *Registry) IncTask(outcome string) { r.inc(r.tasks, outcome) }

// IncCheckpoint counts tier activity (hot_hit, hot_miss, cold_hit,
// write_failed, stale_rejected).
func (r *Registry) IncCheckpoint(outcome string) { r.inc(r.checkpoint, outcome) }

// IncSafety counts filter hits by category.
func (r *Registry) IncSafety(category string) { r.inc(r.safety, category) }

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
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Connections:        copyCounts(r.connections),
		Messages:           copyCounts(r.messages),
		RateLimited:        copyCounts(r.rateLimited),
		BreakerTransitions: copyCounts(r.breakerTransition),
		Fragments:          copyCounts(r.fragments),
		Tasks:              copyCounts(r.tasks),
		Checkpoint:         copyCounts(r.checkpoint),
		Safety:             copyCounts(r.safety),
		Gauges:             make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
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
		writeCounter(b, "parley_endpoint_count", "total requests by endpoint", "endpoint", endpointCounts(snap.Endpoints))
		writeCounter(b, "parley_connection_total", "connection lifecycle outcomes", "outcome", snap.Connections)
		writeCounter(b, "parley_message_total", "inbound message outcomes", "outcome", snap.Messages)
		writeCounter(b, "parley_rate_limited_total", "rate limit rejections by class", "class", snap.RateLimited)
		writeCounter(b, "parley_breaker_transition_total", "circuit breaker transitions", "transition", snap.BreakerTransitions)
		writeCounter(b, "parley_fragment_total", "output fragment flow", "outcome", snap.Fragments)
		writeCounter(b, "parley_task_total", "task dispatch outcomes", "outcome", snap.Tasks)
		writeCounter(b, "parley_checkpoint_total", "checkpoint tier activity", "outcome", snap.Checkpoint)
		writeCounter(b, "parley_safety_total", "safety filter hits by category", "category", snap.Safety)

		b.WriteString("# HELP parley_gauge operational gauge metrics\n")
		b.WriteString("# TYPE parley_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "parley_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP parley_latency_seconds latency histogram\n")
			b.WriteString("# TYPE parley_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "parley_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "parley_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "parley_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "parley_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "parley_latency_p50_seconds{name=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "parley_latency_p95_seconds{name=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "parley_latency_p99_seconds{name=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func endpointCounts(endpoints map[string]EndpointStat) map[string]int64 {
	out := make(map[string]int64, len(endpoints))
	for k, v := range endpoints {
		out[k] = v.Count
	}
	return out
}

func writeCounter(b *strings.Builder, name, help, label string, counts map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, key := range SortedKeys(counts) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, key, counts[key])
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
