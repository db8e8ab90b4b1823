// Package metrics records ingestion run metrics in a private Prometheus
// registry. Nothing is served over HTTP: callers read the values back through
// Snapshot, which gathers the registry in process.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric names recorded by the ingest pipeline.
const (
	RunsTotal      = "exbot_ingest_runs_total"
	RunErrors      = "exbot_ingest_run_errors_total"
	RunsInFlight   = "exbot_ingest_runs_in_flight"
	KlinesFetched  = "exbot_klines_fetched_total"
	KlinesStored   = "exbot_klines_stored_total"
	RowsDefaulted  = "exbot_kline_rows_defaulted_total"
	AnomaliesFound = "exbot_kline_anomalies_total"
	GapsFound      = "exbot_kline_gaps_total"
	RunDuration    = "exbot_ingest_run_duration_seconds"
)

var seriesLabels = []string{"exchange", "symbol", "interval"}

// Series identifies one kline series; every metric is labelled with it.
type Series struct {
	Exchange string
	Symbol   string
	Interval string
}

func (s Series) values() []string {
	return []string{s.Exchange, s.Symbol, s.Interval}
}

// Labels returns the series as a Prometheus label set.
func (s Series) Labels() map[string]string {
	return map[string]string{"exchange": s.Exchange, "symbol": s.Symbol, "interval": s.Interval}
}

// RunCounts are the per-run totals added to the counters.
type RunCounts struct {
	Fetched   int
	Stored    int
	Defaulted int
	Anomalies int
	Gaps      int
}

// Registry holds the ingest collectors.
type Registry struct {
	reg       *prometheus.Registry
	startTime time.Time

	runs      *prometheus.CounterVec
	runErrors *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	fetched   *prometheus.CounterVec
	stored    *prometheus.CounterVec
	defaulted *prometheus.CounterVec
	anomalies *prometheus.CounterVec
	gaps      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewRegistry creates a registry with every ingest collector registered.
func NewRegistry() *Registry {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	}

	r := &Registry{
		reg:       prometheus.NewRegistry(),
		startTime: time.Now(),
		runs:      counter(RunsTotal, "Completed ingestion runs.", seriesLabels...),
		runErrors: counter(RunErrors, "Ingestion runs that failed, by error kind.",
			append(append([]string{}, seriesLabels...), "error_type")...),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: RunsInFlight,
			Help: "Ingestion runs currently executing.",
		}, []string{"exchange"}),
		fetched:   counter(KlinesFetched, "Klines decoded from exchange responses.", seriesLabels...),
		stored:    counter(KlinesStored, "Klines inserted into storage.", seriesLabels...),
		defaulted: counter(RowsDefaulted, "Rows with fields defaulted by lenient decoding.", seriesLabels...),
		anomalies: counter(AnomaliesFound, "Klines that failed consistency checks.", seriesLabels...),
		gaps:      counter(GapsFound, "Missing periods found in fetched series.", seriesLabels...),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    RunDuration,
			Help:    "Ingestion run duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, seriesLabels),
	}

	r.reg.MustRegister(r.runs, r.runErrors, r.inFlight, r.fetched, r.stored,
		r.defaulted, r.anomalies, r.gaps, r.duration)
	return r
}

// Gatherer exposes the underlying registry, e.g. for a push gateway.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RunStarted marks a run as executing and returns the func that ends it.
func (r *Registry) RunStarted(s Series) (done func()) {
	g := r.inFlight.WithLabelValues(s.Exchange)
	g.Inc()
	return g.Dec
}

// RecordRun adds a successful run's counts and duration.
func (r *Registry) RecordRun(s Series, counts RunCounts, d time.Duration) {
	values := s.values()
	r.runs.WithLabelValues(values...).Inc()
	r.fetched.WithLabelValues(values...).Add(float64(counts.Fetched))
	r.stored.WithLabelValues(values...).Add(float64(counts.Stored))
	r.defaulted.WithLabelValues(values...).Add(float64(counts.Defaulted))
	r.anomalies.WithLabelValues(values...).Add(float64(counts.Anomalies))
	r.gaps.WithLabelValues(values...).Add(float64(counts.Gaps))
	r.duration.WithLabelValues(values...).Observe(d.Seconds())
}

// RecordFailure counts a failed run under its error kind.
func (r *Registry) RecordFailure(s Series, errorType string) {
	r.runErrors.WithLabelValues(s.Exchange, s.Symbol, s.Interval, errorType).Inc()
}

// Metric is one gathered series. For histograms Value is the sum and Count
// the number of observations.
type Metric struct {
	Name   string            `json:"name"`
	Type   MetricType        `json:"type"`
	Help   string            `json:"help,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	Count  uint64            `json:"count,omitempty"`
}

// Mean returns the average histogram observation.
func (m Metric) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Value / float64(m.Count)
}

// Snapshot is every gathered series at one point in time.
type Snapshot struct {
	Timestamp  time.Time     `json:"timestamp"`
	Uptime     time.Duration `json:"uptime"`
	Metrics    []Metric      `json:"metrics"`
	RunCount   float64       `json:"run_count"`
	ErrorCount float64       `json:"error_count"`
	ErrorRate  float64       `json:"error_rate"`
}

// Snapshot gathers the registry. Series are ordered by name, then labels.
func (r *Registry) Snapshot() (Snapshot, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return Snapshot{}, fmt.Errorf("gather metrics: %w", err)
	}

	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(r.startTime),
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			snap.Metrics = append(snap.Metrics, convert(family, m))
		}
	}
	sort.SliceStable(snap.Metrics, func(i, j int) bool {
		if snap.Metrics[i].Name != snap.Metrics[j].Name {
			return snap.Metrics[i].Name < snap.Metrics[j].Name
		}
		return labelKey(snap.Metrics[i].Labels) < labelKey(snap.Metrics[j].Labels)
	})

	snap.RunCount = snap.Total(RunsTotal)
	snap.ErrorCount = snap.Total(RunErrors)
	if total := snap.RunCount + snap.ErrorCount; total > 0 {
		snap.ErrorRate = snap.ErrorCount / total * 100
	}
	return snap, nil
}

func convert(family *dto.MetricFamily, m *dto.Metric) Metric {
	out := Metric{
		Name: family.GetName(),
		Help: family.GetHelp(),
	}
	if pairs := m.GetLabel(); len(pairs) > 0 {
		out.Labels = make(map[string]string, len(pairs))
		for _, pair := range pairs {
			out.Labels[pair.GetName()] = pair.GetValue()
		}
	}

	switch family.GetType() {
	case dto.MetricType_COUNTER:
		out.Type = MetricTypeCounter
		out.Value = m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		out.Type = MetricTypeGauge
		out.Value = m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		out.Type = MetricTypeHistogram
		out.Value = m.GetHistogram().GetSampleSum()
		out.Count = m.GetHistogram().GetSampleCount()
	}
	return out
}

// Get returns the series with exactly the given name and labels.
func (s Snapshot) Get(name string, labels map[string]string) (Metric, bool) {
	key := labelKey(labels)
	for _, m := range s.Metrics {
		if m.Name == name && labelKey(m.Labels) == key {
			return m, true
		}
	}
	return Metric{}, false
}

// Total sums every series of a metric across labels.
func (s Snapshot) Total(name string) float64 {
	var total float64
	for _, m := range s.Metrics {
		if m.Name == name {
			total += m.Value
		}
	}
	return total
}

// WriteJSON writes the snapshot as indented JSON.
func (s Snapshot) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func labelKey(labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	key := ""
	for _, k := range names {
		key += k + "=" + labels[k] + ","
	}
	return key
}
