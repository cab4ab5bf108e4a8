package storemaster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics manages Prometheus metrics for a master candidate. A nil *Metrics
// is valid and discards all updates, so collaborators never need to guard
// their instrumentation calls.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server
	log      *slog.Logger

	// Election metrics
	ActiveMaster        prometheus.Gauge
	ClusterHasMaster    prometheus.Gauge
	ElectionEpoch       prometheus.Gauge
	ElectionsWon        prometheus.Counter
	ElectionsLost       prometheus.Counter
	StepDowns           prometheus.Counter
	Wakeups             prometheus.Counter
	CoordinationErrors  prometheus.Counter
	ElectionWaitSeconds prometheus.Histogram

	// Table lifecycle metrics
	RegionsAssigned       prometheus.Counter
	TableEnables          *prometheus.CounterVec
	EnableDurationSeconds prometheus.Histogram

	// Dynamic, name-addressed metrics
	mu         sync.Mutex
	gauges     map[string]prometheus.Gauge
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewMetrics creates a metrics registry for one candidate process.
func NewMetrics(clusterID, node string, log *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"cluster": clusterID, "node": node}

	if log == nil {
		log = slog.Default()
	}

	m := &Metrics{
		registry:   registry,
		log:        log,
		gauges:     make(map[string]prometheus.Gauge),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),

		ActiveMaster: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sm_active_master",
			Help:        "1 if this process is the active master",
			ConstLabels: labels,
		}),
		ClusterHasMaster: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sm_cluster_has_master",
			Help:        "1 if an election node exists cluster-wide",
			ConstLabels: labels,
		}),
		ElectionEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sm_election_epoch",
			Help:        "Last observed election epoch",
			ConstLabels: labels,
		}),
		ElectionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sm_elections_won_total",
			Help:        "Elections won by this process",
			ConstLabels: labels,
		}),
		ElectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sm_elections_lost_total",
			Help:        "Election attempts that observed another active master",
			ConstLabels: labels,
		}),
		StepDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sm_stepdowns_total",
			Help:        "Graceful master step-downs",
			ConstLabels: labels,
		}),
		Wakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sm_election_wakeups_total",
			Help:        "Deletion wakeups received while standing by",
			ConstLabels: labels,
		}),
		CoordinationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sm_coordination_errors_total",
			Help:        "Transient coordination-service failures folded into the retry loop",
			ConstLabels: labels,
		}),
		ElectionWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "sm_election_wait_seconds",
			Help:        "Time spent blocked before becoming active master",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 15),
			ConstLabels: labels,
		}),
		RegionsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sm_regions_assigned_total",
			Help:        "Region assignment requests issued",
			ConstLabels: labels,
		}),
		TableEnables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sm_table_enables_total",
			Help:        "Table enable operations by outcome",
			ConstLabels: labels,
		}, []string{"status"}),
		EnableDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "sm_table_enable_seconds",
			Help:        "Table enable duration in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15),
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		m.ActiveMaster,
		m.ClusterHasMaster,
		m.ElectionEpoch,
		m.ElectionsWon,
		m.ElectionsLost,
		m.StepDowns,
		m.Wakeups,
		m.CoordinationErrors,
		m.ElectionWaitSeconds,
		m.RegionsAssigned,
		m.TableEnables,
		m.EnableDurationSeconds,
	)

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Start begins serving the /metrics endpoint on addr.
func (m *Metrics) Start(ctx context.Context, addr string) error {
	if m == nil || addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		// Metrics endpoint failures must not take the process down.
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("metrics server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Stop stops the metrics server.
func (m *Metrics) Stop() {
	if m == nil || m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.server.Shutdown(ctx)
}

// SetActiveMaster updates the active-master gauge.
func (m *Metrics) SetActiveMaster(active bool) {
	if m == nil {
		return
	}
	m.ActiveMaster.Set(boolGauge(active))
}

// SetClusterHasMaster updates the cluster-visibility gauge.
func (m *Metrics) SetClusterHasMaster(has bool) {
	if m == nil {
		return
	}
	m.ClusterHasMaster.Set(boolGauge(has))
}

// SetElectionEpoch updates the epoch gauge.
func (m *Metrics) SetElectionEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.ElectionEpoch.Set(float64(epoch))
}

// IncElectionsWon increments the elections-won counter.
func (m *Metrics) IncElectionsWon() {
	if m == nil {
		return
	}
	m.ElectionsWon.Inc()
}

// IncElectionsLost increments the elections-lost counter.
func (m *Metrics) IncElectionsLost() {
	if m == nil {
		return
	}
	m.ElectionsLost.Inc()
}

// IncStepDowns increments the step-down counter.
func (m *Metrics) IncStepDowns() {
	if m == nil {
		return
	}
	m.StepDowns.Inc()
}

// IncWakeups increments the wakeup counter.
func (m *Metrics) IncWakeups() {
	if m == nil {
		return
	}
	m.Wakeups.Inc()
}

// IncCoordinationErrors increments the transient-failure counter.
func (m *Metrics) IncCoordinationErrors() {
	if m == nil {
		return
	}
	m.CoordinationErrors.Inc()
}

// ObserveElectionWait records how long a candidate blocked before winning.
func (m *Metrics) ObserveElectionWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ElectionWaitSeconds.Observe(d.Seconds())
}

// IncRegionsAssigned adds to the assignment-request counter.
func (m *Metrics) IncRegionsAssigned(n int) {
	if m == nil {
		return
	}
	m.RegionsAssigned.Add(float64(n))
}

// ObserveTableEnable records one table enable operation.
func (m *Metrics) ObserveTableEnable(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TableEnables.WithLabelValues(status).Inc()
	m.EnableDurationSeconds.Observe(d.Seconds())
}

// SetGauge sets a named gauge, creating it on first use.
func (m *Metrics) SetGauge(name string, value float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
		m.registry.MustRegister(g)
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.Set(value)
}

// IncCounter adds delta to a named counter, creating it on first use.
func (m *Metrics) IncCounter(name string, delta float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: name})
		m.registry.MustRegister(c)
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(delta)
}

// UpdateHistogram records a value in a named histogram, creating it on first
// use.
func (m *Metrics) UpdateHistogram(name string, value float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{Name: name})
		m.registry.MustRegister(h)
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.Observe(value)
}

// Snapshot returns a flattened point-in-time view of every registered metric.
// Histograms contribute <name>_count and <name>_sum entries.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	if m == nil {
		return nil, nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := snapshotKey(mf.GetName(), metric)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key+"_count"] = float64(metric.GetHistogram().GetSampleCount())
				out[key+"_sum"] = metric.GetHistogram().GetSampleSum()
			case dto.MetricType_SUMMARY:
				out[key+"_count"] = float64(metric.GetSummary().GetSampleCount())
				out[key+"_sum"] = metric.GetSummary().GetSampleSum()
			case dto.MetricType_UNTYPED:
				out[key] = metric.GetUntyped().GetValue()
			}
		}
	}
	return out, nil
}

// snapshotKey flattens a metric name and its variable labels into one key.
// Const labels (cluster, node) are omitted; they are identical for every
// metric in the registry.
func snapshotKey(name string, metric *dto.Metric) string {
	var parts []string
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == "cluster" || lp.GetName() == "node" {
			continue
		}
		parts = append(parts, lp.GetName()+"="+lp.GetValue())
	}
	if len(parts) == 0 {
		return name
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
