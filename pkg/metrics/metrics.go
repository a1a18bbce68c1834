// Package metrics exposes Prometheus collectors for sync rounds, tunnel
// query verdicts and enforcement state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	queries          *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	syncDuration     prometheus.Histogram
	syncFailures     prometheus.Counter
	sourcesByState   *prometheus.GaugeVec
	hostsByKind      *prometheus.GaugeVec
	enforcement      *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostguard_tunnel_queries_total",
				Help: "DNS queries seen by the tunnel by verdict",
			},
			[]string{"verdict"},
		),
		upstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostguard_upstream_failures_total",
				Help: "Failed upstream DNS exchanges",
			},
			[]string{"upstream"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostguard_upstream_request_duration_seconds",
				Help:    "Upstream DNS exchange duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"upstream"},
		),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hostguard_sync_duration_seconds",
			Help:    "Duration of source retrieval rounds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostguard_source_fetch_failures_total",
			Help: "Sources that failed to fetch during a sync round",
		}),
		sourcesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hostguard_sources",
				Help: "Enabled sources by freshness state",
			},
			[]string{"state"},
		),
		hostsByKind: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hostguard_rules",
				Help: "Rules in the canonical set by kind",
			},
			[]string{"kind"},
		),
		enforcement: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hostguard_enforcement_state",
				Help: "1 for the current enforcement state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
	m.registry.MustRegister(
		m.queries, m.upstreamFailures, m.upstreamLatency,
		m.syncDuration, m.syncFailures, m.sourcesByState, m.hostsByKind, m.enforcement,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Query counts one answered DNS query by verdict. Nil-safe, like every
// recorder here.
func (m *Metrics) Query(verdict string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(verdict).Inc()
}

// Upstream records one exchange with an upstream resolver and counts it as
// failed when err is set.
func (m *Metrics) Upstream(upstream string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(upstream).Observe(d.Seconds())
	if err != nil {
		m.upstreamFailures.WithLabelValues(upstream).Inc()
	}
}

// SyncRound records the duration of a sync round and how many sources failed.
func (m *Metrics) SyncRound(d time.Duration, failed int) {
	if m == nil {
		return
	}
	m.syncDuration.Observe(d.Seconds())
	m.syncFailures.Add(float64(failed))
}

// Sources sets the number of enabled sources in each state.
func (m *Metrics) Sources(upToDate, outdated, failed int) {
	if m == nil {
		return
	}
	m.sourcesByState.WithLabelValues("up_to_date").Set(float64(upToDate))
	m.sourcesByState.WithLabelValues("outdated").Set(float64(outdated))
	m.sourcesByState.WithLabelValues("error").Set(float64(failed))
}

// Rules sets the merged rule count for one kind.
func (m *Metrics) Rules(kind string, n int) {
	if m == nil {
		return
	}
	m.hostsByKind.WithLabelValues(kind).Set(float64(n))
}

// Enforcement marks current as the only active state among all.
func (m *Metrics) Enforcement(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.enforcement.WithLabelValues(s).Set(v)
	}
}
