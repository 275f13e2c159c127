package atc

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process counters. A nil *Metrics is valid and records nothing.
// There is no HTTP endpoint; WriteTextfile exports for the node_exporter
// textfile collector.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	rowsParsed    *prometheus.CounterVec
	newEvents     prometheus.Counter
	notifications *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	localAlerts   *prometheus.CounterVec

	state               *prometheus.GaugeVec
	consecutiveFailures prometheus.Gauge
	queriesLastHour     prometheus.Gauge
	lastSuccess         prometheus.Gauge
	seenSetSize         prometheus.Gauge
	eventLogSize        prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atc_cycles_total",
			Help: "Polling cycles by result (ok, error)",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "atc_cycle_duration_seconds",
			Help:    "Duration of one polling cycle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		rowsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atc_rows_total",
			Help: "Source rows by parse outcome",
		}, []string{"outcome"}),
		newEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atc_new_events_total",
			Help: "Events classified as new",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atc_notifications_total",
			Help: "Delivery notifications by channel and result",
		}, []string{"channel", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atc_notification_rate_limited_total",
			Help: "Times a channel hit its hourly send cap",
		}, []string{"channel"}),
		localAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atc_local_alerts_total",
			Help: "Local alerts by result",
		}, []string{"result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atc_scheduler_state",
			Help: "1 for the current scheduler state",
		}, []string{"state"}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atc_consecutive_failures",
			Help: "Current consecutive cycle failures",
		}),
		queriesLastHour: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atc_queries_last_hour",
			Help: "Query starts in the sliding hour window",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atc_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		}),
		seenSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atc_seen_set_size",
			Help: "Identities in the persisted seen-set",
		}),
		eventLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atc_event_log_entries",
			Help: "Entries in the rolling event log",
		}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleDuration, m.rowsParsed, m.newEvents, m.notifications,
		m.rateLimited, m.localAlerts, m.state, m.consecutiveFailures,
		m.queriesLastHour, m.lastSuccess, m.seenSetSize, m.eventLogSize,
	)
	return m
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeCycle(ok bool, seconds float64, unixNow int64) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(seconds)
	if ok {
		m.cycles.WithLabelValues("ok").Inc()
		m.lastSuccess.Set(float64(unixNow))
		return
	}
	m.cycles.WithLabelValues("error").Inc()
}

func (m *Metrics) observeParse(rep ParseReport, fresh, seen, logSize int) {
	if m == nil {
		return
	}
	m.rowsParsed.WithLabelValues(string(RowOK)).Add(float64(rep.Parsed - rep.Defaulted))
	m.rowsParsed.WithLabelValues(string(RowDefaultedCaseQty)).Add(float64(rep.Defaulted))
	m.rowsParsed.WithLabelValues(string(RowDroppedNoID)).Add(float64(rep.Dropped))
	m.newEvents.Add(float64(fresh))
	m.seenSetSize.Set(float64(seen))
	m.eventLogSize.Set(float64(logSize))
}

func (m *Metrics) observeNotification(ch, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(ch, result).Inc()
}

func (m *Metrics) observeRateLimited(ch string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(ch).Inc()
}

func (m *Metrics) observeLocalAlert(result string) {
	if m == nil {
		return
	}
	m.localAlerts.WithLabelValues(result).Inc()
}

func (m *Metrics) observeState(st SchedulerState, failures, queries int) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == st {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
	m.consecutiveFailures.Set(float64(failures))
	m.queriesLastHour.Set(float64(queries))
}

// WriteTextfile writes all metrics to path in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
