package regwatch

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one service. Each service has
// its own registry so tests can build several side by side.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal     *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	Records         prometheus.Gauge
	LastPublished   prometheus.Gauge
	Notifications   *prometheus.CounterVec
	ColdLoadsTotal  prometheus.Counter
	ResponsesTotal  *prometheus.CounterVec
	DownloadedBytes prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_refresh_cycles_total",
			Help: "Refresh cycles by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_refresh_failures_total",
			Help: "Failed refresh cycles by stage",
		}, []string{"stage"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "regwatch_refresh_duration_seconds",
			Help:    "Duration of refresh cycles",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		Records: f.NewGauge(prometheus.GaugeOpts{
			Name: "regwatch_snapshot_records",
			Help: "Records in the published snapshot",
		}),
		LastPublished: f.NewGauge(prometheus.GaugeOpts{
			Name: "regwatch_snapshot_published_timestamp_seconds",
			Help: "Unix time the current snapshot was published",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_notifications_total",
			Help: "Callback notifications by result",
		}, []string{"result"}),
		ColdLoadsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "regwatch_cold_loads_total",
			Help: "Reads that found the store empty and loaded it",
		}),
		ResponsesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_http_responses_total",
			Help: "HTTP responses by route and status code",
		}, []string{"route", "code"}),
		DownloadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "regwatch_downloaded_bytes_total",
			Help: "Bytes of register documents downloaded",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeCycle(trigger Trigger, outcome Outcome, stage Stage, d time.Duration) {
	m.CyclesTotal.WithLabelValues(string(trigger), string(outcome)).Inc()
	m.CycleDuration.Observe(d.Seconds())
	if outcome == OutcomeFailed && stage != "" {
		m.FailuresTotal.WithLabelValues(string(stage)).Inc()
	}
}

func (m *Metrics) observePublish(snap *Snapshot, at time.Time) {
	m.Records.Set(float64(snap.Metadata.RecordCount))
	m.LastPublished.Set(float64(at.Unix()))
}

func (m *Metrics) observeNotify(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Notifications.WithLabelValues(result).Inc()
}
