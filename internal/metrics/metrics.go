package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты, которыми помечаются счётчики.
const (
	ResultApplied     = "applied"
	ResultDuplicate   = "duplicate"
	ResultInvalid     = "invalid"
	ResultIgnored     = "ignored"
	ResultDisabled    = "disabled"
	ResultOK          = "ok"
	ResultError       = "error"
	ResultHit         = "hit"
	ResultMiss        = "miss"
	ResultRateLimited = "rate_limited"
)

// Metrics collects every counter of one process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	LiveMessages      *prometheus.CounterVec
	LiveReconnects    prometheus.Counter
	LiveConnected     prometheus.Gauge
	LiveSubscriptions prometheus.Gauge

	SimulatorTicks    prometheus.Counter
	SimulatorAdvances prometheus.Counter

	PersistSaves *prometheus.CounterVec
	PersistLoads *prometheus.CounterVec

	PollerChecks    *prometheus.CounterVec
	PollerPublished prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		LiveMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_messages_total",
			Help: "Inbound live update messages by handling result",
		}, []string{"result"}),
		LiveReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_reconnects_total",
			Help: "Reconnect attempts of the live update channel",
		}),
		LiveConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_connected",
			Help: "1 when the live update channel is connected",
		}),
		LiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_subscriptions",
			Help: "Orders with at least one active live subscription",
		}),
		SimulatorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_ticks_total",
			Help: "Polling simulator evaluations",
		}),
		SimulatorAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_advances_total",
			Help: "Records advanced by the polling simulator",
		}),
		PersistSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "persistence_saves_total",
			Help: "Snapshot writes to the durable slot",
		}, []string{"result"}),
		PersistLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "persistence_loads_total",
			Help: "Snapshot reads from the durable slot",
		}, []string{"result"}),
		PollerChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poller_checks_total",
			Help: "Carrier checks performed by the worker",
		}, []string{"result"}),
		PollerPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poller_published_total",
			Help: "Tracking updates published by the worker",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.LiveMessages, m.LiveReconnects, m.LiveConnected, m.LiveSubscriptions,
		m.SimulatorTicks, m.SimulatorAdvances,
		m.PersistSaves, m.PersistLoads,
		m.PollerChecks, m.PollerPublished,
		m.HTTPRequests, m.HTTPDuration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) LiveMessage(result string) {
	if m != nil {
		m.LiveMessages.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) LiveReconnect() {
	if m != nil {
		m.LiveReconnects.Inc()
	}
}

func (m *Metrics) SetLiveConnected(v bool) {
	if m == nil {
		return
	}
	if v {
		m.LiveConnected.Set(1)
	} else {
		m.LiveConnected.Set(0)
	}
}

func (m *Metrics) SetLiveSubscriptions(n int) {
	if m != nil {
		m.LiveSubscriptions.Set(float64(n))
	}
}

func (m *Metrics) SimulatorTick(advanced int) {
	if m == nil {
		return
	}
	m.SimulatorTicks.Inc()
	m.SimulatorAdvances.Add(float64(advanced))
}

func (m *Metrics) PersistSave(result string) {
	if m != nil {
		m.PersistSaves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PersistLoad(result string) {
	if m != nil {
		m.PersistLoads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PollerCheck(result string) {
	if m != nil {
		m.PollerChecks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PollerPublish() {
	if m != nil {
		m.PollerPublished.Inc()
	}
}

func (m *Metrics) HTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}
