// monitor/monitor.go
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	PushSubscribers prometheus.Gauge
	ActiveRooms     prometheus.Gauge
	StateWrites     *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	WriteLatency    *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PushSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_subscribers",
			Help:      "Number of connected push subscribers",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms held by the store",
		}),
		StateWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_writes_total",
			Help:      "Total number of state writes",
		}, []string{"op", "game_kind", "result"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of broadcast events published",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped for lagging subscribers",
		}),
		WriteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_seconds",
			Help:      "State write latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.PushSubscribers,
		m.ActiveRooms,
		m.StateWrites,
		m.EventsPublished,
		m.EventsDropped,
		m.WriteLatency,
	)

	return m
}

type Monitor struct {
	metrics   *Metrics
	registry  *prometheus.Registry
	startTime time.Time

	mutex       sync.Mutex
	subscribers int64
	writes      int64
}

// NewMonitor creates a monitor with its own registry, so several monitors
// can coexist in one process.
func NewMonitor(namespace string) *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Monitor{
		metrics:   NewMetrics(namespace, reg),
		registry:  reg,
		startTime: time.Now(),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

func (m *Monitor) IncSubscribers() {
	m.metrics.PushSubscribers.Inc()
	m.mutex.Lock()
	m.subscribers++
	m.mutex.Unlock()
}

func (m *Monitor) DecSubscribers() {
	m.metrics.PushSubscribers.Dec()
	m.mutex.Lock()
	m.subscribers--
	m.mutex.Unlock()
}

func (m *Monitor) SetActiveRooms(count int) {
	m.metrics.ActiveRooms.Set(float64(count))
}

// ObserveWrite records one state write of the given op ("replace", "reset").
func (m *Monitor) ObserveWrite(op, gameKind string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.StateWrites.WithLabelValues(op, gameKind, result).Inc()
	m.metrics.WriteLatency.WithLabelValues(op).Observe(d.Seconds())
	m.mutex.Lock()
	m.writes++
	m.mutex.Unlock()
}

func (m *Monitor) EventPublished(eventType string) {
	m.metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Monitor) EventDropped(string) {
	m.metrics.EventsDropped.Inc()
}

// Snapshot is the counter summary served on /api/stats.
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Subscribers   int64   `json:"subscribers"`
	Writes        int64   `json:"writes"`
}

func (m *Monitor) Snapshot() Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return Snapshot{
		UptimeSeconds: m.Uptime().Seconds(),
		Subscribers:   m.subscribers,
		Writes:        m.writes,
	}
}
