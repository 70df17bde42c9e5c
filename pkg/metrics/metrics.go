package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds Foreman's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksTerminal  *prometheus.CounterVec
	TasksRunning   prometheus.Gauge
	QueueDepth     prometheus.Gauge

	WorkersRegistered prometheus.Gauge
	WorkersHealthy    prometheus.Gauge

	SessionsActive  prometheus.Gauge
	SessionsExpired prometheus.Counter

	TaskDuration prometheus.Histogram
}

// New builds and registers the collector set.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foreman_tasks_submitted_total",
		Help: "Total tasks submitted to the driver.",
	})
	r.TasksTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_tasks_terminal_total",
		Help: "Tasks reaching a terminal state, by status.",
	}, []string{"status"})
	r.TasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_tasks_running",
		Help: "Tasks currently dispatched to workers.",
	})
	r.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_queue_depth",
		Help: "Unassigned tasks waiting in the scheduler queue.",
	})
	r.WorkersRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_workers_registered",
		Help: "Workers currently registered.",
	})
	r.WorkersHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_workers_healthy",
		Help: "Registered workers passing health checks.",
	})
	r.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_sessions_active",
		Help: "Sessions currently alive.",
	})
	r.SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foreman_sessions_expired_total",
		Help: "Sessions swept after expiry.",
	})
	r.TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "foreman_task_duration_seconds",
		Help:    "Wall-clock duration of completed tasks.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	r.reg.MustRegister(
		r.TasksSubmitted,
		r.TasksTerminal,
		r.TasksRunning,
		r.QueueDepth,
		r.WorkersRegistered,
		r.WorkersHealthy,
		r.SessionsActive,
		r.SessionsExpired,
		r.TaskDuration,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Snapshot is the gauge state a Collector applies on each tick.
type Snapshot struct {
	RunningTasks   int
	QueuedTasks    int
	Workers        int
	HealthyWorkers int
	ActiveSessions int
}

// Collector refreshes gauges from a snapshot source on a fixed interval.
type Collector struct {
	registry *Registry
	source   func() Snapshot
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector wires a snapshot source to the registry.
func NewCollector(registry *Registry, interval time.Duration, source func() Snapshot) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		registry: registry,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the refresh loop until Stop.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.apply(c.source())
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (c *Collector) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *Collector) apply(s Snapshot) {
	c.registry.TasksRunning.Set(float64(s.RunningTasks))
	c.registry.QueueDepth.Set(float64(s.QueuedTasks))
	c.registry.WorkersRegistered.Set(float64(s.Workers))
	c.registry.WorkersHealthy.Set(float64(s.HealthyWorkers))
	c.registry.SessionsActive.Set(float64(s.ActiveSessions))
}
