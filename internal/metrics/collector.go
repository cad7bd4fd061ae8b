package metrics

import (
	"net/http"
	"time"

	"github.com/diffye/ctf-backend/internal/pool"
	"github.com/diffye/ctf-backend/internal/submissions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ctf"

// PoolStatser is satisfied by *pool.Pool.
type PoolStatser interface {
	Stats() pool.Stats
}

// Collector owns the process metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	submissions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	audit       *prometheus.CounterVec
	solves      *prometheus.CounterVec
}

// NewCollector registers the submission, audit and pool metrics.
func NewCollector(connections PoolStatser) *Collector {
	registry := prometheus.NewRegistry()
	collector := &Collector{
		registry: registry,
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "submissions_total", Help: "Submissions by outcome"},
			[]string{"outcome"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submission_duration_seconds",
				Help:      "Time spent handling a submission",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"}),
		audit: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "audit_writes_total", Help: "Malformed attempt audit writes by result"},
			[]string{"result"}),
		solves: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "solves_total", Help: "Solves by kind"},
			[]string{"kind"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collector.submissions,
		collector.duration,
		collector.audit,
		collector.solves,
	)
	if connections != nil {
		registerPool(registry, connections)
	}
	return collector
}

func registerPool(registry *prometheus.Registry, connections PoolStatser) {
	gauge := func(name, help string, value func(pool.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "pool", Name: name, Help: help},
			func() float64 { return value(connections.Stats()) })
	}
	counter := func(name, help string, value func(pool.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "pool", Name: name, Help: help},
			func() float64 { return value(connections.Stats()) })
	}

	registry.MustRegister(
		gauge("max_connections", "Configured maximum connections", func(s pool.Stats) float64 { return float64(s.Max) }),
		gauge("min_connections", "Configured minimum connections", func(s pool.Stats) float64 { return float64(s.Min) }),
		gauge("outstanding_connections", "Connections checked out", func(s pool.Stats) float64 { return float64(s.Outstanding) }),
		gauge("idle_connections", "Idle connections", func(s pool.Stats) float64 { return float64(s.Idle) }),
		gauge("open_connections", "Open connections", func(s pool.Stats) float64 { return float64(s.Open) }),
		counter("exhausted_total", "Acquisitions that timed out", func(s pool.Stats) float64 { return float64(s.Exhausted) }),
		counter("discarded_total", "Broken connections discarded", func(s pool.Stats) float64 { return float64(s.Discarded) }),
	)
}

// ObserveSubmission records one submission.
func (c *Collector) ObserveSubmission(outcome submissions.Outcome, elapsed time.Duration) {
	c.submissions.WithLabelValues(string(outcome)).Inc()
	c.duration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// ObserveAudit records the result of one audit entry.
func (c *Collector) ObserveAudit(result string) {
	c.audit.WithLabelValues(result).Inc()
}

// PublishSolve counts solves so the collector can sit in a solve fan-out.
func (c *Collector) PublishSolve(event submissions.SolveEvent) {
	kind := "solve"
	if event.FirstBlood {
		kind = "first_blood"
	}
	c.solves.WithLabelValues(kind).Inc()
}

// Registry exposes the registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
