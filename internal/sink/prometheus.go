package sink

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studiowebux/lanebench/internal/aggregate"
)

const namespace = "lanebench"

// Prometheus exposes the latest report as metrics. Counters advance by each
// tick's delta so they stay monotonic across the run.
type Prometheus struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	rps       prometheus.Gauge
	errorRate prometheus.Gauge
	latency   *prometheus.GaugeVec
	lanes     *prometheus.GaugeVec
	finished  prometheus.Gauge

	mu       sync.Mutex
	lastKind map[string]int64
}

// NewPrometheus registers the lanebench collectors on a private registry
func NewPrometheus(runID string) *Prometheus {
	labels := prometheus.Labels{"run_id": runID}
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "Completed requests by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "errors_total",
			Help:        "Failed requests by error kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		rps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "requests_per_second",
			Help:        "Successful requests per second over the last tick.",
			ConstLabels: labels,
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "error_rate",
			Help:        "Share of failed requests over the last tick.",
			ConstLabels: labels,
		}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "latency_seconds",
			Help:        "Latency quantiles over the last tick.",
			ConstLabels: labels,
		}, []string{"quantile"}),
		lanes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "lanes",
			Help:        "Lanes by state.",
			ConstLabels: labels,
		}, []string{"state"}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "run_finished",
			Help:        "1 once the final report has been emitted.",
			ConstLabels: labels,
		}),
		lastKind: make(map[string]int64),
	}

	p.registry.MustRegister(p.requests, p.errors, p.rps, p.errorRate, p.latency, p.lanes, p.finished)
	return p
}

// Handler serves the registry in the Prometheus exposition format
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Gatherer returns the underlying registry
func (p *Prometheus) Gatherer() prometheus.Gatherer {
	return p.registry
}

func (p *Prometheus) Emit(ctx context.Context, r aggregate.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests.WithLabelValues("success").Add(float64(r.TickSuccess))
	p.requests.WithLabelValues("error").Add(float64(r.TickErrors))

	// ErrorsByKind is cumulative
	for kind, n := range r.ErrorsByKind {
		if delta := n - p.lastKind[kind]; delta > 0 {
			p.errors.WithLabelValues(kind).Add(float64(delta))
		}
		p.lastKind[kind] = n
	}

	p.rps.Set(r.RequestsPerSecond)
	p.errorRate.Set(r.ErrorRate)
	p.latency.WithLabelValues("0.5").Set(r.TickLatency.P50.Seconds())
	p.latency.WithLabelValues("0.95").Set(r.TickLatency.P95.Seconds())
	p.latency.WithLabelValues("0.99").Set(r.TickLatency.P99.Seconds())
	p.latency.WithLabelValues("1").Set(r.TickLatency.Max.Seconds())
	p.lanes.WithLabelValues("active").Set(float64(r.ActiveLanes))
	p.lanes.WithLabelValues("lost").Set(float64(r.LostLanes))
	if r.Final {
		p.finished.Set(1)
	}
	return nil
}
