package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/autoflow/internal/engine"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "autoflow"

var _ engine.Recorder = (*Prom)(nil)

// Prom implements engine.Recorder backed by Prometheus collectors.
type Prom struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	stepsExecuted      *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	sweepDuration      prometheus.Histogram
	sweepSteps         *prometheus.CounterVec
	sweepBacklog       prometheus.Gauge
	requests           *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec

	gatherer  prometheus.Gatherer
	registry  *prometheus.Registry
	namespace string
}

// NewProm builds the collectors and registers them with reg. A nil reg
// uses a fresh registry, so several instances can coexist in tests.
func NewProm(namespace string, reg *prometheus.Registry) (*Prom, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prom{
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Workflow executions started by trigger type",
		}, []string{"trigger_type"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Workflow executions reaching a terminal status",
		}, []string{"status"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Steps executed by action kind and outcome",
		}, []string{"action_kind", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Action execution latency by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_kind"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one sweep",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_steps_total",
			Help:      "Due steps seen by sweeps, by outcome",
		}, []string{"outcome"}),
		sweepBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_due_steps",
			Help:      "Due steps found by the most recent sweep",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer:  reg,
		registry:  reg,
		namespace: namespace,
	}
	for _, c := range []prometheus.Collector{
		p.executionsStarted, p.executionsFinished, p.stepsExecuted,
		p.stepDuration, p.sweepDuration, p.sweepSteps, p.sweepBacklog,
		p.requests, p.requestLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) ExecutionStarted(triggerType string) {
	p.executionsStarted.WithLabelValues(triggerType).Inc()
}

func (p *Prom) ExecutionFinished(status string) {
	p.executionsFinished.WithLabelValues(status).Inc()
}

func (p *Prom) StepFinished(kind, status string, d time.Duration) {
	p.stepsExecuted.WithLabelValues(kind, status).Inc()
	p.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *Prom) SweepFinished(due, claimed, completed, failed, lost int, d time.Duration) {
	p.sweepDuration.Observe(d.Seconds())
	p.sweepBacklog.Set(float64(due))
	p.sweepSteps.WithLabelValues("claimed").Add(float64(claimed))
	p.sweepSteps.WithLabelValues("completed").Add(float64(completed))
	p.sweepSteps.WithLabelValues("failed").Add(float64(failed))
	p.sweepSteps.WithLabelValues("lost").Add(float64(lost))
}

// RegisterPool exports the step worker pool as gauges read at scrape time.
func (p *Prom) RegisterPool(stats func() engine.PoolMetrics) error {
	ns := p.namespace
	for _, c := range []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "worker_pool_size",
			Help:      "Maximum concurrent step executions",
		}, func() float64 { return float64(stats().Size) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "steps_in_flight",
			Help:      "Steps currently executing in the worker pool",
		}, func() float64 { return float64(stats().Active) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "worker_panics_total",
			Help:      "Step executions that panicked",
		}, func() float64 { return float64(stats().Panics) }),
	} {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler for /metrics.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest records one API request.
func (p *Prom) ObserveRequest(method, route string, status int, d time.Duration) {
	p.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.requestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
