// Package telemetry exposes the connector's Prometheus metrics. Every metric
// starts as a noop so packages can record unconditionally; InitMetrics swaps
// in real collectors when Prometheus is enabled.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/lustre-irods/connector/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	namespace = "lustre_irods"
	subsystem = "connector"
)

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

// CounterVec, GaugeVec and HistogramVec take label values in the order the
// metric was declared with
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
	// Delete drops the series of one label set, e.g. a shard that stopped
	Delete(labels ...string)
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// noop stands in for every metric until InitMetrics runs
type noop struct{}

func (noop) Observe(float64) {}
func (noop) Set(float64)     {}
func (noop) Inc()            {}
func (noop) Dec()            {}
func (noop) Add(float64)     {}
func (noop) Sub(float64)     {}

type noopCounterVec struct{}

func (noopCounterVec) With(...string) Counter { return noop{} }

type noopGaugeVec struct{}

func (noopGaugeVec) With(...string) Gauge { return noop{} }
func (noopGaugeVec) Delete(...string)     {}

type noopHistogramVec struct{}

func (noopHistogramVec) With(...string) Histogram { return noop{} }

// labeled adapts a prometheus vector to the narrow interfaces above
type labeled[M any] struct {
	with   func(...string) M
	delete func(...string) bool
}

func (l labeled[M]) With(labels ...string) M {
	return l.with(labels...)
}

func (l labeled[M]) Delete(labels ...string) {
	if l.delete != nil {
		l.delete(labels...)
	}
}

// opts returns the options shared by every connector metric
func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		ConstLabels: prometheus.Labels{
			"instance_id": strconv.FormatUint(cfg.Config.InstanceID, 10),
		},
	}
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return noop{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(opts(name, help))))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return noop{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	vec := register(prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels))
	return labeled[Counter]{
		with: func(values ...string) Counter { return vec.WithLabelValues(values...) },
	}
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	vec := register(prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), labels))
	return labeled[Gauge]{
		with:   func(values ...string) Gauge { return vec.WithLabelValues(values...) },
		delete: vec.DeleteLabelValues,
	}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	o := opts(name, help)
	vec := register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Subsystem:   o.Subsystem,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}, labels))
	return labeled[Histogram]{
		with: func(values ...string) Histogram { return vec.WithLabelValues(values...) },
	}
}

// InitializeTelemetry creates the registry when Prometheus is enabled. Until
// it runs every constructor returns a noop.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	log.Info().Msg("Prometheus metrics enabled, served by the admin server at /metrics")
}

// GetMetricsHandler returns the /metrics handler, nil when Prometheus is disabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
