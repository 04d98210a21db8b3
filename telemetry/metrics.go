// Package telemetry wires the platform's observability: a prometheus
// registry fed through the core.Telemetry contract, and OpenTelemetry
// tracing with pluggable exporters.
package telemetry

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Registry adapts free-form RecordMetric calls onto typed prometheus
// collectors. Names ending in _total become counters, _seconds become
// histograms, everything else a gauge. A name's label set is fixed the
// first time it is seen.
type Registry struct {
	reg    *prometheus.Registry
	logger core.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry creates a registry with the standard Go runtime and
// process collectors installed.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:        reg,
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Register adds a custom collector, such as the breaker state
// collector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// Handler serves the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Record routes one observation to the collector for its name. Bad
// names and label mismatches are logged and dropped; instrumentation
// must never take down the caller.
func (r *Registry) Record(name string, value float64, labels map[string]string) {
	keys := labelKeys(labels)
	switch {
	case strings.HasSuffix(name, "_total"):
		if vec := r.counter(name, keys); vec != nil {
			if m, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
				m.Add(value)
			} else {
				r.mismatch(name, err)
			}
		}
	case strings.HasSuffix(name, "_seconds"):
		if vec := r.histogram(name, keys); vec != nil {
			if m, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
				m.Observe(value)
			} else {
				r.mismatch(name, err)
			}
		}
	default:
		if vec := r.gauge(name, keys); vec != nil {
			if m, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
				m.Set(value)
			} else {
				r.mismatch(name, err)
			}
		}
	}
}

func (r *Registry) counter(name string, keys []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpFor(name)}, keys)
	if err := r.reg.Register(vec); err != nil {
		r.registerFailed(name, err)
		return nil
	}
	r.counters[name] = vec
	return vec
}

func (r *Registry) gauge(name string, keys []string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.gauges[name]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpFor(name)}, keys)
	if err := r.reg.Register(vec); err != nil {
		r.registerFailed(name, err)
		return nil
	}
	r.gauges[name] = vec
	return vec
}

func (r *Registry) histogram(name string, keys []string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    helpFor(name),
		Buckets: prometheus.DefBuckets,
	}, keys)
	if err := r.reg.Register(vec); err != nil {
		r.registerFailed(name, err)
		return nil
	}
	r.histograms[name] = vec
	return vec
}

func (r *Registry) registerFailed(name string, err error) {
	r.logger.Warn("Failed to register metric", map[string]interface{}{
		"operation": "metric_register",
		"metric":    name,
		"error":     err.Error(),
	})
}

func (r *Registry) mismatch(name string, err error) {
	r.logger.Debug("Metric label mismatch", map[string]interface{}{
		"operation": "metric_record",
		"metric":    name,
		"error":     err.Error(),
	})
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func helpFor(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
