package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryansmccoy/spine-core-sub006/resilience"
)

// BreakerCollector reads every circuit breaker's state at scrape time
// and exports it as a gauge: 0 closed, 1 open, 2 half-open.
type BreakerCollector struct {
	group *resilience.BreakerGroup
	desc  *prometheus.Desc
}

// NewBreakerCollector creates a collector over a breaker group.
// Register it on the Registry in the server assembly.
func NewBreakerCollector(group *resilience.BreakerGroup) *BreakerCollector {
	return &BreakerCollector{
		group: group,
		desc: prometheus.NewDesc(
			"circuit_breaker_state",
			"Circuit breaker state per handler (0 closed, 1 open, 2 half-open).",
			[]string{"handler"}, nil,
		),
	}
}

func (c *BreakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *BreakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.group.Names() {
		state := c.group.Get(name).State()
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(state), name)
	}
}
