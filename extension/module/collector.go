package module

import (
	"errors"
	"time"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports module request metrics to Prometheus
type Collector struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	health   *prometheus.GaugeVec
}

// NewCollector creates unregistered metric vectors under namespace
func NewCollector(namespace string) *Collector {
	return &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "requests_total",
			Help:      "Module invocations by outcome.",
		}, []string{"module", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "errors_total",
			Help:      "Failed module invocations by error kind.",
		}, []string{"module", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "request_duration_seconds",
			Help:      "Wall-clock duration of the full interceptor pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "health",
			Help:      "Module health: 0 healthy, 1 warning, 2 error.",
		}, []string{"module"}),
	}
}

// Register registers every vector with reg
func (c *Collector) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, col := range []prometheus.Collector{c.requests, c.errors, c.duration, c.health} {
		if err := reg.Register(col); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observe records one completed request
func (c *Collector) Observe(module string, elapsed time.Duration, err error, status types.HealthStatus) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		c.errors.WithLabelValues(module, ecode.KindOf(err).String()).Inc()
	}
	c.requests.WithLabelValues(module, outcome).Inc()
	c.duration.WithLabelValues(module).Observe(elapsed.Seconds())
	c.health.WithLabelValues(module).Set(healthValue(status))
}

func healthValue(s types.HealthStatus) float64 {
	switch s {
	case types.HealthWarning:
		return 1
	case types.HealthError:
		return 2
	default:
		return 0
	}
}
