package plugin

import (
	"errors"

	"github.com/ncobase/guardrail/ecode"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports loader outcomes to Prometheus
type Metrics struct {
	loads       *prometheus.CounterVec
	unloads     *prometheus.CounterVec
	loaded      prometheus.Gauge
	activations prometheus.Counter
}

// NewMetrics creates unregistered loader metrics under namespace
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "loads_total",
			Help:      "Plugin load attempts by outcome and failing stage.",
		}, []string{"outcome", "stage", "kind"}),
		unloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "unloads_total",
			Help:      "Plugin unloads by outcome.",
		}, []string{"outcome"}),
		loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "loaded",
			Help:      "Plugins currently registered.",
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "activations_total",
			Help:      "Sandbox activations performed by the loader.",
		}),
	}
}

// Register registers every metric with reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.loads, m.unloads, m.loaded, m.activations} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) loadSucceeded() {
	if m == nil {
		return
	}
	m.loads.WithLabelValues("success", StageRegistered.String(), "").Inc()
	m.loaded.Inc()
}

func (m *Metrics) loadFailed(stage Stage, err error) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues("failure", stage.String(), ecode.KindOf(err).String()).Inc()
}

func (m *Metrics) unloaded(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.unloads.WithLabelValues(outcome).Inc()
	m.loaded.Dec()
}

func (m *Metrics) activated() {
	if m == nil {
		return
	}
	m.activations.Inc()
}
