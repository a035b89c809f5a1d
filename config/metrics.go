package config

import "github.com/spf13/viper"

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Listen    string `json:"listen" yaml:"listen"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

func getMetricsConfig(v *viper.Viper) *Metrics {
	return &Metrics{
		Listen:    getStringOrDefault(v, "metrics.listen", ":9464"),
		Namespace: getStringOrDefault(v, "metrics.namespace", "guardrail"),
	}
}
