package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	defaultMaxStringLength = 10000
	defaultMaxPayloadBytes = 10 * 1024 * 1024
)

// Interceptor tunes the built-in request pipeline
type Interceptor struct {
	MaxStringLength int    `json:"max_string_length" yaml:"max_string_length"`
	MaxPayloadBytes int    `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	PolicyFile      string `json:"policy_file" yaml:"policy_file"`
	PolicyQuery     string `json:"policy_query" yaml:"policy_query"`
}

// Validate validates interceptor configuration
func (c *Interceptor) Validate() error {
	if c.MaxStringLength <= 0 {
		return fmt.Errorf("interceptor.max_string_length must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("interceptor.max_payload_bytes must be positive")
	}
	return nil
}

func getInterceptorConfig(v *viper.Viper) *Interceptor {
	return &Interceptor{
		MaxStringLength: getIntOrDefault(v, "interceptor.max_string_length", defaultMaxStringLength),
		MaxPayloadBytes: getIntOrDefault(v, "interceptor.max_payload_bytes", defaultMaxPayloadBytes),
		PolicyFile:      v.GetString("interceptor.policy_file"),
		PolicyQuery:     getStringOrDefault(v, "interceptor.policy_query", "data.guardrail.allow"),
	}
}
