package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Security holds sandbox defaults and import policy extensions
type Security struct {
	Sandbox       *Sandbox `json:"sandbox" yaml:"sandbox"`
	ExtraAllowed  []string `json:"extra_allowed_imports" yaml:"extra_allowed_imports"`
	ExtraBlocked  []string `json:"extra_blocked_imports" yaml:"extra_blocked_imports"`
	ScanPatterns  []string `json:"scan_patterns" yaml:"scan_patterns"`
	// ApplyRLimits caps the host process itself while any in-process plugin
	// is active. Off by default; rpc plugins cap their own process instead.
	ApplyRLimits  bool     `json:"apply_rlimits" yaml:"apply_rlimits"`
	JWTSecret     string   `json:"jwt_secret" yaml:"jwt_secret"`
	RedactKeys    []string `json:"redact_keys" yaml:"redact_keys"`
	APIBurstLimit int      `json:"api_burst_limit" yaml:"api_burst_limit"`
}

// Sandbox mirrors the per-plugin resource limits
type Sandbox struct {
	MaxMemoryMB          int      `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUPercent        float64  `json:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxExecutionSeconds  float64  `json:"max_execution_seconds" yaml:"max_execution_seconds"`
	MaxFileDescriptors   int      `json:"max_file_descriptors" yaml:"max_file_descriptors"`
	MaxThreads           int      `json:"max_threads" yaml:"max_threads"`
	MaxAPICallsPerMinute int      `json:"max_api_calls_per_minute" yaml:"max_api_calls_per_minute"`
	AllowedDomains       []string `json:"allowed_domains" yaml:"allowed_domains"`
}

// Validate validates security configuration
func (s *Security) Validate() error {
	if s.Sandbox == nil {
		return fmt.Errorf("security.sandbox is required")
	}
	if s.Sandbox.MaxCPUPercent < 0 || s.Sandbox.MaxCPUPercent > 100 {
		return fmt.Errorf("security.sandbox.max_cpu_percent must be between 0 and 100")
	}
	if s.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("security.sandbox.max_execution_seconds cannot be negative")
	}
	if s.Sandbox.MaxFileDescriptors < 0 || s.Sandbox.MaxThreads < 0 || s.Sandbox.MaxAPICallsPerMinute < 0 {
		return fmt.Errorf("security.sandbox limits cannot be negative")
	}
	if s.APIBurstLimit < 0 {
		return fmt.Errorf("security.api_burst_limit cannot be negative")
	}
	return nil
}

func getSecurityConfig(v *viper.Viper) *Security {
	return &Security{
		Sandbox: &Sandbox{
			MaxMemoryMB:          getIntOrDefault(v, "security.sandbox.max_memory_mb", 512),
			MaxCPUPercent:        getFloat64OrDefault(v, "security.sandbox.max_cpu_percent", 80),
			MaxExecutionSeconds:  getFloat64OrDefault(v, "security.sandbox.max_execution_seconds", 300),
			MaxFileDescriptors:   getIntOrDefault(v, "security.sandbox.max_file_descriptors", 1024),
			MaxThreads:           getIntOrDefault(v, "security.sandbox.max_threads", 64),
			MaxAPICallsPerMinute: getIntOrDefault(v, "security.sandbox.max_api_calls_per_minute", 1000),
			AllowedDomains:       v.GetStringSlice("security.sandbox.allowed_domains"),
		},
		ExtraAllowed:  v.GetStringSlice("security.extra_allowed_imports"),
		ExtraBlocked:  v.GetStringSlice("security.extra_blocked_imports"),
		ScanPatterns:  v.GetStringSlice("security.scan_patterns"),
		ApplyRLimits:  getBoolOrDefault(v, "security.apply_rlimits", false),
		JWTSecret:     v.GetString("security.jwt_secret"),
		RedactKeys:    v.GetStringSlice("security.redact_keys"),
		APIBurstLimit: getIntOrDefault(v, "security.api_burst_limit", 0),
	}
}
