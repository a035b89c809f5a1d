package types

import "time"

// HealthStatus is the derived health of a module
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

const (
	WarningErrorRate = 0.05
	ErrorErrorRate   = 0.10
)

// ModuleMetrics is a snapshot of a module's request counters
type ModuleMetrics struct {
	RequestsProcessed   int64         `json:"requests_processed"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ErrorRate           float64       `json:"error_rate"`
	TotalErrors         int64         `json:"total_errors"`
	LastActivity        time.Time     `json:"last_activity"`
}

// ModuleHealth is the health derived from ModuleMetrics
type ModuleHealth struct {
	Status  HealthStatus  `json:"status"`
	Message string        `json:"message"`
	Uptime  time.Duration `json:"uptime"`
}

// HealthFor maps an error rate to a status; each boundary stays in the lower tier
func HealthFor(errorRate float64) HealthStatus {
	switch {
	case errorRate > ErrorErrorRate:
		return HealthError
	case errorRate > WarningErrorRate:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
