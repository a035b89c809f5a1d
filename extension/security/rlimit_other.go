//go:build !linux && !darwin

package security

import (
	"context"

	"github.com/ncobase/guardrail/logging/logger"
)

// NewRLimitLimiter returns a limiter that only logs; this platform has no setrlimit
func NewRLimitLimiter(Sampler) Limiter {
	logger.Warnf(context.Background(), "resource limits are not supported on this platform")
	return noopLimiter{}
}
