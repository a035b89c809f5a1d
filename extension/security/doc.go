// Package security isolates plugin code: it decides which imports a plugin may
// use, tracks the resources an activation consumes and scopes the OS limits
// and environment markers applied while a plugin runs.
//
// # Import Guard
//
// Resolution order is allow-prefix, then block-prefix, then permit:
//
//	guard := security.NewImportGuard("weather", cfg.ExtraAllowed, cfg.ExtraBlocked)
//	guard.Validate("net/url")  // true: allowed although "net" is blocked
//	guard.Validate("os/exec")  // false, SecurityViolation
//	guard.Validate("acme/lib") // true, logged as unvetted
//
// # Sandbox
//
// Activation is a scoped acquisition. Every step taken is released on every
// exit path:
//
//	sb := security.NewSandbox(id, dir, limits, guard,
//	    security.WithLimiter(security.NewRLimitLimiter(sampler)),
//	)
//	err := sb.Run(ctx, func(ctx context.Context) error {
//	    v, err := sb.Resolver().Resolve("strings")
//	    ...
//	})
//
// Activating an active sandbox returns ErrAlreadyActive.
//
// # Resource Monitor
//
// Checks are pull based. Callers check at their own boundaries, typically
// before every plugin initiated outbound call:
//
//	if err := sb.Monitor().TrackAPICall(); err != nil {
//	    return err // RateLimitExceeded
//	}
//	if err := sb.Monitor().Check(); err != nil {
//	    return err // ResourceExceeded
//	}
//
// CPU and thread counts are soft limits and only log.
package security
