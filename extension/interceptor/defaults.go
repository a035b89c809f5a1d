package interceptor

import (
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/permission"
	"github.com/ncobase/guardrail/security/redact"
	"github.com/ncobase/guardrail/security/scanner"
)

// Options configures the built-in interceptors
type Options struct {
	Tokens          TokenResolver
	Roles           *permission.Roles
	Scanner         *scanner.Scanner
	Redactor        *redact.Redactor
	Audit           AuditEmitter
	MaxStringLength int
	MaxPayloadBytes int
}

// Defaults returns the built-ins in their fixed order:
// authentication, permission, validation, metrics, security, audit
func Defaults(opts Options) []types.Interceptor {
	return []types.Interceptor{
		NewAuthenticationInterceptor(opts.Tokens),
		NewPermissionInterceptor(opts.Roles),
		NewValidationInterceptor(opts.MaxStringLength, opts.MaxPayloadBytes),
		NewMetricsInterceptor(),
		NewSecurityInterceptor(opts.Scanner, opts.Redactor),
		NewAuditInterceptor(opts.Audit),
	}
}

// DefaultChain returns a chain of the built-ins
func DefaultChain(opts Options) *Chain {
	return NewChain(Defaults(opts)...)
}
