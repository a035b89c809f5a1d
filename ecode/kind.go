package ecode

import "net/http"

// Kind classifies an error
type Kind int

const (
	Internal Kind = iota
	AuthenticationRequired
	InsufficientPermissions
	ValidationFailed
	SecurityViolation
	ResourceExceeded
	RateLimitExceeded
	PluginLoadFailed
)

var kindNames = map[Kind]string{
	Internal:                "internal",
	AuthenticationRequired:  "authentication_required",
	InsufficientPermissions: "insufficient_permissions",
	ValidationFailed:        "validation_failed",
	SecurityViolation:       "security_violation",
	ResourceExceeded:        "resource_exceeded",
	RateLimitExceeded:       "rate_limit_exceeded",
	PluginLoadFailed:        "plugin_load_failed",
}

var kindStatus = map[Kind]int{
	Internal:                http.StatusInternalServerError,
	AuthenticationRequired:  http.StatusUnauthorized,
	InsufficientPermissions: http.StatusForbidden,
	ValidationFailed:        http.StatusBadRequest,
	SecurityViolation:       http.StatusForbidden,
	ResourceExceeded:        http.StatusTooManyRequests,
	RateLimitExceeded:       http.StatusTooManyRequests,
	PluginLoadFailed:        http.StatusUnprocessableEntity,
}

// String returns the snake_case name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[Internal]
}

// Status returns the HTTP-equivalent status code
func (k Kind) Status() int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Verbatim reports whether messages of this kind are safe to show to end users
func (k Kind) Verbatim() bool {
	switch k {
	case AuthenticationRequired, InsufficientPermissions, ValidationFailed, RateLimitExceeded:
		return true
	default:
		return false
	}
}
