package ecode

import (
	"errors"
	"fmt"
)

const (
	emptyMsg    = "empty"
	requiredMsg = "required"
	invalidMsg  = "invalid"
	existMsg    = "already exists"
	notExistMsg = "does not exist"
	exceededMsg = "exceeded"
	blockedMsg  = "blocked"
	failedMsg   = "failed"

	genericSecurityMsg = "request blocked by security policy"
	genericResourceMsg = "resource limit reached"
	genericInternalMsg = "internal error"
)

// Error is the error type returned across the module
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Fields  map[string]any
}

// Sentinel values for errors.Is matching by kind
var (
	ErrAuthenticationRequired  = &Error{Kind: AuthenticationRequired}
	ErrInsufficientPermissions = &Error{Kind: InsufficientPermissions}
	ErrValidationFailed        = &Error{Kind: ValidationFailed}
	ErrSecurityViolation       = &Error{Kind: SecurityViolation}
	ErrResourceExceeded        = &Error{Kind: ResourceExceeded}
	ErrRateLimitExceeded       = &Error{Kind: RateLimitExceeded}
	ErrPluginLoadFailed        = &Error{Kind: PluginLoadFailed}
)

// New creates an error of the given kind
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping cause
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error implements error
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithField attaches diagnostic context
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// KindOf returns the kind of the first *Error in the chain, or Internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public returns the message that may be shown verbatim to end users
func Public(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return genericInternalMsg
	}
	if e.Kind.Verbatim() {
		if e.Message != "" {
			return e.Message
		}
		return e.Kind.String()
	}
	switch e.Kind {
	case SecurityViolation:
		return genericSecurityMsg
	case ResourceExceeded:
		return genericResourceMsg
	case PluginLoadFailed:
		return Failed("plugin load")
	default:
		return genericInternalMsg
	}
}

// FieldIsRequired returns field required message
func FieldIsRequired(k ...string) string {
	if len(k) > 0 {
		return fmt.Sprintf("%s %s", k[0], requiredMsg)
	}
	return emptyMsg
}

// FieldIsInvalid returns field invalid message
func FieldIsInvalid(k ...string) string {
	if len(k) > 0 {
		return fmt.Sprintf("%s %s", k[0], invalidMsg)
	}
	return invalidMsg
}

// Failed returns failed message
func Failed(k ...string) string {
	if len(k) > 0 {
		return fmt.Sprintf("%s %s", k[0], failedMsg)
	}
	return failedMsg
}

// AlreadyExist returns already exist message
func AlreadyExist(k ...string) string {
	if len(k) > 0 {
		return fmt.Sprintf("%s %s", k[0], existMsg)
	}
	return existMsg
}

// NotExist returns not exist message
func NotExist(k ...string) string {
	if len(k) > 0 {
		return fmt.Sprintf("%s %s", k[0], notExistMsg)
	}
	return notExistMsg
}

// Exceeded returns limit exceeded message
func Exceeded(k ...string) string {
	if len(k) > 0 {
		return fmt.Sprintf("%s %s", k[0], exceededMsg)
	}
	return exceededMsg
}

// Blocked returns blocked message
func Blocked(k ...string) string {
	if len(k) > 0 {
		return fmt.Sprintf("%s %s", k[0], blockedMsg)
	}
	return blockedMsg
}
