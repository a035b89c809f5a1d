package ecode

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByKind(t *testing.T) {
	err := New(SecurityViolation, "import %q blocked", "os/exec")
	wrapped := fmt.Errorf("load plugin: %w", err)

	assert.True(t, errors.Is(wrapped, ErrSecurityViolation))
	assert.False(t, errors.Is(wrapped, ErrResourceExceeded))
	assert.Equal(t, SecurityViolation, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, SecurityViolation))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, Internal))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("setrlimit: operation not permitted")
	err := Wrap(ResourceExceeded, cause, "apply limits")

	assert.Equal(t, "apply limits: setrlimit: operation not permitted", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, "rate_limit_exceeded", (&Error{Kind: RateLimitExceeded}).Error())
}

func TestPublicHidesInternals(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{New(AuthenticationRequired, "authentication required"), "authentication required"},
		{New(InsufficientPermissions, "missing modules:chat:execute"), "missing modules:chat:execute"},
		{New(ValidationFailed, "payload too large"), "payload too large"},
		{Wrap(ResourceExceeded, errors.New("rss 900MB"), "memory"), genericResourceMsg},
		{New(SecurityViolation, "import os/exec"), genericSecurityMsg},
		{errors.New("boom"), genericInternalMsg},
		{nil, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Public(tc.err))
	}
}

func TestKindStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, AuthenticationRequired.Status())
	assert.Equal(t, http.StatusForbidden, InsufficientPermissions.Status())
	assert.Equal(t, http.StatusBadRequest, ValidationFailed.Status())
	assert.Equal(t, http.StatusTooManyRequests, RateLimitExceeded.Status())
	assert.Equal(t, http.StatusInternalServerError, Kind(99).Status())
	assert.Equal(t, "internal", Kind(99).String())
}

func TestWithField(t *testing.T) {
	err := New(ValidationFailed, "too long").WithField("size", 11)
	assert.Equal(t, 11, err.Fields["size"])
}

func TestMessageHelpers(t *testing.T) {
	assert.Equal(t, "path required", FieldIsRequired("path"))
	assert.Equal(t, "entry invalid", FieldIsInvalid("entry"))
	assert.Equal(t, "loaded already exists", AlreadyExist("loaded"))
	assert.Equal(t, "domain blocked", Blocked("domain"))
	assert.Equal(t, emptyMsg, FieldIsRequired())
}
