package types

import (
	"context"
	"slices"

	"github.com/ncobase/guardrail/ctxutil"
)

// Request is the normalized payload handed to a module
type Request map[string]any

// Response is the payload a module returns
type Response map[string]any

// String returns the string value at key, or def when absent
func (r Request) String(key, def string) string {
	if v, ok := r[key].(string); ok && v != "" {
		return v
	}
	return def
}

// CallContext carries the caller identity and per-call values through the chain
type CallContext struct {
	ModuleID    string
	UserID      string
	APIKeyID    string
	OwnerID     string
	Token       string
	ClientIP    string
	Roles       []string
	Permissions []string

	values map[string]any
}

// CallContextFrom builds a CallContext from identity stored in ctx
func CallContextFrom(ctx context.Context, moduleID string) *CallContext {
	return &CallContext{
		ModuleID:    moduleID,
		UserID:      ctxutil.GetUserID(ctx),
		APIKeyID:    ctxutil.GetAPIKeyID(ctx),
		Token:       ctxutil.GetToken(ctx),
		ClientIP:    ctxutil.GetClientIP(ctx),
		Roles:       slices.Clone(ctxutil.GetUserRoles(ctx)),
		Permissions: slices.Clone(ctxutil.GetUserPermissions(ctx)),
	}
}

// HasIdentity reports whether a user or API key identity is present
func (c *CallContext) HasIdentity() bool {
	return c != nil && (c.UserID != "" || c.APIKeyID != "")
}

// Caller returns the identity used in audit records
func (c *CallContext) Caller() string {
	if c == nil {
		return ""
	}
	if c.UserID != "" {
		return c.UserID
	}
	if c.APIKeyID != "" {
		return "api_key:" + c.APIKeyID
	}
	return ""
}

// Set stores a per-call value
func (c *CallContext) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

// Get returns a per-call value
func (c *CallContext) Get(key string) (any, bool) {
	if c == nil || c.values == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// Attributes returns the attribute map used by context-aware permission checks
func (c *CallContext) Attributes() map[string]any {
	attrs := map[string]any{}
	if c == nil {
		return attrs
	}
	if c.UserID != "" {
		attrs["user_id"] = c.UserID
	}
	if c.OwnerID != "" {
		attrs["owner_id"] = c.OwnerID
	}
	return attrs
}

// Clone returns a copy safe to modify in another interceptor
func (c *CallContext) Clone() *CallContext {
	if c == nil {
		return &CallContext{}
	}
	out := *c
	out.Roles = slices.Clone(c.Roles)
	out.Permissions = slices.Clone(c.Permissions)
	if c.values != nil {
		out.values = make(map[string]any, len(c.values))
		for k, v := range c.values {
			out.values[k] = v
		}
	}
	return &out
}
