package ctxutil

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type ctxKey string

const (
	TraceIDKey      = "trace_id"
	userIDKey       = "user_id"
	apiKeyIDKey     = "api_key_id"
	tokenKey        = "token"
	clientIPKey     = "client_ip"
	userRolesKey    = "user_roles"
	userPermissions = "user_permissions"
	pluginIDKey     = "plugin_id"
)

const traceIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GetValue retrieves a value from the context.
func GetValue(ctx context.Context, key string) any {
	if ctx == nil {
		return nil
	}
	return ctx.Value(ctxKey(key))
}

// SetValue sets a value to the context.
func SetValue(ctx context.Context, key string, val any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey(key), val)
}

func getString(ctx context.Context, key string) string {
	if v, ok := GetValue(ctx, key).(string); ok {
		return v
	}
	return ""
}

func getStrings(ctx context.Context, key string) []string {
	if v, ok := GetValue(ctx, key).([]string); ok {
		return v
	}
	return []string{}
}

// SetUserID sets user id to context.Context.
func SetUserID(ctx context.Context, uid string) context.Context {
	return SetValue(ctx, userIDKey, uid)
}

// GetUserID gets user id from context.Context.
func GetUserID(ctx context.Context) string {
	return getString(ctx, userIDKey)
}

// SetAPIKeyID sets the id of the API key the caller authenticated with.
func SetAPIKeyID(ctx context.Context, id string) context.Context {
	return SetValue(ctx, apiKeyIDKey, id)
}

// GetAPIKeyID gets the API key id from context.Context.
func GetAPIKeyID(ctx context.Context) string {
	return getString(ctx, apiKeyIDKey)
}

// SetToken sets the raw bearer token to context.Context.
func SetToken(ctx context.Context, token string) context.Context {
	return SetValue(ctx, tokenKey, token)
}

// GetToken gets the raw bearer token from context.Context.
func GetToken(ctx context.Context) string {
	return getString(ctx, tokenKey)
}

// SetClientIP sets the caller address to context.Context.
func SetClientIP(ctx context.Context, ip string) context.Context {
	return SetValue(ctx, clientIPKey, ip)
}

// GetClientIP gets the caller address from context.Context.
func GetClientIP(ctx context.Context) string {
	return getString(ctx, clientIPKey)
}

// SetUserRoles sets user roles to context.Context.
func SetUserRoles(ctx context.Context, roles []string) context.Context {
	return SetValue(ctx, userRolesKey, roles)
}

// GetUserRoles gets user roles from context.Context.
func GetUserRoles(ctx context.Context) []string {
	return getStrings(ctx, userRolesKey)
}

// SetUserPermissions sets user permissions to context.Context.
func SetUserPermissions(ctx context.Context, permissions []string) context.Context {
	return SetValue(ctx, userPermissions, permissions)
}

// GetUserPermissions gets user permissions from context.Context.
func GetUserPermissions(ctx context.Context) []string {
	return getStrings(ctx, userPermissions)
}

// SetPluginID marks the context as running on behalf of a plugin.
func SetPluginID(ctx context.Context, id string) context.Context {
	return SetValue(ctx, pluginIDKey, id)
}

// GetPluginID gets the plugin id from context.Context.
func GetPluginID(ctx context.Context) string {
	return getString(ctx, pluginIDKey)
}

// GetTraceID gets trace id from context.Context.
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// SetTraceID sets trace id to context.Context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return SetValue(ctx, TraceIDKey, traceID)
}

// EnsureTraceID ensures that a trace ID exists in the context.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if traceID := GetTraceID(ctx); traceID != "" {
		return ctx, traceID
	}
	traceID := NewID()
	return SetTraceID(ctx, traceID), traceID
}

// NewID returns a short random identifier.
func NewID() string {
	id, err := gonanoid.Generate(traceIDAlphabet, 16)
	if err != nil {
		return gonanoid.Must()
	}
	return id
}
