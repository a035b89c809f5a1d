package types

import (
	"context"
	"testing"

	"github.com/ncobase/guardrail/ctxutil"
	"github.com/stretchr/testify/assert"
)

func TestHealthForBoundaries(t *testing.T) {
	assert.Equal(t, HealthHealthy, HealthFor(0))
	assert.Equal(t, HealthHealthy, HealthFor(0.05))
	assert.Equal(t, HealthWarning, HealthFor(0.0500001))
	assert.Equal(t, HealthWarning, HealthFor(0.10))
	assert.Equal(t, HealthError, HealthFor(0.1000001))
	assert.Equal(t, HealthHealthy, HealthFor(1.0/21))
}

func TestCallContextFrom(t *testing.T) {
	ctx := ctxutil.SetUserID(context.Background(), "u-1")
	ctx = ctxutil.SetUserPermissions(ctx, []string{"modules:chat:execute"})
	ctx = ctxutil.SetClientIP(ctx, "10.0.0.1")

	cc := CallContextFrom(ctx, "chat")
	assert.Equal(t, "chat", cc.ModuleID)
	assert.True(t, cc.HasIdentity())
	assert.Equal(t, "u-1", cc.Caller())
	assert.Equal(t, []string{"modules:chat:execute"}, cc.Permissions)
	assert.Equal(t, "10.0.0.1", cc.ClientIP)

	empty := CallContextFrom(context.Background(), "chat")
	assert.False(t, empty.HasIdentity())
	assert.Equal(t, "api_key:k", (&CallContext{APIKeyID: "k"}).Caller())
}

func TestCallContextCloneIsolation(t *testing.T) {
	cc := &CallContext{Permissions: []string{"a:b"}}
	cc.Set("start", 1)
	cp := cc.Clone()
	cp.Permissions[0] = "x:y"
	cp.Set("start", 2)

	assert.Equal(t, "a:b", cc.Permissions[0])
	v, _ := cc.Get("start")
	assert.Equal(t, 1, v)
}

func TestAttributes(t *testing.T) {
	cc := &CallContext{UserID: "u", OwnerID: "o"}
	assert.Equal(t, map[string]any{"user_id": "u", "owner_id": "o"}, cc.Attributes())
}

func TestRequestString(t *testing.T) {
	r := Request{"action": "read", "n": 3}
	assert.Equal(t, "read", r.String("action", "execute"))
	assert.Equal(t, "execute", r.String("missing", "execute"))
	assert.Equal(t, "execute", r.String("n", "execute"))
}

func TestEventPayload(t *testing.T) {
	p, err := EventPayload(EventData{Data: map[string]any{"plugin": "echo"}})
	assert.NoError(t, err)
	assert.Equal(t, "echo", PayloadValue[string](p, "plugin"))

	p, err = EventPayload(`{"plugin":"x"}`)
	assert.NoError(t, err)
	assert.Equal(t, "x", PayloadValue[string](p, "plugin"))
	assert.Equal(t, 0, PayloadValue[int](p, "plugin"))

	p, err = EventPayload(struct {
		Stage string `json:"stage"`
	}{Stage: "initialize"})
	assert.NoError(t, err)
	assert.Equal(t, "initialize", PayloadValue[string](p, "stage"))

	p, err = EventPayload(nil)
	assert.NoError(t, err)
	assert.Empty(t, p)

	_, err = EventPayload("not json")
	assert.Error(t, err)
}
