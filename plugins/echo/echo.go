// Package echo is a minimal plugin that returns its input. It is compiled
// into the guardrail binary under the entry symbol "echo.New" and is also
// served out of process by cmd/echo-plugin.
package echo

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ncobase/guardrail/extension/plugin"
	"github.com/ncobase/guardrail/extension/types"
)

// Symbol is the manifest entry this plugin registers under
const Symbol = "echo.New"

func init() {
	plugin.Register(Symbol, func(_ context.Context, h *plugin.Host) (plugin.Plugin, error) {
		return New(h.Manifest.Name, h.Config()), nil
	})
}

// Echo returns the request with an optional prefix applied to "message"
type Echo struct {
	id     string
	prefix string
	ready  atomic.Bool
	calls  atomic.Int64
}

// New creates the plugin; cfg may carry a "prefix" string
func New(id string, cfg map[string]any) *Echo {
	e := &Echo{id: id}
	if p, ok := cfg["prefix"].(string); ok {
		e.prefix = p
	}
	return e
}

func (e *Echo) ID() string { return e.id }

func (e *Echo) Initialize(context.Context) error {
	e.ready.Store(true)
	return nil
}

func (e *Echo) Cleanup(context.Context) error {
	e.ready.Store(false)
	return nil
}

func (e *Echo) GetRequiredPermissions() []string { return []string{"execute"} }

func (e *Echo) ProcessRequest(_ context.Context, req types.Request, cc *types.CallContext) (types.Response, error) {
	if !e.ready.Load() {
		return nil, fmt.Errorf("echo %s is not initialized", e.id)
	}
	n := e.calls.Add(1)
	resp := types.Response{"echo": req, "calls": n}
	if msg, ok := req["message"].(string); ok {
		resp["message"] = strings.TrimSpace(e.prefix + msg)
	}
	if cc != nil {
		resp["caller"] = cc.UserID
	}
	return resp, nil
}
