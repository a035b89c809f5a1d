package plugin

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/ncobase/guardrail/extension/security"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/logging/logger"
)

// Plugin is a loaded plugin instance. It is served like any other module.
type Plugin interface {
	types.Module
}

// Host is what a plugin factory receives at instantiation
type Host struct {
	Manifest *Manifest
	Dir      string
	Resolver types.Resolver
	Environ  []string
	// Limits is the effective sandbox budget, config defaults with the
	// manifest overrides applied
	Limits security.Limits
}

// Config returns a shallow copy of the manifest config section
func (h *Host) Config() map[string]any {
	if h.Manifest == nil || h.Manifest.Config == nil {
		return map[string]any{}
	}
	return maps.Clone(h.Manifest.Config)
}

// Factory creates a plugin for the manifest entry symbol it is registered under
type Factory func(ctx context.Context, host *Host) (Plugin, error)

// Registry maps manifest entry symbols to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under symbol. A symbol can be registered once.
func (r *Registry) Register(symbol string, f Factory) error {
	if symbol == "" || f == nil {
		return fmt.Errorf("register plugin factory: symbol and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[symbol]; exists {
		return fmt.Errorf("plugin factory %s already registered", symbol)
	}
	r.factories[symbol] = f
	logger.Debugf(context.Background(), "plugin factory %s registered", symbol)
	return nil
}

// Lookup returns the factory registered under symbol
func (r *Registry) Lookup(symbol string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[symbol]
	return f, ok
}

// Symbols returns the registered symbols in order
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

var builtin = NewRegistry()

// Register adds a factory to the process registry, typically from an init function
func Register(symbol string, f Factory) {
	if err := builtin.Register(symbol, f); err != nil {
		panic(err)
	}
}

// Builtin returns the process registry
func Builtin() *Registry { return builtin }
