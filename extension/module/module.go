// Package module provides BaseModule, the embeddable base for gateway
// modules. It owns the interceptor pipeline and the module's request
// metrics and health.
package module

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ncobase/guardrail/ctxutil"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/interceptor"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/permission"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	tracerName = "github.com/ncobase/guardrail/extension/module"

	// emaAlpha weights the latest sample in the response time average
	emaAlpha = 0.1
)

// BaseModule implements everything in types.Module except ProcessRequest
type BaseModule struct {
	id          string
	chain       *interceptor.Chain
	permissions []string
	collector   *Collector
	now         func() time.Time
	startedAt   time.Time

	mu      sync.RWMutex
	metrics types.ModuleMetrics
	health  types.ModuleHealth
}

// Option configures a BaseModule
type Option func(*BaseModule)

// WithChain sets the interceptor chain; the default is an empty chain
func WithChain(c *interceptor.Chain) Option {
	return func(b *BaseModule) { b.chain = c }
}

// WithPermissions sets the permissions returned by GetRequiredPermissions
func WithPermissions(perms ...string) Option {
	return func(b *BaseModule) { b.permissions = slices.Clone(perms) }
}

// WithCollector reports every request to c
func WithCollector(c *Collector) Option {
	return func(b *BaseModule) { b.collector = c }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *BaseModule) { b.now = now }
}

// NewBaseModule creates a base for the module id
func NewBaseModule(id string, opts ...Option) *BaseModule {
	b := &BaseModule{id: id, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	if b.chain == nil {
		b.chain = interceptor.NewChain()
	}
	if b.permissions == nil {
		b.permissions = []string{permission.ModulePermission(id, permission.ActionExecute)}
	}
	b.startedAt = b.now()
	b.health = types.ModuleHealth{Status: types.HealthHealthy, Message: "no requests yet"}
	return b
}

// ID returns the module id
func (b *BaseModule) ID() string { return b.id }

// Chain returns the interceptor chain
func (b *BaseModule) Chain() *interceptor.Chain { return b.chain }

// Initialize is a no-op; embedding modules override it as needed
func (b *BaseModule) Initialize(context.Context) error { return nil }

// Cleanup is a no-op; embedding modules override it as needed
func (b *BaseModule) Cleanup(context.Context) error { return nil }

// GetRequiredPermissions returns the permissions callers need
func (b *BaseModule) GetRequiredPermissions() []string {
	return slices.Clone(b.permissions)
}

// ExecuteWithInterceptors runs handler inside the chain, timing the whole
// pipeline and updating metrics exactly once. The chain's error is returned
// unchanged.
func (b *BaseModule) ExecuteWithInterceptors(ctx context.Context, req types.Request, cc *types.CallContext, handler types.Handler) (types.Response, error) {
	if cc == nil {
		cc = types.CallContextFrom(ctx, b.id)
	}
	if cc.ModuleID == "" {
		cc.ModuleID = b.id
	}
	ctx, traceID := ctxutil.EnsureTraceID(ctx)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "module.execute")
	span.SetAttributes(attribute.String("module.id", b.id), attribute.String("trace.id", traceID))
	defer span.End()

	start := b.now()
	resp, err := b.chain.Execute(ctx, req, cc, handler)
	elapsed := b.now().Sub(start)

	status := b.record(elapsed, err)
	span.SetAttributes(
		attribute.Int64("module.duration_ms", elapsed.Milliseconds()),
		attribute.String("module.health", string(status)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ecode.KindOf(err).String())
	}
	return resp, err
}

func (b *BaseModule) record(elapsed time.Duration, err error) types.HealthStatus {
	b.mu.Lock()
	m := &b.metrics
	m.RequestsProcessed++
	if err != nil {
		m.TotalErrors++
	}
	if m.RequestsProcessed == 1 {
		m.AverageResponseTime = elapsed
	} else {
		avg := emaAlpha*float64(elapsed) + (1-emaAlpha)*float64(m.AverageResponseTime)
		m.AverageResponseTime = time.Duration(avg)
	}
	m.ErrorRate = float64(m.TotalErrors) / float64(m.RequestsProcessed)
	m.LastActivity = b.now()

	status := types.HealthFor(m.ErrorRate)
	b.health.Status = status
	b.health.Message = healthMessage(status, m.ErrorRate)
	b.mu.Unlock()

	if b.collector != nil {
		b.collector.Observe(b.id, elapsed, err, status)
	}
	return status
}

func healthMessage(status types.HealthStatus, rate float64) string {
	switch status {
	case types.HealthError:
		return fmt.Sprintf("error rate %.2f%% above %.0f%%", rate*100, types.ErrorErrorRate*100)
	case types.HealthWarning:
		return fmt.Sprintf("error rate %.2f%% above %.0f%%", rate*100, types.WarningErrorRate*100)
	default:
		return "operating normally"
	}
}

// Metrics returns a snapshot of the request counters
func (b *BaseModule) Metrics() types.ModuleMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// Health returns the current health with uptime filled in
func (b *BaseModule) Health() types.ModuleHealth {
	b.mu.RLock()
	h := b.health
	b.mu.RUnlock()
	h.Uptime = b.Uptime()
	return h
}

// Uptime returns the time since the module was created
func (b *BaseModule) Uptime() time.Duration {
	return b.now().Sub(b.startedAt)
}

// Instrumented is a module that embeds a BaseModule
type Instrumented interface {
	types.Module
	Base() *BaseModule
}

// Base returns b; embedding modules satisfy Instrumented through it
func (b *BaseModule) Base() *BaseModule { return b }

// Execute runs m's ProcessRequest through its chain using identity from ctx
func Execute(ctx context.Context, m Instrumented, req types.Request) (types.Response, error) {
	cc := types.CallContextFrom(ctx, m.ID())
	return m.Base().ExecuteWithInterceptors(ctx, req, cc, m.ProcessRequest)
}
