package module

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ncobase/guardrail/audit"
	"github.com/ncobase/guardrail/ctxutil"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/interceptor"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type echoModule struct {
	*BaseModule
	calls int
}

func (m *echoModule) ProcessRequest(_ context.Context, req types.Request, cc *types.CallContext) (types.Response, error) {
	m.calls++
	return types.Response{"echo": req["text"], "caller": cc.Caller()}, nil
}

func TestMissingIdentityCountsAsError(t *testing.T) {
	chain := interceptor.NewChain(
		interceptor.NewAuthenticationInterceptor(nil),
		interceptor.NewPermissionInterceptor(nil),
		interceptor.NewValidationInterceptor(0, 0),
	)
	m := &echoModule{BaseModule: NewBaseModule("echo", WithChain(chain))}

	_, err := Execute(context.Background(), m, types.Request{"text": "hi"})
	assert.ErrorIs(t, err, ecode.ErrAuthenticationRequired)
	assert.Equal(t, 0, m.calls, "handler must not run")

	metrics := m.Metrics()
	assert.Equal(t, int64(1), metrics.TotalErrors)
	assert.Equal(t, int64(1), metrics.RequestsProcessed)
	assert.Equal(t, 1.0, metrics.ErrorRate)
	assert.Equal(t, types.HealthError, m.Health().Status)
}

func TestErrorRateAfterTwentyOneRequests(t *testing.T) {
	clock := newFakeClock()
	b := NewBaseModule("slow", WithClock(clock.Now))
	fail := errors.New("upstream failed")

	handler := func(failing bool) types.Handler {
		return func(context.Context, types.Request, *types.CallContext) (types.Response, error) {
			clock.Advance(50 * time.Millisecond)
			if failing {
				return nil, fail
			}
			return types.Response{}, nil
		}
	}

	for i := 0; i < 20; i++ {
		_, err := b.ExecuteWithInterceptors(context.Background(), types.Request{}, nil, handler(false))
		require.NoError(t, err)
	}
	_, err := b.ExecuteWithInterceptors(context.Background(), types.Request{}, nil, handler(true))
	assert.Same(t, fail, err)

	m := b.Metrics()
	assert.Equal(t, int64(21), m.RequestsProcessed)
	assert.Equal(t, int64(1), m.TotalErrors)
	assert.InDelta(t, 1.0/21, m.ErrorRate, 1e-12)
	assert.InDelta(t, float64(50*time.Millisecond), float64(m.AverageResponseTime), float64(time.Microsecond))
	assert.Equal(t, types.HealthHealthy, b.Health().Status)
	assert.Equal(t, clock.Now(), m.LastActivity)
}

func TestFirstSampleSetsAverage(t *testing.T) {
	clock := newFakeClock()
	b := NewBaseModule("m", WithClock(clock.Now))

	_, err := b.ExecuteWithInterceptors(context.Background(), types.Request{}, nil,
		func(context.Context, types.Request, *types.CallContext) (types.Response, error) {
			clock.Advance(37 * time.Millisecond)
			return types.Response{}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 37*time.Millisecond, b.Metrics().AverageResponseTime)

	_, err = b.ExecuteWithInterceptors(context.Background(), types.Request{}, nil,
		func(context.Context, types.Request, *types.CallContext) (types.Response, error) {
			clock.Advance(137 * time.Millisecond)
			return types.Response{}, nil
		})
	require.NoError(t, err)
	// 0.1*137 + 0.9*37
	assert.InDelta(t, float64(47*time.Millisecond), float64(b.Metrics().AverageResponseTime), float64(time.Microsecond))
}

func TestHealthTransitions(t *testing.T) {
	b := NewBaseModule("m")
	ok := func(context.Context, types.Request, *types.CallContext) (types.Response, error) {
		return types.Response{}, nil
	}
	bad := func(context.Context, types.Request, *types.CallContext) (types.Response, error) {
		return nil, errors.New("x")
	}

	for i := 0; i < 19; i++ {
		_, _ = b.ExecuteWithInterceptors(context.Background(), nil, nil, ok)
	}
	_, _ = b.ExecuteWithInterceptors(context.Background(), nil, nil, bad)
	assert.Equal(t, types.HealthHealthy, b.Health().Status, "exactly 5% stays healthy")

	_, _ = b.ExecuteWithInterceptors(context.Background(), nil, nil, bad)
	assert.Equal(t, types.HealthWarning, b.Health().Status)

	for i := 0; i < 2; i++ {
		_, _ = b.ExecuteWithInterceptors(context.Background(), nil, nil, bad)
	}
	assert.Equal(t, types.HealthError, b.Health().Status)
	assert.Contains(t, b.Health().Message, "error rate")
}

func TestConcurrentRequests(t *testing.T) {
	b := NewBaseModule("m")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.ExecuteWithInterceptors(context.Background(), nil, nil,
				func(context.Context, types.Request, *types.CallContext) (types.Response, error) {
					return types.Response{}, nil
				})
			_ = b.Health()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), b.Metrics().RequestsProcessed)
}

func TestExecuteUsesContextIdentity(t *testing.T) {
	m := &echoModule{BaseModule: NewBaseModule("echo", WithChain(interceptor.DefaultChain(interceptor.Options{})))}
	ctx := ctxutil.SetUserID(context.Background(), "u-1")
	ctx = ctxutil.SetUserPermissions(ctx, []string{"modules:echo:execute"})

	resp, err := Execute(ctx, m, types.Request{"text": "<script>hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp["echo"])
	assert.Equal(t, "u-1", resp["caller"])
	assert.Equal(t, []string{"modules:echo:execute"}, m.GetRequiredPermissions())
	assert.Equal(t, types.HealthHealthy, m.Health().Status)
}

func TestExecutionSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	b := NewBaseModule("m", WithChain(interceptor.NewChain(interceptor.NewAuthenticationInterceptor(nil))))
	_, err := b.ExecuteWithInterceptors(context.Background(), nil, &types.CallContext{UserID: "u"},
		func(context.Context, types.Request, *types.CallContext) (types.Response, error) {
			return types.Response{}, nil
		})
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "module.execute")
	assert.Contains(t, names, "pre:authentication")
	assert.Contains(t, names, "post:authentication")
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("guardrail")
	require.NoError(t, c.Register(reg))

	b := NewBaseModule("chat", WithCollector(c), WithChain(interceptor.NewChain(interceptor.NewAuthenticationInterceptor(nil))))
	ok := func(context.Context, types.Request, *types.CallContext) (types.Response, error) {
		return types.Response{}, nil
	}
	_, _ = b.ExecuteWithInterceptors(context.Background(), nil, &types.CallContext{UserID: "u"}, ok)
	_, _ = b.ExecuteWithInterceptors(context.Background(), nil, &types.CallContext{}, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("chat", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("chat", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("chat", "authentication_required")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.health.WithLabelValues("chat")))
	assert.Error(t, c.Register(reg), "duplicate registration")
}

type auditCapture struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *auditCapture) EmitAuditEvent(_ context.Context, rec audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func TestExecuteAttachesTraceID(t *testing.T) {
	em := &auditCapture{}
	b := NewBaseModule("echo", WithChain(interceptor.DefaultChain(interceptor.Options{Audit: em})))
	cc := func() *types.CallContext {
		return &types.CallContext{UserID: "u", Permissions: []string{"modules:echo:execute"}}
	}

	var seen string
	handler := func(ctx context.Context, _ types.Request, _ *types.CallContext) (types.Response, error) {
		seen = ctxutil.GetTraceID(ctx)
		return types.Response{}, nil
	}

	_, err := b.ExecuteWithInterceptors(context.Background(), types.Request{}, cc(), handler)
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	require.Len(t, em.records, 1)
	assert.Equal(t, seen, em.records[0].TraceID)

	ctx := ctxutil.SetTraceID(context.Background(), "trace-7")
	_, err = b.ExecuteWithInterceptors(ctx, types.Request{}, cc(), handler)
	require.NoError(t, err)
	assert.Equal(t, "trace-7", seen)
	assert.Equal(t, "trace-7", em.records[1].TraceID)
}
