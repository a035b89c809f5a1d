package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ncobase/guardrail/ecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected fault")

type fault struct {
	fail   bool
	panics bool
}

func (f fault) trigger() error {
	if f.panics {
		panic("injected panic")
	}
	if f.fail {
		return errInjected
	}
	return nil
}

type fakeTable struct {
	fault
	snapshots int
	restores  int
}

func (t *fakeTable) Snapshot() (Snapshot, error) {
	if err := t.trigger(); err != nil {
		return Snapshot{}, err
	}
	t.snapshots++
	return Snapshot{}, nil
}

func (t *fakeTable) Restore(Snapshot) error {
	t.restores++
	return nil
}

type fakeLimiter struct {
	fault
	original int
	current  int
}

func (l *fakeLimiter) Apply(limits Limits) (func() error, error) {
	if err := l.trigger(); err != nil {
		return nil, err
	}
	l.current = limits.MaxFileDescriptors
	return func() error {
		l.current = l.original
		return nil
	}, nil
}

type fakeHook struct {
	fault
	installed bool
}

func (h *fakeHook) Install(*ImportGuard) error {
	if err := h.trigger(); err != nil {
		return err
	}
	h.installed = true
	return nil
}

func (h *fakeHook) Uninstall() error {
	h.installed = false
	return nil
}

func (h *fakeHook) Installed() bool { return h.installed }

type fakeEnv struct {
	fault
	failKey string
	vars    map[string]string
}

func (e *fakeEnv) Set(key, value string) error {
	if key == e.failKey {
		if err := e.trigger(); err != nil {
			return err
		}
	}
	e.vars[key] = value
	return nil
}

func (e *fakeEnv) Unset(key string) error {
	delete(e.vars, key)
	return nil
}

func (e *fakeEnv) Environ() []string {
	var out []string
	for k, v := range e.vars {
		out = append(out, k+"="+v)
	}
	return out
}

type harness struct {
	table   *fakeTable
	limiter *fakeLimiter
	hook    *fakeHook
	env     *fakeEnv
	sandbox *Sandbox
}

func newHarness() *harness {
	h := &harness{
		table:   &fakeTable{},
		limiter: &fakeLimiter{original: 4096, current: 4096},
		hook:    &fakeHook{},
		env:     &fakeEnv{failKey: EnvPluginDir, vars: map[string]string{}},
	}
	limits := DefaultLimits()
	limits.MaxFileDescriptors = 64
	h.sandbox = NewSandbox("demo", "/plugins/demo", limits, nil,
		WithModuleTable(h.table),
		WithLimiter(h.limiter),
		WithImportHook(h.hook),
		WithEnvironment(h.env),
		WithMonitorOptions(WithSampler(&fakeSampler{})),
	)
	return h
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	assert.False(t, h.hook.installed, "import guard uninstalled")
	assert.Equal(t, h.limiter.original, h.limiter.current, "limits reset")
	assert.Empty(t, h.env.vars, "environment markers cleared")
	assert.Equal(t, StateInactive, h.sandbox.State())
	assert.Nil(t, h.sandbox.Monitor())
}

func TestActivateReleasesOnFaultAtEachStep(t *testing.T) {
	steps := []struct {
		name   string
		inject func(h *harness, f fault)
	}{
		{"snapshot", func(h *harness, f fault) { h.table.fault = f }},
		{"rlimits", func(h *harness, f fault) { h.limiter.fault = f }},
		{"import guard", func(h *harness, f fault) { h.hook.fault = f }},
		{"environment", func(h *harness, f fault) { h.env.fault = f }},
	}

	for i, step := range steps {
		for _, mode := range []string{"error", "panic"} {
			t.Run(fmt.Sprintf("%d-%s-%s", i+1, step.name, mode), func(t *testing.T) {
				h := newHarness()
				f := fault{fail: mode == "error", panics: mode == "panic"}
				step.inject(h, f)

				if f.panics {
					assert.PanicsWithValue(t, "injected panic", func() {
						_ = h.sandbox.Activate(context.Background())
					})
				} else {
					err := h.sandbox.Activate(context.Background())
					require.Error(t, err)
					assert.ErrorIs(t, err, errInjected)
				}
				h.assertReleased(t)
				if i > 0 {
					assert.Equal(t, 1, h.table.restores, "snapshot restored")
				}

				step.inject(h, fault{})
				require.NoError(t, h.sandbox.Activate(context.Background()), "sandbox is reusable after a failed activation")
				require.NoError(t, h.sandbox.Deactivate(context.Background()))
			})
		}
	}
}

func TestActivateDeactivate(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.sandbox.Activate(ctx))
	assert.Equal(t, StateActive, h.sandbox.State())
	assert.True(t, h.hook.installed)
	assert.Equal(t, 64, h.limiter.current)
	assert.Equal(t, "1", h.env.vars[EnvSandbox])
	assert.Equal(t, "/plugins/demo", h.env.vars[EnvPluginDir])
	assert.Equal(t, h.sandbox.ActivationID(), h.env.vars[EnvActivationID])
	assert.NotNil(t, h.sandbox.Monitor())

	err := h.sandbox.Activate(ctx)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, StateActive, h.sandbox.State(), "failed re-activation leaves the sandbox active")

	require.NoError(t, h.sandbox.Deactivate(ctx))
	h.assertReleased(t)
	assert.Equal(t, 1, h.table.restores)
	assert.ErrorIs(t, h.sandbox.Deactivate(ctx), ErrNotActive)
}

func TestRunReleasesOnPanic(t *testing.T) {
	h := newHarness()
	assert.PanicsWithValue(t, "plugin bug", func() {
		_ = h.sandbox.Run(context.Background(), func(context.Context) error {
			panic("plugin bug")
		})
	})
	h.assertReleased(t)
}

func TestRunReturnsBodyError(t *testing.T) {
	h := newHarness()
	boom := errors.New("body failed")
	err := h.sandbox.Run(context.Background(), func(context.Context) error { return boom })
	assert.Same(t, boom, err)
	h.assertReleased(t)
}

func TestResolverEvictsSessionLoads(t *testing.T) {
	caps := NewCapabilityTable()
	caps.Register("strings", "strings-capability")
	caps.Register("os/exec", "never")
	s := NewSandbox("demo", "/tmp/demo", DefaultLimits(), nil,
		WithCapabilities(caps),
		WithMonitorOptions(WithSampler(&fakeSampler{})),
	)
	r := s.Resolver()

	_, err := r.Resolve("strings")
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, s.Activate(context.Background()))
	assert.True(t, caps.Installed())

	v, err := r.Resolve("strings")
	require.NoError(t, err)
	assert.Equal(t, "strings-capability", v)

	_, err = r.Resolve("os/exec")
	assert.ErrorIs(t, err, ecode.ErrSecurityViolation)
	assert.Equal(t, []string{"strings"}, caps.Loaded())
	assert.Equal(t, []string{"os/exec"}, s.Guard().Violations())

	require.NoError(t, s.Deactivate(context.Background()))
	assert.False(t, caps.Installed())
	assert.Empty(t, caps.Loaded(), "modules loaded during the session are evicted")
}

func TestEnvironForChildProcess(t *testing.T) {
	s := NewSandbox("demo", "/p/demo", DefaultLimits(), nil, WithMonitorOptions(WithSampler(&fakeSampler{})))
	require.NoError(t, s.Activate(context.Background()))
	env := strings.Join(s.Environ(), "\n")
	assert.Contains(t, env, EnvSandbox+"=1")
	assert.Contains(t, env, EnvPluginID+"=demo")
	require.NoError(t, s.Deactivate(context.Background()))
	assert.Empty(t, s.Environ())
}

func TestValidateNetworkAccess(t *testing.T) {
	open := NewSandbox("a", "", DefaultLimits(), nil)
	assert.True(t, open.ValidateNetworkAccess("anything.example"))

	limits := DefaultLimits()
	limits.AllowedDomains = []string{"api.openai.com", "*.example.com"}
	s := NewSandbox("b", "", limits, nil)

	assert.True(t, s.ValidateNetworkAccess("api.openai.com"))
	assert.True(t, s.ValidateNetworkAccess("API.OpenAI.com:443"))
	assert.True(t, s.ValidateNetworkAccess("a.example.com"))
	assert.True(t, s.ValidateNetworkAccess("deep.a.example.com"))
	assert.False(t, s.ValidateNetworkAccess("example.com"))
	assert.False(t, s.ValidateNetworkAccess("evil-example.com"))
	assert.False(t, s.ValidateNetworkAccess("openai.com"))
	assert.False(t, s.ValidateNetworkAccess(""))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "inactive", StateInactive.String())
	assert.Equal(t, "activating", StateActivating.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "deactivating", StateDeactivating.String())
}
