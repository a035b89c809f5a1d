package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ncobase/guardrail/config"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/security"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/permission"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const evilSource = `package evil

func Run() string {
	return "subprocess.Popen"
}
`

func newTestLoader(t *testing.T, pcfg *config.Plugin, opts ...Option) (*Loader, *countingHook, *recorder) {
	t.Helper()
	hook := &countingHook{}
	rec := &recorder{}
	if pcfg == nil {
		pcfg = &config.Plugin{LoadTimeout: time.Second, InitTimeout: time.Second}
	}
	base := []Option{
		WithSandboxOptions(security.WithImportHook(hook)),
		WithPublisher(rec),
		WithPlatformVersion("1.5.0"),
	}
	return NewLoader(pcfg, nil, append(base, opts...)...), hook, rec
}

func TestLoadRegistersPlugin(t *testing.T) {
	p := &testPlugin{id: "echo"}
	var host *Host
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo.New", func(_ context.Context, h *Host) (Plugin, error) {
		host = h
		return p, nil
	}))
	perms := permission.NewRegistry()
	metrics := NewMetrics("test")
	l, hook, rec := newTestLoader(t, nil, WithRegistry(reg), WithPermissionRegistry(perms), WithMetrics(metrics))

	dir := writePlugin(t, t.TempDir(), "echo", manifestYAML("echo", "echo.New")+"config:\n  greeting: hi\n", cleanSource)
	loaded, err := l.Load(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "echo", loaded.ID())
	assert.True(t, p.initialized.Load())
	assert.Equal(t, security.StateActive, loaded.Sandbox.State())
	assert.Equal(t, 128, loaded.Sandbox.Limits().MaxMemoryMB)
	assert.True(t, loaded.Sandbox.ValidateNetworkAccess("api.example.com"))
	assert.False(t, loaded.Sandbox.ValidateNetworkAccess("evil.example.org"))
	assert.Equal(t, []string{"modules:echo:execute", "modules:echo:configure"}, loaded.Permissions)
	assert.Equal(t, []string{"modules:echo:configure", "modules:echo:execute"}, perms.List("modules:echo:"))

	require.NotNil(t, host)
	assert.Equal(t, "hi", host.Config()["greeting"])
	assert.NotNil(t, host.Resolver)
	assert.Contains(t, host.Environ, security.EnvPluginID+"=echo")

	installs, uninstalls := hook.counts()
	assert.Equal(t, 1, installs)
	assert.Equal(t, 0, uninstalls)
	assert.Equal(t, []string{types.EventPluginLoaded}, rec.names())

	got, ok := l.Get("echo")
	require.True(t, ok)
	assert.Same(t, loaded, got)
	assert.Len(t, l.List(), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.activations))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loads.WithLabelValues("success", "registered", "")))
}

func TestLoadStaticScanRejectsBeforeSandbox(t *testing.T) {
	p := &testPlugin{id: "evil"}
	metrics := NewMetrics("test")
	l, hook, rec := newTestLoader(t, nil, WithRegistry(registryWith(t, "evil.New", p)), WithMetrics(metrics))

	dir := writePlugin(t, t.TempDir(), "evil", manifestYAML("evil", "evil.New"), evilSource)
	_, err := l.Load(context.Background(), dir)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ecode.ErrSecurityViolation))
	assert.Contains(t, err.Error(), "subprocess.")

	installs, _ := hook.counts()
	assert.Zero(t, installs, "sandbox must not be activated")
	assert.False(t, p.initialized.Load())
	_, ok := l.Get("evil")
	assert.False(t, ok)

	assert.Equal(t, []string{types.EventSecurityViolation, types.EventPluginLoadFailed}, rec.names())
	assert.Equal(t, StageStaticScan.String(), rec.last()["stage"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loads.WithLabelValues("failure", "static_security_scan", "security_violation")))
}

func TestLoadReleasesSandboxOnInitFailure(t *testing.T) {
	p := &testPlugin{id: "echo", initErr: errors.New("database unreachable")}
	l, hook, rec := newTestLoader(t, nil, WithRegistry(registryWith(t, "echo.New", p)))
	dir := writePlugin(t, t.TempDir(), "echo", manifestYAML("echo", "echo.New"), cleanSource)

	_, err := l.Load(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, ecode.IsKind(err, ecode.PluginLoadFailed))

	installs, uninstalls := hook.counts()
	assert.Equal(t, 1, installs)
	assert.Equal(t, 1, uninstalls)
	assert.Equal(t, int32(1), p.cleaned.Load())
	assert.Empty(t, l.List())
	assert.Equal(t, StageInitialize.String(), rec.last()["stage"])

	// the failed attempt leaves nothing reserved
	p.initErr = nil
	_, err = l.Load(context.Background(), dir)
	require.NoError(t, err)
}

func TestLoadInitTimeout(t *testing.T) {
	p := &testPlugin{id: "slow", blockInit: true}
	pcfg := &config.Plugin{LoadTimeout: time.Second, InitTimeout: 50 * time.Millisecond}
	l, hook, _ := newTestLoader(t, pcfg, WithRegistry(registryWith(t, "slow.New", p)))
	dir := writePlugin(t, t.TempDir(), "slow", manifestYAML("slow", "slow.New"), cleanSource)

	start := time.Now()
	_, err := l.Load(context.Background(), dir)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, ecode.IsKind(err, ecode.PluginLoadFailed))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, uninstalls := hook.counts()
	assert.Equal(t, 1, uninstalls)
}

func TestLoadFactoryPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("boom.New", func(context.Context, *Host) (Plugin, error) {
		panic("factory exploded")
	}))
	l, hook, _ := newTestLoader(t, nil, WithRegistry(reg))
	dir := writePlugin(t, t.TempDir(), "boom", manifestYAML("boom", "boom.New"), cleanSource)

	_, err := l.Load(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, ecode.IsKind(err, ecode.PluginLoadFailed))
	assert.Contains(t, err.Error(), "factory exploded")

	installs, uninstalls := hook.counts()
	assert.Equal(t, installs, uninstalls)
}

func TestLoadSandboxActivationFailure(t *testing.T) {
	p := &testPlugin{id: "echo"}
	hook := &countingHook{failInstall: true}
	l := NewLoader(nil, nil,
		WithRegistry(registryWith(t, "echo.New", p)),
		WithPlatformVersion("1.5.0"),
		WithSandboxOptions(security.WithImportHook(hook)))
	dir := writePlugin(t, t.TempDir(), "echo", manifestYAML("echo", "echo.New"), cleanSource)

	_, err := l.Load(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), StageSandboxActivate.String())
	assert.False(t, p.initialized.Load())
	assert.Empty(t, l.List())
}

func TestLoadStageFailures(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		source   string
		plugin   *testPlugin
		stage    Stage
		kind     ecode.Kind
		sandbox  bool
	}{
		{
			name:     "invalid manifest",
			manifest: "name: Bad Name\nversion: 1.0.0\nentry_point: main.go\nentry: x.New\n",
			stage:    StageValidateManifest,
			kind:     ecode.PluginLoadFailed,
		},
		{
			name:     "incompatible platform",
			manifest: manifestYAML("future", "x.New") + "min_platform_version: 9.0.0\n",
			stage:    StageCheckCompatibility,
			kind:     ecode.PluginLoadFailed,
		},
		{
			name:     "entry point outside directory",
			manifest: "name: escape\nversion: 1.0.0\nentry_point: ../main.go\nentry: x.New\n",
			stage:    StageStaticScan,
			kind:     ecode.SecurityViolation,
		},
		{
			name:     "blocked import",
			manifest: manifestYAML("netter", "x.New"),
			source:   "package netter\n\nimport \"net\"\n\nvar _ = net.Dial\n",
			stage:    StageStaticScan,
			kind:     ecode.SecurityViolation,
		},
		{
			name:     "unregistered entry",
			manifest: manifestYAML("ghost", "ghost.New"),
			stage:    StageDynamicLoad,
			kind:     ecode.PluginLoadFailed,
			sandbox:  true,
		},
		{
			name:     "plugin id mismatch",
			manifest: manifestYAML("named", "x.New"),
			plugin:   &testPlugin{id: "other"},
			stage:    StageInstantiate,
			kind:     ecode.PluginLoadFailed,
			sandbox:  true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.plugin
			if p == nil {
				p = &testPlugin{id: "x"}
			}
			source := tc.source
			if source == "" {
				source = cleanSource
			}
			l, hook, rec := newTestLoader(t, nil, WithRegistry(registryWith(t, "x.New", p)))
			dir := writePlugin(t, t.TempDir(), "plugin", tc.manifest, source)

			_, err := l.Load(context.Background(), dir)
			require.Error(t, err)
			assert.Equal(t, tc.kind, ecode.KindOf(err), err.Error())
			assert.Equal(t, tc.stage.String(), rec.last()["stage"])
			assert.Empty(t, l.List())

			installs, uninstalls := hook.counts()
			assert.Equal(t, installs, uninstalls)
			assert.Equal(t, tc.sandbox, installs == 1)
		})
	}
}

func TestLoadDuplicate(t *testing.T) {
	p := &testPlugin{id: "echo"}
	l, hook, _ := newTestLoader(t, nil, WithRegistry(registryWith(t, "echo.New", p)))
	dir := writePlugin(t, t.TempDir(), "echo", manifestYAML("echo", "echo.New"), cleanSource)

	first, err := l.Load(context.Background(), dir)
	require.NoError(t, err)
	_, err = l.Load(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, ecode.IsKind(err, ecode.PluginLoadFailed))

	got, ok := l.Get("echo")
	require.True(t, ok)
	assert.Same(t, first, got)
	installs, _ := hook.counts()
	assert.Equal(t, 1, installs)
}

func TestLoadClosesRuntimeOnFailure(t *testing.T) {
	var closed atomic.Int32
	rt := RuntimeFunc(func(context.Context, *Host) (Opened, error) {
		return Opened{
			Factory: func(context.Context, *Host) (Plugin, error) { return nil, errors.New("handshake failed") },
			Close:   func() error { closed.Add(1); return nil },
		}, nil
	})
	l, _, _ := newTestLoader(t, nil, WithRuntime(RuntimeInProcess, rt))
	dir := writePlugin(t, t.TempDir(), "echo", manifestYAML("echo", "echo.New"), cleanSource)

	_, err := l.Load(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake failed")
	assert.Equal(t, int32(1), closed.Load())
}

func TestUnloadEvictsOnCleanupFailure(t *testing.T) {
	p := &testPlugin{id: "echo", cleanupErr: errors.New("flush failed")}
	metrics := NewMetrics("test")
	l, hook, rec := newTestLoader(t, nil, WithRegistry(registryWith(t, "echo.New", p)), WithMetrics(metrics))
	dir := writePlugin(t, t.TempDir(), "echo", manifestYAML("echo", "echo.New"), cleanSource)

	loaded, err := l.Load(context.Background(), dir)
	require.NoError(t, err)

	err = l.Unload(context.Background(), "echo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup plugin")

	_, ok := l.Get("echo")
	assert.False(t, ok)
	assert.Equal(t, security.StateInactive, loaded.Sandbox.State())
	_, uninstalls := hook.counts()
	assert.Equal(t, 1, uninstalls)
	assert.Equal(t, types.EventPluginUnloaded, rec.names()[len(rec.names())-1])
	assert.Contains(t, rec.last()["error"], "flush failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.loaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.unloads.WithLabelValues("failure")))

	assert.ErrorIs(t, l.Unload(context.Background(), "echo"), ErrNotLoaded)
}

func TestReloadAndUnloadAll(t *testing.T) {
	reg := NewRegistry()
	plugins := map[string]*testPlugin{}
	for _, id := range []string{"alpha", "beta"} {
		p := &testPlugin{id: id}
		plugins[id] = p
		require.NoError(t, reg.Register(id+".New", func(context.Context, *Host) (Plugin, error) { return p, nil }))
	}
	l, hook, _ := newTestLoader(t, nil, WithRegistry(reg))
	root := t.TempDir()
	for id := range plugins {
		_, err := l.Load(context.Background(), writePlugin(t, root, id, manifestYAML(id, id+".New"), cleanSource))
		require.NoError(t, err)
	}

	_, err := l.Reload(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int32(1), plugins["alpha"].cleaned.Load())
	_, err = l.Reload(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, l.UnloadAll(context.Background()))
	assert.Empty(t, l.List())
	installs, uninstalls := hook.counts()
	assert.Equal(t, 3, installs)
	assert.Equal(t, 3, uninstalls)
}

func TestDiscoverAndLoadAll(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "good", manifestYAML("good", "good.New"), cleanSource)
	writePlugin(t, root, "evil", manifestYAML("evil", "good.New"), evilSource)
	require.NoError(t, os.Mkdir(filepath.Join(root, "notes"), 0o755))
	writePlugin(t, root, ".hidden", manifestYAML("hidden", "good.New"), cleanSource)

	pcfg := &config.Plugin{Directories: []string{root}, LoadTimeout: time.Second, InitTimeout: time.Second}
	l, _, _ := newTestLoader(t, pcfg, WithRegistry(registryWith(t, "good.New", &testPlugin{id: "good"})))

	dirs, err := l.Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "evil"), filepath.Join(root, "good")}, dirs)

	single, err := l.Discover(filepath.Join(root, "good"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "good")}, single)

	loaded, err := l.LoadAll(context.Background())
	require.Len(t, loaded, 1)
	assert.Equal(t, "good", loaded[0].ID())
	assert.True(t, ecode.IsKind(err, ecode.SecurityViolation))

	again, err := l.LoadAll(context.Background())
	assert.Empty(t, again)
	assert.Error(t, err)
	assert.Len(t, l.List(), 1)
}

func TestLoadSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	l, _, _ := newTestLoader(t, nil,
		WithRegistry(registryWith(t, "echo.New", &testPlugin{id: "echo"})),
		WithTracer(tp.Tracer("test")))
	dir := writePlugin(t, t.TempDir(), "echo", manifestYAML("echo", "echo.New"), cleanSource)

	_, err := l.Load(context.Background(), dir)
	require.NoError(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{
		"plugin.discover_manifest",
		"plugin.validate_manifest",
		"plugin.check_compatibility",
		"plugin.static_security_scan",
		"plugin.sandbox_activate",
		"plugin.dynamic_load",
		"plugin.instantiate",
		"plugin.initialize",
		"plugin.load",
	}, names)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "registered", StageRegistered.String())
	assert.Equal(t, "unknown", Stage(42).String())
	assert.True(t, strings.HasPrefix(StageStaticScan.String(), "static"))
}
