package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ncobase/guardrail/config"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/event"
	"github.com/ncobase/guardrail/extension/security"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/logging/logger"
	"github.com/ncobase/guardrail/permission"
	"github.com/ncobase/guardrail/version"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ncobase/guardrail/extension/plugin"

// ErrNotLoaded is returned for operations on a plugin that is not registered
var ErrNotLoaded = errors.New("plugin not loaded")

// Stage is one step of the load pipeline
type Stage int

const (
	StageDiscoverManifest Stage = iota
	StageValidateManifest
	StageCheckCompatibility
	StageStaticScan
	StageSandboxActivate
	StageDynamicLoad
	StageInstantiate
	StageInitialize
	StageRegistered
)

var stageNames = [...]string{
	"discover_manifest",
	"validate_manifest",
	"check_compatibility",
	"static_security_scan",
	"sandbox_activate",
	"dynamic_load",
	"instantiate",
	"initialize",
	"registered",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Opened is the result of opening a plugin in a runtime
type Opened struct {
	Factory Factory
	// Close releases what Open acquired; may be nil
	Close func() error
}

// Runtime opens plugin code for a manifest runtime
type Runtime interface {
	Open(ctx context.Context, host *Host) (Opened, error)
}

// RuntimeFunc adapts a function to Runtime
type RuntimeFunc func(ctx context.Context, host *Host) (Opened, error)

// Open implements Runtime
func (f RuntimeFunc) Open(ctx context.Context, host *Host) (Opened, error) { return f(ctx, host) }

// registryRuntime resolves in-process plugins by their manifest entry symbol
type registryRuntime struct {
	registry *Registry
}

func (r registryRuntime) Open(_ context.Context, host *Host) (Opened, error) {
	f, ok := r.registry.Lookup(host.Manifest.Entry)
	if !ok {
		return Opened{}, ecode.New(ecode.PluginLoadFailed, "entry symbol %s is not registered", host.Manifest.Entry)
	}
	return Opened{Factory: f}, nil
}

type releaseStep struct {
	name string
	fn   func(context.Context) error
}

// Loaded is a registered plugin
type Loaded struct {
	Manifest     *Manifest
	ManifestPath string
	Dir          string
	Plugin       Plugin
	Sandbox      *security.Sandbox
	Permissions  []string
	LoadedAt     time.Time

	release []releaseStep
}

// ID returns the plugin id
func (l *Loaded) ID() string { return l.Manifest.Name }

// unwind runs the release steps in reverse. Every step runs.
func (l *Loaded) unwind(ctx context.Context) error {
	var errs []error
	for i := len(l.release) - 1; i >= 0; i-- {
		step := l.release[i]
		if err := safeRelease(ctx, step.fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	l.release = nil
	return errors.Join(errs...)
}

func (l *Loaded) push(name string, fn func(context.Context) error) {
	l.release = append(l.release, releaseStep{name: name, fn: fn})
}

func safeRelease(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Loader discovers, loads and unloads sandboxed plugins
type Loader struct {
	manifestNames []string
	directories   []string
	platform      string
	limits        security.Limits
	extraAllowed  []string
	extraBlocked  []string
	scanner       *StaticScanner
	timeouts      timeouts

	registry     *Registry
	runtimes     map[string]Runtime
	capabilities *security.CapabilityTable
	sandboxOpts  []security.SandboxOption
	permissions  *permission.Registry
	events       event.Publisher
	metrics      *Metrics
	tracer       trace.Tracer
	now          func() time.Time

	mu      sync.RWMutex
	loaded  map[string]*Loaded
	loading map[string]struct{}
}

// Option configures a Loader
type Option func(*Loader)

// WithRegistry sets the factory registry for in-process plugins
func WithRegistry(r *Registry) Option {
	return func(l *Loader) { l.registry = r }
}

// WithRuntime adds or replaces the runtime named name
func WithRuntime(name string, r Runtime) Option {
	return func(l *Loader) { l.runtimes[name] = r }
}

// WithCapabilities sets the host capability table; each plugin gets a fork
func WithCapabilities(t *security.CapabilityTable) Option {
	return func(l *Loader) { l.capabilities = t }
}

// WithSandboxOptions passes options to every sandbox the loader creates
func WithSandboxOptions(opts ...security.SandboxOption) Option {
	return func(l *Loader) { l.sandboxOpts = append(l.sandboxOpts, opts...) }
}

// WithPermissionRegistry registers the permissions each plugin declares
func WithPermissionRegistry(r *permission.Registry) Option {
	return func(l *Loader) { l.permissions = r }
}

// WithPublisher publishes lifecycle events
func WithPublisher(p event.Publisher) Option {
	return func(l *Loader) { l.events = p }
}

// WithMetrics records load outcomes
func WithMetrics(m *Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithPlatformVersion overrides the version manifests are checked against
func WithPlatformVersion(v string) Option {
	return func(l *Loader) { l.platform = v }
}

// WithLimits sets the base sandbox budget
func WithLimits(limits security.Limits) Option {
	return func(l *Loader) { l.limits = limits }
}

// WithStaticScanner replaces the static scanner
func WithStaticScanner(s *StaticScanner) Option {
	return func(l *Loader) { l.scanner = s }
}

// WithTracer sets the tracer used for load spans
func WithTracer(t trace.Tracer) Option {
	return func(l *Loader) { l.tracer = t }
}

// NewLoader creates a loader from the plugin and security configuration
func NewLoader(pcfg *config.Plugin, scfg *config.Security, opts ...Option) *Loader {
	l := &Loader{
		manifestNames: DefaultManifestNames,
		platform:      version.Version,
		limits:        security.DefaultLimits(),
		timeouts:      newTimeouts(pcfg),
		registry:      builtin,
		runtimes:      make(map[string]Runtime),
		now:           time.Now,
		loaded:        make(map[string]*Loaded),
		loading:       make(map[string]struct{}),
	}
	if pcfg != nil {
		if len(pcfg.ManifestNames) > 0 {
			l.manifestNames = pcfg.ManifestNames
		}
		l.directories = pcfg.Directories
		if pcfg.PlatformVersion != "" {
			l.platform = pcfg.PlatformVersion
		}
	}
	var extraPatterns []string
	if scfg != nil {
		l.limits = security.LimitsFromConfig(scfg.Sandbox)
		l.extraAllowed = scfg.ExtraAllowed
		l.extraBlocked = scfg.ExtraBlocked
		extraPatterns = scfg.ScanPatterns
		l.sandboxOpts = append(l.sandboxOpts, sandboxDefaults(scfg)...)
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.scanner == nil {
		l.scanner = NewStaticScanner(extraPatterns...).WithImportPolicy(l.extraAllowed, l.extraBlocked)
	}
	if _, ok := l.runtimes[RuntimeInProcess]; !ok {
		l.runtimes[RuntimeInProcess] = registryRuntime{registry: l.registry}
	}
	if l.capabilities == nil {
		l.capabilities = security.NewCapabilityTable()
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer(tracerName)
	}
	return l
}

func sandboxDefaults(scfg *config.Security) []security.SandboxOption {
	var opts []security.SandboxOption
	if scfg.ApplyRLimits {
		if sampler, err := security.SelfSampler(); err == nil {
			opts = append(opts, security.WithLimiter(security.NewRLimitLimiter(sampler)))
		} else {
			logger.Warnf(context.Background(), "resource limits disabled: %v", err)
		}
	}
	if scfg.APIBurstLimit > 0 {
		opts = append(opts, security.WithMonitorOptions(security.WithBurstLimit(scfg.APIBurstLimit)))
	}
	return opts
}

// Directories returns the configured plugin roots
func (l *Loader) Directories() []string { return append([]string(nil), l.directories...) }

// Discover lists the plugin directories under root. root itself counts when
// it holds a manifest.
func (l *Loader) Discover(root string) ([]string, error) {
	if l.hasManifest(root) {
		return []string{root}, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("discover plugins in %s: %w", root, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if l.hasManifest(dir) {
			out = append(out, dir)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *Loader) hasManifest(dir string) bool {
	for _, name := range l.manifestNames {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

// attempt carries state between load stages
type attempt struct {
	*Loaded
	reserved bool
	opened   Opened
	host     *Host
}

type stageFunc func(ctx context.Context, a *attempt) error

// Load runs the load pipeline for the plugin in dir. A failing stage releases
// everything acquired by the stages before it; nothing is registered.
func (l *Loader) Load(ctx context.Context, dir string) (_ *Loaded, err error) {
	ctx, span := l.tracer.Start(ctx, "plugin.load", trace.WithAttributes(attribute.String("plugin.dir", dir)))
	defer span.End()

	a := &attempt{Loaded: &Loaded{Dir: dir}}
	stage := StageDiscoverManifest

	defer func() {
		if r := recover(); r != nil {
			err = ecode.New(ecode.PluginLoadFailed, "load panicked at %s: %v", stage, r)
		}
		if err == nil {
			return
		}
		if rerr := a.unwind(ctx); rerr != nil {
			logger.Errorf(ctx, "plugin %s: release after failed load: %v", a.name(), rerr)
		}
		if a.reserved {
			l.unreserve(a.ID())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.loadFailed(stage, err)
		l.publish(types.EventPluginLoadFailed, map[string]any{
			"plugin": a.name(),
			"dir":    dir,
			"stage":  stage.String(),
			"kind":   ecode.KindOf(err).String(),
			"error":  err.Error(),
		})
		logger.WithFields(ctx, logrus.Fields{
			"plugin": a.name(),
			"stage":  stage.String(),
			"kind":   ecode.KindOf(err).String(),
		}).Errorf("plugin load failed: %v", err)
	}()

	stages := []struct {
		stage Stage
		fn    stageFunc
	}{
		{StageDiscoverManifest, l.discoverManifest},
		{StageValidateManifest, l.validateManifest},
		{StageCheckCompatibility, l.checkCompatibility},
		{StageStaticScan, l.staticScan},
		{StageSandboxActivate, l.activateSandbox},
		{StageDynamicLoad, l.dynamicLoad},
		{StageInstantiate, l.instantiate},
		{StageInitialize, l.initialize},
	}
	for _, s := range stages {
		stage = s.stage
		sctx, sspan := l.tracer.Start(ctx, "plugin."+s.stage.String())
		serr := s.fn(sctx, a)
		if serr != nil {
			sspan.RecordError(serr)
			sspan.SetStatus(codes.Error, serr.Error())
		}
		sspan.End()
		if serr != nil {
			return nil, fmt.Errorf("plugin %s: %s: %w", a.name(), s.stage, serr)
		}
	}

	stage = StageRegistered
	loaded := a.Loaded
	loaded.LoadedAt = l.now()
	l.mu.Lock()
	delete(l.loading, loaded.ID())
	l.loaded[loaded.ID()] = loaded
	l.mu.Unlock()
	a.reserved = false

	span.SetAttributes(attribute.String("plugin.id", loaded.ID()))
	l.metrics.loadSucceeded()
	l.publish(types.EventPluginLoaded, map[string]any{
		"plugin":  loaded.ID(),
		"version": loaded.Manifest.Version,
		"dir":     dir,
		"runtime": loaded.Manifest.Runtime,
	})
	logger.Infof(ctx, "plugin %s %s loaded from %s", loaded.ID(), loaded.Manifest.Version, dir)
	return loaded, nil
}

func (a *attempt) name() string {
	if a.Manifest == nil || a.Manifest.Name == "" {
		return filepath.Base(a.Dir)
	}
	return a.Manifest.Name
}

func (l *Loader) discoverManifest(_ context.Context, a *attempt) error {
	m, path, err := ReadManifest(a.Dir, l.manifestNames)
	if err != nil {
		return err
	}
	a.Manifest = m
	a.ManifestPath = path
	return nil
}

func (l *Loader) validateManifest(_ context.Context, a *attempt) error {
	if err := a.Manifest.Validate(); err != nil {
		return err
	}
	for _, p := range a.Manifest.Permissions {
		if strings.Contains(p, permission.Separator) {
			if _, err := permission.Parse(p); err != nil {
				return ecode.Wrap(ecode.PluginLoadFailed, err, "invalid manifest permission")
			}
		}
	}
	if err := l.reserve(a.Manifest.Name); err != nil {
		return err
	}
	a.reserved = true
	return nil
}

func (l *Loader) checkCompatibility(_ context.Context, a *attempt) error {
	return a.Manifest.CheckCompatibility(l.platform)
}

func (l *Loader) staticScan(ctx context.Context, a *attempt) error {
	if err := a.Manifest.VerifyChecksum(a.Dir); err != nil {
		if ecode.IsKind(err, ecode.SecurityViolation) {
			l.publish(types.EventSecurityViolation, map[string]any{
				"plugin": a.ID(),
				"stage":  StageStaticScan.String(),
				"error":  err.Error(),
			})
		}
		return err
	}
	entry, err := ResolvePath(a.Dir, a.Manifest.EntryPoint)
	if err != nil {
		return err
	}
	violations, err := l.scanner.ScanFile(ctx, a.ID(), entry)
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		return nil
	}
	l.publish(types.EventSecurityViolation, map[string]any{
		"plugin":     a.ID(),
		"stage":      StageStaticScan.String(),
		"violations": violations,
	})
	return violationError(a.ID(), violations)
}

func (l *Loader) activateSandbox(ctx context.Context, a *attempt) error {
	dir, err := filepath.Abs(a.Dir)
	if err != nil {
		return ecode.Wrap(ecode.PluginLoadFailed, err, "resolve plugin directory")
	}
	guard := security.NewImportGuard(a.ID(), l.extraAllowed, l.extraBlocked)
	limits := a.Manifest.SandboxLimits(l.limits)
	opts := append([]security.SandboxOption{security.WithCapabilities(l.capabilities.Fork())}, l.sandboxOpts...)
	sb := security.NewSandbox(a.ID(), dir, limits, guard, opts...)
	if err := sb.Activate(ctx); err != nil {
		return err
	}
	l.metrics.activated()
	a.Sandbox = sb
	a.push("deactivate sandbox", sb.Deactivate)
	return nil
}

func (l *Loader) dynamicLoad(ctx context.Context, a *attempt) error {
	rt, ok := l.runtimes[a.Manifest.Runtime]
	if !ok {
		return ecode.New(ecode.PluginLoadFailed, "runtime %s is not available", a.Manifest.Runtime)
	}
	a.host = &Host{
		Manifest: a.Manifest,
		Dir:      a.Sandbox.Dir(),
		Resolver: a.Sandbox.Resolver(),
		Environ:  a.Sandbox.Environ(),
		Limits:   a.Sandbox.Limits(),
	}
	var opened Opened
	err := l.timeouts.withLoad(ctx, func(ctx context.Context) error {
		var err error
		opened, err = rt.Open(ctx, a.host)
		return err
	})
	if err != nil {
		return asLoadFailure(err, "open plugin")
	}
	if opened.Close != nil {
		closeFn := opened.Close
		a.push("close runtime", func(context.Context) error { return closeFn() })
	}
	if opened.Factory == nil {
		return ecode.New(ecode.PluginLoadFailed, "runtime %s returned no factory", a.Manifest.Runtime)
	}
	a.opened = opened
	return nil
}

func (l *Loader) instantiate(ctx context.Context, a *attempt) error {
	var p Plugin
	err := l.timeouts.withLoad(ctx, func(ctx context.Context) error {
		var err error
		p, err = a.opened.Factory(ctx, a.host)
		return err
	})
	if err != nil {
		return asLoadFailure(err, "instantiate plugin")
	}
	if p == nil {
		return ecode.New(ecode.PluginLoadFailed, "factory %s returned no plugin", a.Manifest.Entry)
	}
	a.push("cleanup plugin", func(ctx context.Context) error {
		return l.timeouts.withInit(ctx, p.Cleanup)
	})
	if p.ID() != a.ID() {
		return ecode.New(ecode.PluginLoadFailed, "plugin reports id %s, manifest declares %s", p.ID(), a.ID())
	}
	a.Plugin = p
	return nil
}

func (l *Loader) initialize(ctx context.Context, a *attempt) error {
	if err := l.timeouts.withInit(ctx, a.Plugin.Initialize); err != nil {
		return asLoadFailure(err, "initialize plugin")
	}
	a.Permissions = l.registerPermissions(a.ID(), a.Manifest.Permissions, a.Plugin.GetRequiredPermissions())
	return nil
}

// registerPermissions registers declared actions as modules:{id}:{action} and
// full permission strings as given
func (l *Loader) registerPermissions(id string, declared, required []string) []string {
	var actions, full []string
	seen := make(map[string]struct{})
	for _, p := range append(append([]string(nil), declared...), required...) {
		if _, dup := seen[p]; dup || p == "" {
			continue
		}
		seen[p] = struct{}{}
		if strings.Contains(p, permission.Separator) {
			full = append(full, p)
		} else {
			actions = append(actions, p)
		}
	}
	if l.permissions == nil {
		out := append([]string(nil), full...)
		for _, a := range actions {
			out = append(out, permission.ModulePermission(id, a))
		}
		return out
	}
	out := l.permissions.RegisterModule(id, actions...)
	for _, p := range full {
		if parsed, err := permission.Parse(p); err == nil {
			l.permissions.Register(parsed)
			out = append(out, parsed.String())
		}
	}
	return out
}

func asLoadFailure(err error, what string) error {
	var e *ecode.Error
	if errors.As(err, &e) {
		return err
	}
	return ecode.Wrap(ecode.PluginLoadFailed, err, "%s", what)
}

// reserve marks id as loading. Loads of the same plugin are not queued.
func (l *Loader) reserve(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[id]; ok {
		return ecode.New(ecode.PluginLoadFailed, "plugin %s", ecode.AlreadyExist("loaded"))
	}
	if _, ok := l.loading[id]; ok {
		return ecode.New(ecode.PluginLoadFailed, "plugin %s is already loading", id)
	}
	l.loading[id] = struct{}{}
	return nil
}

func (l *Loader) unreserve(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.loading, id)
}

// LoadAll loads every plugin under the configured directories. A failing
// plugin does not stop the others.
func (l *Loader) LoadAll(ctx context.Context) ([]*Loaded, error) {
	var (
		out  []*Loaded
		errs []error
	)
	for _, root := range l.directories {
		dirs, err := l.Discover(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, dir := range dirs {
			if _, ok := l.loadedFrom(dir); ok {
				continue
			}
			loaded, err := l.Load(ctx, dir)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, loaded)
		}
	}
	return out, errors.Join(errs...)
}

// loadedFrom returns the id of the plugin registered from dir
func (l *Loader) loadedFrom(dir string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	want := absPath(dir)
	for id, lp := range l.loaded {
		if absPath(lp.Dir) == want {
			return id, true
		}
	}
	return "", false
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Get returns the registered plugin with id
func (l *Loader) Get(id string) (*Loaded, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lp, ok := l.loaded[id]
	return lp, ok
}

// List returns the registered plugins ordered by id
func (l *Loader) List() []*Loaded {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Loaded, 0, len(l.loaded))
	for _, lp := range l.loaded {
		out = append(out, lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Unload cleans up the plugin, deactivates its sandbox and removes it. The
// plugin is removed even when a release step fails; the failure is logged
// and returned.
func (l *Loader) Unload(ctx context.Context, id string) error {
	l.mu.Lock()
	lp, ok := l.loaded[id]
	if ok {
		delete(l.loaded, id)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotLoaded)
	}

	ctx, span := l.tracer.Start(ctx, "plugin.unload", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer span.End()

	err := lp.unwind(ctx)
	l.metrics.unloaded(err)
	payload := map[string]any{"plugin": id, "dir": lp.Dir}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		payload["error"] = err.Error()
		logger.Errorf(ctx, "plugin %s unloaded with errors: %v", id, err)
	} else {
		logger.Infof(ctx, "plugin %s unloaded", id)
	}
	l.publish(types.EventPluginUnloaded, payload)
	return err
}

// UnloadAll unloads every plugin, most recently loaded first
func (l *Loader) UnloadAll(ctx context.Context) error {
	list := l.List()
	sort.SliceStable(list, func(i, j int) bool { return list[i].LoadedAt.After(list[j].LoadedAt) })
	var errs []error
	for _, lp := range list {
		if err := l.Unload(ctx, lp.ID()); err != nil && !errors.Is(err, ErrNotLoaded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload unloads id and loads it again from the same directory
func (l *Loader) Reload(ctx context.Context, id string) (*Loaded, error) {
	lp, ok := l.Get(id)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrNotLoaded)
	}
	if err := l.Unload(ctx, id); err != nil {
		logger.Warnf(ctx, "plugin %s: reloading after unload error: %v", id, err)
	}
	return l.Load(ctx, lp.Dir)
}

func (l *Loader) publish(name string, data map[string]any) {
	if l.events == nil {
		return
	}
	l.events.Publish(name, data)
}
