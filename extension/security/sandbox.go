package security

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ncobase/guardrail/ctxutil"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/logging/logger"
)

// Environment markers set while a sandbox is active
const (
	EnvSandbox      = "GUARDRAIL_SANDBOX"
	EnvPluginID     = "GUARDRAIL_PLUGIN_ID"
	EnvPluginDir    = "GUARDRAIL_PLUGIN_DIR"
	EnvActivationID = "GUARDRAIL_SANDBOX_ID"
)

// ErrAlreadyActive is returned when activating an active sandbox
var ErrAlreadyActive = errors.New("sandbox already active")

// ErrNotActive is returned when deactivating or using an inactive sandbox
var ErrNotActive = errors.New("sandbox not active")

// State is the lifecycle state of a sandbox
type State int32

const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	default:
		return "inactive"
	}
}

// Environment holds the sandbox-scoped environment markers
type Environment interface {
	Set(key, value string) error
	Unset(key string) error
	Environ() []string
}

type scopedEnv struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewScopedEnvironment returns an environment that never touches the process env
func NewScopedEnvironment() Environment {
	return &scopedEnv{vars: make(map[string]string)}
}

func (e *scopedEnv) Set(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[key] = value
	return nil
}

func (e *scopedEnv) Unset(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vars, key)
	return nil
}

func (e *scopedEnv) Environ() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := slices.Collect(maps.Keys(e.vars))
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

// Sandbox is the scoped execution boundary of one plugin
type Sandbox struct {
	pluginID string
	dir      string
	limits   Limits
	guard    *ImportGuard

	table        ModuleTable
	hook         ImportHook
	limiter      Limiter
	env          Environment
	capabilities *CapabilityTable
	monitorOpts  []MonitorOption

	state        atomic.Int32
	mu           sync.Mutex
	monitor      *ResourceMonitor
	activationID string
	release      []releaseStep
}

type releaseStep struct {
	name string
	fn   func() error
}

// SandboxOption configures a Sandbox
type SandboxOption func(*Sandbox)

// WithModuleTable replaces the module table
func WithModuleTable(t ModuleTable) SandboxOption {
	return func(s *Sandbox) { s.table = t }
}

// WithImportHook replaces the import hook
func WithImportHook(h ImportHook) SandboxOption {
	return func(s *Sandbox) { s.hook = h }
}

// WithLimiter replaces the OS limiter
func WithLimiter(l Limiter) SandboxOption {
	return func(s *Sandbox) { s.limiter = l }
}

// WithEnvironment replaces the marker environment
func WithEnvironment(e Environment) SandboxOption {
	return func(s *Sandbox) { s.env = e }
}

// WithCapabilities sets the capability table backing the resolver
func WithCapabilities(t *CapabilityTable) SandboxOption {
	return func(s *Sandbox) { s.capabilities = t }
}

// WithMonitorOptions passes options to each activation's monitor
func WithMonitorOptions(opts ...MonitorOption) SandboxOption {
	return func(s *Sandbox) { s.monitorOpts = append(s.monitorOpts, opts...) }
}

// NewSandbox creates an inactive sandbox for the plugin in dir
func NewSandbox(pluginID, dir string, limits Limits, guard *ImportGuard, opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		pluginID: pluginID,
		dir:      dir,
		limits:   limits.Override(Limits{}),
		guard:    guard,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = NewImportGuard(pluginID, nil, nil)
	}
	if s.capabilities == nil {
		s.capabilities = NewCapabilityTable()
	}
	if s.table == nil {
		s.table = s.capabilities
	}
	if s.hook == nil {
		s.hook = s.capabilities
	}
	if s.limiter == nil {
		s.limiter = NoopLimiter()
	}
	if s.env == nil {
		s.env = NewScopedEnvironment()
	}
	return s
}

// PluginID returns the id of the sandboxed plugin
func (s *Sandbox) PluginID() string { return s.pluginID }

// Dir returns the plugin directory
func (s *Sandbox) Dir() string { return s.dir }

// Limits returns the sandbox budget
func (s *Sandbox) Limits() Limits { return s.limits.Override(Limits{}) }

// Guard returns the import guard
func (s *Sandbox) Guard() *ImportGuard { return s.guard }

// State returns the current lifecycle state
func (s *Sandbox) State() State { return State(s.state.Load()) }

// ActivationID identifies the current activation; empty when inactive
func (s *Sandbox) ActivationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activationID
}

// Monitor returns the resource monitor of the current activation
func (s *Sandbox) Monitor() *ResourceMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

// Environ returns the marker environment, for child processes
func (s *Sandbox) Environ() []string { return s.env.Environ() }

// Activate snapshots the module table, applies OS limits, installs the import
// guard and sets the environment markers. A failure or panic at any step
// releases the steps already taken.
func (s *Sandbox) Activate(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(StateInactive), int32(StateActivating)) {
		return fmt.Errorf("plugin %s: %w (state %s)", s.pluginID, ErrAlreadyActive, s.State())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.release = s.release[:0]

	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		if rerr := s.unwindLocked(); rerr != nil {
			logger.Errorf(ctx, "plugin %s: release after failed activation: %v", s.pluginID, rerr)
		}
		s.state.Store(int32(StateInactive))
		if r != nil {
			panic(r)
		}
	}()

	snap, err := s.table.Snapshot()
	if err != nil {
		return s.stepError("snapshot module table", err)
	}
	s.push("restore module table", func() error { return s.table.Restore(snap) })

	restore, err := s.limiter.Apply(s.limits)
	if err != nil {
		return s.stepError("apply resource limits", err)
	}
	s.push("reset resource limits", restore)

	if err := s.hook.Install(s.guard); err != nil {
		return s.stepError("install import guard", err)
	}
	s.push("uninstall import guard", s.hook.Uninstall)

	activationID := ctxutil.NewID()
	markers := [][2]string{
		{EnvSandbox, "1"},
		{EnvPluginID, s.pluginID},
		{EnvPluginDir, s.dir},
		{EnvActivationID, activationID},
	}
	s.push("clear environment markers", func() error {
		var errs []error
		for _, kv := range markers {
			if err := s.env.Unset(kv[0]); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	for _, kv := range markers {
		if err := s.env.Set(kv[0], kv[1]); err != nil {
			return s.stepError("set environment markers", err)
		}
	}

	s.activationID = activationID
	s.monitor = NewResourceMonitor(s.pluginID, s.limits, s.monitorOpts...)
	s.state.Store(int32(StateActive))
	completed = true
	logger.Debugf(ctx, "plugin %s sandbox %s active", s.pluginID, activationID)
	return nil
}

func (s *Sandbox) stepError(step string, err error) error {
	return ecode.Wrap(ecode.Internal, err, "plugin %s sandbox: %s", s.pluginID, step)
}

func (s *Sandbox) push(name string, fn func() error) {
	s.release = append(s.release, releaseStep{name: name, fn: fn})
}

// unwindLocked runs the release steps in reverse and clears them
func (s *Sandbox) unwindLocked() error {
	var errs []error
	for i := len(s.release) - 1; i >= 0; i-- {
		step := s.release[i]
		if err := safeRun(step.fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	s.release = s.release[:0]
	s.monitor = nil
	s.activationID = ""
	return errors.Join(errs...)
}

func safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Deactivate releases everything Activate acquired. Every release step runs
// even when an earlier one fails.
func (s *Sandbox) Deactivate(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateDeactivating)) {
		return fmt.Errorf("plugin %s: %w (state %s)", s.pluginID, ErrNotActive, s.State())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.state.Store(int32(StateInactive))

	if err := s.unwindLocked(); err != nil {
		logger.Errorf(ctx, "plugin %s: sandbox release: %v", s.pluginID, err)
		return err
	}
	logger.Debugf(ctx, "plugin %s sandbox released", s.pluginID)
	return nil
}

// Run activates the sandbox, calls fn and always deactivates, including when
// fn panics. The panic continues once the sandbox is released.
func (s *Sandbox) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.Activate(ctx); err != nil {
		return err
	}
	defer func() {
		if derr := s.Deactivate(ctx); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(ctxutil.SetPluginID(ctx, s.pluginID))
}

// Resolver returns the capability resolver handed to the plugin
func (s *Sandbox) Resolver() *Resolver {
	return &Resolver{sandbox: s}
}

// ValidateNetworkAccess reports whether the plugin may reach domain
func (s *Sandbox) ValidateNetworkAccess(domain string) bool {
	return DomainAllowed(s.limits.AllowedDomains, domain)
}

// Resolver gives a plugin access to host capabilities while its sandbox is
// active. Every lookup passes through the import guard.
type Resolver struct {
	sandbox *Sandbox
}

// Resolve returns the capability registered under name
func (r *Resolver) Resolve(name string) (any, error) {
	if r.sandbox.State() != StateActive {
		return nil, fmt.Errorf("resolve %s: %w", name, ErrNotActive)
	}
	caps := r.sandbox.capabilities
	if !caps.Installed() {
		if _, err := r.sandbox.guard.Validate(name); err != nil {
			return nil, err
		}
	}
	return caps.Load(name)
}

// AllowNetwork reports whether the plugin may reach domain and counts the call
// against its API budget
func (r *Resolver) AllowNetwork(domain string) error {
	if !r.sandbox.ValidateNetworkAccess(domain) {
		return ecode.New(ecode.SecurityViolation, "domain %s", ecode.Blocked(domain))
	}
	if m := r.sandbox.Monitor(); m != nil {
		return m.TrackAPICall()
	}
	return nil
}
