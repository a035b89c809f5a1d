package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ncobase/guardrail/audit"
	"github.com/ncobase/guardrail/config"
	"github.com/ncobase/guardrail/extension/event"
	"github.com/ncobase/guardrail/extension/interceptor"
	"github.com/ncobase/guardrail/extension/module"
	"github.com/ncobase/guardrail/extension/plugin"
	"github.com/ncobase/guardrail/extension/plugin/rpc"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/logging/logger"
	"github.com/ncobase/guardrail/logging/observes"
	"github.com/ncobase/guardrail/permission"
	"github.com/ncobase/guardrail/security/jwt"
	"github.com/ncobase/guardrail/security/redact"
	"github.com/ncobase/guardrail/security/scanner"
	"github.com/ncobase/guardrail/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	// bundled in-process plugins
	_ "github.com/ncobase/guardrail/plugins/echo"
)

// app is the wired runtime shared by the commands
type app struct {
	cfg       *config.Config
	roles     *permission.Roles
	perms     *permission.Registry
	bus       *event.Bus
	emitter   *audit.Emitter
	chain     *interceptor.Chain
	loader    *plugin.Loader
	registry  *prometheus.Registry
	collector *module.Collector

	closers []func() error
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newApp wires logging, tracing, roles, audit, the interceptor chain and the
// plugin loader from cfg. close releases everything in reverse.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	cleanup, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	a.onClose(func() error { cleanup(); return nil })
	logger.SetVersion(version.Version)

	if err := a.initObserves(ctx); err != nil {
		return nil, err
	}

	a.roles = permission.NewRoles()
	if err := a.loadRoles(ctx); err != nil {
		return nil, err
	}
	a.perms = permission.NewRegistry()

	a.emitter, err = audit.NewFromConfig(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit emitter: %w", err)
	}
	a.onClose(a.emitter.Close)

	if a.chain, err = a.buildChain(ctx); err != nil {
		return nil, err
	}

	a.collector = module.NewCollector(cfg.Metrics.Namespace)
	metrics := plugin.NewMetrics(cfg.Metrics.Namespace)
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := a.collector.Register(a.registry); err != nil {
		return nil, err
	}
	if err := metrics.Register(a.registry); err != nil {
		return nil, err
	}

	a.bus = event.NewEventBus()
	a.subscribeEvents()

	a.loader = plugin.NewLoader(cfg.Plugin, cfg.Security,
		plugin.WithRuntime(plugin.RuntimeRPC, rpc.NewRuntime()),
		plugin.WithPermissionRegistry(a.perms),
		plugin.WithPublisher(a.bus),
		plugin.WithMetrics(metrics),
	)
	return a, nil
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) initObserves(ctx context.Context) error {
	obs := a.cfg.Observes
	if obs == nil {
		return nil
	}
	if t := obs.Tracer; t != nil && t.Endpoint != "" {
		shutdown, err := observes.NewTracer(ctx, &observes.TracerOption{
			URL:                t.Endpoint,
			Name:               t.ServiceName,
			Version:            version.Version,
			Revision:           version.Revision,
			Environment:        a.cfg.Environment,
			SamplingRate:       t.SamplingRate,
			BatchTimeout:       t.BatchTimeout,
			ExportTimeout:      t.ExportTimeout,
			MaxExportBatchSize: t.MaxExportBatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to init tracer: %w", err)
		}
		a.onClose(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(sctx)
		})
	}
	if s := obs.Sentry; s != nil && s.Endpoint != "" {
		if err := observes.NewSentry(&observes.SentryOptions{
			Dsn:         s.Endpoint,
			Name:        a.cfg.AppName,
			Release:     s.Release,
			Environment: s.Environment,
		}); err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		logger.AddHook(observes.NewSentryHook())
		a.onClose(func() error {
			observes.Flush(2 * time.Second)
			return nil
		})
	}
	return nil
}

func (a *app) loadRoles(ctx context.Context) error {
	pcfg := a.cfg.Permission
	var store permission.RoleStore = permission.StaticStore(pcfg.Roles)
	if pcfg.Store == "sqlite" {
		gs, err := permission.OpenSQLite(pcfg.DSN)
		if err != nil {
			return err
		}
		a.onClose(gs.Close)
		if len(pcfg.Roles) > 0 {
			if err := gs.Seed(ctx, pcfg.Roles); err != nil {
				return err
			}
		}
		store = gs
	}
	if err := permission.LoadInto(ctx, a.roles, store); err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	return nil
}

func (a *app) buildChain(ctx context.Context) (*interceptor.Chain, error) {
	icfg := a.cfg.Interceptor
	opts := interceptor.Options{
		Roles:           a.roles,
		Scanner:         scanner.MustNew(),
		Redactor:        redact.New(a.cfg.Security.RedactKeys),
		Audit:           a.emitter,
		MaxStringLength: icfg.MaxStringLength,
		MaxPayloadBytes: icfg.MaxPayloadBytes,
	}
	if secret := a.cfg.Security.JWTSecret; secret != "" {
		opts.Tokens = jwt.NewTokenManager(secret)
	}
	chain := interceptor.DefaultChain(opts)
	if icfg.PolicyFile != "" {
		policy, err := interceptor.LoadPolicyFile(ctx, icfg.PolicyFile, icfg.PolicyQuery)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		chain.Add(policy)
	}
	return chain, nil
}

// subscribeEvents turns load failures and scan rejections into audit records
func (a *app) subscribeEvents() {
	for _, name := range []string{types.EventPluginLoadFailed, types.EventSecurityViolation} {
		a.bus.Subscribe(name, func(data any) {
			p, err := types.EventPayload(data)
			if err != nil {
				logger.Warnf(context.Background(), "unreadable %s event: %v", name, err)
				return
			}
			rec := audit.NewRecord()
			rec.ModuleID = fmt.Sprint(p["plugin"])
			rec.Action = name
			rec.Caller = "loader"
			if v, ok := p["violations"]; ok {
				rec.Error = fmt.Sprint(v)
			} else if v, ok := p["error"]; ok {
				rec.Error = fmt.Sprint(v)
			}
			a.emitter.EmitAuditEvent(context.Background(), rec)
		})
	}
	a.onClose(func() error {
		a.bus.Wait()
		return nil
	})
}

// wrap wraps a loaded plugin so calls run through the interceptor chain
func (a *app) wrap(l *plugin.Loaded) *module.BaseModule {
	return module.NewBaseModule(l.ID(),
		module.WithChain(a.chain),
		module.WithPermissions(l.Permissions...),
		module.WithCollector(a.collector),
	)
}
