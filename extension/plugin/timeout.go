package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/ncobase/guardrail/config"
	"github.com/ncobase/guardrail/ecode"
)

// Default stage budgets
const (
	DefaultLoadTimeout = 30 * time.Second
	DefaultInitTimeout = 60 * time.Second
)

// timeouts bounds the load and initialization stages
type timeouts struct {
	load time.Duration
	init time.Duration
}

func newTimeouts(cfg *config.Plugin) timeouts {
	t := timeouts{load: DefaultLoadTimeout, init: DefaultInitTimeout}
	if cfg == nil {
		return t
	}
	if cfg.LoadTimeout > 0 {
		t.load = cfg.LoadTimeout
	}
	if cfg.InitTimeout > 0 {
		t.init = cfg.InitTimeout
	}
	return t
}

// withLoad runs fn under the load timeout
func (t timeouts) withLoad(ctx context.Context, fn func(context.Context) error) error {
	return withTimeout(ctx, t.load, "load", fn)
}

// withInit runs fn under the initialization timeout
func (t timeouts) withInit(ctx context.Context, fn func(context.Context) error) error {
	return withTimeout(ctx, t.init, "initialization", fn)
}

// withTimeout returns when fn returns or the deadline passes. fn keeps
// running after a timeout and must watch ctx itself. Panics in fn are
// returned as errors.
func withTimeout(ctx context.Context, timeout time.Duration, operation string, fn func(context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s panicked: %v", operation, r)
			}
		}()
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return ecode.Wrap(ecode.PluginLoadFailed, timeoutCtx.Err(), "%s timeout after %v", operation, timeout)
	}
}
