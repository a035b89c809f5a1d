package rpc

import (
	"os"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/ncobase/guardrail/extension/security"
	"github.com/ncobase/guardrail/extension/types"
)

// Serve runs impl as a plugin process. It blocks until the host disconnects.
// Memory and file descriptor limits exported by the host are applied to the
// process first.
//
//	func main() {
//		rpc.Serve(echo.New())
//	}
func Serve(impl types.Module) {
	log := hclog.New(&hclog.LoggerOptions{
		Name:       impl.ID(),
		Level:      hclog.Info,
		Output:     os.Stderr,
		JSONFormat: true,
	})
	if _, err := applyChildLimits(os.Getenv); err != nil {
		log.Warn("resource limits not applied", "error", err)
	}

	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			PluginName: &ModulePlugin{Impl: impl},
		},
		Logger: log,
	})
}

// applyChildLimits caps the current process with the limits read through
// getenv. The caps hold until restore is called; Serve never calls it.
func applyChildLimits(getenv func(string) string) (restore func() error, err error) {
	limits := security.LimitsFromEnv(getenv)
	if limits.MaxMemoryMB <= 0 && limits.MaxFileDescriptors <= 0 {
		return func() error { return nil }, nil
	}
	var sampler security.Sampler
	if limits.MaxMemoryMB > 0 {
		if sampler, err = security.SelfSampler(); err != nil {
			return nil, err
		}
	}
	return security.NewRLimitLimiter(sampler).Apply(limits)
}
