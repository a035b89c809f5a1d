package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/plugin"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/logging/logger"
	"github.com/sirupsen/logrus"
)

// DefaultStartTimeout bounds the handshake with a plugin process when the
// caller context carries no deadline
const DefaultStartTimeout = 30 * time.Second

// Runtime starts plugin binaries named by Manifest.Binary
type Runtime struct {
	log hclog.Logger
}

var _ plugin.Runtime = (*Runtime)(nil)

// NewRuntime creates a runtime whose plugin output goes to the process logger
func NewRuntime() *Runtime {
	return &Runtime{log: hclog.New(&hclog.LoggerOptions{
		Name:   "plugin",
		Level:  hclog.Info,
		Output: logger.StdLogger().WriterLevel(logrus.InfoLevel),
	})}
}

// WithLogger replaces the hclog logger
func (r *Runtime) WithLogger(l hclog.Logger) *Runtime {
	r.log = l
	return r
}

// Open starts the plugin process and dispenses its module
func (r *Runtime) Open(ctx context.Context, host *plugin.Host) (plugin.Opened, error) {
	m := host.Manifest
	bin, err := plugin.ResolvePath(host.Dir, m.Binary)
	if err != nil {
		return plugin.Opened{}, err
	}
	if st, err := os.Stat(bin); err != nil || st.IsDir() {
		return plugin.Opened{}, ecode.New(ecode.PluginLoadFailed, "plugin binary %s is not a file", m.Binary)
	}

	cmd := exec.Command(bin)
	cmd.Dir = host.Dir
	cmd.Env = childEnv(host)

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              cmd,
		Logger:           r.log.Named(m.Name),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		StartTimeout:     startTimeout(ctx),
	})

	proto, err := client.Client()
	if err != nil {
		client.Kill()
		return plugin.Opened{}, ecode.Wrap(ecode.PluginLoadFailed, err, "start plugin %s", m.Name)
	}
	raw, err := proto.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return plugin.Opened{}, ecode.Wrap(ecode.PluginLoadFailed, err, "dispense plugin %s", m.Name)
	}
	mod, ok := raw.(*Client)
	if !ok {
		client.Kill()
		return plugin.Opened{}, ecode.New(ecode.PluginLoadFailed, "plugin %s dispensed %T", m.Name, raw)
	}

	remote := &Remote{Client: mod, proc: client, maxExec: host.Limits.MaxExecution}
	return plugin.Opened{
		Factory: func(context.Context, *plugin.Host) (plugin.Plugin, error) { return remote, nil },
		Close: func() error {
			client.Kill()
			return nil
		},
	}, nil
}

// childEnv is PATH, the sandbox markers and the limits the child applies to
// itself in Serve
func childEnv(host *plugin.Host) []string {
	env := append([]string{"PATH=" + os.Getenv("PATH")}, host.Environ...)
	return append(env, host.Limits.Environ()...)
}

func startTimeout(ctx context.Context) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left > 0 {
			return left
		}
	}
	return DefaultStartTimeout
}

// Remote is a module running in a child process
type Remote struct {
	*Client
	proc    *goplugin.Client
	maxExec time.Duration
}

// ProcessRequest forwards the call. A call that outlives the execution limit
// kills the process.
func (r *Remote) ProcessRequest(ctx context.Context, req types.Request, cc *types.CallContext) (types.Response, error) {
	if r.maxExec <= 0 {
		return r.Client.ProcessRequest(ctx, req, cc)
	}
	ctx, cancel := context.WithTimeout(ctx, r.maxExec)
	defer cancel()
	resp, err := r.Client.ProcessRequest(ctx, req, cc)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		r.Kill()
		return nil, ecode.Wrap(ecode.ResourceExceeded, err, "plugin %s exceeded %v execution limit", r.ID(), r.maxExec)
	}
	return resp, err
}

// Kill stops the plugin process
func (r *Remote) Kill() { r.proc.Kill() }

// Exited reports whether the plugin process has gone away
func (r *Remote) Exited() bool { return r.proc.Exited() }

// Pid is the plugin process id, or 0 when not running
func (r *Remote) Pid() int {
	if rc := r.proc.ReattachConfig(); rc != nil {
		return rc.Pid
	}
	return 0
}

func (r *Remote) String() string { return fmt.Sprintf("rpc plugin %s (pid %d)", r.ID(), r.Pid()) }
