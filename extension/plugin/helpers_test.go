package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ncobase/guardrail/extension/security"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/stretchr/testify/require"
)

const cleanSource = `package echo

import (
	"context"
	"strings"

	"github.com/ncobase/guardrail/extension/types"
)

func Handle(ctx context.Context, req types.Request) types.Response {
	return types.Response{"echo": strings.ToUpper(req.String("text", ""))}
}
`

func manifestYAML(name, entry string) string {
	return "name: " + name + "\n" +
		"version: 1.2.0\n" +
		"entry_point: main.go\n" +
		"entry: " + entry + "\n" +
		"permissions: [execute, configure]\n" +
		"limits:\n  max_memory_mb: 128\n  allowed_domains: [\"api.example.com\"]\n"
}

func writePlugin(t *testing.T, root, dir, manifest, source string) string {
	t.Helper()
	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "plugin.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "main.go"), []byte(source), 0o644))
	return path
}

// testPlugin is a configurable in-process plugin
type testPlugin struct {
	id          string
	initErr     error
	cleanupErr  error
	blockInit   bool
	initialized atomic.Bool
	cleaned     atomic.Int32
}

func (p *testPlugin) ID() string { return p.id }

func (p *testPlugin) Initialize(ctx context.Context) error {
	if p.blockInit {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.initErr != nil {
		return p.initErr
	}
	p.initialized.Store(true)
	return nil
}

func (p *testPlugin) Cleanup(context.Context) error {
	p.cleaned.Add(1)
	return p.cleanupErr
}

func (p *testPlugin) GetRequiredPermissions() []string { return []string{"execute"} }

func (p *testPlugin) ProcessRequest(_ context.Context, req types.Request, _ *types.CallContext) (types.Response, error) {
	return types.Response{"echo": req.String("text", "")}, nil
}

func registryWith(t *testing.T, symbol string, p *testPlugin) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(symbol, func(context.Context, *Host) (Plugin, error) { return p, nil }))
	return r
}

// countingHook records import guard installs
type countingHook struct {
	mu          sync.Mutex
	installs    int
	uninstalls  int
	installed   bool
	failInstall bool
}

func (h *countingHook) Install(*security.ImportGuard) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failInstall {
		return errors.New("hook unavailable")
	}
	h.installs++
	h.installed = true
	return nil
}

func (h *countingHook) Uninstall() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uninstalls++
	h.installed = false
	return nil
}

func (h *countingHook) Installed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed
}

func (h *countingHook) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installs, h.uninstalls
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (r *recorder) Publish(name string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
	m, _ := data.(map[string]any)
	r.data = append(r.data, m)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return nil
	}
	return r.data[len(r.data)-1]
}
