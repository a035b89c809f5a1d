package security

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/ncobase/guardrail/ecode"
)

// ModuleTable is the set of host modules a sandboxed plugin has loaded
type ModuleTable interface {
	Snapshot() (Snapshot, error)
	Restore(Snapshot) error
}

// Snapshot is an opaque copy of a module table's loaded set
type Snapshot struct {
	loaded map[string]struct{}
}

// ImportHook routes plugin imports through a guard while installed
type ImportHook interface {
	Install(g *ImportGuard) error
	Uninstall() error
	Installed() bool
}

// CapabilityTable holds the host capabilities plugins resolve by name. It
// serves as both the module table and the import hook of a sandbox.
type CapabilityTable struct {
	mu     sync.RWMutex
	caps   map[string]any
	loaded map[string]struct{}
	guard  *ImportGuard
}

// NewCapabilityTable creates an empty table
func NewCapabilityTable() *CapabilityTable {
	return &CapabilityTable{
		caps:   make(map[string]any),
		loaded: make(map[string]struct{}),
	}
}

// Register exposes v under name
func (t *CapabilityTable) Register(name string, v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.caps[name] = v
}

// Fork returns a table with the same capabilities and nothing loaded
func (t *CapabilityTable) Fork() *CapabilityTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &CapabilityTable{
		caps:   maps.Clone(t.caps),
		loaded: make(map[string]struct{}),
	}
}

// Load resolves name through the installed guard and marks it loaded
func (t *CapabilityTable) Load(name string) (any, error) {
	t.mu.RLock()
	guard := t.guard
	t.mu.RUnlock()

	if guard != nil {
		if _, err := guard.Validate(name); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.caps[name]
	if !ok {
		return nil, ecode.New(ecode.ValidationFailed, "capability %s", ecode.NotExist(name))
	}
	t.loaded[name] = struct{}{}
	return v, nil
}

// Loaded returns the names loaded so far, sorted
func (t *CapabilityTable) Loaded() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := slices.Collect(maps.Keys(t.loaded))
	sort.Strings(names)
	return names
}

func (t *CapabilityTable) Snapshot() (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{loaded: maps.Clone(t.loaded)}, nil
}

// Restore resets the loaded set, evicting anything loaded after the snapshot
func (t *CapabilityTable) Restore(s Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.loaded == nil {
		t.loaded = make(map[string]struct{})
		return nil
	}
	t.loaded = maps.Clone(s.loaded)
	return nil
}

func (t *CapabilityTable) Install(g *ImportGuard) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.guard != nil {
		return fmt.Errorf("import hook already installed")
	}
	t.guard = g
	return nil
}

func (t *CapabilityTable) Uninstall() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.guard = nil
	return nil
}

func (t *CapabilityTable) Installed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.guard != nil
}
