package permission

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"
)

// Tree indexes registered permissions by their colon-delimited segments
type Tree struct {
	root *node
	size int
}

type node struct {
	children map[string]*node
	perm     *Permission
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// NewTree creates an empty tree
func NewTree() *Tree {
	return &Tree{root: newNode()}
}

// Insert adds p, replacing any permission with the same canonical form
func (t *Tree) Insert(p Permission) {
	n := t.root
	for _, seg := range strings.Split(p.String(), Separator) {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	if n.perm == nil {
		t.size++
	}
	perm := p
	n.perm = &perm
}

// Lookup returns the permission registered under canonical
func (t *Tree) Lookup(canonical string) (Permission, bool) {
	n := t.root
	for _, seg := range strings.Split(canonical, Separator) {
		child, ok := n.children[seg]
		if !ok {
			return Permission{}, false
		}
		n = child
	}
	if n.perm == nil {
		return Permission{}, false
	}
	return *n.perm, true
}

// Children lists the segment names directly under path ("" for the root)
func (t *Tree) Children(path string) []string {
	n := t.root
	if path != "" {
		for _, seg := range strings.Split(path, Separator) {
			child, ok := n.children[seg]
			if !ok {
				return nil
			}
			n = child
		}
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered permissions
func (t *Tree) Len() int {
	return t.size
}

// Registry is the process permission index. Registration normally happens
// at startup; reads stay safe while late registrations take the write lock.
type Registry struct {
	mu    sync.RWMutex
	tree  *Tree
	index *btree.BTreeG[string]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tree:  NewTree(),
		index: btree.NewG[string](16, func(a, b string) bool { return a < b }),
	}
}

// Register adds permissions as given
func (r *Registry) Register(perms ...Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range perms {
		r.tree.Insert(p)
		r.index.ReplaceOrInsert(p.String())
	}
}

// RegisterPlatform adds permissions under the platform namespace
func (r *Registry) RegisterPlatform(perms ...Permission) {
	scoped := make([]Permission, len(perms))
	for i, p := range perms {
		p.Namespace = NamespacePlatform
		scoped[i] = p
	}
	r.Register(scoped...)
}

// RegisterModule adds modules:{moduleID}:{action} for each action
func (r *Registry) RegisterModule(moduleID string, actions ...string) []string {
	if len(actions) == 0 {
		actions = []string{ActionExecute}
	}
	perms := make([]Permission, 0, len(actions))
	names := make([]string, 0, len(actions))
	for _, action := range actions {
		p := New(NamespaceModules, moduleID, action, "")
		perms = append(perms, p)
		names = append(names, p.String())
	}
	r.Register(perms...)
	return names
}

// Lookup returns the permission registered under canonical
func (r *Registry) Lookup(canonical string) (Permission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Lookup(canonical)
}

// List returns registered canonical strings with the given prefix, in order
func (r *Registry) List(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	r.index.AscendGreaterOrEqual(prefix, func(item string) bool {
		if !strings.HasPrefix(item, prefix) {
			return false
		}
		out = append(out, item)
		return true
	})
	return out
}

// Expand lists registered permissions a held pattern grants
func (r *Registry) Expand(pattern string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	r.index.Ascend(func(item string) bool {
		if Matches(pattern, item) {
			out = append(out, item)
		}
		return true
	})
	return out
}

// Len returns the number of registered permissions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}
