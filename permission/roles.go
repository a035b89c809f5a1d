package permission

import (
	"sort"
	"sync"
)

// Default role names
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleDeveloper  = "developer"
	RoleUser       = "user"
	RoleReadonly   = "readonly"
)

// DefaultRoles returns a fresh copy of the built-in role table
func DefaultRoles() map[string][]string {
	return map[string][]string{
		RoleSuperAdmin: {"platform:*", "modules:*"},
		RoleAdmin: {
			"platform:users:*",
			"platform:roles:read",
			"platform:audit:read",
			"platform:modules:*",
			"platform:plugins:*",
			"modules:*",
		},
		RoleDeveloper: {
			"platform:modules:read",
			"platform:plugins:read",
			"platform:api_keys:*",
			"modules:*:execute",
			"modules:*:read",
		},
		RoleUser: {
			"platform:profile:read",
			"platform:profile:update",
			"modules:*:execute",
		},
		RoleReadonly: {
			"platform:*:read",
			"modules:*:read",
		},
	}
}

// Roles maps role names to permission lists
type Roles struct {
	mu    sync.RWMutex
	roles map[string][]string
}

// NewRoles creates a role table seeded with the default roles
func NewRoles() *Roles {
	return &Roles{roles: DefaultRoles()}
}

// AddRole creates or replaces a role
func (r *Roles) AddRole(name string, perms ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[name] = append([]string(nil), perms...)
}

// Merge adds roles from m, replacing same-named roles
func (r *Roles) Merge(m map[string][]string) {
	for name, perms := range m {
		r.AddRole(name, perms...)
	}
}

// RolePermissions returns the permissions of a role
func (r *Roles) RolePermissions(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	perms, ok := r.roles[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), perms...), true
}

// Names lists the known roles
func (r *Roles) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetUserPermissions unions the permissions of roles with custom grants.
// Duplicates collapse; first occurrence order is kept. Unknown roles grant nothing.
func (r *Roles) GetUserPermissions(roles []string, custom []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]string, 0)
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, role := range roles {
		for _, p := range r.roles[role] {
			add(p)
		}
	}
	for _, p := range custom {
		add(p)
	}
	return out
}
