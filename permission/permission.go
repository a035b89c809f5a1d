package permission

import (
	"fmt"
	"strings"
)

const (
	Separator = ":"
	Wildcard  = "*"

	NamespacePlatform = "platform"
	NamespaceModules  = "modules"

	ActionExecute = "execute"
	ActionRead    = "read"
	ActionUpdate  = "update"
	ActionManage  = "manage"
)

// Permission is an immutable (namespace, resource, action) triple
type Permission struct {
	Namespace   string `json:"namespace" yaml:"namespace"`
	Resource    string `json:"resource" yaml:"resource"`
	Action      string `json:"action" yaml:"action"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// New creates a permission
func New(namespace, resource, action, description string) Permission {
	return Permission{Namespace: namespace, Resource: resource, Action: action, Description: description}
}

// String returns the canonical form, which is also the identity
func (p Permission) String() string {
	if p.Namespace == "" {
		return p.Resource + Separator + p.Action
	}
	return p.Namespace + Separator + p.Resource + Separator + p.Action
}

// Parse reads a canonical permission string
func Parse(s string) (Permission, error) {
	parts := strings.Split(s, Separator)
	for _, part := range parts {
		if part == "" {
			return Permission{}, fmt.Errorf("invalid permission %q: empty segment", s)
		}
	}
	switch len(parts) {
	case 2:
		return Permission{Resource: parts[0], Action: parts[1]}, nil
	case 3:
		return Permission{Namespace: parts[0], Resource: parts[1], Action: parts[2]}, nil
	default:
		return Permission{}, fmt.Errorf("invalid permission %q: want 2 or 3 segments", s)
	}
}

// ModulePermission returns the permission required to perform action on a module
func ModulePermission(moduleID, action string) string {
	if action == "" {
		action = ActionExecute
	}
	return NamespaceModules + Separator + moduleID + Separator + action
}

// Matches reports whether the held pattern satisfies required.
func Matches(pattern, required string) bool {
	if pattern == "" || required == "" {
		return false
	}
	if pattern == required {
		return true
	}
	if !strings.Contains(pattern, Wildcard) {
		return false
	}

	p := strings.Split(pattern, Separator)
	q := strings.Split(required, Separator)

	// a:* covers every a:<...> with at least two segments
	if len(p) == 2 && p[1] == Wildcard {
		return len(q) >= 2 && segmentMatches(p[0], q[0])
	}

	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if !segmentMatches(p[i], q[i]) {
			return false
		}
	}
	return true
}

func segmentMatches(pattern, segment string) bool {
	return pattern == Wildcard || pattern == segment
}

// HasPermission reports whether any held permission satisfies required
func HasPermission(held []string, required string) bool {
	for _, h := range held {
		if Matches(h, required) {
			return true
		}
	}
	return false
}

// Elevate upgrades a trailing :read or :update to :manage
func Elevate(required string) string {
	for _, suffix := range []string{Separator + ActionRead, Separator + ActionUpdate} {
		if strings.HasSuffix(required, suffix) {
			return strings.TrimSuffix(required, suffix) + Separator + ActionManage
		}
	}
	return required
}

// CheckPermission applies ownership rules on top of HasPermission.
// Callers acting on their own resource (owner_id == user_id) are always
// allowed; acting on another user's resource needs the elevated permission.
func CheckPermission(held []string, required string, attrs map[string]any) bool {
	owner, hasOwner := stringAttr(attrs, "owner_id")
	user, hasUser := stringAttr(attrs, "user_id")

	if hasOwner && hasUser && owner == user {
		return true
	}
	if !HasPermission(held, required) {
		return false
	}
	if hasOwner && owner != user {
		return HasPermission(held, Elevate(required))
	}
	return true
}

func stringAttr(attrs map[string]any, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	v, ok := attrs[key]
	if !ok || v == nil {
		return "", false
	}
	s := fmt.Sprint(v)
	return s, s != ""
}
