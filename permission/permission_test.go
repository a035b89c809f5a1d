package permission

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		pattern, required string
		want              bool
	}{
		{"platform:audit:read", "platform:audit:read", true},
		{"platform:*", "platform:audit:read", true},
		{"platform:*", "platform:audit", true},
		{"platform:*", "platform", false},
		{"platform:*", "modules:chat:execute", false},
		{"platform:audit:*", "platform:audit:read", true},
		{"platform:audit:*", "platform:users:read", false},
		{"platform:audit:*", "platform:audit:read:extra", false},
		{"modules:*:execute", "modules:chat:execute", true},
		{"modules:*:execute", "modules:chat:read", false},
		{"*:*:read", "platform:users:read", true},
		{"platform:audit:read", "platform:audit:write", false},
		{"", "platform:audit:read", false},
		{"platform:*", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Matches(tc.pattern, tc.required), "%s vs %s", tc.pattern, tc.required)
	}
}

// For wildcard patterns P and concrete Q, Matches must agree with the
// segment-wise definition of the three supported shapes.
func TestMatchesAgreesWithSegmentDefinition(t *testing.T) {
	segs := []string{"a", "b", "*"}
	concrete := []string{"a", "b"}

	var patterns []string
	for _, x := range segs {
		for _, y := range segs {
			patterns = append(patterns, x+":"+y)
			for _, z := range segs {
				patterns = append(patterns, x+":"+y+":"+z)
			}
		}
	}
	var requireds []string
	for _, x := range concrete {
		requireds = append(requireds, x)
		for _, y := range concrete {
			requireds = append(requireds, x+":"+y)
			for _, z := range concrete {
				requireds = append(requireds, x+":"+y+":"+z)
			}
		}
	}

	expected := func(p, q string) bool {
		ps, qs := strings.Split(p, ":"), strings.Split(q, ":")
		if len(ps) == 2 && ps[1] == "*" {
			return len(qs) >= 2 && (ps[0] == "*" || ps[0] == qs[0])
		}
		if len(ps) != len(qs) {
			return false
		}
		for i := range ps {
			if ps[i] != "*" && ps[i] != qs[i] {
				return false
			}
		}
		return true
	}

	for _, p := range patterns {
		for _, q := range requireds {
			assert.Equal(t, expected(p, q), Matches(p, q), "%s vs %s", p, q)
		}
	}
}

func TestHasPermission(t *testing.T) {
	held := []string{"platform:profile:read", "modules:*:execute"}

	assert.True(t, HasPermission(held, "modules:chat:execute"))
	assert.True(t, HasPermission(held, "platform:profile:read"))
	assert.False(t, HasPermission(held, "platform:audit:read"))
	assert.False(t, HasPermission(nil, "modules:chat:execute"))
	assert.False(t, HasPermission([]string{}, "modules:chat:execute"))
}

func TestElevate(t *testing.T) {
	assert.Equal(t, "platform:users:manage", Elevate("platform:users:read"))
	assert.Equal(t, "platform:users:manage", Elevate("platform:users:update"))
	assert.Equal(t, "platform:users:delete", Elevate("platform:users:delete"))
	assert.Equal(t, "platform:reader:execute", Elevate("platform:reader:execute"))
}

func TestCheckPermissionSelfAccess(t *testing.T) {
	attrs := map[string]any{"owner_id": "u1", "user_id": "u1"}
	for _, required := range []string{"platform:users:delete", "anything", "modules:x:y"} {
		assert.True(t, CheckPermission(nil, required, attrs), required)
	}
}

func TestCheckPermissionCrossUser(t *testing.T) {
	attrs := map[string]any{"owner_id": "u2", "user_id": "u1"}

	assert.False(t, CheckPermission([]string{"platform:users:read"}, "platform:users:read", attrs))
	assert.True(t, CheckPermission([]string{"platform:users:read", "platform:users:manage"}, "platform:users:read", attrs))
	assert.True(t, CheckPermission([]string{"platform:*"}, "platform:users:update", attrs))
}

func TestCheckPermissionWithoutOwnership(t *testing.T) {
	assert.True(t, CheckPermission([]string{"platform:users:read"}, "platform:users:read", nil))
	assert.False(t, CheckPermission(nil, "platform:users:read", map[string]any{}))
	assert.False(t, CheckPermission(nil, "platform:users:read", map[string]any{"owner_id": nil, "user_id": nil}))
}

func TestParse(t *testing.T) {
	p, err := Parse("platform:audit:read")
	require.NoError(t, err)
	assert.Equal(t, New("platform", "audit", "read", ""), p)
	assert.Equal(t, "platform:audit:read", p.String())

	p, err = Parse("modules:*")
	require.NoError(t, err)
	assert.Equal(t, "modules:*", p.String())

	for _, bad := range []string{"", "single", "a::b", "a:b:c:d"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestModulePermission(t *testing.T) {
	assert.Equal(t, "modules:chat:execute", ModulePermission("chat", ""))
	assert.Equal(t, "modules:chat:delete", ModulePermission("chat", "delete"))
}
