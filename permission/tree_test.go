package permission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTreeInsertLookup(t *testing.T) {
	tree := NewTree()
	tree.Insert(New("platform", "audit", "read", "read audit log"))
	tree.Insert(New("platform", "audit", "read", "replaced"))
	tree.Insert(New("platform", "users", "manage", ""))

	p, ok := tree.Lookup("platform:audit:read")
	assert.True(t, ok)
	assert.Equal(t, "replaced", p.Description)
	assert.Equal(t, 2, tree.Len())

	_, ok = tree.Lookup("platform:audit")
	assert.False(t, ok)
	_, ok = tree.Lookup("platform:billing:read")
	assert.False(t, ok)

	assert.Equal(t, []string{"platform"}, tree.Children(""))
	assert.Equal(t, []string{"audit", "users"}, tree.Children("platform"))
	assert.Nil(t, tree.Children("modules"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.RegisterPlatform(New("", "audit", "read", ""), New("", "users", "manage", ""))
	names := r.RegisterModule("chat", "execute", "read")
	r.RegisterModule("rag")

	assert.Equal(t, []string{"modules:chat:execute", "modules:chat:read"}, names)
	assert.Equal(t, 5, r.Len())

	_, ok := r.Lookup("platform:audit:read")
	assert.True(t, ok)

	assert.Equal(t, []string{"modules:chat:execute", "modules:chat:read", "modules:rag:execute"}, r.List("modules:"))
	assert.Equal(t, []string{"modules:chat:execute", "modules:rag:execute"}, r.Expand("modules:*:execute"))
	assert.Empty(t, r.List("billing:"))
}

func TestRegistryPlatformDoesNotMutateInput(t *testing.T) {
	perms := []Permission{New("custom", "audit", "read", "")}
	NewRegistry().RegisterPlatform(perms...)
	assert.Equal(t, "custom", perms[0].Namespace)
}

func TestRegistryConcurrentReads(t *testing.T) {
	r := NewRegistry()
	r.RegisterModule("chat")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Lookup("modules:chat:execute")
			_ = r.List("modules:")
		}()
		go func(i int) {
			defer wg.Done()
			r.RegisterModule("m", "a"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 9, r.Len())
}
