package security

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/logging/logger"
)

// DefaultAllowed lists vetted import prefixes. An allowed prefix overrides
// any blocked prefix that also matches. A trailing "$" allows the name only,
// not the packages below it.
var DefaultAllowed = []string{
	"bufio",
	"bytes",
	"context",
	"crypto/hmac",
	"crypto/sha256",
	"crypto/sha512",
	"encoding",
	"errors",
	"fmt",
	"hash",
	"html",
	"io$",
	"io/fs",
	"log/slog",
	"maps",
	"math",
	"net/url",
	"path",
	"regexp",
	"slices",
	"sort",
	"strconv",
	"strings",
	"sync",
	"text/template",
	"time",
	"unicode",
	"github.com/ncobase/guardrail/ecode",
	"github.com/ncobase/guardrail/extension/types",
	"github.com/ncobase/guardrail/extension/plugin/rpc",
}

// DefaultBlocked lists platform internals and dangerous primitives
var DefaultBlocked = []string{
	// process spawning and code execution
	"os/exec",
	"plugin",
	"syscall",
	"golang.org/x/sys",
	"C",
	// raw sockets and direct network access
	"net",
	// low level runtime, memory and thread control
	"unsafe",
	"runtime",
	"reflect",
	// destructive filesystem access
	"os",
	"io/ioutil",
	// platform internals
	"github.com/ncobase/guardrail/config",
	"github.com/ncobase/guardrail/permission",
	"github.com/ncobase/guardrail/audit",
	"github.com/ncobase/guardrail/security",
	"github.com/ncobase/guardrail/extension/security",
	"github.com/ncobase/guardrail/extension/plugin",
}

// ImportGuard decides which imports a plugin may use and records what it imported
type ImportGuard struct {
	pluginID string
	allowed  []string
	blocked  []string

	mu         sync.Mutex
	imported   []string
	violations []string
	unknown    []string
}

// NewImportGuard creates a guard from the default lists plus the extras
func NewImportGuard(pluginID string, extraAllowed, extraBlocked []string) *ImportGuard {
	return &ImportGuard{
		pluginID: pluginID,
		allowed:  append(slices.Clone(DefaultAllowed), extraAllowed...),
		blocked:  append(slices.Clone(DefaultBlocked), extraBlocked...),
	}
}

// Validate reports whether name may be imported. Resolution order is
// allow-prefix, then block-prefix, then permit with a warning.
func (g *ImportGuard) Validate(name string) (bool, error) {
	name = strings.TrimSpace(name)

	if matchesAny(name, g.allowed) {
		g.record(&g.imported, name)
		return true, nil
	}
	if matchesAny(name, g.blocked) {
		g.record(&g.violations, name)
		return false, ecode.New(ecode.SecurityViolation, "import %q is blocked", name).
			WithField("plugin", g.pluginID)
	}

	g.record(&g.imported, name)
	g.record(&g.unknown, name)
	logger.Warnf(context.Background(), "plugin %s imports unvetted package %q", g.pluginID, name)
	return true, nil
}

func (g *ImportGuard) record(list *[]string, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	*list = append(*list, name)
}

// Imported returns every permitted import in the order seen
func (g *ImportGuard) Imported() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.imported)
}

// Violations returns every blocked import attempt
func (g *ImportGuard) Violations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.violations)
}

// Unknown returns imports matched by neither list
func (g *ImportGuard) Unknown() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.unknown)
}

// matchesAny reports whether name equals a prefix or lies below it. Boundaries
// are "/" and "."; a prefix ending in either matches as a plain string prefix.
// A prefix ending in "$" matches name exactly.
func matchesAny(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if exact, ok := strings.CutSuffix(p, "$"); ok {
			if name == exact {
				return true
			}
			continue
		}
		if name == p {
			return true
		}
		if strings.HasSuffix(p, "/") || strings.HasSuffix(p, ".") {
			if strings.HasPrefix(name, p) {
				return true
			}
			continue
		}
		if strings.HasPrefix(name, p+"/") || strings.HasPrefix(name, p+".") {
			return true
		}
	}
	return false
}
