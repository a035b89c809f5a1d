package plugin

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/security"
	"github.com/ncobase/guardrail/logging/logger"
)

// DefaultDenylist holds the literal substrings that reject a plugin source outright
var DefaultDenylist = []string{
	"eval(",
	"exec(",
	"subprocess.",
	"os.system",
	"__import__",
	"importlib",
	`"os/exec"`,
	`"syscall"`,
	`"unsafe"`,
	`"plugin"`,
	`"golang.org/x/sys/`,
	`"github.com/ncobase/guardrail/extension/security"`,
	`"github.com/ncobase/guardrail/extension/plugin"`,
	`"github.com/ncobase/guardrail/config"`,
}

// maxSourceBytes caps the size of a scanned entry point
const maxSourceBytes = 8 << 20

// Violation is one static scan hit
type Violation struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Pattern string `json:"pattern"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d: %s", filepath.Base(v.File), v.Line, v.Pattern)
}

// StaticScanner checks plugin source text before anything of it runs.
// It is a coarse textual layer on top of the runtime import guard.
type StaticScanner struct {
	patterns     []string
	extraAllowed []string
	extraBlocked []string
}

// NewStaticScanner creates a scanner with the default denylist plus extra
func NewStaticScanner(extra ...string) *StaticScanner {
	patterns := slices.Clone(DefaultDenylist)
	for _, p := range extra {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(patterns, p) {
			patterns = append(patterns, p)
		}
	}
	return &StaticScanner{patterns: patterns}
}

// WithImportPolicy sets the extra import prefixes used for Go import checks
func (s *StaticScanner) WithImportPolicy(allowed, blocked []string) *StaticScanner {
	s.extraAllowed = slices.Clone(allowed)
	s.extraBlocked = slices.Clone(blocked)
	return s
}

// Patterns returns the active denylist
func (s *StaticScanner) Patterns() []string { return slices.Clone(s.patterns) }

// ScanFile scans the source at path
func (s *StaticScanner) ScanFile(ctx context.Context, pluginID, path string) ([]Violation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ecode.Wrap(ecode.PluginLoadFailed, err, "entry point")
	}
	if info.IsDir() {
		return nil, ecode.New(ecode.PluginLoadFailed, "entry point %s is a directory", path)
	}
	if info.Size() > maxSourceBytes {
		return nil, ecode.New(ecode.PluginLoadFailed, "entry point %s", ecode.Exceeded("size limit"))
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, ecode.Wrap(ecode.PluginLoadFailed, err, "read entry point")
	}
	return s.ScanSource(ctx, pluginID, path, src), nil
}

// ScanSource scans src. Go sources additionally have their import list
// checked against the import guard.
func (s *StaticScanner) ScanSource(ctx context.Context, pluginID, name string, src []byte) []Violation {
	var out []Violation
	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), maxSourceBytes)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, p := range s.patterns {
			if strings.Contains(text, p) {
				out = append(out, Violation{File: name, Line: line, Pattern: p})
			}
		}
	}
	if err := sc.Err(); err != nil {
		out = append(out, Violation{File: name, Line: line, Pattern: "unreadable source"})
	}

	if strings.HasSuffix(name, ".go") {
		out = append(out, s.checkImports(ctx, pluginID, name, src)...)
	}
	return out
}

func (s *StaticScanner) checkImports(ctx context.Context, pluginID, name string, src []byte) []Violation {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, name, src, parser.ImportsOnly)
	if err != nil {
		logger.Warnf(ctx, "plugin %s: skip import check of %s: %v", pluginID, filepath.Base(name), err)
		return nil
	}
	guard := security.NewImportGuard(pluginID, s.extraAllowed, s.extraBlocked)
	var out []Violation
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if _, err := guard.Validate(path); err != nil {
			out = append(out, Violation{
				File:    name,
				Line:    fset.Position(imp.Pos()).Line,
				Pattern: "import " + path,
			})
		}
	}
	return out
}

// violationError builds the SecurityViolation returned for a rejected source
func violationError(pluginID string, violations []Violation) error {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.String())
	}
	return ecode.New(ecode.SecurityViolation, "plugin %s: static scan rejected source: %s",
		pluginID, strings.Join(parts, ", ")).WithField("violations", violations)
}
