// Package scanner classifies text against known attack signatures. It never
// rejects or rewrites input; callers decide what a finding means.
package scanner

import (
	"fmt"
	"regexp"
	"sort"
)

// Finding is one matched signature
type Finding struct {
	Pattern  string   `json:"pattern"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Match    string   `json:"match"`
	Offset   int      `json:"offset"`
}

type compiled struct {
	Pattern
	re *regexp.Regexp
}

// Scanner holds a compiled, immutable signature set
type Scanner struct {
	patterns []compiled
}

// New compiles the default patterns plus extra
func New(extra ...Pattern) (*Scanner, error) {
	all := make([]Pattern, 0, len(DefaultPatterns)+len(extra))
	all = append(all, DefaultPatterns...)
	all = append(all, extra...)
	return Compile(all)
}

// Compile builds a scanner from exactly patterns
func Compile(patterns []Pattern) (*Scanner, error) {
	s := &Scanner{patterns: make([]compiled, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p.Expr)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p.Name, err)
		}
		if p.Severity == 0 {
			p.Severity = SeverityMedium
		}
		s.patterns = append(s.patterns, compiled{Pattern: p, re: re})
	}
	return s, nil
}

// MustNew is New that panics on invalid patterns
func MustNew(extra ...Pattern) *Scanner {
	s, err := New(extra...)
	if err != nil {
		panic(err)
	}
	return s
}

// Scan returns one finding per matching pattern, ordered by offset
func (s *Scanner) Scan(text string) []Finding {
	if text == "" {
		return nil
	}
	var findings []Finding
	for _, p := range s.patterns {
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		findings = append(findings, Finding{
			Pattern:  p.Name,
			Category: p.Category,
			Severity: p.Severity,
			Match:    text[loc[0]:loc[1]],
			Offset:   loc[0],
		})
	}
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Offset < findings[j].Offset
	})
	return findings
}

// MaxSeverity returns the highest severity among findings, 0 when empty
func MaxSeverity(findings []Finding) Severity {
	var max Severity
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

// Categories returns the distinct categories present in findings
func Categories(findings []Finding) []Category {
	seen := make(map[Category]struct{})
	var out []Category
	for _, f := range findings {
		if _, ok := seen[f.Category]; ok {
			continue
		}
		seen[f.Category] = struct{}{}
		out = append(out, f.Category)
	}
	return out
}
