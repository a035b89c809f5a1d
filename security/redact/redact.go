// Package redact masks values stored under sensitive keys.
package redact

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
)

// Marker replaces redacted values in module responses
const Marker = "[REDACTED]"

// DefaultKeys are matched case-insensitively as substrings of field names
var DefaultKeys = []string{"password", "secret", "token", "key", "private"}

const maxDepth = 32

// Redactor replaces values whose key matches one of the configured words
type Redactor struct {
	keys       []string
	marker     string
	exactMatch bool
	patterns   []*regexp.Regexp
}

// Option configures a Redactor
type Option func(*Redactor)

// WithMarker sets the replacement value
func WithMarker(marker string) Option {
	return func(r *Redactor) { r.marker = marker }
}

// WithExactMatch requires the whole key to equal a configured word
func WithExactMatch() Option {
	return func(r *Redactor) { r.exactMatch = true }
}

// WithValuePatterns masks matches inside string values regardless of key
func WithValuePatterns(patterns ...string) Option {
	return func(r *Redactor) {
		for _, p := range patterns {
			if re, err := regexp.Compile(p); err == nil {
				r.patterns = append(r.patterns, re)
			}
		}
	}
}

// New creates a redactor for keys, falling back to DefaultKeys
func New(keys []string, opts ...Option) *Redactor {
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	lowered := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	r := &Redactor{keys: lowered, marker: Marker}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Marker returns the replacement value
func (r *Redactor) Marker() string {
	return r.marker
}

// IsSensitive reports whether key names a sensitive field
func (r *Redactor) IsSensitive(key string) bool {
	if key == "" {
		return false
	}
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if r.exactMatch {
			if lower == k {
				return true
			}
		} else if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Map returns a redacted deep copy of m
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := r.value("", m, 0).(map[string]any)
	return out
}

// Value returns a redacted deep copy of v
func (r *Redactor) Value(v any) any {
	return r.value("", v, 0)
}

func (r *Redactor) value(key string, v any, depth int) any {
	if v == nil {
		return nil
	}
	if r.IsSensitive(key) {
		return r.marker
	}
	// too deep to walk, mask the whole subtree
	if depth > maxDepth {
		return r.marker
	}

	switch t := v.(type) {
	case string:
		return r.maskString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.value(k, val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.value("", val, depth+1)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.value("", val, depth+1)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		return r.viaJSON(v, depth)
	default:
		return v
	}
}

// viaJSON normalises typed structs and maps into generic values before walking them
func (r *Redactor) viaJSON(v any, depth int) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return v
	}
	return r.value("", generic, depth+1)
}

func (r *Redactor) maskString(s string) string {
	if s == "" || len(r.patterns) == 0 {
		return s
	}
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, r.marker)
	}
	return s
}
