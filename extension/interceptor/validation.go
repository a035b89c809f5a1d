package interceptor

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/types"
)

const (
	DefaultMaxStringLength = 10000
	DefaultMaxPayloadBytes = 10 * 1024 * 1024
)

// dangerousContent is removed from every string leaf
var dangerousContent = regexp.MustCompile(`(?i)(<\s*/?\s*script[^>]*>|javascript:|vbscript:|data:text/html|on(load|error|click|mouseover)\s*=|eval\s*\(|expression\s*\()`)

// ValidationInterceptor sanitizes string leaves and bounds payload size
type ValidationInterceptor struct {
	maxStringLength int
	maxPayloadBytes int
}

// NewValidationInterceptor creates the interceptor; non-positive values use the defaults
func NewValidationInterceptor(maxStringLength, maxPayloadBytes int) *ValidationInterceptor {
	if maxStringLength <= 0 {
		maxStringLength = DefaultMaxStringLength
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &ValidationInterceptor{maxStringLength: maxStringLength, maxPayloadBytes: maxPayloadBytes}
}

func (v *ValidationInterceptor) Name() string { return "validation" }

func (v *ValidationInterceptor) PreProcess(_ context.Context, req types.Request, cc *types.CallContext) (types.Request, *types.CallContext, error) {
	if err := v.checkSize("request", map[string]any(req)); err != nil {
		return nil, nil, err
	}
	return types.Request(v.sanitizeMap(req)), cc, nil
}

func (v *ValidationInterceptor) PostProcess(_ context.Context, _ types.Request, _ *types.CallContext, resp types.Response) (types.Response, error) {
	if err := v.checkSize("response", map[string]any(resp)); err != nil {
		return nil, err
	}
	return types.Response(v.sanitizeMap(resp)), nil
}

func (v *ValidationInterceptor) checkSize(what string, m map[string]any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return ecode.Wrap(ecode.ValidationFailed, err, "%s is not serializable", what)
	}
	if len(raw) > v.maxPayloadBytes {
		return ecode.New(ecode.ValidationFailed, "%s too large", what).WithField("size", len(raw))
	}
	return nil
}

// sanitizeMap returns a sanitized deep copy of m
func (v *ValidationInterceptor) sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = v.sanitize(val)
	}
	return out
}

func (v *ValidationInterceptor) sanitize(val any) any {
	switch t := val.(type) {
	case string:
		return v.sanitizeString(t)
	case map[string]any:
		return v.sanitizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = v.sanitize(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = v.sanitizeMap(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = v.sanitizeString(item)
		}
		return out
	default:
		return val
	}
}

func (v *ValidationInterceptor) sanitizeString(s string) string {
	// strip until stable so nested fragments cannot reassemble
	for {
		next := dangerousContent.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}
	if len(s) <= v.maxStringLength {
		return s
	}
	runes := []rune(s)
	if len(runes) <= v.maxStringLength {
		return s
	}
	return string(runes[:v.maxStringLength])
}
