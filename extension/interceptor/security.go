package interceptor

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/logging/logger"
	"github.com/ncobase/guardrail/security/redact"
	"github.com/ncobase/guardrail/security/scanner"
	"github.com/sirupsen/logrus"
)

// FindingsKey holds the scanner findings for the request
const FindingsKey = "security.findings"

// SecurityInterceptor logs signature matches in requests and redacts
// sensitive response fields. It never blocks.
type SecurityInterceptor struct {
	scanner  *scanner.Scanner
	redactor *redact.Redactor
}

// NewSecurityInterceptor creates the interceptor; nil arguments use the defaults
func NewSecurityInterceptor(s *scanner.Scanner, r *redact.Redactor) *SecurityInterceptor {
	if s == nil {
		s = scanner.MustNew()
	}
	if r == nil {
		r = redact.New(nil)
	}
	return &SecurityInterceptor{scanner: s, redactor: r}
}

func (s *SecurityInterceptor) Name() string { return "security" }

func (s *SecurityInterceptor) PreProcess(ctx context.Context, req types.Request, cc *types.CallContext) (types.Request, *types.CallContext, error) {
	raw, err := scanText(req)
	if err != nil {
		return req, cc, nil
	}
	findings := s.scanner.Scan(raw)
	if len(findings) == 0 {
		return req, cc, nil
	}

	cc.Set(FindingsKey, findings)
	logger.WithFields(ctx, logrus.Fields{
		"module":       cc.ModuleID,
		"caller":       cc.Caller(),
		"categories":   scanner.Categories(findings),
		"max_severity": scanner.MaxSeverity(findings).String(),
		"findings":     len(findings),
	}).Warn("suspicious request content")
	return req, cc, nil
}

func (s *SecurityInterceptor) PostProcess(_ context.Context, _ types.Request, _ *types.CallContext, resp types.Response) (types.Response, error) {
	if resp == nil {
		return nil, nil
	}
	return types.Response(s.redactor.Map(map[string]any(resp))), nil
}

// scanText serializes req without HTML escaping so markup and shell
// operators reach the scanner as written
func scanText(req types.Request) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Findings returns the findings recorded for the request
func Findings(cc *types.CallContext) []scanner.Finding {
	v, _ := cc.Get(FindingsKey)
	f, _ := v.([]scanner.Finding)
	return f
}
