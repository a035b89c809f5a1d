package interceptor

import (
	"context"
	"fmt"
	"os"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/permission"
	"github.com/open-policy-agent/opa/v1/rego"
)

// DefaultPolicyQuery is evaluated when no query is configured
const DefaultPolicyQuery = "data.guardrail.allow"

// PolicyInterceptor evaluates a Rego allow rule for every call
type PolicyInterceptor struct {
	query rego.PreparedEvalQuery
}

// NewPolicyInterceptor compiles source and prepares query for evaluation
func NewPolicyInterceptor(ctx context.Context, name, source, query string) (*PolicyInterceptor, error) {
	if query == "" {
		query = DefaultPolicyQuery
	}
	pq, err := rego.New(
		rego.Query(query),
		rego.Module(name, source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy %s: %w", name, err)
	}
	return &PolicyInterceptor{query: pq}, nil
}

// LoadPolicyFile reads a Rego module from path
func LoadPolicyFile(ctx context.Context, path, query string) (*PolicyInterceptor, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewPolicyInterceptor(ctx, path, string(src), query)
}

func (p *PolicyInterceptor) Name() string { return "policy" }

func (p *PolicyInterceptor) PreProcess(ctx context.Context, req types.Request, cc *types.CallContext) (types.Request, *types.CallContext, error) {
	input := map[string]any{
		"module":      cc.ModuleID,
		"action":      req.String("action", permission.ActionExecute),
		"user_id":     cc.UserID,
		"api_key_id":  cc.APIKeyID,
		"roles":       nonNilStrings(cc.Roles),
		"permissions": nonNilStrings(cc.Permissions),
		"payload":     map[string]any(req),
	}
	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, ecode.Wrap(ecode.Internal, err, "evaluate policy")
	}
	if !rs.Allowed() {
		return nil, nil, ecode.New(ecode.InsufficientPermissions, "denied by policy")
	}
	return req, cc, nil
}

func (p *PolicyInterceptor) PostProcess(_ context.Context, _ types.Request, _ *types.CallContext, resp types.Response) (types.Response, error) {
	return resp, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
