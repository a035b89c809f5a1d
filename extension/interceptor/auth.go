package interceptor

import (
	"context"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/security/jwt"
)

// TokenResolver turns a bearer token into a caller identity
type TokenResolver interface {
	Resolve(token string) (*jwt.Identity, error)
}

// AuthenticationInterceptor requires a user or API key identity
type AuthenticationInterceptor struct {
	tokens TokenResolver
}

// NewAuthenticationInterceptor creates the interceptor; tokens may be nil
func NewAuthenticationInterceptor(tokens TokenResolver) *AuthenticationInterceptor {
	return &AuthenticationInterceptor{tokens: tokens}
}

func (a *AuthenticationInterceptor) Name() string { return "authentication" }

func (a *AuthenticationInterceptor) PreProcess(_ context.Context, req types.Request, cc *types.CallContext) (types.Request, *types.CallContext, error) {
	if cc.HasIdentity() {
		return req, cc, nil
	}
	if cc != nil && cc.Token != "" && a.tokens != nil {
		id, err := a.tokens.Resolve(cc.Token)
		if err != nil {
			return nil, nil, ecode.Wrap(ecode.AuthenticationRequired, err, "invalid credentials")
		}
		out := cc.Clone()
		out.UserID = id.UserID
		out.APIKeyID = id.APIKeyID
		out.Roles = append(out.Roles, id.Roles...)
		out.Permissions = append(out.Permissions, id.Permissions...)
		return req, out, nil
	}
	return nil, nil, ecode.New(ecode.AuthenticationRequired, "authentication required")
}

func (a *AuthenticationInterceptor) PostProcess(_ context.Context, _ types.Request, _ *types.CallContext, resp types.Response) (types.Response, error) {
	return resp, nil
}
