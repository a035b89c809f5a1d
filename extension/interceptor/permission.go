package interceptor

import (
	"context"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/permission"
)

// PermissionInterceptor requires modules:{module}:{action} for every call
type PermissionInterceptor struct {
	roles *permission.Roles
}

// NewPermissionInterceptor creates the interceptor. When roles is non-nil the
// caller's roles are expanded into permissions before the check.
func NewPermissionInterceptor(roles *permission.Roles) *PermissionInterceptor {
	return &PermissionInterceptor{roles: roles}
}

func (p *PermissionInterceptor) Name() string { return "permission" }

func (p *PermissionInterceptor) PreProcess(_ context.Context, req types.Request, cc *types.CallContext) (types.Request, *types.CallContext, error) {
	action := req.String("action", permission.ActionExecute)
	required := permission.ModulePermission(cc.ModuleID, action)

	held := cc.Permissions
	if p.roles != nil {
		held = p.roles.GetUserPermissions(cc.Roles, cc.Permissions)
	}

	// ownership comes from the platform only, never from the payload
	if !permission.CheckPermission(held, required, cc.Attributes()) {
		return nil, nil, ecode.New(ecode.InsufficientPermissions, "missing permission %s", required).
			WithField("required", required)
	}
	return req, cc, nil
}

func (p *PermissionInterceptor) PostProcess(_ context.Context, _ types.Request, _ *types.CallContext, resp types.Response) (types.Response, error) {
	return resp, nil
}
