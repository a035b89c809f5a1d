package types

import "context"

// Module is the contract implemented by every gateway module
type Module interface {
	ID() string
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	GetRequiredPermissions() []string
	ProcessRequest(ctx context.Context, req Request, cc *CallContext) (Response, error)
}

// Interceptor wraps a module invocation
type Interceptor interface {
	Name() string
	PreProcess(ctx context.Context, req Request, cc *CallContext) (Request, *CallContext, error)
	PostProcess(ctx context.Context, req Request, cc *CallContext, resp Response) (Response, error)
}

// ErrorHandler is implemented by interceptors that observe handler failures
type ErrorHandler interface {
	HandleError(ctx context.Context, req Request, cc *CallContext, err error)
}

// Handler is the terminal step of an interceptor chain
type Handler func(ctx context.Context, req Request, cc *CallContext) (Response, error)

// Resolver is the capability lookup handed to a sandboxed plugin
type Resolver interface {
	Resolve(name string) (any, error)
	AllowNetwork(domain string) error
}
