// Package interceptor implements the onion-model request pipeline wrapped
// around every module invocation.
package interceptor

import (
	"context"

	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/logging/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/ncobase/guardrail/extension/interceptor"

// Chain runs interceptors around a handler. PreProcess runs in registration
// order; PostProcess runs in reverse. Any failure runs HandleError on every
// interceptor in reverse, including those whose PreProcess never ran.
type Chain struct {
	interceptors []types.Interceptor
}

// NewChain creates a chain from interceptors in registration order
func NewChain(interceptors ...types.Interceptor) *Chain {
	c := &Chain{}
	c.Add(interceptors...)
	return c
}

// Add appends interceptors, skipping nil entries
func (c *Chain) Add(interceptors ...types.Interceptor) {
	for _, ic := range interceptors {
		if ic != nil {
			c.interceptors = append(c.interceptors, ic)
		}
	}
}

// Interceptors returns the registered interceptors in order
func (c *Chain) Interceptors() []types.Interceptor {
	out := make([]types.Interceptor, len(c.interceptors))
	copy(out, c.interceptors)
	return out
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute runs the full pipeline. The returned error is always the first
// failure observed; error hooks never replace it.
func (c *Chain) Execute(ctx context.Context, req types.Request, cc *types.CallContext, handler types.Handler) (types.Response, error) {
	if cc == nil {
		cc = &types.CallContext{}
	}
	if len(c.interceptors) == 0 {
		return handler(ctx, req, cc)
	}

	tracer := otel.Tracer(tracerName)

	for _, ic := range c.interceptors {
		spanCtx, span := tracer.Start(ctx, "pre:"+ic.Name())
		nreq, ncc, err := ic.PreProcess(spanCtx, req, cc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			c.handleError(ctx, req, cc, err)
			return nil, err
		}
		span.End()
		if nreq != nil {
			req = nreq
		}
		if ncc != nil {
			cc = ncc
		}
	}

	resp, err := handler(ctx, req, cc)
	if err != nil {
		c.handleError(ctx, req, cc, err)
		return nil, err
	}

	for i := len(c.interceptors) - 1; i >= 0; i-- {
		ic := c.interceptors[i]
		spanCtx, span := tracer.Start(ctx, "post:"+ic.Name())
		nresp, err := ic.PostProcess(spanCtx, req, cc, resp)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			c.handleError(ctx, req, cc, err)
			return nil, err
		}
		span.End()
		if nresp != nil {
			resp = nresp
		}
	}
	return resp, nil
}

// handleError calls HandleError on every interceptor, last registered first
func (c *Chain) handleError(ctx context.Context, req types.Request, cc *types.CallContext, err error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "handle_error")
	defer span.End()
	span.SetAttributes(attribute.Int("interceptors", len(c.interceptors)))

	for i := len(c.interceptors) - 1; i >= 0; i-- {
		h, ok := c.interceptors[i].(types.ErrorHandler)
		if !ok {
			continue
		}
		c.safeHandle(ctx, c.interceptors[i].Name(), h, req, cc, err)
	}
}

func (c *Chain) safeHandle(ctx context.Context, name string, h types.ErrorHandler, req types.Request, cc *types.CallContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf(ctx, "error hook %s panicked: %v", name, r)
		}
	}()
	h.HandleError(ctx, req, cc, err)
}
