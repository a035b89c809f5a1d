// Package rpc runs plugins as separate processes over hashicorp/go-plugin.
//
// A plugin binary implements types.Module and calls Serve from main. The
// host side is a plugin.Runtime registered for manifests with runtime "rpc".
// Requests and responses cross the process boundary as JSON; error kinds
// survive the trip.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	netrpc "net/rpc"
	"sync"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/types"
)

// Handshake is shared by the host and every plugin binary
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "GUARDRAIL_PLUGIN",
	MagicCookieValue: "7d0b54c3-guardrail-module",
}

// PluginName is the name the module is dispensed under
const PluginName = "module"

// PluginMap is the set of plugins the host can dispense
var PluginMap = map[string]goplugin.Plugin{
	PluginName: &ModulePlugin{},
}

// ModulePlugin is the go-plugin definition of a module served over net/rpc
type ModulePlugin struct {
	Impl types.Module
}

// Server returns the RPC server for the plugin side
func (p *ModulePlugin) Server(*goplugin.MuxBroker) (any, error) {
	if p.Impl == nil {
		return nil, errors.New("rpc: no module implementation")
	}
	return &Server{impl: p.Impl}, nil
}

// Client returns the RPC client for the host side
func (p *ModulePlugin) Client(_ *goplugin.MuxBroker, c *netrpc.Client) (any, error) {
	return &Client{client: c}, nil
}

// Empty is the argument of calls that carry nothing
type Empty struct{}

// Caller is the part of a call context a plugin may see. Bearer tokens
// never leave the host.
type Caller struct {
	ModuleID    string
	UserID      string
	APIKeyID    string
	OwnerID     string
	ClientIP    string
	Roles       []string
	Permissions []string
}

func callerFrom(cc *types.CallContext) Caller {
	if cc == nil {
		return Caller{}
	}
	return Caller{
		ModuleID:    cc.ModuleID,
		UserID:      cc.UserID,
		APIKeyID:    cc.APIKeyID,
		OwnerID:     cc.OwnerID,
		ClientIP:    cc.ClientIP,
		Roles:       cc.Roles,
		Permissions: cc.Permissions,
	}
}

func (c Caller) callContext() *types.CallContext {
	return &types.CallContext{
		ModuleID:    c.ModuleID,
		UserID:      c.UserID,
		APIKeyID:    c.APIKeyID,
		OwnerID:     c.OwnerID,
		ClientIP:    c.ClientIP,
		Roles:       c.Roles,
		Permissions: c.Permissions,
	}
}

// LifecycleArgs carries the caller deadline of Initialize and Cleanup
type LifecycleArgs struct {
	Deadline time.Time
}

// ProcessArgs is the argument of ProcessRequest
type ProcessArgs struct {
	Deadline time.Time
	Caller   Caller
	Request  []byte
}

// WireError is an error that keeps its kind across the process boundary
type WireError struct {
	Kind    ecode.Kind
	Message string
}

func toWire(err error) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{Kind: ecode.KindOf(err), Message: err.Error()}
}

func (w *WireError) err() error {
	if w == nil {
		return nil
	}
	return ecode.New(w.Kind, "%s", w.Message)
}

// ErrorReply is the reply of calls that only report an error
type ErrorReply struct {
	Err *WireError
}

// ProcessReply is the reply of ProcessRequest
type ProcessReply struct {
	Response []byte
	Err      *WireError
}

func deadlineContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

// Server exposes a module over net/rpc inside the plugin process
type Server struct {
	impl types.Module
}

func (s *Server) ID(_ Empty, reply *string) error {
	*reply = s.impl.ID()
	return nil
}

func (s *Server) GetRequiredPermissions(_ Empty, reply *[]string) error {
	*reply = s.impl.GetRequiredPermissions()
	return nil
}

func (s *Server) Initialize(args LifecycleArgs, reply *ErrorReply) error {
	ctx, cancel := deadlineContext(args.Deadline)
	defer cancel()
	reply.Err = toWire(s.impl.Initialize(ctx))
	return nil
}

func (s *Server) Cleanup(args LifecycleArgs, reply *ErrorReply) error {
	ctx, cancel := deadlineContext(args.Deadline)
	defer cancel()
	reply.Err = toWire(s.impl.Cleanup(ctx))
	return nil
}

func (s *Server) ProcessRequest(args ProcessArgs, reply *ProcessReply) error {
	var req types.Request
	if len(args.Request) > 0 {
		if err := json.Unmarshal(args.Request, &req); err != nil {
			reply.Err = toWire(ecode.Wrap(ecode.ValidationFailed, err, "decode request"))
			return nil
		}
	}
	ctx, cancel := deadlineContext(args.Deadline)
	defer cancel()

	resp, err := s.impl.ProcessRequest(ctx, req, args.Caller.callContext())
	if err != nil {
		reply.Err = toWire(err)
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		reply.Err = toWire(ecode.Wrap(ecode.ValidationFailed, err, "encode response"))
		return nil
	}
	reply.Response = data
	return nil
}

// Client is the host-side view of a remote module. It implements types.Module.
type Client struct {
	client *netrpc.Client

	idOnce sync.Once
	id     string
}

var _ types.Module = (*Client)(nil)

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	call := c.client.Go("Plugin."+method, args, reply, make(chan *netrpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		if res.Error != nil {
			return ecode.Wrap(ecode.Internal, res.Error, "rpc %s", method)
		}
		return nil
	}
}

func deadlineOf(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

// ID returns the remote module id; it is fetched once
func (c *Client) ID() string {
	c.idOnce.Do(func() {
		var id string
		if err := c.call(context.Background(), "ID", Empty{}, &id); err == nil {
			c.id = id
		}
	})
	return c.id
}

func (c *Client) GetRequiredPermissions() []string {
	var perms []string
	if err := c.call(context.Background(), "GetRequiredPermissions", Empty{}, &perms); err != nil {
		return nil
	}
	return perms
}

func (c *Client) Initialize(ctx context.Context) error {
	var reply ErrorReply
	if err := c.call(ctx, "Initialize", LifecycleArgs{Deadline: deadlineOf(ctx)}, &reply); err != nil {
		return err
	}
	return reply.Err.err()
}

func (c *Client) Cleanup(ctx context.Context) error {
	var reply ErrorReply
	if err := c.call(ctx, "Cleanup", LifecycleArgs{Deadline: deadlineOf(ctx)}, &reply); err != nil {
		return err
	}
	return reply.Err.err()
}

func (c *Client) ProcessRequest(ctx context.Context, req types.Request, cc *types.CallContext) (types.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, ecode.Wrap(ecode.ValidationFailed, err, "encode request")
	}
	var reply ProcessReply
	args := ProcessArgs{Deadline: deadlineOf(ctx), Caller: callerFrom(cc), Request: data}
	if err := c.call(ctx, "ProcessRequest", args, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err.err()
	}
	var resp types.Response
	if len(reply.Response) > 0 {
		if err := json.Unmarshal(reply.Response, &resp); err != nil {
			return nil, ecode.Wrap(ecode.ValidationFailed, err, "decode response")
		}
	}
	return resp, nil
}
