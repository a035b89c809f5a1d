package interceptor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ncobase/guardrail/audit"
	"github.com/ncobase/guardrail/ctxutil"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/permission"
)

const (
	auditHashKey  = "audit.request_hash"
	auditStartKey = "audit.start_time"
)

// AuditEmitter receives audit records; delivery is best effort
type AuditEmitter interface {
	EmitAuditEvent(ctx context.Context, rec audit.Record)
}

// AuditInterceptor emits one record per call, on success or failure
type AuditInterceptor struct {
	emitter AuditEmitter
	now     func() time.Time
}

// NewAuditInterceptor creates the interceptor; a nil emitter logs records
func NewAuditInterceptor(emitter AuditEmitter) *AuditInterceptor {
	if emitter == nil {
		emitter = logEmitter{sink: audit.NewLogSink()}
	}
	return &AuditInterceptor{emitter: emitter, now: time.Now}
}

func (a *AuditInterceptor) Name() string { return "audit" }

func (a *AuditInterceptor) PreProcess(_ context.Context, req types.Request, cc *types.CallContext) (types.Request, *types.CallContext, error) {
	cc.Set(auditHashKey, RequestHash(req))
	cc.Set(auditStartKey, a.now())
	return req, cc, nil
}

func (a *AuditInterceptor) PostProcess(ctx context.Context, req types.Request, cc *types.CallContext, resp types.Response) (types.Response, error) {
	a.emit(ctx, req, cc, nil)
	return resp, nil
}

func (a *AuditInterceptor) HandleError(ctx context.Context, req types.Request, cc *types.CallContext, err error) {
	a.emit(ctx, req, cc, err)
}

func (a *AuditInterceptor) emit(ctx context.Context, req types.Request, cc *types.CallContext, err error) {
	rec := audit.NewRecord()
	rec.TraceID = ctxutil.GetTraceID(ctx)
	rec.ModuleID = cc.ModuleID
	rec.Action = req.String("action", permission.ActionExecute)
	rec.Caller = cc.Caller()
	rec.ClientIP = cc.ClientIP
	rec.Success = err == nil

	if v, ok := cc.Get(auditHashKey); ok {
		rec.RequestHash, _ = v.(string)
	} else {
		rec.RequestHash = RequestHash(req)
	}
	if v, ok := cc.Get(auditStartKey); ok {
		if start, ok := v.(time.Time); ok {
			rec.DurationMS = a.now().Sub(start).Milliseconds()
		}
	}
	if err != nil {
		rec.Error = err.Error()
	}
	a.emitter.EmitAuditEvent(ctx, rec)
}

// RequestHash returns the first 16 hex characters of the SHA-256 of the
// request's canonical JSON. Map keys are sorted by encoding/json.
func RequestHash(req types.Request) string {
	raw, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

type logEmitter struct {
	sink audit.Sink
}

func (l logEmitter) EmitAuditEvent(ctx context.Context, rec audit.Record) {
	_ = l.sink.Write(ctx, rec)
}
