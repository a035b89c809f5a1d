package logger

import (
	"context"

	"github.com/ncobase/guardrail/ctxutil"
	"github.com/sirupsen/logrus"
)

// Field names copied from the context onto every entry
const (
	UserIDKey   = "user_id"
	PluginIDKey = "plugin_id"
)

// contextFields collects the identifiers carried by ctx. A nil ctx yields none.
func contextFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if ctx == nil {
		return fields
	}
	if id := ctxutil.GetTraceID(ctx); id != "" {
		fields[ctxutil.TraceIDKey] = id
	}
	if id := ctxutil.GetUserID(ctx); id != "" {
		fields[UserIDKey] = id
	}
	if id := ctxutil.GetPluginID(ctx); id != "" {
		fields[PluginIDKey] = id
	}
	return fields
}
