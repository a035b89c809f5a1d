package interceptor

import (
	"context"
	"time"

	"github.com/ncobase/guardrail/extension/types"
)

// StartTimeKey holds the time the metrics interceptor saw the request
const StartTimeKey = "metrics.start_time"

// MetricsInterceptor stamps the request start time. Aggregation happens in
// the module once the whole pipeline completes.
type MetricsInterceptor struct {
	now func() time.Time
}

// NewMetricsInterceptor creates the interceptor
func NewMetricsInterceptor() *MetricsInterceptor {
	return &MetricsInterceptor{now: time.Now}
}

func (m *MetricsInterceptor) Name() string { return "metrics" }

func (m *MetricsInterceptor) PreProcess(_ context.Context, req types.Request, cc *types.CallContext) (types.Request, *types.CallContext, error) {
	cc.Set(StartTimeKey, m.now())
	return req, cc, nil
}

func (m *MetricsInterceptor) PostProcess(_ context.Context, _ types.Request, _ *types.CallContext, resp types.Response) (types.Response, error) {
	return resp, nil
}

// StartTime returns the stamped start time, if any
func StartTime(cc *types.CallContext) (time.Time, bool) {
	v, ok := cc.Get(StartTimeKey)
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}
