package ctxutil

import (
	"context"
	"time"
)

// DefaultAsyncTimeout bounds fire-and-forget work such as audit delivery
const DefaultAsyncTimeout = 5 * time.Second

// WithAsyncContext derives a context that survives cancellation of parent
// but keeps its values, so trace ids still reach background work.
func WithAsyncContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultAsyncTimeout
	}
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
