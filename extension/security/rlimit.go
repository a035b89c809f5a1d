package security

// Limiter applies OS resource limits and returns a function that puts the
// previous limits back
type Limiter interface {
	Apply(limits Limits) (restore func() error, err error)
}

type noopLimiter struct{}

func (noopLimiter) Apply(Limits) (func() error, error) {
	return func() error { return nil }, nil
}

// NoopLimiter applies nothing
func NoopLimiter() Limiter { return noopLimiter{} }
