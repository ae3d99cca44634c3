package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/callrelay/pkg/realtime"
)

// Compile-time assertion that GuardedProvider satisfies realtime.Provider.
var _ realtime.Provider = (*GuardedProvider)(nil)

// GuardedProvider wraps a [realtime.Provider] so that every Connect runs
// through a [CircuitBreaker].
type GuardedProvider struct {
	inner   realtime.Provider
	breaker *CircuitBreaker
}

// NewGuardedProvider returns a provider that dials through inner, guarded by
// breaker.
func NewGuardedProvider(inner realtime.Provider, breaker *CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{inner: inner, breaker: breaker}
}

// Connect dials through the breaker. While the breaker is open it fails
// immediately with an error wrapping [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, model string) (realtime.Session, error) {
	var sess realtime.Session
	err := g.breaker.Execute(func() error {
		var err error
		sess, err = g.inner.Connect(ctx, model)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: %s: %w", g.breaker.Name(), err)
	}
	return sess, nil
}

// Breaker returns the breaker guarding the provider.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }

// Check reports an error while the breaker is open. It has the signature of
// a readiness check.
func (g *GuardedProvider) Check(context.Context) error {
	if s := g.breaker.State(); s == StateOpen {
		return fmt.Errorf("upstream %s: circuit %s", g.breaker.Name(), s)
	}
	return nil
}
