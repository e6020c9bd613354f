package resilience

import (
	"context"

	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
)

var _ s2s.Provider = (*GuardedProvider)(nil)

// GuardedProvider wraps an s2s.Provider so that every Connect goes through a
// [CircuitBreaker] and, optionally, bounded [Retry].
type GuardedProvider struct {
	inner   s2s.Provider
	breaker *CircuitBreaker
	backoff Backoff
}

// GuardOption configures a [GuardedProvider].
type GuardOption func(*GuardedProvider)

// WithRetry enables retry of failed dials.
func WithRetry(b Backoff) GuardOption {
	return func(g *GuardedProvider) { g.backoff = b }
}

// NewGuardedProvider wraps inner with breaker. A nil breaker gets a default
// breaker named "realtime".
func NewGuardedProvider(inner s2s.Provider, breaker *CircuitBreaker, opts ...GuardOption) *GuardedProvider {
	if breaker == nil {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{Name: "realtime"})
	}
	g := &GuardedProvider{inner: inner, breaker: breaker}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Connect dials through the breaker, retrying per the configured backoff.
// An open breaker fails fast with [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var handle s2s.SessionHandle
	err := Retry(ctx, g.backoff, func(ctx context.Context) error {
		return g.breaker.Execute(func() error {
			h, err := g.inner.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			handle = h
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Capabilities delegates to the wrapped provider.
func (g *GuardedProvider) Capabilities() s2s.Capabilities { return g.inner.Capabilities() }

// Breaker returns the breaker guarding dials.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }
