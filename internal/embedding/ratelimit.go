package embedding

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitProvider wraps a provider with a token-bucket limiter so that
// concurrent indexing stays under provider quotas.
type RateLimitProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p with a limiter allowing rps requests per second.
func WithRateLimit(p Provider, rps float64, burst int) *RateLimitProvider {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitProvider{inner: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string { return r.inner.Name() }

// Embed waits for capacity and delegates to the inner provider.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}
