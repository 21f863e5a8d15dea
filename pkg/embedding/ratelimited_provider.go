package embedding

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedProvider throttles document embeddings so bulk indexing cannot
// saturate the backing model. Query embeddings are interactive and pass through.
type RateLimitedProvider struct {
	next    Provider
	limiter *rate.Limiter
}

func NewRateLimitedProvider(next Provider, perSecond float64, burst int) *RateLimitedProvider {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimitedProvider{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (p *RateLimitedProvider) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.EmbedDocument(ctx, text)
}

func (p *RateLimitedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.next.EmbedQuery(ctx, text)
}

func (p *RateLimitedProvider) IsReady(ctx context.Context) bool {
	return p.next.IsReady(ctx)
}
