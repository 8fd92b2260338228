package tts

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Client so that calls share a provider quota.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited returns next unchanged when limiter is nil.
func NewRateLimited(next Client, limiter *rate.Limiter) Client {
	if limiter == nil {
		return next
	}
	return &RateLimited{next: next, limiter: limiter}
}

func (c *RateLimited) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.next.Synthesize(ctx, text, language)
}

// Close closes the wrapped client if it holds resources.
func (c *RateLimited) Close() error {
	if closer, ok := c.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
