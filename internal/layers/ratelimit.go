package layers

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
)

// ErrRateLimited is returned by Ready when no token can be obtained before
// the context ends.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit admits rps requests per second with the given burst. Ready
// waits for a token; Call does not consume one, so callers must drive Ready
// first. A non-positive rps disables the limit.
func RateLimit[Req, Resp any](rps float64, burst int) ports.Layer[Req, Resp] {
	return SharedRateLimit[Req, Resp](nil, rps, burst)
}

// SharedRateLimit is RateLimit drawing from the token bucket kept in shared.
func SharedRateLimit[Req, Resp any](shared *Shared, rps float64, burst int) ports.Layer[Req, Resp] {
	if burst <= 0 {
		burst = 1
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = shared.rateLimiter(rps, burst)
	}
	return ports.LayerFunc[Req, Resp](func(next ports.Service[Req, Resp]) ports.Service[Req, Resp] {
		if rps <= 0 {
			return next
		}
		return &rateLimitService[Req, Resp]{next: next, limiter: limiter}
	})
}

type rateLimitService[Req, Resp any] struct {
	next    ports.Service[Req, Resp]
	limiter *rate.Limiter
}

func (s *rateLimitService[Req, Resp]) Ready(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return s.next.Ready(ctx)
}

func (s *rateLimitService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return s.next.Call(ctx, req)
}
