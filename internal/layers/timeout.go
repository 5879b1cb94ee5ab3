package layers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
)

// ErrTimeout is returned when a request exceeds the timeout layer's deadline.
var ErrTimeout = errors.New("request timed out")

// Timeout bounds every call, including any parts streamed after Call
// returns, by d. A zero or negative d disables the deadline.
func Timeout[Req, Resp any](d time.Duration) ports.Layer[Req, Resp] {
	return ports.LayerFunc[Req, Resp](func(next ports.Service[Req, Resp]) ports.Service[Req, Resp] {
		if d <= 0 {
			return next
		}
		return &timeoutService[Req, Resp]{next: next, timeout: d}
	})
}

type timeoutService[Req, Resp any] struct {
	next    ports.Service[Req, Resp]
	timeout time.Duration
}

func (s *timeoutService[Req, Resp]) Ready(ctx context.Context) error {
	return s.next.Ready(ctx)
}

func (s *timeoutService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	resp, err := s.next.Call(callCtx, req)
	if err != nil {
		// Only our own deadline is reported as a timeout.
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if timedOut {
			return resp, fmt.Errorf("%w after %s: %w", ErrTimeout, s.timeout, err)
		}
		return resp, err
	}
	releaseAfter(resp, cancel)
	return resp, nil
}
