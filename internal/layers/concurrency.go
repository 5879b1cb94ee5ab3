package layers

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
)

// ConcurrencyLimit caps the number of in-flight calls. Ready waits until a
// slot is free; Call takes a slot and holds it until the call fails or its
// response is closed. Every service built from one layer shares the slots.
func ConcurrencyLimit[Req, Resp any](limit int64) ports.Layer[Req, Resp] {
	return SharedConcurrencyLimit[Req, Resp](nil, limit)
}

// SharedConcurrencyLimit is ConcurrencyLimit with its slots kept in shared.
// Layers built from the same Shared and limit count against one another.
func SharedConcurrencyLimit[Req, Resp any](shared *Shared, limit int64) ports.Layer[Req, Resp] {
	var sem *semaphore.Weighted
	if limit > 0 {
		sem = shared.slots(limit)
	}
	return ports.LayerFunc[Req, Resp](func(next ports.Service[Req, Resp]) ports.Service[Req, Resp] {
		if limit <= 0 {
			return next
		}
		return &concurrencyService[Req, Resp]{next: next, sem: sem}
	})
}

type concurrencyService[Req, Resp any] struct {
	next ports.Service[Req, Resp]
	sem  *semaphore.Weighted
}

func (s *concurrencyService[Req, Resp]) Ready(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.sem.Release(1)
	return s.next.Ready(ctx)
}

func (s *concurrencyService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		var zero Resp
		return zero, err
	}
	resp, err := s.next.Call(ctx, req)
	if err != nil {
		s.sem.Release(1)
		return resp, err
	}
	releaseAfter(resp, func() { s.sem.Release(1) })
	return resp, nil
}
