// Package ports defines the core interfaces for the gateway.
// This file contains the stage contracts every pipeline element satisfies.
package ports

import (
	"context"
)

// Service is a single stage of a request pipeline.
//
// Implementations must be handles over shared state: one Service value is
// called concurrently by every in-flight request that flows through the
// pipeline, so Call must not rely on per-instance mutable state.
type Service[Req, Resp any] interface {
	// Ready blocks until the service can accept a call or ctx is done.
	// A non-nil error is terminal for the caller.
	Ready(ctx context.Context) error
	// Call processes exactly one request.
	Call(ctx context.Context, req Req) (Resp, error)
}

// Layer wraps a downstream service with additional behavior.
// Applying a layer never mutates it, so one layer may build many services.
type Layer[Req, Resp any] interface {
	Layer(next Service[Req, Resp]) Service[Req, Resp]
}

// ServiceFunc adapts a plain function into an always-ready Service.
type ServiceFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Ready always reports readiness.
func (f ServiceFunc[Req, Resp]) Ready(ctx context.Context) error {
	return ctx.Err()
}

// Call invokes f.
func (f ServiceFunc[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// LayerFunc adapts a function into a Layer.
type LayerFunc[Req, Resp any] func(next Service[Req, Resp]) Service[Req, Resp]

// Layer invokes f.
func (f LayerFunc[Req, Resp]) Layer(next Service[Req, Resp]) Service[Req, Resp] {
	return f(next)
}

// Oneshot waits for svc to become ready and then issues a single call.
func Oneshot[Req, Resp any](ctx context.Context, svc Service[Req, Resp], req Req) (Resp, error) {
	if err := svc.Ready(ctx); err != nil {
		var zero Resp
		return zero, err
	}
	return svc.Call(ctx, req)
}
