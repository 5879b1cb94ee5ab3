// Package layers provides the generic, policy-free stages that wrap a
// pipeline: a per-request deadline, a concurrency limit and a rate limit.
//
// Stages that hold a resource for the lifetime of a response (a context, a
// concurrency slot) release it when the call fails, or, for responses that
// implement AfterClose(func()), when the response is closed. Streamed
// responses therefore keep their slot until the last part has been written.
package layers

// releaser is implemented by responses that may outlive Call.
type releaser interface {
	AfterClose(func())
}

// releaseAfter runs f when resp is closed, or immediately if resp cannot
// report that.
func releaseAfter[Resp any](resp Resp, f func()) {
	if r, ok := any(resp).(releaser); ok {
		r.AfterClose(f)
		return
	}
	f()
}
