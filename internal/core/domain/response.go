package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Part is a single GraphQL response payload. Non-deferred operations produce
// exactly one part; deferred operations produce an initial part followed by
// incremental parts with HasNext set until the last one.
//
// An incremental part carries the Path it applies to: Data is merged into the
// object at Path, Items (from @stream) are placed into the list at Path.
type Part struct {
	Data       json.RawMessage   `json:"data,omitempty"`
	Items      []json.RawMessage `json:"items,omitempty"`
	Errors     gqlerror.List     `json:"errors,omitempty"`
	Label      string            `json:"label,omitempty"`
	Path       ast.Path          `json:"path,omitempty"`
	HasNext    *bool             `json:"hasNext,omitempty"`
	Extensions map[string]any    `json:"extensions,omitempty"`
}

// Response is a stream of response parts plus the HTTP status the frontdoor
// should use. It is produced either by a checkpoint Break or by the executor
// and travels back through every enclosing stage unchanged.
//
// A response is closed once its last part has been read or Close is called.
// Stages that hold resources for the lifetime of a streamed response register
// their release with AfterClose.
type Response struct {
	StatusCode int
	Header     http.Header

	parts <-chan *Part

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	onClose []func()
}

// NewResponse creates a response holding the given parts.
func NewResponse(parts ...*Part) *Response {
	ch := make(chan *Part, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return newResponse(ch)
}

// NewStreamResponse creates a response whose parts are produced by the
// sender of ch. The sender must close ch after the last part and must stop
// sending once Done is closed.
func NewStreamResponse(ch <-chan *Part) *Response {
	return newResponse(ch)
}

func newResponse(ch <-chan *Part) *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		parts:      ch,
		done:       make(chan struct{}),
	}
}

// ErrorResponse builds a single-part response carrying errs.
func ErrorResponse(status int, errs ...*gqlerror.Error) *Response {
	resp := NewResponse(&Part{Errors: errs})
	resp.StatusCode = status
	return resp
}

// Next returns the next part. ok is false once the stream is exhausted or
// ctx is done. Exhausting the stream closes the response.
func (r *Response) Next(ctx context.Context) (part *Part, ok bool) {
	select {
	case <-r.done:
		return nil, false
	default:
	}
	select {
	case part, ok = <-r.parts:
		if !ok {
			r.Close()
		}
		return part, ok
	case <-r.done:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Done is closed when the response is closed.
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// AfterClose registers f to run when the response is closed. If it is
// already closed, f runs immediately.
func (r *Response) AfterClose(f func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		f()
		return
	}
	r.onClose = append(r.onClose, f)
	r.mu.Unlock()
}

// Close abandons any remaining parts and runs the AfterClose hooks, most
// recently registered first. It is safe to call more than once.
func (r *Response) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	hooks := r.onClose
	r.onClose = nil
	close(r.done)
	r.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Collect drains the remaining parts.
func (r *Response) Collect(ctx context.Context) []*Part {
	var parts []*Part
	for {
		p, ok := r.Next(ctx)
		if !ok {
			return parts
		}
		parts = append(parts, p)
	}
}

// Incremental reports whether p applies to a location inside an earlier part.
func (p *Part) Incremental() bool {
	return len(p.Path) > 0 || len(p.Items) > 0
}

// Bool returns a pointer to b, used for HasNext.
func Bool(b bool) *bool {
	return &b
}
