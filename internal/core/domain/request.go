package domain

import (
	"fmt"
	"maps"
	"net/http"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Request is the canonical GraphQL request flowing through the gateway pipeline.
// A Request is owned by exactly one pipeline traversal. Checkpoints that rewrite
// it return a new value via WithQuery or Clone rather than sharing it.
type Request struct {
	Query         string         `json:"query,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`

	// Method is the HTTP method the request arrived with.
	Method string `json:"-"`
	// Header holds the originating HTTP headers.
	Header http.Header `json:"-"`
	// AcceptsMultipart is set by the defer negotiator when the client may
	// receive incremental (multipart) responses.
	AcceptsMultipart bool `json:"-"`

	doc      *ast.QueryDocument
	docQuery string
}

// NewRequest creates a POST request for query with an empty header set.
func NewRequest(query string) *Request {
	return &Request{
		Query:  query,
		Method: http.MethodPost,
		Header: http.Header{},
	}
}

// Clone returns a copy of r whose maps and headers can be modified
// without affecting r. The cached document is carried over.
func (r *Request) Clone() *Request {
	c := *r
	c.Variables = maps.Clone(r.Variables)
	c.Extensions = maps.Clone(r.Extensions)
	c.Header = r.Header.Clone()
	return &c
}

// WithQuery returns a copy of r with the query text replaced.
func (r *Request) WithQuery(query string) *Request {
	c := r.Clone()
	c.Query = query
	return c
}

// Extension returns a top-level extension entry.
func (r *Request) Extension(name string) (any, bool) {
	if r.Extensions == nil {
		return nil, false
	}
	v, ok := r.Extensions[name]
	return v, ok
}

// Document parses the query text. The result is cached on the request, so
// checkpoints further down the pipeline do not parse again unless the query
// has been rewritten.
func (r *Request) Document() (*ast.QueryDocument, error) {
	if r.doc != nil && r.docQuery == r.Query {
		return r.doc, nil
	}
	doc, err := parser.ParseQuery(&ast.Source{Name: "query", Input: r.Query})
	if err != nil {
		return nil, err
	}
	r.doc = doc
	r.docQuery = r.Query
	return doc, nil
}

// Operation returns the operation selected by OperationName.
func (r *Request) Operation() (*ast.OperationDefinition, error) {
	doc, err := r.Document()
	if err != nil {
		return nil, err
	}
	op := doc.Operations.ForName(r.OperationName)
	if op == nil {
		if r.OperationName == "" {
			return nil, fmt.Errorf("operation name is required when the document has %d operations", len(doc.Operations))
		}
		return nil, fmt.Errorf("Unknown operation named %q", r.OperationName)
	}
	return op, nil
}
