// Package depth rejects operations nested deeper than the configured parser
// recursion limit.
package depth

import (
	"context"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
)

// Name is the checkpoint name used in logs, traces and metrics.
const Name = "depth"

// Guard enforces the recursion limit.
type Guard struct {
	limit int
}

// New creates a guard. A limit of zero or less disables the check, but the
// query is still parsed so that syntax errors are reported here.
func New(limit int) *Guard {
	return &Guard{limit: limit}
}

// Limit returns the configured limit.
func (g *Guard) Limit() int {
	return g.limit
}

// Check is the checkpoint predicate.
func (g *Guard) Check(ctx context.Context, req *domain.Request) (policy.Decision, error) {
	doc, err := req.Document()
	if err != nil {
		return policy.Reject(domain.ErrParse(err)), nil
	}
	if g.limit <= 0 {
		return policy.Continue(req), nil
	}
	if Measure(doc) >= g.limit {
		return policy.Reject(ErrLimitReached(g.limit)), nil
	}
	return policy.Continue(req), nil
}

// ErrLimitReached is the rejection for a document at or over limit.
func ErrLimitReached(limit int) *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeParse, fmt.Sprintf("parser limit(%d) reached", limit)).
		WithCode(domain.ErrorCodeParserRecursionLimit)
}

// Measure returns the nesting depth of the deepest operation or fragment in
// doc. Every selection set counts one level, and so does every field that
// owns a selection set; fragment spreads are expanded in place.
//
//	{ me { name } }  // depth 3: root set, me, me's set
func Measure(doc *ast.QueryDocument) int {
	m := &measurer{
		fragments: doc.Fragments,
		memo:      make(map[string]int),
		active:    make(map[string]bool),
	}
	deepest := 0
	for _, op := range doc.Operations {
		deepest = max(deepest, m.selectionSet(op.SelectionSet))
	}
	for _, frag := range doc.Fragments {
		deepest = max(deepest, m.fragment(frag.Name))
	}
	return deepest
}

type measurer struct {
	fragments ast.FragmentDefinitionList
	memo      map[string]int
	active    map[string]bool
}

func (m *measurer) selectionSet(set ast.SelectionSet) int {
	if len(set) == 0 {
		return 0
	}
	inner := 0
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			if len(s.SelectionSet) > 0 {
				inner = max(inner, 1+m.selectionSet(s.SelectionSet))
			}
		case *ast.InlineFragment:
			inner = max(inner, m.selectionSet(s.SelectionSet))
		case *ast.FragmentSpread:
			inner = max(inner, m.fragment(s.Name))
		}
	}
	return 1 + inner
}

// fragment measures a named fragment once. Spreads that form a cycle
// contribute nothing; validation rejects them elsewhere.
func (m *measurer) fragment(name string) int {
	if d, ok := m.memo[name]; ok {
		return d
	}
	if m.active[name] {
		return 0
	}
	frag := m.fragments.ForName(name)
	if frag == nil {
		return 0
	}
	m.active[name] = true
	d := m.selectionSet(frag.SelectionSet)
	delete(m.active, name)
	m.memo[name] = d
	return d
}
