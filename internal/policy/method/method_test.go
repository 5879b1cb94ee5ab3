package method

import (
	"context"
	"net/http"
	"testing"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
)

func TestGuard_Check(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		query     string
		operation string
		wantBreak bool
	}{
		{name: "query over GET", method: http.MethodGet, query: "{ me { id } }"},
		{name: "mutation over POST", method: http.MethodPost, query: "mutation { deleteAll }"},
		{name: "mutation over GET", method: http.MethodGet, query: "mutation { deleteAll }", wantBreak: true},
		{name: "named mutation among queries", method: http.MethodGet, query: "query Q { a } mutation M { b }", operation: "M", wantBreak: true},
		{name: "named query among mutations", method: http.MethodGet, query: "query Q { a } mutation M { b }", operation: "Q"},
		{name: "hash only, query not yet restored", method: http.MethodGet},
		{name: "unparseable", method: http.MethodGet, query: "mutation {"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := domain.NewRequest(tt.query)
			req.Method = tt.method
			req.OperationName = tt.operation

			d, err := New().Check(context.Background(), req)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if d.IsBreak() != tt.wantBreak {
				t.Fatalf("IsBreak() = %v, want %v", d.IsBreak(), tt.wantBreak)
			}
			if !tt.wantBreak {
				return
			}
			resp := d.Response()
			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", resp.StatusCode)
			}
			if resp.Header.Get("Allow") != "POST" {
				t.Errorf("Allow = %q", resp.Header.Get("Allow"))
			}
			parts := resp.Collect(context.Background())
			if len(parts) != 1 || len(parts[0].Errors) != 1 {
				t.Fatalf("parts = %+v", parts)
			}
			if code := parts[0].Errors[0].Extensions["code"]; code != string(domain.ErrorCodeMutationNotAllowedOverGet) {
				t.Errorf("code = %v", code)
			}
		})
	}
}
