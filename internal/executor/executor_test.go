package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
)

func newExecutor(t *testing.T, url string) *Executor {
	t.Helper()
	exec, err := New(Config{URL: url, Timeout: 5 * time.Second, Headers: map[string]string{"X-Api-Key": "k"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return exec
}

func writeMultipart(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", `multipart/mixed; boundary="-"; deferSpec=20220824`)
	w.WriteHeader(http.StatusOK)
	for _, p := range payloads {
		fmt.Fprintf(w, "\r\n---\r\nContent-Type: application/json; charset=utf-8\r\n\r\n%s", p)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	fmt.Fprint(w, "\r\n-----\r\n")
}

var deferredPayloads = []string{
	`{"data":{"me":{"id":"1"}},"hasNext":true}`,
	`{"incremental":[{"data":{"name":"Ada"},"path":["me"],"label":"profile"}],"hasNext":true}`,
	`{}`,
	`{"incremental":[{"data":{"email":"ada@example.com"},"path":["me"]}],"hasNext":false}`,
}

func TestExecutor_JSON(t *testing.T) {
	var got upstreamRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"me":{"id":"1"}}}`)
	}))
	defer srv.Close()

	exec := newExecutor(t, srv.URL)
	req := domain.NewRequest("query Me($id: ID) { me(id: $id) { id } }")
	req.OperationName = "Me"
	req.Variables = map[string]any{"id": "1"}

	ctx := domain.WithRequestID(context.Background(), "req-1")
	resp, err := exec.Call(ctx, req)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	parts := resp.Collect(ctx)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if string(parts[0].Data) != `{"me":{"id":"1"}}` {
		t.Errorf("data = %s", parts[0].Data)
	}

	if got.Query != req.Query || got.OperationName != "Me" || got.Variables["id"] != "1" {
		t.Errorf("unexpected upstream body: %+v", got)
	}
	if headers.Get("X-Api-Key") != "k" {
		t.Errorf("missing configured header")
	}
	if headers.Get("X-Request-ID") != "req-1" {
		t.Errorf("X-Request-ID = %q", headers.Get("X-Request-ID"))
	}
	if !strings.Contains(headers.Get("Accept"), "deferSpec=20220824") {
		t.Errorf("Accept = %q", headers.Get("Accept"))
	}
}

func TestExecutor_UpstreamGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"errors":[{"message":"Cannot query field \"nope\""}]}`)
	}))
	defer srv.Close()

	resp, err := newExecutor(t, srv.URL).Call(context.Background(), domain.NewRequest("{ nope }"))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	parts := resp.Collect(context.Background())
	if len(parts) != 1 || len(parts[0].Errors) != 1 {
		t.Fatalf("unexpected parts: %+v", parts)
	}
}

func TestExecutor_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newExecutor(t, srv.URL).Call(context.Background(), domain.NewRequest("{ me }"))
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != domain.ErrorCodeUpstreamRequestFailed || apiErr.HTTPStatusCode() != http.StatusBadGateway {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestExecutor_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newExecutor(t, url).Call(context.Background(), domain.NewRequest("{ me }"))
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode() != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
}

func TestExecutor_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newExecutor(t, srv.URL).Call(ctx, domain.NewRequest("{ me }"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecutor_MultipartStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMultipart(w, deferredPayloads...)
	}))
	defer srv.Close()

	req := domain.NewRequest(`{ me { id ... @defer(label: "profile") { name } } }`)
	req.AcceptsMultipart = true

	resp, err := newExecutor(t, srv.URL).Call(context.Background(), req)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	parts := resp.Collect(context.Background())
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if parts[0].HasNext == nil || !*parts[0].HasNext {
		t.Error("first part should have hasNext=true")
	}
	if parts[1].Label != "profile" || parts[1].Path.String() != "me" {
		t.Errorf("unexpected incremental part: %+v", parts[1])
	}
	last := parts[2]
	if last.HasNext == nil || *last.HasNext {
		t.Error("last part should have hasNext=false")
	}
}

func TestExecutor_MultipartMerged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMultipart(w, deferredPayloads...)
	}))
	defer srv.Close()

	resp, err := newExecutor(t, srv.URL).Call(context.Background(), domain.NewRequest(`{ me { id } }`))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	parts := resp.Collect(context.Background())
	if len(parts) != 1 {
		t.Fatalf("expected 1 merged part, got %d", len(parts))
	}
	want := `{"me":{"email":"ada@example.com","id":"1","name":"Ada"}}`
	if string(parts[0].Data) != want {
		t.Errorf("data = %s, want %s", parts[0].Data, want)
	}
	if parts[0].HasNext != nil {
		t.Error("merged part must not carry hasNext")
	}
}

func TestExecutor_StreamClosedEarly(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMultipart(w, deferredPayloads[0])
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	req := domain.NewRequest(`{ me { id } }`)
	req.AcceptsMultipart = true
	resp, err := newExecutor(t, srv.URL).Call(context.Background(), req)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if _, ok := resp.Next(context.Background()); !ok {
		t.Fatal("expected first part")
	}
	resp.Close()

	if _, ok := resp.Next(context.Background()); ok {
		t.Error("expected no parts after Close")
	}
}

func TestExecutor_Close(t *testing.T) {
	exec := newExecutor(t, "http://127.0.0.1:1/graphql")
	if err := exec.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	_ = exec.Close()
	if err := exec.Ready(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ready() after Close = %v, want ErrClosed", err)
	}
	if _, err := exec.Call(context.Background(), domain.NewRequest("{ me }")); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Close = %v, want ErrClosed", err)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := New(Config{URL: u}); err == nil {
			t.Errorf("New(%q) expected error", u)
		}
	}
}
