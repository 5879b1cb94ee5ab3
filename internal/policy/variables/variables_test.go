package variables

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
)

const testSchema = `
type Query {
	topProducts(first: Int): [Product]
	search(filter: ProductFilter, sort: SortOrder): [Product]
}

type Product {
	upc: String!
	name: String
}

enum SortOrder { ASC DESC }

scalar Date

input ProductFilter {
	name: String
	upcs: [String!]
	minPrice: Float
	since: Date
	nested: ProductFilter
	required: Boolean! = false
}
`

const missingVariablesQuery = `
query ExampleQuery(
	$missingVariable: Int!,
	$yetAnotherMissingVariable: ID!,
) {
	topProducts(first: $missingVariable) {
		name
	}
}`

func loadTestSchema(t *testing.T) *ast.Schema {
	t.Helper()
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "test.graphql", Input: testSchema})
	if err != nil {
		t.Fatalf("LoadSchema() error = %v", err)
	}
	return schema
}

func decodeVariables(t *testing.T, raw string) map[string]any {
	t.Helper()
	if raw == "" {
		return nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		t.Fatalf("invalid variables %s: %v", raw, err)
	}
	return vars
}

func TestValidator_MissingVariables(t *testing.T) {
	req := domain.NewRequest(missingVariablesQuery)
	decision, err := New(nil).Check(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.IsBreak() {
		t.Fatal("expected missing variables to break")
	}

	resp := decision.Response()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	parts := resp.Collect(context.Background())
	if len(parts) != 1 {
		t.Fatalf("expected one part, got %d", len(parts))
	}

	errs := parts[0].Errors
	sort.Slice(errs, func(i, j int) bool { return errs[i].Message < errs[j].Message })
	want := []struct{ message, name string }{
		{"invalid type for variable: 'missingVariable'", "missingVariable"},
		{"invalid type for variable: 'yetAnotherMissingVariable'", "yetAnotherMissingVariable"},
	}
	if len(errs) != len(want) {
		t.Fatalf("expected %d errors, got %d: %v", len(want), len(errs), errs)
	}
	for i, w := range want {
		if errs[i].Message != w.message {
			t.Errorf("errors[%d].Message = %q, want %q", i, errs[i].Message, w.message)
		}
		if errs[i].Extensions["type"] != InvalidTypeVariable || errs[i].Extensions["name"] != w.name {
			t.Errorf("errors[%d].Extensions = %v", i, errs[i].Extensions)
		}
		if _, hasCode := errs[i].Extensions["code"]; hasCode {
			t.Errorf("errors[%d] should carry no code", i)
		}
	}
}

func TestValidator_BuiltinScalars(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		variables string
		wantOK    bool
	}{
		{name: "int ok", query: "query($v: Int!) { a }", variables: `{"v": 5}`, wantOK: true},
		{name: "int fractional", query: "query($v: Int!) { a }", variables: `{"v": 5.5}`},
		{name: "int overflow", query: "query($v: Int) { a }", variables: `{"v": 3000000000}`},
		{name: "int from string", query: "query($v: Int) { a }", variables: `{"v": "5"}`},
		{name: "nullable int null", query: "query($v: Int) { a }", variables: `{"v": null}`, wantOK: true},
		{name: "nullable int absent", query: "query($v: Int) { a }", wantOK: true},
		{name: "non-null int null", query: "query($v: Int!) { a }", variables: `{"v": null}`},
		{name: "float from int", query: "query($v: Float!) { a }", variables: `{"v": 5}`, wantOK: true},
		{name: "float from bool", query: "query($v: Float!) { a }", variables: `{"v": true}`},
		{name: "string ok", query: "query($v: String!) { a }", variables: `{"v": "x"}`, wantOK: true},
		{name: "string from number", query: "query($v: String!) { a }", variables: `{"v": 1}`},
		{name: "boolean ok", query: "query($v: Boolean!) { a }", variables: `{"v": false}`, wantOK: true},
		{name: "id from string", query: "query($v: ID!) { a }", variables: `{"v": "abc"}`, wantOK: true},
		{name: "id from int", query: "query($v: ID!) { a }", variables: `{"v": 42}`, wantOK: true},
		{name: "id from float", query: "query($v: ID!) { a }", variables: `{"v": 4.2}`},
		{name: "default applies", query: "query($v: Int! = 3) { a }", wantOK: true},
		{name: "list ok", query: "query($v: [Int!]!) { a }", variables: `{"v": [1, 2]}`, wantOK: true},
		{name: "list coerces single value", query: "query($v: [Int!]!) { a }", variables: `{"v": 1}`, wantOK: true},
		{name: "list with null item", query: "query($v: [Int!]!) { a }", variables: `{"v": [1, null]}`},
		{name: "nested list", query: "query($v: [[String]]) { a }", variables: `{"v": [["a"], ["b", null]]}`, wantOK: true},
		{name: "unknown type without schema", query: "query($v: Whatever!) { a }", variables: `{"v": {"x": 1}}`, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := domain.NewRequest(tt.query)
			req.Variables = decodeVariables(t, tt.variables)
			decision, err := New(nil).Check(context.Background(), req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.IsContinue() != tt.wantOK {
				t.Errorf("IsContinue() = %v, want %v", decision.IsContinue(), tt.wantOK)
			}
		})
	}
}

// Request bodies are decoded with UseNumber, so variables arrive as
// json.Number in the form the client wrote them.
func TestValidator_JSONNumbers(t *testing.T) {
	tests := []struct {
		name   string
		typ    string
		value  json.Number
		wantOK bool
	}{
		{name: "int", typ: "Int!", value: "7", wantOK: true},
		{name: "int with zero fraction", typ: "Int!", value: "2.0", wantOK: true},
		{name: "int in exponent form", typ: "Int!", value: "1e2", wantOK: true},
		{name: "int fractional", typ: "Int!", value: "2.5"},
		{name: "int exponent overflow", typ: "Int!", value: "1e10"},
		{name: "id with zero fraction", typ: "ID!", value: "42.0", wantOK: true},
		{name: "id fractional", typ: "ID!", value: "4.2"},
		{name: "id beyond int64", typ: "ID!", value: "1e19"},
		{name: "float", typ: "Float!", value: "2.5", wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := domain.NewRequest("query($v: " + tt.typ + ") { a }")
			req.Variables = map[string]any{"v": tt.value}
			decision, err := New(nil).Check(context.Background(), req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.IsContinue() != tt.wantOK {
				t.Errorf("IsContinue() = %v, want %v", decision.IsContinue(), tt.wantOK)
			}
		})
	}
}

func TestValidator_SchemaTypes(t *testing.T) {
	schema := loadTestSchema(t)

	tests := []struct {
		name      string
		query     string
		variables string
		wantOK    bool
	}{
		{name: "enum ok", query: "query($s: SortOrder) { a }", variables: `{"s": "ASC"}`, wantOK: true},
		{name: "enum unknown value", query: "query($s: SortOrder) { a }", variables: `{"s": "SIDEWAYS"}`},
		{name: "enum not a string", query: "query($s: SortOrder) { a }", variables: `{"s": 1}`},
		{name: "custom scalar", query: "query($d: Date) { a }", variables: `{"d": 1700000000}`, wantOK: true},
		{name: "input ok", query: "query($f: ProductFilter) { a }", variables: `{"f": {"name": "x", "upcs": ["1"], "minPrice": 2}}`, wantOK: true},
		{name: "input unknown field", query: "query($f: ProductFilter) { a }", variables: `{"f": {"colour": "red"}}`},
		{name: "input wrong field type", query: "query($f: ProductFilter) { a }", variables: `{"f": {"minPrice": "cheap"}}`},
		{name: "input nested", query: "query($f: ProductFilter) { a }", variables: `{"f": {"nested": {"upcs": [null]}}}`},
		{name: "input not an object", query: "query($f: ProductFilter) { a }", variables: `{"f": "x"}`},
		{name: "input required field null", query: "query($f: ProductFilter) { a }", variables: `{"f": {"required": null}}`},
		{name: "input type missing from schema", query: "query($f: Strict) { a }", variables: `{"f": {}}`, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := domain.NewRequest(tt.query)
			req.Variables = decodeVariables(t, tt.variables)
			decision, err := New(schema).Check(context.Background(), req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.IsContinue() != tt.wantOK {
				t.Errorf("IsContinue() = %v, want %v", decision.IsContinue(), tt.wantOK)
			}
		})
	}
}

func TestValidator_OperationSelection(t *testing.T) {
	const doc = "query A($v: Int!) { a } query B { b }"

	tests := []struct {
		name          string
		operationName string
		wantOK        bool
		wantMessage   string
	}{
		{name: "selected operation validated", operationName: "A"},
		{name: "other operation has no variables", operationName: "B", wantOK: true},
		{name: "unknown operation", operationName: "C", wantMessage: `Unknown operation named "C"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := domain.NewRequest(doc)
			req.OperationName = tt.operationName
			decision, err := New(nil).Check(context.Background(), req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.IsContinue() != tt.wantOK {
				t.Fatalf("IsContinue() = %v, want %v", decision.IsContinue(), tt.wantOK)
			}
			if tt.wantMessage == "" {
				return
			}
			resp := decision.Response()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			parts := resp.Collect(context.Background())
			if got := parts[0].Errors[0].Message; got != tt.wantMessage {
				t.Errorf("message = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestLoadSchemaFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "schema-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "schema.graphql")
	if err := os.WriteFile(path, []byte(testSchema), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	schema, err := LoadSchemaFile(path)
	if err != nil {
		t.Fatalf("LoadSchemaFile() error = %v", err)
	}
	if schema.Types["SortOrder"] == nil {
		t.Error("expected SortOrder in schema")
	}

	if err := os.WriteFile(path, []byte("type {"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadSchemaFile(path); err == nil {
		t.Error("expected error for invalid SDL")
	}
	if _, err := LoadSchemaFile(filepath.Join(dir, "missing.graphql")); err == nil {
		t.Error("expected error for missing file")
	}
}
