// Package variables checks supplied operation variables against the types the
// operation declares for them.
package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-graphql-gateway/internal/policy"
)

// Name is the checkpoint name used in logs, traces and metrics.
const Name = "variables"

// InvalidTypeVariable is the extensions.type of every variable error.
const InvalidTypeVariable = "ValidationInvalidTypeVariable"

// Validator evaluates the variable policy. Without a schema only built-in
// scalars are checked; enums, input objects and custom scalars are accepted
// as is.
type Validator struct {
	schema *ast.Schema
}

// New creates a validator. schema may be nil.
func New(schema *ast.Schema) *Validator {
	return &Validator{schema: schema}
}

// LoadSchemaFile reads and validates a schema SDL file.
func LoadSchemaFile(path string) (*ast.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: path, Input: string(data)})
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", path, err)
	}
	return schema, nil
}

// Check is the checkpoint predicate.
func (v *Validator) Check(ctx context.Context, req *domain.Request) (policy.Decision, error) {
	if _, err := req.Document(); err != nil {
		return policy.Reject(domain.ErrParse(err)), nil
	}
	op, err := req.Operation()
	if err != nil {
		return policy.Reject(domain.NewAPIError(domain.ErrorTypeValidation, err.Error()).
			WithCode(domain.ErrorCodeUnknownOperation)), nil
	}

	if errs := v.Validate(op, req.Variables); len(errs) > 0 {
		return policy.Reject(errs), nil
	}
	return policy.Continue(req), nil
}

// Validate returns one error per declared variable whose value does not fit
// its type, in declaration order.
func (v *Validator) Validate(op *ast.OperationDefinition, vars map[string]any) domain.ErrorList {
	var errs domain.ErrorList
	for _, def := range op.VariableDefinitions {
		value, present := vars[def.Variable]
		if !present && def.DefaultValue != nil {
			dv, err := def.DefaultValue.Value(nil)
			if err != nil {
				errs = append(errs, ErrInvalidType(def.Variable))
				continue
			}
			value, present = dv, true
		}
		if !present {
			if def.Type.NonNull {
				errs = append(errs, ErrInvalidType(def.Variable))
			}
			continue
		}
		if !v.valid(value, def.Type) {
			errs = append(errs, ErrInvalidType(def.Variable))
		}
	}
	return errs
}

// ErrInvalidType is the error for one invalid variable.
func ErrInvalidType(name string) *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeValidation,
		fmt.Sprintf("invalid type for variable: '%s'", name)).
		WithExtension("type", InvalidTypeVariable).
		WithExtension("name", name)
}

func (v *Validator) valid(value any, typ *ast.Type) bool {
	if value == nil {
		return !typ.NonNull
	}
	if typ.Elem != nil {
		list, ok := value.([]any)
		if !ok {
			// A single value is coerced to a list of one.
			return v.valid(value, typ.Elem)
		}
		for _, item := range list {
			if !v.valid(item, typ.Elem) {
				return false
			}
		}
		return true
	}
	return v.validNamed(value, typ.NamedType)
}

func (v *Validator) validNamed(value any, name string) bool {
	switch name {
	case "Int":
		n, ok := integral(value)
		return ok && n >= math.MinInt32 && n <= math.MaxInt32
	case "Float":
		_, ok := number(value)
		return ok
	case "String":
		_, ok := value.(string)
		return ok
	case "Boolean":
		_, ok := value.(bool)
		return ok
	case "ID":
		if _, ok := value.(string); ok {
			return true
		}
		_, ok := integral(value)
		return ok
	}

	if v.schema == nil {
		return true
	}
	def := v.schema.Types[name]
	if def == nil {
		return true
	}
	switch def.Kind {
	case ast.Enum:
		s, ok := value.(string)
		return ok && def.EnumValues.ForName(s) != nil
	case ast.InputObject:
		return v.validInputObject(value, def)
	case ast.Scalar:
		return true
	default:
		// Output types cannot be variables; the operation is invalid either way.
		return false
	}
}

func (v *Validator) validInputObject(value any, def *ast.Definition) bool {
	fields, ok := value.(map[string]any)
	if !ok {
		return false
	}
	for key := range fields {
		if def.Fields.ForName(key) == nil {
			return false
		}
	}
	for _, f := range def.Fields {
		fv, present := fields[f.Name]
		if !present {
			if f.Type.NonNull && f.DefaultValue == nil {
				return false
			}
			continue
		}
		if !v.valid(fv, f.Type) {
			return false
		}
	}
	return true
}

func number(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func integral(value any) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		// 2.0 and 1e2 are integral but not in Int64 form.
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	f, ok := number(value)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
