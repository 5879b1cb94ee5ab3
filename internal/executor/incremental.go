package executor

import (
	"bytes"
	"encoding/json"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
)

// wirePart is a GraphQL response payload as sent by the upstream. It accepts
// both the flat incremental form ({data, path, label}) and the
// deferSpec=20220824 form, where incremental results are listed under
// "incremental".
type wirePart struct {
	Data        json.RawMessage   `json:"data"`
	Items       []json.RawMessage `json:"items"`
	Errors      gqlerror.List     `json:"errors"`
	Label       string            `json:"label"`
	Path        ast.Path          `json:"path"`
	HasNext     *bool             `json:"hasNext"`
	Extensions  map[string]any    `json:"extensions"`
	Incremental []wireIncremental `json:"incremental"`
}

type wireIncremental struct {
	Data       json.RawMessage   `json:"data"`
	Items      []json.RawMessage `json:"items"`
	Errors     gqlerror.List     `json:"errors"`
	Label      string            `json:"label"`
	Path       ast.Path          `json:"path"`
	Extensions map[string]any    `json:"extensions"`
}

// flatten converts w into one part per result. HasNext is carried by the
// last part only.
func (w *wirePart) flatten() []*domain.Part {
	var parts []*domain.Part
	if w.Data != nil || w.Items != nil || len(w.Errors) > 0 || len(w.Incremental) == 0 {
		parts = append(parts, &domain.Part{
			Data:       nullToNil(w.Data),
			Items:      w.Items,
			Errors:     w.Errors,
			Label:      w.Label,
			Path:       w.Path,
			Extensions: w.Extensions,
		})
	}
	for _, inc := range w.Incremental {
		parts = append(parts, &domain.Part{
			Data:       nullToNil(inc.Data),
			Items:      inc.Items,
			Errors:     inc.Errors,
			Label:      inc.Label,
			Path:       inc.Path,
			Extensions: inc.Extensions,
		})
	}
	if w.HasNext != nil {
		parts[len(parts)-1].HasNext = domain.Bool(*w.HasNext)
	}
	return parts
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}

// Merge folds incremental parts into the first part, producing the response
// a client that does not support incremental delivery would have received.
// Incremental data that points at a location missing from the initial
// payload is dropped.
func Merge(parts []*domain.Part) *domain.Part {
	if len(parts) == 0 {
		return &domain.Part{}
	}
	first := parts[0]
	if len(parts) == 1 && !first.Incremental() && first.HasNext == nil {
		return first
	}

	out := &domain.Part{Errors: append(gqlerror.List(nil), first.Errors...)}
	var root any
	if first.Data != nil {
		var err error
		if root, err = decodeValue(first.Data); err != nil {
			return first
		}
	}
	out.Extensions = mergeExtensions(nil, first.Extensions)

	for _, p := range parts[1:] {
		out.Errors = append(out.Errors, p.Errors...)
		out.Extensions = mergeExtensions(out.Extensions, p.Extensions)
		switch {
		case len(p.Items) > 0:
			applyItems(root, p.Path, p.Items)
		case p.Data != nil:
			data, err := decodeValue(p.Data)
			if err != nil {
				continue
			}
			if len(p.Path) == 0 && root == nil {
				root = data
				continue
			}
			if target, ok := lookup(root, p.Path).(map[string]any); ok {
				mergeObject(target, data)
			}
		}
	}

	if root != nil {
		out.Data, _ = json.Marshal(root)
	}
	if len(out.Errors) == 0 {
		out.Errors = nil
	}
	return out
}

// decodeValue decodes raw keeping numbers as json.Number, so integers
// beyond float64 precision survive the merge.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func mergeExtensions(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// lookup walks path from root. It returns nil when the path does not exist.
func lookup(root any, path ast.Path) any {
	cur := root
	for _, el := range path {
		switch el := el.(type) {
		case ast.PathName:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil
			}
			cur = m[string(el)]
		case ast.PathIndex:
			l, ok := cur.([]any)
			if !ok || int(el) < 0 || int(el) >= len(l) {
				return nil
			}
			cur = l[el]
		}
	}
	return cur
}

// mergeObject deep-merges src into dst.
func mergeObject(dst map[string]any, src any) {
	m, ok := src.(map[string]any)
	if !ok {
		return
	}
	for k, v := range m {
		existing, ok := dst[k].(map[string]any)
		if incoming, isObj := v.(map[string]any); ok && isObj {
			mergeObject(existing, incoming)
			continue
		}
		dst[k] = v
	}
}

// applyItems places streamed list items. The last path element is the index
// of the first item within the list addressed by the rest of the path.
func applyItems(root any, path ast.Path, items []json.RawMessage) {
	if len(path) == 0 {
		return
	}
	start, ok := path[len(path)-1].(ast.PathIndex)
	if !ok {
		return
	}
	parentPath := path[:len(path)-1]
	if len(parentPath) == 0 {
		return
	}
	parent := lookup(root, parentPath[:len(parentPath)-1])
	key := parentPath[len(parentPath)-1]

	list, _ := lookup(root, parentPath).([]any)
	for i, raw := range items {
		v, err := decodeValue(raw)
		if err != nil {
			continue
		}
		idx := int(start) + i
		for len(list) <= idx {
			list = append(list, nil)
		}
		list[idx] = v
	}

	switch key := key.(type) {
	case ast.PathName:
		if m, ok := parent.(map[string]any); ok {
			m[string(key)] = list
		}
	case ast.PathIndex:
		if l, ok := parent.([]any); ok && int(key) < len(l) {
			l[key] = list
		}
	}
}
