package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned when a merge payload is valid JSON but not an
// object.
var ErrNotObject = errors.New("payload is not a JSON object")

// Merge returns a new document holding dst with src merged on top. Objects
// merge key by key recursively; arrays and scalars in src replace whatever
// dst holds under the same key. Neither argument is modified.
func Merge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = clone(v)
	}
	for k, sv := range src {
		srcObj, ok := sv.(map[string]any)
		if !ok {
			out[k] = clone(sv)
			continue
		}
		dstObj, _ := out[k].(map[string]any)
		out[k] = Merge(dstObj, srcObj)
	}
	return out
}

// ParseObject decodes payload and requires the top level to be an object.
func ParseObject(payload []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	default:
		return v
	}
}

// normalize converts values decoded from YAML or set from Go code into the
// shapes encoding/json produces, so documents compare and merge uniformly.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
