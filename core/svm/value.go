package svm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Truthy implements the VM's truthiness rules for predicate shortcuts:
// nil and JSON null are false; booleans are themselves; numbers are true
// when non-zero; strings, arrays and objects when non-empty.
func Truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	default:
		return true
	}
}

// PathGet walks a dot path ("order.items.0.sku") through decoded JSON.
// Returns (nil, false) when any segment is absent.
func PathGet(v interface{}, path string) (interface{}, bool) {
	if path == "" || path == "." {
		return v, true
	}
	current := v
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

var templateRef = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// TransformSpec is the operand payload of a TRANSFORM instruction
type TransformSpec struct {
	// Extract a sub-value by dot path
	Path string `json:"path,omitempty"`

	// Render a string with {{path}} substitutions against the source value
	Template string `json:"template,omitempty"`

	// Build an object; each field value is a dot path into the source
	Fields map[string]string `json:"fields,omitempty"`
}

// ApplyTransform runs one transform over the source value
func ApplyTransform(spec *TransformSpec, src interface{}) (interface{}, error) {
	switch {
	case spec.Path != "":
		out, ok := PathGet(src, spec.Path)
		if !ok {
			return nil, fmt.Errorf("transform path %q not found", spec.Path)
		}
		return out, nil

	case spec.Template != "":
		var missing string
		out := templateRef.ReplaceAllStringFunc(spec.Template, func(match string) string {
			path := strings.TrimSpace(templateRef.FindStringSubmatch(match)[1])
			v, ok := PathGet(src, path)
			if !ok {
				if missing == "" {
					missing = path
				}
				return ""
			}
			return stringify(v)
		})
		if missing != "" {
			return nil, fmt.Errorf("template path %q not found", missing)
		}
		return out, nil

	case len(spec.Fields) > 0:
		out := make(map[string]interface{}, len(spec.Fields))
		for field, path := range spec.Fields {
			v, ok := PathGet(src, path)
			if !ok {
				return nil, fmt.Errorf("field path %q not found", path)
			}
			out[field] = v
		}
		return out, nil

	default:
		return src, nil
	}
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// sizeOf estimates the in-memory footprint of a decoded JSON value, used
// to enforce the execution scratch budget
func sizeOf(v interface{}) int64 {
	switch x := v.(type) {
	case nil:
		return 8
	case bool, float64, int, int64:
		return 8
	case string:
		return int64(len(x)) + 16
	case json.Number:
		return int64(len(x)) + 16
	case []interface{}:
		var total int64 = 24
		for _, e := range x {
			total += sizeOf(e)
		}
		return total
	case map[string]interface{}:
		var total int64 = 48
		for k, e := range x {
			total += int64(len(k)) + 16 + sizeOf(e)
		}
		return total
	default:
		return 64
	}
}
