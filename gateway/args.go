package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/odookit/odoo-mcp/registry"
)

// invalidArgumentsError marks a caller fault in the tool arguments, as
// opposed to a backend failure.
type invalidArgumentsError struct {
	msg string
}

func (e *invalidArgumentsError) Error() string { return e.msg }

func invalidArgs(format string, args ...any) error {
	return &invalidArgumentsError{msg: fmt.Sprintf(format, args...)}
}

// resolvePointer evaluates an RFC 6901 JSON pointer against decoded JSON.
// The second return is false when any segment is missing.
func resolvePointer(root any, pointer string) (any, bool) {
	if pointer == "" {
		return root, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}

	current := root
	for _, token := range strings.Split(pointer[1:], "/") {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")

		switch node := current.(type) {
		case map[string]any:
			next, ok := node[token]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(token)
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

// lookup resolves the logical parameter through the op's pointer map.
func lookup(args any, op registry.OpSpec, key string) (any, bool) {
	pointer, ok := op.Map[key]
	if !ok {
		return nil, false
	}
	return resolvePointer(args, pointer)
}

func reqString(args any, op registry.OpSpec, key string) (string, error) {
	v, ok := lookup(args, op, key)
	if !ok {
		return "", invalidArgs("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidArgs("argument %q must be a string", key)
	}
	return s, nil
}

func optString(args any, op registry.OpSpec, key string) (string, bool, error) {
	v, ok := lookup(args, op, key)
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, invalidArgs("argument %q must be a string", key)
	}
	return s, true, nil
}

func optInt(args any, op registry.OpSpec, key string) (int64, bool, error) {
	v, ok := lookup(args, op, key)
	if !ok || v == nil {
		return 0, false, nil
	}
	n, ok := asArgInt(v)
	if !ok {
		return 0, false, invalidArgs("argument %q must be an integer", key)
	}
	return n, true, nil
}

func optBool(args any, op registry.OpSpec, key string) (bool, bool, error) {
	v, ok := lookup(args, op, key)
	if !ok || v == nil {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, false, invalidArgs("argument %q must be a boolean", key)
	}
	return b, true, nil
}

// optValue resolves an arbitrary JSON value; explicit null counts as absent.
func optValue(args any, op registry.OpSpec, key string) (any, bool) {
	v, ok := lookup(args, op, key)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func reqValue(args any, op registry.OpSpec, key string) (any, error) {
	v, ok := lookup(args, op, key)
	if !ok {
		return nil, invalidArgs("missing required argument %q", key)
	}
	if v == nil {
		return nil, invalidArgs("argument %q must not be null", key)
	}
	return v, nil
}

func optObject(args any, op registry.OpSpec, key string) (map[string]any, error) {
	v, ok := optValue(args, op, key)
	if !ok {
		return nil, nil
	}
	m, isObj := v.(map[string]any)
	if !isObj {
		return nil, invalidArgs("argument %q must be an object", key)
	}
	return m, nil
}

func optStringSlice(args any, op registry.OpSpec, key string) ([]string, error) {
	v, ok := lookup(args, op, key)
	if !ok || v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, invalidArgs("argument %q must be an array", key)
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, invalidArgs("argument %q items must be strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func optInt64Slice(args any, op registry.OpSpec, key string) ([]int64, error) {
	v, ok := lookup(args, op, key)
	if !ok || v == nil {
		return nil, nil
	}
	return int64SliceOf(v, key)
}

func reqInt64Slice(args any, op registry.OpSpec, key string) ([]int64, error) {
	v, ok := lookup(args, op, key)
	if !ok {
		return nil, invalidArgs("missing required argument %q", key)
	}
	return int64SliceOf(v, key)
}

func int64SliceOf(v any, key string) ([]int64, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, invalidArgs("argument %q must be an array", key)
	}
	out := make([]int64, 0, len(arr))
	for _, item := range arr {
		n, ok := asArgInt(item)
		if !ok {
			return nil, invalidArgs("argument %q items must be integers", key)
		}
		out = append(out, n)
	}
	return out, nil
}

// asArgInt accepts the integer representations a JSON decode can produce.
// Fractional numbers are rejected.
func asArgInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
