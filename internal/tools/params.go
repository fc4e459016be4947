package tools

import (
	"fmt"
	"math"
)

// RequireString returns params[key] as a non-empty string.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// OptionalString returns params[key] as a string, or "" when absent.
func OptionalString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	return s, nil
}

// OptionalInt returns params[key] as an integer. JSON numbers arrive as
// float64 and must have no fractional part.
func OptionalInt(params map[string]any, key string) (int64, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false, fmt.Errorf("parameter %s must be an integer", key)
		}
		return int64(n), true, nil
	default:
		return 0, false, fmt.Errorf("parameter %s must be an integer, got %T", key, v)
	}
}
