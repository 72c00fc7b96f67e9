package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Job options arrive either from the CLI as Go values or from the HTTP API
// as decoded JSON, so the accessors accept both shapes.

func optString(opts map[string]any, key string) string {
	switch v := opts[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

func optBool(opts map[string]any, key string) bool {
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func optFloat(opts map[string]any, key string, def float64) (float64, error) {
	switch v := opts[key].(type) {
	case nil:
		return def, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		if v == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("option %s: unsupported type %T", key, v)
	}
}

func optInt(opts map[string]any, key string, def int) (int, error) {
	f, err := optFloat(opts, key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// optStrings accepts []string, []any or a comma separated string.
func optStrings(opts map[string]any, key string) []string {
	var out []string
	switch v := opts[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// optFloats accepts []float64, []any of numbers or a comma separated string.
func optFloats(opts map[string]any, key string) ([]float64, error) {
	switch v := opts[key].(type) {
	case nil:
		return nil, nil
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, 0, len(v))
		for i, e := range v {
			f, err := optFloat(map[string]any{key: e}, key, 0)
			if err != nil {
				return nil, fmt.Errorf("option %s[%d]: %w", key, i, err)
			}
			out = append(out, f)
		}
		return out, nil
	case string:
		var out []float64
		for _, s := range strings.Split(v, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("option %s: %w", key, err)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("option %s: unsupported type %T", key, v)
	}
}
