package capability

import (
	"fmt"
	"math"
)

// Guest numbers arrive as float64 and lists as []any.

func stringArg(args []any, i int, name string) (string, error) {
	if i >= len(args) || args[i] == nil {
		return "", fmt.Errorf("argument %d (%s) is required", i+1, name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d (%s) must be a string, got %T", i+1, name, args[i])
	}
	return s, nil
}

func intArg(args []any, i int, name string) (int, error) {
	if i >= len(args) || args[i] == nil {
		return 0, fmt.Errorf("argument %d (%s) is required", i+1, name)
	}
	f, ok := args[i].(float64)
	if !ok || f != math.Trunc(f) || f < 1 {
		return 0, fmt.Errorf("argument %d (%s) must be a positive integer, got %v", i+1, name, args[i])
	}
	return int(f), nil
}

func optionalString(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

// optionalStrings accepts a single string or a list of strings.
func optionalStrings(args []any, i int) []string {
	if i >= len(args) {
		return nil
	}
	return toStrings(args[i])
}

func optionalMap(args []any, i int) map[string]any {
	if i >= len(args) {
		return nil
	}
	m, _ := args[i].(map[string]any)
	return m
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
