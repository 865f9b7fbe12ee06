// Package nodes holds configuration helpers shared by the built-in node types.
package nodes

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Common edge labels.
const (
	EdgeNext     = "next"
	EdgeTrue     = "true"
	EdgeFalse    = "false"
	EdgeDefault  = "default"
	EdgeReceived = "received"
	EdgeTimeout  = "timeout"
	EdgeSuccess  = "success"
	EdgeFailure  = "failure"
	EdgeError    = "error"
)

// DefaultMaxWait bounds input and button waits that do not configure a timeout.
const DefaultMaxWait = 24 * time.Hour

var ErrMissingField = errors.New("missing required field")

// String reads an optional string field.
func String(config map[string]any, key string) string {
	value, _ := config[key].(string)

	return value
}

// RequiredString reads a non-empty string field.
func RequiredString(config map[string]any, key string) (string, error) {
	value := String(config, key)
	if value == "" {
		return "", fmt.Errorf("%w '%s'", ErrMissingField, key)
	}

	return value, nil
}

// Duration reads a duration written either as a Go duration string ("90s", "5m") or as a
// number of seconds. A missing field yields fallback.
func Duration(config map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return fallback, nil
	}

	switch v := raw.(type) {
	case string:
		if seconds, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(seconds * float64(time.Second)), nil
		}

		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for '%s': %w", key, err)
		}

		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid duration for '%s': unsupported type %T", key, raw)
	}
}

// StringMap reads a map of string values, ignoring non-string entries.
func StringMap(config map[string]any, key string) map[string]string {
	switch raw := config[key].(type) {
	case map[string]string:
		return raw
	case map[string]any:
		out := make(map[string]string, len(raw))

		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}

		return out
	default:
		return nil
	}
}

// StringSlice reads a list of strings, ignoring non-string entries.
func StringSlice(config map[string]any, key string) []string {
	switch raw := config[key].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))

		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// DurationSchema is the JSON schema fragment for duration fields.
func DurationSchema(description string) map[string]any {
	return map[string]any{
		"type":        []string{"string", "number"},
		"description": description,
	}
}
