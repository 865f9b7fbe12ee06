// Package template renders flow configuration strings against an execution context.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/chatflow/pkg/models"
)

// Data builds the template data for an execution: the context keys at the top level and
// execution identifiers under "execution", unless the context already defines that key.
func Data(exec *models.Execution) map[string]any {
	data := make(map[string]any, len(exec.Context)+1)
	for key, value := range exec.Context {
		data[key] = value
	}

	if _, exists := data["execution"]; !exists {
		meta := map[string]any{
			"id":              exec.ID,
			"flow_id":         exec.FlowID,
			"conversation_id": exec.ConversationID,
		}

		if exec.ContactID != nil {
			meta["contact_id"] = *exec.ContactID
		}

		data["execution"] = meta
	}

	return data
}

// NeedsTemplating reports whether the input contains template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderString renders a template and returns the raw text.
func RenderString(templateStr string, data any) (string, error) {
	if !NeedsTemplating(templateStr) {
		return templateStr, nil
	}

	tmpl, err := template.
		New("chatflow").
		Option("missingkey=zero").
		Funcs(funcs()).
		Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// Render renders a template and converts the output to JSON, number or boolean when it
// parses as one.
func Render(templateStr string, data any) (any, error) {
	result, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result = strings.TrimSpace(result)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderMap renders every string value of a flat string map.
func RenderMap(values map[string]string, data any) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(values))

	for key, value := range values {
		rendered, err := RenderString(value, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render %q: %w", key, err)
		}

		out[key] = rendered
	}

	return out, nil
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"default": func(fallback, value any) any {
			if value == nil || value == "" {
				return fallback
			}

			return value
		},
		"json": func(value any) (string, error) {
			data, err := json.Marshal(value)

			return string(data), err
		},
	}
}
