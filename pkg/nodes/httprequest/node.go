package httprequest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

const DefaultTimeout = 10 * time.Second

// HTTPRequestNode describes an outbound call; the step executor performs it.
type HTTPRequestNode struct {
	id       string
	nodeType string
	config   HTTPRequestConfig
}

// HTTPRequestConfig defines the configuration for HTTP request nodes.
type HTTPRequestConfig struct {
	URL             string
	Method          string
	Headers         map[string]string
	Body            any
	Timeout         time.Duration
	ResponseMapping map[string]string
	ResultKey       string
}

func NewHTTPRequestNode(nodeType string, node *models.Node) (*HTTPRequestNode, error) {
	url, err := nodes.RequiredString(node.Config, "url")
	if err != nil {
		return nil, err
	}

	timeout, err := nodes.Duration(node.Config, "timeout", DefaultTimeout)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", timeout)
	}

	method := strings.ToUpper(nodes.String(node.Config, "method"))
	if method == "" {
		method = "GET"
		if nodeType == TypeWebhook {
			method = "POST"
		}
	}

	resultKey := nodes.String(node.Config, "result_key")
	if resultKey == "" {
		resultKey = node.ID
	}

	return &HTTPRequestNode{
		id:       node.ID,
		nodeType: nodeType,
		config: HTTPRequestConfig{
			URL:             url,
			Method:          method,
			Headers:         nodes.StringMap(node.Config, "headers"),
			Body:            node.Config["body"],
			Timeout:         timeout,
			ResponseMapping: nodes.StringMap(node.Config, "response_mapping"),
			ResultKey:       resultKey,
		},
	}, nil
}

func (n *HTTPRequestNode) ID() string { return n.id }

func (n *HTTPRequestNode) Type() string { return n.nodeType }

func (n *HTTPRequestNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	data := template.Data(input.Execution)

	url, err := template.RenderString(n.config.URL, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render URL template: %w", err)
	}

	headers, err := template.RenderMap(n.config.Headers, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render headers: %w", err)
	}

	body, err := n.body(input.Execution, data)
	if err != nil {
		return nil, err
	}

	if body != "" {
		if headers == nil {
			headers = map[string]string{}
		}

		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}

	return models.CallEffect{
		Request: models.HTTPRequest{
			Method:  n.config.Method,
			URL:     url,
			Headers: headers,
			Body:    body,
			Timeout: n.config.Timeout,
		},
		ResultKey:       n.config.ResultKey,
		ResponseMapping: n.config.ResponseMapping,
		SuccessEdge:     nodes.EdgeSuccess,
		FailureEdge:     nodes.EdgeFailure,
	}, nil
}

func (n *HTTPRequestNode) body(exec *models.Execution, data map[string]any) (string, error) {
	switch raw := n.config.Body.(type) {
	case nil:
		if n.nodeType != TypeWebhook {
			return "", nil
		}

		payload, err := json.Marshal(map[string]any{
			"execution_id":    exec.ID,
			"flow_id":         exec.FlowID,
			"conversation_id": exec.ConversationID,
			"contact_id":      exec.ContactID,
			"context":         exec.Context,
		})
		if err != nil {
			return "", fmt.Errorf("failed to encode webhook payload: %w", err)
		}

		return string(payload), nil
	case string:
		rendered, err := template.RenderString(raw, data)
		if err != nil {
			return "", fmt.Errorf("failed to render body template: %w", err)
		}

		return rendered, nil
	default:
		rendered, err := renderValue(raw, data)
		if err != nil {
			return "", err
		}

		payload, err := json.Marshal(rendered)
		if err != nil {
			return "", fmt.Errorf("failed to encode body: %w", err)
		}

		return string(payload), nil
	}
}

// renderValue renders the string leaves of a JSON-shaped value.
func renderValue(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !template.NeedsTemplating(v) {
			return v, nil
		}

		return template.Render(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("failed to render body field %q: %w", key, err)
			}

			out[key] = rendered
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return v, nil
	}
}
