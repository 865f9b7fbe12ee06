// Package httprequest provides the api and webhook nodes that call external HTTP endpoints.
package httprequest

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const (
	TypeAPI     = "api"
	TypeWebhook = "webhook"
)

// HTTPRequestNodeFactory creates HTTPRequestNode instances for one of the two HTTP node types.
type HTTPRequestNodeFactory struct {
	nodeType string
}

func (f *HTTPRequestNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	return NewHTTPRequestNode(f.nodeType, node)
}

func (f *HTTPRequestNodeFactory) ID() string { return f.nodeType }

func (f *HTTPRequestNodeFactory) Name() string {
	if f.nodeType == TypeWebhook {
		return "Webhook"
	}

	return "API Request"
}

func (f *HTTPRequestNodeFactory) Description() string {
	if f.nodeType == TypeWebhook {
		return "Posts the execution context to an external webhook and follows success or failure."
	}

	return "Calls an external HTTP API, maps response fields into the context and follows success or failure."
}

func (f *HTTPRequestNodeFactory) Schema() map[string]any {
	defaultMethod := "GET"
	if f.nodeType == TypeWebhook {
		defaultMethod = "POST"
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Request URL, supports templating",
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
				"default": defaultMethod,
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"type":        []string{"string", "object", "array"},
				"description": "Request body. Strings are rendered as templates; objects have their string leaves rendered.",
			},
			"timeout": nodes.DurationSchema("Per-call timeout (default 10s)"),
			"response_mapping": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
				"description":          "Context key to response path, e.g. {\"order_status\": \"body.order.status\"}",
			},
			"result_key": map[string]any{
				"type":        "string",
				"description": "Context key receiving status_code and body. Defaults to the node ID.",
			},
		},
		"required": []string{"url"},
	}
}

func (f *HTTPRequestNodeFactory) Edges() []string {
	return []string{nodes.EdgeSuccess, nodes.EdgeFailure}
}

func (f *HTTPRequestNodeFactory) Terminal() bool { return false }

func NewAPINodeFactory() protocol.NodeFactory {
	return &HTTPRequestNodeFactory{nodeType: TypeAPI}
}

func NewWebhookNodeFactory() protocol.NodeFactory {
	return &HTTPRequestNodeFactory{nodeType: TypeWebhook}
}
