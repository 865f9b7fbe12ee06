// Package condition provides the branching node backed by the structured condition evaluator.
package condition

import (
	"context"

	"github.com/dukex/chatflow/pkg/condition"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const Type = "condition"

// ConditionNodeFactory creates ConditionNode instances sharing one evaluator.
type ConditionNodeFactory struct {
	evaluator *condition.Evaluator
}

func (f *ConditionNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	return NewConditionNode(node, f.evaluator)
}

func (f *ConditionNodeFactory) ID() string { return Type }

func (f *ConditionNodeFactory) Name() string { return "Condition" }

func (f *ConditionNodeFactory) Description() string {
	return "Evaluates a structured expression against the execution context and follows the true or false edge, " +
		"or the first matching case."
}

func (f *ConditionNodeFactory) Schema() map[string]any {
	expression := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"op": map[string]any{
				"type": "string",
				"enum": []string{
					"and", "or", "not", "eq", "neq", "contains", "gt", "gte", "lt", "lte", "regex", "exists", "expr",
				},
			},
		},
		"required": []string{"op"},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": expression,
			"cases": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"label": map[string]any{"type": "string", "minLength": 1},
						"when":  expression,
					},
					"required": []string{"label", "when"},
				},
			},
		},
		"oneOf": []map[string]any{
			{"required": []string{"expression"}},
			{"required": []string{"cases"}},
		},
		"examples": []map[string]any{
			{
				"expression": map[string]any{
					"op":    "gt",
					"left":  map[string]any{"ref": "age"},
					"right": map[string]any{"value": 18},
				},
			},
		},
	}
}

func (f *ConditionNodeFactory) Edges() []string {
	return []string{nodes.EdgeTrue, nodes.EdgeFalse}
}

// EdgesFor returns true/false for boolean conditions, or each case label plus default.
func (f *ConditionNodeFactory) EdgesFor(node *models.Node) ([]string, error) {
	raw, ok := node.Config["cases"]
	if !ok {
		return f.Edges(), nil
	}

	cases, err := condition.ParseCases(raw)
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(cases)+1)
	for _, c := range cases {
		labels = append(labels, c.Label)
	}

	return append(labels, nodes.EdgeDefault), nil
}

func (f *ConditionNodeFactory) Terminal() bool { return false }

func NewConditionNodeFactory(evaluator *condition.Evaluator) protocol.NodeFactory {
	return &ConditionNodeFactory{evaluator: evaluator}
}
