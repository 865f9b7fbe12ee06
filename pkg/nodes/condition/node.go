package condition

import (
	"context"
	"errors"

	"github.com/dukex/chatflow/pkg/condition"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

// ConditionNode routes on a boolean expression or on a list of labelled cases.
type ConditionNode struct {
	id         string
	evaluator  *condition.Evaluator
	expression *condition.Expression
	cases      []condition.Case
}

func NewConditionNode(node *models.Node, evaluator *condition.Evaluator) (*ConditionNode, error) {
	n := &ConditionNode{id: node.ID, evaluator: evaluator}

	if raw, ok := node.Config["cases"]; ok {
		cases, err := condition.ParseCases(raw)
		if err != nil {
			return nil, err
		}

		for _, c := range cases {
			if c.Label == "" {
				return nil, errors.New("case label cannot be empty")
			}

			if err := evaluator.Validate(c.When); err != nil {
				return nil, err
			}
		}

		n.cases = cases

		return n, nil
	}

	raw, ok := node.Config["expression"]
	if !ok {
		return nil, errors.New("missing required field 'expression' or 'cases'")
	}

	expression, err := condition.Parse(raw)
	if err != nil {
		return nil, err
	}

	if err := evaluator.Validate(expression); err != nil {
		return nil, err
	}

	n.expression = &expression

	return n, nil
}

func (n *ConditionNode) ID() string { return n.id }

func (n *ConditionNode) Type() string { return Type }

func (n *ConditionNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	ctxData := input.Execution.Context

	if n.expression == nil {
		label, matched, warnings := n.evaluator.Select(n.cases, ctxData)
		if !matched {
			label = nodes.EdgeDefault
		}

		return models.BranchEffect{Edge: label, Warnings: warnings}, nil
	}

	result := n.evaluator.Evaluate(*n.expression, ctxData)

	edge := nodes.EdgeFalse
	if result.Value {
		edge = nodes.EdgeTrue
	}

	return models.BranchEffect{Edge: edge, Warnings: result.Warnings}, nil
}
