package condition

import (
	"context"
	"testing"

	"github.com/dukex/chatflow/pkg/condition"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ageNode(t *testing.T) *ConditionNode {
	t.Helper()

	node, err := NewConditionNode(&models.Node{ID: "adult", Type: Type, Config: map[string]any{
		"expression": map[string]any{
			"op":    "gt",
			"left":  map[string]any{"ref": "age"},
			"right": map[string]any{"value": 18},
		},
	}}, condition.NewEvaluator())
	require.NoError(t, err)

	return node
}

func TestConditionNode_TrueFalse(t *testing.T) {
	node := ageNode(t)

	effect, err := node.Dispatch(context.Background(), protocol.StepInput{
		Execution: &models.Execution{Context: map[string]any{"age": float64(20)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "true", effect.(models.BranchEffect).Edge)

	effect, err = node.Dispatch(context.Background(), protocol.StepInput{
		Execution: &models.Execution{Context: map[string]any{}},
	})
	require.NoError(t, err)

	branch := effect.(models.BranchEffect)
	assert.Equal(t, "false", branch.Edge)
	assert.NotEmpty(t, branch.Warnings)
}

func TestConditionNode_Cases(t *testing.T) {
	node, err := NewConditionNode(&models.Node{ID: "route", Type: Type, Config: map[string]any{
		"cases": []any{
			map[string]any{
				"label": "billing",
				"when":  map[string]any{"op": "contains", "left": map[string]any{"ref": "text"}, "right": map[string]any{"value": "invoice"}},
			},
		},
	}}, condition.NewEvaluator())
	require.NoError(t, err)

	effect, err := node.Dispatch(context.Background(), protocol.StepInput{
		Execution: &models.Execution{Context: map[string]any{"text": "Where is my Invoice?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", effect.(models.BranchEffect).Edge)

	effect, err = node.Dispatch(context.Background(), protocol.StepInput{
		Execution: &models.Execution{Context: map[string]any{"text": "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "default", effect.(models.BranchEffect).Edge)
}

func TestConditionNode_MissingExpression(t *testing.T) {
	_, err := NewConditionNode(&models.Node{ID: "x", Type: Type, Config: map[string]any{}}, condition.NewEvaluator())
	require.Error(t, err)
}
