// Package delay provides the node that pauses an execution for a fixed duration.
package delay

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const Type = "delay"

// DelayNodeFactory creates DelayNode instances.
type DelayNodeFactory struct{}

func (f *DelayNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	duration, err := nodes.Duration(node.Config, "duration", 0)
	if err != nil {
		return nil, err
	}

	if duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", duration)
	}

	return &DelayNode{id: node.ID, duration: duration}, nil
}

func (f *DelayNodeFactory) ID() string { return Type }

func (f *DelayNodeFactory) Name() string { return "Delay" }

func (f *DelayNodeFactory) Description() string {
	return "Suspends the execution until now plus the configured duration, then continues on next."
}

func (f *DelayNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration": nodes.DurationSchema("How long to wait, e.g. \"5s\", \"10m\" or a number of seconds"),
		},
		"required": []string{"duration"},
	}
}

func (f *DelayNodeFactory) Edges() []string { return []string{nodes.EdgeNext} }

func (f *DelayNodeFactory) Terminal() bool { return false }

func NewDelayNodeFactory() protocol.NodeFactory {
	return &DelayNodeFactory{}
}

// DelayNode suspends on first dispatch and continues when its timer fires.
type DelayNode struct {
	id       string
	duration time.Duration
}

func (n *DelayNode) ID() string { return n.id }

func (n *DelayNode) Type() string { return Type }

func (n *DelayNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	if input.Wake != nil {
		return models.BranchEffect{Edge: nodes.EdgeNext}, nil
	}

	deadline := input.Now.Add(n.duration)

	return models.SuspendEffect{
		Wake: models.WakeCondition{Kind: models.WakeTimer, Deadline: &deadline},
	}, nil
}
