package registry

import (
	"log/slog"

	"github.com/dukex/chatflow/pkg/condition"
	"github.com/dukex/chatflow/pkg/nodes/assignment"
	"github.com/dukex/chatflow/pkg/nodes/button"
	conditionnode "github.com/dukex/chatflow/pkg/nodes/condition"
	"github.com/dukex/chatflow/pkg/nodes/delay"
	"github.com/dukex/chatflow/pkg/nodes/end"
	"github.com/dukex/chatflow/pkg/nodes/httprequest"
	"github.com/dukex/chatflow/pkg/nodes/input"
	"github.com/dukex/chatflow/pkg/nodes/message"
	"github.com/dukex/chatflow/pkg/nodes/start"
	"github.com/dukex/chatflow/pkg/nodes/tag"
)

// RegisterDefaultNodes registers all built-in node factories with the registry.
func (r *Registry) RegisterDefaultNodes(evaluator *condition.Evaluator) {
	r.RegisterNode(start.NewStartNodeFactory())
	r.RegisterNode(end.NewEndNodeFactory())

	r.RegisterNode(message.NewMessageNodeFactory())
	r.RegisterNode(message.NewTemplateNodeFactory())

	r.RegisterNode(conditionnode.NewConditionNodeFactory(evaluator))

	// Suspending nodes
	r.RegisterNode(input.NewInputNodeFactory())
	r.RegisterNode(button.NewButtonNodeFactory())
	r.RegisterNode(delay.NewDelayNodeFactory())

	r.RegisterNode(httprequest.NewAPINodeFactory())
	r.RegisterNode(httprequest.NewWebhookNodeFactory())

	r.RegisterNode(assignment.NewAssignmentNodeFactory())
	r.RegisterNode(tag.NewTagNodeFactory())
}

// NewDefaultRegistry returns a registry with every built-in node type.
func NewDefaultRegistry(log *slog.Logger) *Registry {
	reg := NewRegistry(log)
	reg.RegisterDefaultNodes(condition.NewEvaluator())

	return reg
}
