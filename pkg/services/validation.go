package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes/start"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/go-playground/validator/v10"
)

// GraphValidator checks that a flow version is executable. It reports every problem it
// finds rather than stopping at the first one.
type GraphValidator struct {
	registry *registry.Registry
	validate *validator.Validate
}

func NewGraphValidator(registry *registry.Registry, validate *validator.Validate) *GraphValidator {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}

	return &GraphValidator{registry: registry, validate: validate}
}

// Validate returns nil when the flow can be activated. Otherwise the error wraps
// ErrInvalidGraph joined with each problem.
func (v *GraphValidator) Validate(ctx context.Context, flow *models.FlowDefinition) error {
	if flow == nil {
		return ErrFlowNil
	}

	var problems []error

	if err := v.validate.Struct(flow); err != nil {
		problems = append(problems, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	problems = append(problems, v.validateTrigger(flow.TriggerConfig)...)
	problems = append(problems, v.validateGraph(ctx, flow)...)

	if len(problems) == 0 {
		return nil
	}

	return &ServiceError{
		Op:   "ValidateFlow",
		Code: "invalid_graph",
		Err:  errors.Join(append([]error{ErrInvalidGraph}, problems...)...),
	}
}

func (v *GraphValidator) validateTrigger(trigger models.TriggerConfig) []error {
	if trigger.Type != models.TriggerKeyword || trigger.MatchMode != models.MatchRegex {
		return nil
	}

	var problems []error

	for _, keyword := range trigger.Keywords {
		if _, err := regexp.Compile(keyword); err != nil {
			problems = append(problems, fmt.Errorf("%w: keyword %q: %w", ErrInvalidTrigger, keyword, err))
		}
	}

	return problems
}

func (v *GraphValidator) validateGraph(ctx context.Context, flow *models.FlowDefinition) []error {
	if len(flow.Nodes) == 0 {
		return []error{ErrNodesRequired}
	}

	var problems []error

	nodes := make(map[string]*models.Node, len(flow.Nodes))
	starts := 0

	for _, node := range flow.Nodes {
		if _, exists := nodes[node.ID]; exists {
			problems = append(problems, &NodeError{NodeID: node.ID, Err: ErrDuplicateNodeID})

			continue
		}

		nodes[node.ID] = node

		if node.Type == start.Type {
			starts++
		}
	}

	entry, ok := nodes[flow.EntryNodeID]

	switch {
	case !ok:
		problems = append(problems, fmt.Errorf("%w: %q", ErrNoEntryNode, flow.EntryNodeID))
	case entry.Type != start.Type:
		problems = append(problems, &NodeError{NodeID: entry.ID, Err: ErrEntryNotStart})
	}

	if starts > 1 {
		problems = append(problems, ErrMultipleStarts)
	}

	for _, node := range flow.Nodes {
		problems = append(problems, v.validateNode(ctx, node, nodes)...)
	}

	if ok {
		reachable := reachableFrom(entry, nodes)

		for _, node := range flow.Nodes {
			if !reachable[node.ID] {
				problems = append(problems, &NodeError{NodeID: node.ID, Err: ErrOrphanNode})
			}
		}
	}

	return problems
}

func (v *GraphValidator) validateNode(ctx context.Context, node *models.Node, nodes map[string]*models.Node) []error {
	if _, err := v.registry.Factory(node.Type); err != nil {
		return []error{&NodeError{NodeID: node.ID, Err: err}}
	}

	var problems []error

	if err := v.registry.ValidateConfig(ctx, node); err != nil {
		problems = append(problems, &NodeError{NodeID: node.ID, Err: err})
	}

	terminal := v.registry.IsTerminal(node.Type)

	switch {
	case terminal && len(node.Edges) > 0:
		problems = append(problems, &NodeError{NodeID: node.ID, Err: ErrTerminalHasEdges})
	case !terminal && len(node.Edges) == 0:
		problems = append(problems, &NodeError{NodeID: node.ID, Err: ErrDeadEnd})
	}

	allowed, err := v.registry.AllowedEdges(node)
	if err != nil {
		return append(problems, &NodeError{NodeID: node.ID, Err: err})
	}

	if len(node.Edges) > 0 {
		required, err := v.registry.RequiredEdges(node)
		if err != nil {
			return append(problems, &NodeError{NodeID: node.ID, Err: err})
		}

		for _, label := range required {
			if _, ok := node.Edges[label]; !ok {
				problems = append(problems, &NodeError{NodeID: node.ID, Err: fmt.Errorf("%w: %q", ErrMissingEdge, label)})
			}
		}
	}

	for _, label := range slices.Sorted(maps.Keys(node.Edges)) {
		if !slices.Contains(allowed, label) {
			problems = append(problems, &NodeError{NodeID: node.ID, Err: fmt.Errorf("%w: %q", ErrUnknownEdge, label)})
		}

		if _, exists := nodes[node.Edges[label]]; !exists {
			problems = append(problems, &NodeError{
				NodeID: node.ID,
				Err:    fmt.Errorf("%w: %q -> %q", ErrMissingEdgeTarget, label, node.Edges[label]),
			})
		}
	}

	return problems
}

func reachableFrom(entry *models.Node, nodes map[string]*models.Node) map[string]bool {
	seen := map[string]bool{entry.ID: true}
	queue := []*models.Node{entry}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, target := range current.Edges {
			next, ok := nodes[target]
			if !ok || seen[target] {
				continue
			}

			seen[target] = true
			queue = append(queue, next)
		}
	}

	return seen
}
