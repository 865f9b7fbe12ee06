// Package tag provides the node that adds or removes contact tags.
package tag

import (
	"context"
	"errors"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const Type = "tag"

type TagNodeFactory struct{}

func (f *TagNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	add := nodes.StringSlice(node.Config, "add")
	remove := nodes.StringSlice(node.Config, "remove")

	if len(add) == 0 && len(remove) == 0 {
		return nil, errors.New("at least one of 'add' or 'remove' must list a tag")
	}

	return &TagNode{id: node.ID, add: add, remove: remove}, nil
}

func (f *TagNodeFactory) ID() string { return Type }

func (f *TagNodeFactory) Name() string { return "Tag Contact" }

func (f *TagNodeFactory) Description() string {
	return "Adds and removes tags on the contact of the conversation."
}

func (f *TagNodeFactory) Schema() map[string]any {
	tags := map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string", "minLength": 1},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"add":    tags,
			"remove": tags,
		},
	}
}

func (f *TagNodeFactory) Edges() []string { return []string{nodes.EdgeNext} }

func (f *TagNodeFactory) Terminal() bool { return false }

func NewTagNodeFactory() protocol.NodeFactory {
	return &TagNodeFactory{}
}

type TagNode struct {
	id     string
	add    []string
	remove []string
}

func (n *TagNode) ID() string { return n.id }

func (n *TagNode) Type() string { return Type }

func (n *TagNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	return models.MutateEffect{
		Edge: nodes.EdgeNext,
		ContactTags: &models.TagMutation{
			Add:    append([]string(nil), n.add...),
			Remove: append([]string(nil), n.remove...),
		},
	}, nil
}
