// Package registry maps node type tags to their factories.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrInvalidConfig   = errors.New("invalid node configuration")
)

// Registry is a lookup table from node type tag to factory. It holds no execution state.
type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]protocol.NodeFactory
	schemas   map[string]*gojsonschema.Schema
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log.With("module", "registry"),
		factories: make(map[string]protocol.NodeFactory),
		schemas:   make(map[string]*gojsonschema.Schema),
	}
}

// RegisterNode adds a factory. A later registration for the same tag replaces the earlier one.
func (r *Registry) RegisterNode(factory protocol.NodeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
	delete(r.schemas, factory.ID())

	r.logger.Debug("Registered node type", "type", factory.ID())
}

// Factory returns the factory for a type tag.
func (r *Registry) Factory(nodeType string) (protocol.NodeFactory, error) {
	r.mu.RLock()
	factory, exists := r.factories[nodeType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}

	return factory, nil
}

// CreateNode builds the executable node for a graph node.
func (r *Registry) CreateNode(ctx context.Context, node *models.Node) (protocol.Node, error) {
	factory, err := r.Factory(node.Type)
	if err != nil {
		return nil, err
	}

	instance, err := factory.Create(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %w", ErrInvalidConfig, node.ID, err)
	}

	return instance, nil
}

// GetAvailableNodes returns all factories ordered by type tag.
func (r *Registry) GetAvailableNodes() []protocol.NodeFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factories := make([]protocol.NodeFactory, 0, len(r.factories))
	for _, factory := range r.factories {
		factories = append(factories, factory)
	}

	sort.Slice(factories, func(i, j int) bool {
		return factories[i].ID() < factories[j].ID()
	})

	return factories
}

// AllowedEdges returns the outgoing edge labels a node may declare.
func (r *Registry) AllowedEdges(node *models.Node) ([]string, error) {
	factory, err := r.Factory(node.Type)
	if err != nil {
		return nil, err
	}

	if dynamic, ok := factory.(protocol.DynamicEdges); ok {
		return dynamic.EdgesFor(node)
	}

	return factory.Edges(), nil
}

// RequiredEdges returns the allowed edge labels a node must wire: every label the node can
// select at runtime unless its factory marks it optional.
func (r *Registry) RequiredEdges(node *models.Node) ([]string, error) {
	allowed, err := r.AllowedEdges(node)
	if err != nil {
		return nil, err
	}

	factory, err := r.Factory(node.Type)
	if err != nil {
		return nil, err
	}

	optional, ok := factory.(protocol.OptionalEdges)
	if !ok {
		return allowed, nil
	}

	skip := optional.OptionalEdges()

	return slices.DeleteFunc(slices.Clone(allowed), func(label string) bool {
		return slices.Contains(skip, label)
	}), nil
}

// IsTerminal reports whether the node type ends an execution.
func (r *Registry) IsTerminal(nodeType string) bool {
	factory, err := r.Factory(nodeType)
	if err != nil {
		return false
	}

	return factory.Terminal()
}

// ValidateConfig checks a node's configuration against its factory schema and then lets the
// factory build it, which catches semantic errors the schema cannot express.
func (r *Registry) ValidateConfig(ctx context.Context, node *models.Node) error {
	schema, err := r.schema(node.Type)
	if err != nil {
		return err
	}

	config := node.Config
	if config == nil {
		config = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("%w: node %s: %w", ErrInvalidConfig, node.ID, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("%w: node %s: %s", ErrInvalidConfig, node.ID, strings.Join(messages, "; "))
	}

	_, err = r.CreateNode(ctx, node)

	return err
}

func (r *Registry) schema(nodeType string) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	compiled, ok := r.schemas[nodeType]
	r.mu.RUnlock()

	if ok {
		return compiled, nil
	}

	factory, err := r.Factory(nodeType)
	if err != nil {
		return nil, err
	}

	compiled, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(factory.Schema()))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for node type %s: %w", nodeType, err)
	}

	r.mu.Lock()
	r.schemas[nodeType] = compiled
	r.mu.Unlock()

	return compiled, nil
}

// HealthCheck reports whether any node type is registered.
func (r *Registry) HealthCheck() (string, bool) {
	r.mu.RLock()
	count := len(r.factories)
	r.mu.RUnlock()

	if count == 0 {
		return "No node types registered", false
	}

	return fmt.Sprintf("%d node types registered", count), true
}
