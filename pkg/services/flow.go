package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Flow manages the lifecycle of flow versions: drafts are edited in place, activation
// validates the graph, and any version can seed a new draft of the same lineage.
type Flow struct {
	persistence persistence.Persistence
	validator   *GraphValidator
	clock       clock.PassiveClock
}

// NewFlow creates a new flow service.
func NewFlow(persistence persistence.Persistence, validator *GraphValidator, clk clock.PassiveClock) *Flow {
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Flow{
		persistence: persistence,
		validator:   validator,
		clock:       clk,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Flow) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Get returns one flow version including its counters.
func (s *Flow) Get(ctx context.Context, id string) (*models.FlowDefinition, error) {
	return s.persistence.FlowRepository().GetByID(ctx, id)
}

// ListFlowsRequest contains options for listing flows.
type ListFlowsRequest struct {
	TenantID  string
	LineageID string
	Status    models.FlowStatus
	Limit     int
	Offset    int
}

// List returns flow versions, newest first.
func (s *Flow) List(ctx context.Context, req ListFlowsRequest) ([]*models.FlowDefinition, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultListLimit
	}

	if req.Limit > MaxListLimit {
		req.Limit = MaxListLimit
	}

	if req.Offset < 0 {
		return nil, NewValidationError("ListFlows", "invalid_offset", "offset cannot be negative", ErrInvalidRequest)
	}

	switch req.Status {
	case "", models.FlowStatusDraft, models.FlowStatusActive, models.FlowStatusPaused, models.FlowStatusArchived:
	default:
		return nil, NewValidationError("ListFlows", "invalid_status", fmt.Sprintf("unknown status %q", req.Status), ErrInvalidStatus)
	}

	return s.persistence.FlowRepository().List(ctx, persistence.FlowFilter{
		TenantID:  req.TenantID,
		LineageID: req.LineageID,
		Status:    req.Status,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
}

// Versions returns every version of the lineage the flow belongs to.
func (s *Flow) Versions(ctx context.Context, id string) ([]*models.FlowDefinition, error) {
	flow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.persistence.FlowRepository().Versions(ctx, flow.LineageID)
}

// Create stores a new lineage whose first version is a draft.
func (s *Flow) Create(ctx context.Context, flow *models.FlowDefinition) (*models.FlowDefinition, error) {
	if err := validateHeader("CreateFlow", flow); err != nil {
		return nil, err
	}

	now := s.clock.Now()

	created := flow.Clone()
	created.ID = uuid.Must(uuid.NewV7()).String()
	created.LineageID = created.ID
	created.Version = 1
	created.ParentFlowID = nil
	created.Status = models.FlowStatusDraft
	created.FlowStats = models.FlowStats{}
	created.ActivatedAt = nil
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.persistence.FlowRepository().Save(ctx, created); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return created, nil
}

// Update replaces the editable content of a draft.
func (s *Flow) Update(ctx context.Context, id string, changes *models.FlowDefinition) (*models.FlowDefinition, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status != models.FlowStatusDraft {
		return nil, &ServiceError{Op: "UpdateFlow", Code: "flow_not_draft", Err: ErrFlowNotDraft}
	}

	if changes == nil {
		return nil, ErrFlowNil
	}

	changes = changes.Clone()
	changes.TenantID = current.TenantID

	if err := validateHeader("UpdateFlow", changes); err != nil {
		return nil, err
	}

	current.Name = changes.Name
	current.Description = changes.Description
	current.Nodes = changes.Nodes
	current.EntryNodeID = changes.EntryNodeID
	current.TriggerConfig = changes.TriggerConfig
	current.ReentryPolicy = changes.ReentryPolicy
	current.UpdatedAt = s.clock.Now()

	if err := s.persistence.FlowRepository().Save(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return current, nil
}

// NewVersion copies any version of a lineage into a new draft that points back at it.
func (s *Flow) NewVersion(ctx context.Context, id string) (*models.FlowDefinition, error) {
	source, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	versions, err := s.persistence.FlowRepository().Versions(ctx, source.LineageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	latest := source.Version
	for _, version := range versions {
		latest = max(latest, version.Version)
	}

	now := s.clock.Now()
	parent := source.ID

	draft := source.Clone()
	draft.ID = uuid.Must(uuid.NewV7()).String()
	draft.Version = latest + 1
	draft.ParentFlowID = &parent
	draft.Status = models.FlowStatusDraft
	draft.FlowStats = models.FlowStats{}
	draft.ActivatedAt = nil
	draft.CreatedAt = now
	draft.UpdatedAt = now

	if err := s.persistence.FlowRepository().Save(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to save flow version: %w", err)
	}

	return draft, nil
}

// Activate validates the graph and makes the version the only active one of its lineage.
func (s *Flow) Activate(ctx context.Context, id string) (*models.FlowDefinition, error) {
	flow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch flow.Status {
	case models.FlowStatusActive:
		return flow, nil
	case models.FlowStatusArchived:
		return nil, &ServiceError{Op: "ActivateFlow", Code: "flow_archived", Err: ErrFlowArchived}
	}

	if err := s.validator.Validate(ctx, flow); err != nil {
		return nil, err
	}

	if err := s.persistence.FlowRepository().Activate(ctx, id, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to activate flow: %w", err)
	}

	return s.Get(ctx, id)
}

// Pause stops an active version from accepting new executions. Runs in flight continue.
func (s *Flow) Pause(ctx context.Context, id string) (*models.FlowDefinition, error) {
	flow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch flow.Status {
	case models.FlowStatusPaused:
		return flow, nil
	case models.FlowStatusActive:
	default:
		return nil, &ServiceError{
			Op:      "PauseFlow",
			Code:    "invalid_transition",
			Message: fmt.Sprintf("cannot pause a %s flow", flow.Status),
			Err:     ErrInvalidTransition,
		}
	}

	return s.setStatus(ctx, id, models.FlowStatusPaused)
}

// Archive retires a version permanently. Runs in flight continue.
func (s *Flow) Archive(ctx context.Context, id string) (*models.FlowDefinition, error) {
	flow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if flow.Status == models.FlowStatusArchived {
		return flow, nil
	}

	return s.setStatus(ctx, id, models.FlowStatusArchived)
}

func (s *Flow) setStatus(ctx context.Context, id string, status models.FlowStatus) (*models.FlowDefinition, error) {
	if err := s.persistence.FlowRepository().SetStatus(ctx, id, status, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to set flow status: %w", err)
	}

	return s.Get(ctx, id)
}

// Validate runs graph validation without changing the flow.
func (s *Flow) Validate(ctx context.Context, id string) error {
	flow, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	return s.validator.Validate(ctx, flow)
}

func validateHeader(op string, flow *models.FlowDefinition) error {
	if flow == nil {
		return ErrFlowNil
	}

	if flow.TenantID == "" {
		return NewValidationError(op, "tenant_required", "", ErrTenantRequired)
	}

	if flow.Name == "" {
		return NewValidationError(op, "name_required", "", ErrFlowNameRequired)
	}

	switch flow.ReentryPolicy {
	case "", models.ReentrySkip, models.ReentryQueue, models.ReentryRestart:
	default:
		return NewValidationError(op, "invalid_reentry_policy",
			fmt.Sprintf("unknown reentry policy %q", flow.ReentryPolicy), ErrInvalidRequest)
	}

	return nil
}

// IsNotFound reports whether err means the flow version does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}
