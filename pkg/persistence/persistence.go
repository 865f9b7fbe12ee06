// Package persistence provides the storage contracts for flow definitions, executions and
// wake timers.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/chatflow/pkg/models"
)

type Persistence interface {
	FlowRepository() FlowRepository
	ExecutionRepository() ExecutionRepository
	WakeScheduler() WakeScheduler

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowFilter narrows flow listings. Empty fields do not filter.
type FlowFilter struct {
	TenantID  string
	LineageID string
	Status    models.FlowStatus
	Limit     int
	Offset    int
}

// FlowRepository stores immutable flow versions.
type FlowRepository interface {
	// Save inserts a new version or replaces a draft.
	Save(ctx context.Context, flow *models.FlowDefinition) error
	GetByID(ctx context.Context, id string) (*models.FlowDefinition, error)
	List(ctx context.Context, filter FlowFilter) ([]*models.FlowDefinition, error)

	// Versions returns every version of a lineage ordered by version.
	Versions(ctx context.Context, lineageID string) ([]*models.FlowDefinition, error)

	// ActiveByTenant returns the active version of every lineage of a tenant.
	ActiveByTenant(ctx context.Context, tenantID string) ([]*models.FlowDefinition, error)

	// Activate marks a version active and archives any other active version of its lineage
	// in the same operation.
	Activate(ctx context.Context, id string, at time.Time) error

	SetStatus(ctx context.Context, id string, status models.FlowStatus, at time.Time) error

	// IncrementCounters adds delta to the flow counters.
	IncrementCounters(ctx context.Context, id string, delta models.FlowStats) error
}

// ExecutionRepository stores executions. Every mutation after Create is conditioned on the
// version the caller read, and successful mutations increment it.
type ExecutionRepository interface {
	// Create inserts a new execution. A non-queued active execution for the same
	// (lineage, conversation) makes it fail with ErrActiveExecutionExists.
	Create(ctx context.Context, exec *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)

	// Claim atomically moves a pending or waiting, non-queued execution at expectedVersion to
	// running. An execution without a current node is pointed at entryNodeID in the same
	// write. Any other state yields ErrClaimConflict.
	Claim(
		ctx context.Context,
		id string,
		expectedVersion int64,
		workerID, entryNodeID string,
		at time.Time,
	) (*models.Execution, error)

	// Update writes exec if the stored version equals exec.Version. On success exec.Version
	// is incremented and exec.CancelRequested refreshed from storage.
	Update(ctx context.Context, exec *models.Execution) error

	// RequestCancel cancels a pending or waiting execution, or flags a running one so the
	// holder cancels it at its next suspension. It returns the resulting status.
	RequestCancel(ctx context.Context, id string, at time.Time) (models.ExecutionStatus, error)

	// ActiveForConversation returns the non-queued active execution of a lineage for a
	// conversation.
	ActiveForConversation(ctx context.Context, lineageID, conversationID string) (*models.Execution, error)

	// WaitingForConversation returns executions of a tenant waiting on an inbound event of
	// the conversation.
	WaitingForConversation(ctx context.Context, tenantID, conversationID string) ([]*models.Execution, error)

	// PromoteNext makes the oldest queued execution of (lineage, conversation) claimable.
	PromoteNext(ctx context.Context, lineageID, conversationID string) (*models.Execution, error)

	// Stale returns running executions whose claim is older than before.
	Stale(ctx context.Context, before time.Time, limit int) ([]*models.Execution, error)

	ListByFlow(ctx context.Context, flowID string, limit int) ([]*models.Execution, error)
}

// ScheduledWake is a due timer.
type ScheduledWake struct {
	ExecutionID string
	WakeID      string
	Deadline    time.Time
}

// WakeScheduler indexes wake deadlines for the timer sweep.
type WakeScheduler interface {
	ScheduleWake(ctx context.Context, executionID, wakeID string, deadline time.Time) error
	DueWakes(ctx context.Context, now time.Time, limit int) ([]ScheduledWake, error)
	CancelWake(ctx context.Context, executionID, wakeID string) error
}
