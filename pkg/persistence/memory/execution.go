package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

type executionRepository struct{ p *Persistence }

// holdsConversation reports whether exec occupies the single active slot of its
// (lineage, conversation) pair.
func holdsConversation(exec *models.Execution) bool {
	return !exec.Queued && exec.Status.IsActive()
}

// storedCopy is what a SQL store would read back: the context holds JSON types only.
func storedCopy(exec *models.Execution) *models.Execution {
	stored := exec.Clone()

	stored.Context = models.NormalizeContext(exec.Context)
	if stored.Context == nil {
		stored.Context = map[string]any{}
	}

	return stored
}

func (r *executionRepository) headLocked(lineageID, conversationID, exceptID string) *models.Execution {
	for _, exec := range r.p.executions {
		if exec.ID != exceptID && exec.LineageID == lineageID && exec.ConversationID == conversationID &&
			holdsConversation(exec) {
			return exec
		}
	}

	return nil
}

func (r *executionRepository) Create(ctx context.Context, exec *models.Execution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, exists := r.p.executions[exec.ID]; exists {
		return persistence.NewExecutionError("Create", exec.ID, persistence.ErrActiveExecutionExists)
	}

	if holdsConversation(exec) && r.headLocked(exec.LineageID, exec.ConversationID, exec.ID) != nil {
		return persistence.NewExecutionError("Create", exec.ID, persistence.ErrActiveExecutionExists)
	}

	r.p.executions[exec.ID] = storedCopy(exec)

	return nil
}

func (r *executionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	exec, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	return exec.Clone(), nil
}

func (r *executionRepository) Claim(
	ctx context.Context,
	id string,
	expectedVersion int64,
	workerID, entryNodeID string,
	at time.Time,
) (*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	exec, ok := r.p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Claim", id, persistence.ErrExecutionNotFound)
	}

	claimable := exec.Status == models.ExecutionPending || exec.Status == models.ExecutionWaiting
	if !claimable || exec.Queued || exec.Version != expectedVersion {
		return nil, persistence.NewExecutionError("Claim", id, persistence.ErrClaimConflict)
	}

	if exec.CurrentNode() == "" {
		exec.SetCurrentNode(entryNodeID)
	}

	claimedAt := at
	exec.Status = models.ExecutionRunning
	exec.ClaimedBy = workerID
	exec.ClaimedAt = &claimedAt
	exec.UpdatedAt = at
	exec.Version++

	return exec.Clone(), nil
}

func (r *executionRepository) Update(ctx context.Context, exec *models.Execution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.executions[exec.ID]
	if !ok {
		return persistence.NewExecutionError("Update", exec.ID, persistence.ErrExecutionNotFound)
	}

	if stored.Version != exec.Version {
		return persistence.NewExecutionError("Update", exec.ID, persistence.ErrVersionConflict)
	}

	if holdsConversation(exec) && r.headLocked(exec.LineageID, exec.ConversationID, exec.ID) != nil {
		return persistence.NewExecutionError("Update", exec.ID, persistence.ErrActiveExecutionExists)
	}

	cancelRequested := stored.CancelRequested || exec.CancelRequested

	exec.Version++
	exec.CancelRequested = cancelRequested

	r.p.executions[exec.ID] = storedCopy(exec)

	return nil
}

func (r *executionRepository) RequestCancel(ctx context.Context, id string, at time.Time) (models.ExecutionStatus, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	exec, ok := r.p.executions[id]
	if !ok {
		return "", persistence.NewExecutionError("RequestCancel", id, persistence.ErrExecutionNotFound)
	}

	switch exec.Status {
	case models.ExecutionPending, models.ExecutionWaiting:
		completedAt := at
		exec.Status = models.ExecutionCancelled
		exec.SetCurrentNode("")
		exec.Wake = nil
		exec.CompletedAt = &completedAt
		exec.UpdatedAt = at
		exec.Version++
	case models.ExecutionRunning:
		exec.CancelRequested = true
	}

	return exec.Status, nil
}

func (r *executionRepository) ActiveForConversation(
	ctx context.Context,
	lineageID, conversationID string,
) (*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	head := r.headLocked(lineageID, conversationID, "")
	if head == nil {
		return nil, persistence.NewExecutionError("ActiveForConversation", conversationID, persistence.ErrExecutionNotFound)
	}

	return head.Clone(), nil
}

func (r *executionRepository) WaitingForConversation(
	ctx context.Context,
	tenantID, conversationID string,
) ([]*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var waiting []*models.Execution

	for _, exec := range r.p.executions {
		if exec.TenantID == tenantID && exec.ConversationID == conversationID &&
			exec.Status == models.ExecutionWaiting && exec.Wake != nil && exec.Wake.AwaitsEvent() {
			waiting = append(waiting, exec.Clone())
		}
	}

	sortByCreated(waiting)

	return waiting, nil
}

func (r *executionRepository) PromoteNext(ctx context.Context, lineageID, conversationID string) (*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if r.headLocked(lineageID, conversationID, "") != nil {
		return nil, persistence.NewExecutionError("PromoteNext", conversationID, persistence.ErrActiveExecutionExists)
	}

	var next *models.Execution

	for _, exec := range r.p.executions {
		if exec.LineageID != lineageID || exec.ConversationID != conversationID || !exec.Queued ||
			exec.Status != models.ExecutionPending {
			continue
		}

		if next == nil || exec.CreatedAt.Before(next.CreatedAt) ||
			(exec.CreatedAt.Equal(next.CreatedAt) && exec.ID < next.ID) {
			next = exec
		}
	}

	if next == nil {
		return nil, persistence.NewExecutionError("PromoteNext", conversationID, persistence.ErrExecutionNotFound)
	}

	next.Queued = false
	next.Version++

	return next.Clone(), nil
}

func (r *executionRepository) Stale(ctx context.Context, before time.Time, limit int) ([]*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var stale []*models.Execution

	for _, exec := range r.p.executions {
		if exec.Status == models.ExecutionRunning && exec.ClaimedAt != nil && exec.ClaimedAt.Before(before) {
			stale = append(stale, exec.Clone())
		}
	}

	sortByCreated(stale)

	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	return stale, nil
}

func (r *executionRepository) ListByFlow(ctx context.Context, flowID string, limit int) ([]*models.Execution, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var executions []*models.Execution

	for _, exec := range r.p.executions {
		if exec.FlowID == flowID {
			executions = append(executions, exec.Clone())
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})

	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}

	return executions, nil
}

func sortByCreated(executions []*models.Execution) {
	sort.Slice(executions, func(i, j int) bool {
		if executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].ID < executions[j].ID
		}

		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})
}

type wakeScheduler struct{ p *Persistence }

func wakeKey(executionID, wakeID string) string {
	return executionID + "/" + wakeID
}

func (s *wakeScheduler) ScheduleWake(ctx context.Context, executionID, wakeID string, deadline time.Time) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()

	s.p.wakes[wakeKey(executionID, wakeID)] = persistence.ScheduledWake{
		ExecutionID: executionID,
		WakeID:      wakeID,
		Deadline:    deadline,
	}

	return nil
}

func (s *wakeScheduler) DueWakes(ctx context.Context, now time.Time, limit int) ([]persistence.ScheduledWake, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()

	var due []persistence.ScheduledWake

	for _, wake := range s.p.wakes {
		if !now.Before(wake.Deadline) {
			due = append(due, wake)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Deadline.Equal(due[j].Deadline) {
			return due[i].ExecutionID < due[j].ExecutionID
		}

		return due[i].Deadline.Before(due[j].Deadline)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (s *wakeScheduler) CancelWake(ctx context.Context, executionID, wakeID string) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()

	delete(s.p.wakes, wakeKey(executionID, wakeID))

	return nil
}
