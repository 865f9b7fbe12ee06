package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// errLostClaim stops a drive whose execution was changed by another writer.
var errLostClaim = errors.New("execution changed by another writer")

// Process claims the execution of a work item and drives it until it suspends or ends.
// Items that no longer apply, such as duplicate or stale wake events, are no-ops.
func (e *Engine) Process(ctx context.Context, item WorkItem) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.process",
		attribute.String(otelhelper.ExecutionIDKey, item.ExecutionID),
		attribute.String(otelhelper.WorkerIDKey, e.workerID),
	)
	defer span.End()

	logger := e.logger.With("execution_id", item.ExecutionID)

	exec, err := e.executions.GetByID(ctx, item.ExecutionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			logger.WarnContext(ctx, "Execution not found, dropping work item")

			return nil
		}

		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to load execution: %w", err)
	}

	if !e.applies(ctx, exec, item) {
		logger.DebugContext(ctx, "Work item does not apply", "status", exec.Status)

		return nil
	}

	flow, flowErr := e.flows.GetByID(ctx, exec.FlowID)
	if flowErr != nil && !persistence.IsFlowNotFound(flowErr) {
		otelhelper.SetError(span, flowErr)

		return fmt.Errorf("failed to load flow: %w", flowErr)
	}

	entryNodeID := ""
	if flow != nil {
		entryNodeID = flow.EntryNodeID
	}

	claimed, err := e.executions.Claim(ctx, exec.ID, exec.Version, e.workerID, entryNodeID, e.clock.Now())
	if err != nil {
		if persistence.IsConflict(err) {
			logger.DebugContext(ctx, "Execution claimed elsewhere")

			return nil
		}

		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to claim execution: %w", err)
	}

	var nodeEvent *models.WakeEvent

	if wake := claimed.Wake; wake != nil {
		if wake.Deadline != nil {
			e.cancelWake(ctx, claimed.ID, wake.ID)
		}

		// Retry and recovery wakes re-run the node as a fresh visit.
		if wake.AwaitsEvent() || wake.Kind == models.WakeTimer {
			nodeEvent = item.Event
		}

		claimed.Wake = nil

		span.SetAttributes(attribute.String(otelhelper.WakeKindKey, string(wake.Kind)))

		resumed := events.ExecutionResumed{
			BaseEvent:    e.baseEvent(events.ExecutionResumedEvent, claimed.TenantID),
			ExecutionRef: events.NewExecutionRef(claimed, nil),
			NodeID:       claimed.CurrentNode(),
		}
		if item.Event != nil {
			resumed.WakeKind = item.Event.Kind
		}

		e.publish(ctx, claimed.ConversationID, resumed)
	}

	if flowErr != nil {
		stepErr := newError(CodeGraphCorruption, claimed.CurrentNode(), flowErr)
		now := e.clock.Now()
		claimed.AppendPath(models.PathEntry{
			NodeID:    claimed.CurrentNode(),
			EnteredAt: now,
			ExitedAt:  now,
			Outcome:   models.OutcomeFailed,
			Error:     stepErr.Message,
		})

		return e.stop(ctx, span, e.finish(ctx, claimed, nil, models.ExecutionFailed, "", stepErr))
	}

	span.SetAttributes(
		attribute.String(otelhelper.FlowIDKey, flow.ID),
		attribute.Int(otelhelper.FlowVersionKey, flow.Version),
	)

	return e.stop(ctx, span, e.drive(ctx, claimed, flow, nodeEvent))
}

func (e *Engine) stop(ctx context.Context, span trace.Span, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, errLostClaim) {
		e.logger.DebugContext(ctx, "Drive stopped after losing the execution", "error", err)

		return nil
	}

	otelhelper.SetError(span, err)

	return err
}

// applies decides whether a work item may claim the execution in its current state.
func (e *Engine) applies(ctx context.Context, exec *models.Execution, item WorkItem) bool {
	switch exec.Status {
	case models.ExecutionPending:
		return item.Event == nil && !exec.Queued
	case models.ExecutionWaiting:
		if item.Event == nil || exec.Wake == nil {
			return false
		}

		if exec.Wake.Accepts(*item.Event, e.clock.Now()) {
			return true
		}
	}

	// A timer for a wake that is no longer current will never apply again.
	if item.Event != nil && item.Event.Kind == models.WakeEventTimer && item.Event.WakeID != "" &&
		(exec.Wake == nil || exec.Wake.ID != item.Event.WakeID) {
		e.cancelWake(ctx, exec.ID, item.Event.WakeID)
	}

	return false
}

// drive loops the step executor, persisting after every node, until the execution suspends,
// ends or loses its claim.
func (e *Engine) drive(ctx context.Context, exec *models.Execution, flow *models.FlowDefinition, event *models.WakeEvent) error {
	for steps := 0; ; steps++ {
		if steps >= e.maxSteps {
			stepErr := newError(CodeGraphCorruption, exec.CurrentNode(), ErrStepLimitExceeded)

			return e.finish(ctx, exec, flow, models.ExecutionFailed, "", stepErr)
		}

		result := e.executor.Step(ctx, exec, flow, event)
		event = nil

		switch result.Kind {
		case StepAdvanced:
			exec.SetCurrentNode(result.NextNodeID)
			exec.Retry = models.RetryState{}
			exec.UpdatedAt = e.clock.Now()

			err := e.save(ctx, exec)
			if err != nil {
				return err
			}
		case StepSuspended:
			exec.Retry = models.RetryState{}

			return e.suspend(ctx, exec, flow, result.Wake)
		case StepCompleted:
			return e.finish(ctx, exec, flow, models.ExecutionCompleted, result.Outcome, nil)
		default:
			return e.failed(ctx, exec, flow, result.Err)
		}
	}
}

// failed schedules a retry of the current node or ends the execution.
func (e *Engine) failed(ctx context.Context, exec *models.Execution, flow *models.FlowDefinition, stepErr *Error) error {
	if !stepErr.Retryable || !e.retry.Allows(exec.Retry.Attempts+1) {
		return e.finish(ctx, exec, flow, models.ExecutionFailed, "", stepErr)
	}

	exec.Retry.Attempts++
	exec.Retry.LastError = stepErr.Message

	delay := e.retry.Delay(exec.Retry.Attempts)
	deadline := e.clock.Now().Add(delay)

	e.logger.WarnContext(ctx, "Step failed, retry scheduled",
		"execution_id", exec.ID,
		"node_id", exec.CurrentNode(),
		"attempt", exec.Retry.Attempts,
		"delay", delay,
		"error", stepErr,
	)

	return e.suspend(ctx, exec, flow, models.WakeCondition{
		ID:             uuid.NewString(),
		Kind:           models.WakeRetry,
		NodeID:         exec.CurrentNode(),
		ConversationID: exec.ConversationID,
		Deadline:       &deadline,
	})
}

// suspend indexes the wake deadline and then persists the wait, so a waiting execution
// always has its wake indexed. If indexing fails the execution stays running under this
// claim and stale recovery picks it up. A cancel requested while the execution was running
// takes effect here.
func (e *Engine) suspend(ctx context.Context, exec *models.Execution, flow *models.FlowDefinition, wake models.WakeCondition) error {
	if wake.Deadline != nil {
		err := e.wakes.ScheduleWake(ctx, exec.ID, wake.ID, *wake.Deadline)
		if err != nil {
			return fmt.Errorf("failed to schedule wake: %w", err)
		}
	}

	exec.Status = models.ExecutionWaiting
	exec.Wake = &wake
	exec.ClaimedBy = ""
	exec.ClaimedAt = nil
	exec.UpdatedAt = e.clock.Now()

	err := e.save(ctx, exec)
	if err != nil {
		if wake.Deadline != nil {
			e.cancelWake(ctx, exec.ID, wake.ID)
		}

		return err
	}

	if exec.CancelRequested {
		status, err := e.executions.RequestCancel(ctx, exec.ID, e.clock.Now())
		if err != nil {
			return fmt.Errorf("failed to apply requested cancel: %w", err)
		}

		if status == models.ExecutionCancelled {
			e.afterCancel(ctx, exec, true)
			exec.Wake = nil

			return nil
		}
	}

	e.publish(ctx, exec.ConversationID, events.ExecutionSuspended{
		BaseEvent:    e.baseEvent(events.ExecutionSuspendedEvent, exec.TenantID),
		ExecutionRef: events.NewExecutionRef(exec, flow),
		NodeID:       wake.NodeID,
		WakeKind:     wake.Kind,
		Deadline:     wake.Deadline,
	})

	return nil
}

// finish moves the execution to a terminal status. flow may be nil when the pinned
// version no longer exists.
func (e *Engine) finish(
	ctx context.Context,
	exec *models.Execution,
	flow *models.FlowDefinition,
	status models.ExecutionStatus,
	outcome string,
	stepErr *Error,
) error {
	now := e.clock.Now()
	lastNode := exec.CurrentNode()

	exec.Status = status
	exec.SetCurrentNode("")
	exec.Wake = nil
	exec.CompletedAt = &now
	exec.UpdatedAt = now

	if stepErr != nil {
		exec.ErrorMessage = stepErr.Error()
	}

	err := e.save(ctx, exec)
	if err != nil {
		return err
	}

	e.incrementCounters(ctx, exec.FlowID, status)

	duration := now.Sub(exec.CreatedAt).Milliseconds()
	ref := events.NewExecutionRef(exec, flow)

	if status == models.ExecutionCompleted {
		e.logger.InfoContext(ctx, "Execution completed", "execution_id", exec.ID, "outcome", outcome)

		e.publish(ctx, exec.ConversationID, events.ExecutionCompleted{
			BaseEvent:    e.baseEvent(events.ExecutionCompletedEvent, exec.TenantID),
			ExecutionRef: ref,
			Outcome:      outcome,
			DurationMs:   duration,
			NodesVisited: len(exec.Path),
		})
	} else {
		e.logger.ErrorContext(ctx, "Execution failed", "execution_id", exec.ID, "node_id", lastNode, "error", stepErr)

		e.publish(ctx, exec.ConversationID, events.ExecutionFailed{
			BaseEvent:    e.baseEvent(events.ExecutionFailedEvent, exec.TenantID),
			ExecutionRef: ref,
			NodeID:       lastNode,
			Code:         string(stepErr.Code),
			Error:        stepErr.Message,
			DurationMs:   duration,
		})
	}

	e.promoteNext(ctx, exec.LineageID, exec.ConversationID)

	return nil
}

// save writes exec under its version and, while it is running, renews the claim lease.
// A lost race ends the drive with errLostClaim.
func (e *Engine) save(ctx context.Context, exec *models.Execution) error {
	if exec.Status == models.ExecutionRunning {
		renewed := e.clock.Now()
		exec.ClaimedAt = &renewed
	}

	err := e.executions.Update(ctx, exec)
	if err == nil {
		return nil
	}

	if persistence.IsConflict(err) || errors.Is(err, persistence.ErrActiveExecutionExists) {
		e.logger.WarnContext(ctx, "Execution changed concurrently", "execution_id", exec.ID, "error", err)

		return fmt.Errorf("%w: %w", errLostClaim, err)
	}

	return fmt.Errorf("failed to update execution: %w", err)
}

// SweepWakes dispatches timer events for every due wake and returns how many were sent.
func (e *Engine) SweepWakes(ctx context.Context) (int, error) {
	now := e.clock.Now()

	due, err := e.wakes.DueWakes(ctx, now, e.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to load due wakes: %w", err)
	}

	dispatched := 0

	for _, wake := range due {
		exec, err := e.executions.GetByID(ctx, wake.ExecutionID)
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				e.cancelWake(ctx, wake.ExecutionID, wake.WakeID)

				continue
			}

			return dispatched, fmt.Errorf("failed to load execution: %w", err)
		}

		event := models.WakeEvent{WakeID: wake.WakeID, Kind: models.WakeEventTimer, OccurredAt: now}

		err = e.dispatcher.Dispatch(ctx, WorkItem{ExecutionID: exec.ID, TenantID: exec.TenantID, Event: &event})
		if err != nil {
			return dispatched, fmt.Errorf("failed to dispatch wake for %s: %w", exec.ID, err)
		}

		dispatched++
	}

	return dispatched, nil
}

// RecoverStale hands executions abandoned by a crashed worker back to the scheduler. Each
// gets a recovery wake that is due immediately, so its current node runs again.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	now := e.clock.Now()

	stale, err := e.executions.Stale(ctx, now.Add(-e.lease), e.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to load stale executions: %w", err)
	}

	recovered := 0

	for _, exec := range stale {
		if exec.CurrentNode() == "" {
			flow, err := e.flows.GetByID(ctx, exec.FlowID)
			if err == nil {
				exec.SetCurrentNode(flow.EntryNodeID)
			}
		}

		deadline := now
		wake := models.WakeCondition{
			ID:             uuid.NewString(),
			Kind:           models.WakeRecovery,
			NodeID:         exec.CurrentNode(),
			ConversationID: exec.ConversationID,
			Deadline:       &deadline,
		}

		e.logger.WarnContext(ctx, "Recovering stale execution",
			"execution_id", exec.ID,
			"claimed_by", exec.ClaimedBy,
			"node_id", exec.CurrentNode(),
		)

		err := e.wakes.ScheduleWake(ctx, exec.ID, wake.ID, deadline)
		if err != nil {
			return recovered, fmt.Errorf("failed to schedule recovery wake: %w", err)
		}

		exec.Status = models.ExecutionWaiting
		exec.Wake = &wake
		exec.ClaimedBy = ""
		exec.ClaimedAt = nil
		exec.UpdatedAt = now

		err = e.executions.Update(ctx, exec)
		if err != nil {
			e.cancelWake(ctx, exec.ID, wake.ID)

			if persistence.IsConflict(err) {
				continue
			}

			return recovered, fmt.Errorf("failed to recover execution %s: %w", exec.ID, err)
		}

		event := models.WakeEvent{WakeID: wake.ID, Kind: models.WakeEventTimer, OccurredAt: now}

		err = e.dispatcher.Dispatch(ctx, WorkItem{ExecutionID: exec.ID, TenantID: exec.TenantID, Event: &event})
		if err != nil {
			return recovered, fmt.Errorf("failed to dispatch recovered execution %s: %w", exec.ID, err)
		}

		recovered++
	}

	return recovered, nil
}
