// Package engine drives flow executions: it matches inbound events to flows, claims
// executions, loops the step executor until a suspension or terminal point and applies
// the retry, re-entry and cancellation policies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const (
	DefaultMaxStepsPerDrive = 500
	DefaultLease            = 5 * time.Minute
	DefaultSweepBatch       = 100
)

// Disposition tells what a start request did.
type Disposition string

const (
	DispositionStarted   Disposition = "started"
	DispositionQueued    Disposition = "queued"
	DispositionSkipped   Disposition = "skipped"
	DispositionRestarted Disposition = "restarted"
)

// StartRequest starts a flow for a conversation. FlowID names a version; the lineage of
// that version decides re-entry.
type StartRequest struct {
	TenantID       string         `json:"tenant_id,omitempty"`
	FlowID         string         `json:"flow_id"         validate:"required"`
	ConversationID string         `json:"conversation_id" validate:"required"`
	ContactID      *string        `json:"contact_id,omitempty"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
}

type StartResult struct {
	ExecutionID       string      `json:"execution_id,omitempty"`
	ActiveExecutionID string      `json:"active_execution_id,omitempty"`
	FlowID            string      `json:"flow_id"`
	Disposition       Disposition `json:"disposition"`
}

// InboundResult reports what an inbound event caused.
type InboundResult struct {
	// Resumed lists executions the event was delivered to.
	Resumed []string `json:"resumed,omitempty"`
	// Consumed is true when a waiting execution took the event, which suppresses starts.
	Consumed bool          `json:"consumed"`
	Started  []StartResult `json:"started,omitempty"`
}

// Options configure an Engine. Zero values take defaults.
type Options struct {
	Logger       *slog.Logger
	Persistence  persistence.Persistence
	Registry     *registry.Registry
	Capabilities Capabilities
	Publisher    eventbus.EventPublisher
	Clock        clock.PassiveClock
	Tracer       trace.Tracer
	WorkerID     string
	Retry        RetryPolicy
	Lease        time.Duration
	MaxSteps     int
	SweepBatch   int
}

// Engine is the scheduler: the single writer of execution state.
type Engine struct {
	logger     *slog.Logger
	flows      persistence.FlowRepository
	executions persistence.ExecutionRepository
	wakes      persistence.WakeScheduler
	executor   *Executor
	matcher    *TriggerMatcher
	publisher  eventbus.EventPublisher
	dispatcher Dispatcher
	clock      clock.PassiveClock
	tracer     trace.Tracer
	workerID   string
	retry      RetryPolicy
	lease      time.Duration
	maxSteps   int
	sweepBatch int
	locks      conversationLocks
}

func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("chatflow/engine")
	}

	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}

	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}

	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxStepsPerDrive
	}

	if opts.SweepBatch <= 0 {
		opts.SweepBatch = DefaultSweepBatch
	}

	e := &Engine{
		logger:     opts.Logger.With("module", "engine", "worker_id", opts.WorkerID),
		flows:      opts.Persistence.FlowRepository(),
		executions: opts.Persistence.ExecutionRepository(),
		wakes:      opts.Persistence.WakeScheduler(),
		executor:   NewExecutor(opts.Logger, opts.Registry, opts.Capabilities, opts.Clock, opts.Tracer),
		matcher:    NewTriggerMatcher(),
		publisher:  opts.Publisher,
		clock:      opts.Clock,
		tracer:     opts.Tracer,
		workerID:   opts.WorkerID,
		retry:      opts.Retry,
		lease:      opts.Lease,
		maxSteps:   opts.MaxSteps,
		sweepBatch: opts.SweepBatch,
	}

	e.dispatcher = NewInlineDispatcher(e)

	return e
}

// UseDispatcher replaces the default inline dispatcher.
func (e *Engine) UseDispatcher(dispatcher Dispatcher) {
	e.dispatcher = dispatcher
}

// StartExecution starts an active flow version for a conversation, applying the flow's
// re-entry policy when the conversation already has an active run of the lineage.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*StartResult, error) {
	flow, err := e.flows.GetByID(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}

	if req.TenantID != "" && req.TenantID != flow.TenantID {
		return nil, fmt.Errorf("%w: %s", ErrTenantMismatch, flow.ID)
	}

	if !flow.AcceptsExecutions() {
		return nil, fmt.Errorf("%w: %s is %s", ErrFlowNotActive, flow.ID, flow.Status)
	}

	unlock := e.locks.lock(flow.TenantID, req.ConversationID)
	defer unlock()

	return e.start(ctx, flow, req.ConversationID, req.ContactID, req.InitialContext)
}

// ResumeExecution delivers a wake event to a waiting execution. An event without a wake ID
// targets the current wake condition.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string, event models.WakeEvent) error {
	exec, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if exec.Status != models.ExecutionWaiting || exec.Wake == nil {
		return fmt.Errorf("%w: %s is %s", ErrExecutionNotWaiting, exec.ID, exec.Status)
	}

	if event.WakeID == "" {
		event.WakeID = exec.Wake.ID
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock.Now()
	}

	if !exec.Wake.Accepts(event, e.clock.Now()) {
		return fmt.Errorf("%w: %s waits for %s", ErrWakeEventMismatch, exec.ID, exec.Wake.Kind)
	}

	return e.dispatcher.Dispatch(ctx, WorkItem{ExecutionID: exec.ID, TenantID: exec.TenantID, Event: &event})
}

// GetExecution returns the stored execution for replay and audit.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.executions.GetByID(ctx, executionID)
}

// ListExecutions returns the most recent executions of a flow version.
func (e *Engine) ListExecutions(ctx context.Context, flowID string, limit int) ([]*models.Execution, error) {
	return e.executions.ListByFlow(ctx, flowID, limit)
}

// CancelExecution cancels a pending or waiting execution immediately. A running execution
// is flagged and cancelled by its worker at the next suspension; if it reaches a terminal
// node first that outcome stands.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	exec, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if exec.Status.IsTerminal() {
		return exec, nil
	}

	status, err := e.executions.RequestCancel(ctx, executionID, e.clock.Now())
	if err != nil {
		return nil, err
	}

	if status == models.ExecutionCancelled {
		e.afterCancel(ctx, exec, true)
	}

	return e.executions.GetByID(ctx, executionID)
}

// HandleInboundEvent resolves an inbound event: waiting executions of the conversation
// are resumed first, and only when none consumed the event are flows started.
func (e *Engine) HandleInboundEvent(ctx context.Context, event models.InboundEvent) (*InboundResult, error) {
	if event.TenantID == "" || event.ConversationID == "" {
		return nil, fmt.Errorf("%w: tenant and conversation are required", ErrInvalidInboundEvent)
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock.Now()
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.inbound",
		attribute.String(otelhelper.TenantIDKey, event.TenantID),
		attribute.String(otelhelper.ConversationIDKey, event.ConversationID),
		attribute.String(otelhelper.EventKindKey, string(event.Kind)),
	)
	defer span.End()

	unlock := e.locks.lock(event.TenantID, event.ConversationID)
	defer unlock()

	result := &InboundResult{}

	if wake, ok := event.WakeEvent(); ok {
		consumed, resumed, err := e.resumeWaiting(ctx, event, wake)
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		result.Consumed = consumed
		result.Resumed = resumed

		if consumed {
			return result, nil
		}
	}

	flows, err := e.flows.ActiveByTenant(ctx, event.TenantID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to load active flows: %w", err)
	}

	for _, flow := range e.matcher.Match(event, flows) {
		started, err := e.start(ctx, flow, event.ConversationID, event.ContactID, triggerContext(event))
		if err != nil {
			otelhelper.SetError(span, err)

			return result, err
		}

		result.Started = append(result.Started, *started)
	}

	return result, nil
}

// resumeWaiting delivers the event to every waiting execution of the conversation that
// awaits a reply or a button. Any such execution consumes the event, even if its condition
// rejects it, so free text sent while buttons are shown never starts another flow.
func (e *Engine) resumeWaiting(
	ctx context.Context,
	event models.InboundEvent,
	wake models.WakeEvent,
) (bool, []string, error) {
	waiting, err := e.executions.WaitingForConversation(ctx, event.TenantID, event.ConversationID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to load waiting executions: %w", err)
	}

	if len(waiting) == 0 {
		return false, nil, nil
	}

	now := e.clock.Now()

	var resumed []string

	for _, exec := range waiting {
		delivery := wake
		delivery.WakeID = exec.Wake.ID

		if !exec.Wake.Accepts(delivery, now) {
			e.logger.DebugContext(ctx, "Inbound event ignored by waiting execution",
				"execution_id", exec.ID,
				"wake_kind", exec.Wake.Kind,
				"event_kind", event.Kind,
			)

			continue
		}

		err := e.dispatcher.Dispatch(ctx, WorkItem{ExecutionID: exec.ID, TenantID: exec.TenantID, Event: &delivery})
		if err != nil {
			return true, resumed, fmt.Errorf("failed to dispatch execution %s: %w", exec.ID, err)
		}

		resumed = append(resumed, exec.ID)
	}

	return true, resumed, nil
}

func triggerContext(event models.InboundEvent) map[string]any {
	trigger := map[string]any{
		"kind":        string(event.Kind),
		"event_id":    event.ID,
		"occurred_at": event.OccurredAt.Format(time.RFC3339),
	}

	if event.Text != "" {
		trigger["text"] = event.Text
	}

	if event.ButtonID != "" {
		trigger["button_id"] = event.ButtonID
	}

	initial := models.CloneMap(event.Payload)
	if initial == nil {
		initial = make(map[string]any)
	}

	initial["trigger"] = trigger

	return initial
}

// start creates an execution for flow, resolving re-entry against the conversation's
// active run of the same lineage. Callers hold the conversation lock.
func (e *Engine) start(
	ctx context.Context,
	flow *models.FlowDefinition,
	conversationID string,
	contactID *string,
	initialContext map[string]any,
) (*StartResult, error) {
	result := &StartResult{FlowID: flow.ID}

	head, err := e.activeHead(ctx, flow.LineageID, conversationID)
	if err != nil {
		return nil, err
	}

	if head == nil {
		exec := e.newExecution(flow, conversationID, contactID, initialContext, false)

		createErr := e.executions.Create(ctx, exec)
		if createErr == nil {
			result.ExecutionID = exec.ID
			result.Disposition = DispositionStarted

			return result, e.launch(ctx, exec, flow, result.Disposition)
		}

		if !errors.Is(createErr, persistence.ErrActiveExecutionExists) {
			return nil, fmt.Errorf("failed to create execution: %w", createErr)
		}

		// Another process won the slot between the lookup and the insert.
		head, err = e.activeHead(ctx, flow.LineageID, conversationID)
		if err != nil {
			return nil, err
		}

		if head == nil {
			return nil, fmt.Errorf("failed to create execution: %w", createErr)
		}
	}

	result.ActiveExecutionID = head.ID

	switch flow.EffectiveReentryPolicy() {
	case models.ReentryQueue:
		return e.enqueue(ctx, flow, conversationID, contactID, initialContext, result)
	case models.ReentryRestart:
		return e.restart(ctx, flow, head, conversationID, contactID, initialContext, result)
	default:
		result.Disposition = DispositionSkipped

		e.logger.InfoContext(ctx, "Flow already active for conversation, skipping",
			"flow_id", flow.ID,
			"conversation_id", conversationID,
			"active_execution_id", head.ID,
		)

		return result, nil
	}
}

func (e *Engine) activeHead(ctx context.Context, lineageID, conversationID string) (*models.Execution, error) {
	head, err := e.executions.ActiveForConversation(ctx, lineageID, conversationID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to load active execution: %w", err)
	}

	return head, nil
}

func (e *Engine) enqueue(
	ctx context.Context,
	flow *models.FlowDefinition,
	conversationID string,
	contactID *string,
	initialContext map[string]any,
	result *StartResult,
) (*StartResult, error) {
	exec := e.newExecution(flow, conversationID, contactID, initialContext, true)

	err := e.executions.Create(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to queue execution: %w", err)
	}

	result.ExecutionID = exec.ID
	result.Disposition = DispositionQueued

	e.publish(ctx, exec.ConversationID, events.ExecutionStarted{
		BaseEvent:    e.baseEvent(events.ExecutionStartedEvent, exec.TenantID),
		ExecutionRef: events.NewExecutionRef(exec, flow),
		Disposition:  string(DispositionQueued),
	})

	return result, nil
}

// restart cancels the head and starts a fresh run. A running head cannot be cancelled
// mid-step, so the new run queues behind it and is promoted once the head stops.
func (e *Engine) restart(
	ctx context.Context,
	flow *models.FlowDefinition,
	head *models.Execution,
	conversationID string,
	contactID *string,
	initialContext map[string]any,
	result *StartResult,
) (*StartResult, error) {
	status, err := e.executions.RequestCancel(ctx, head.ID, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel active execution: %w", err)
	}

	if status == models.ExecutionCancelled {
		e.afterCancel(ctx, head, false)
	}

	exec := e.newExecution(flow, conversationID, contactID, initialContext, status != models.ExecutionCancelled)

	err = e.executions.Create(ctx, exec)
	if errors.Is(err, persistence.ErrActiveExecutionExists) {
		exec.Queued = true
		err = e.executions.Create(ctx, exec)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	result.ExecutionID = exec.ID
	result.Disposition = DispositionRestarted

	if exec.Queued {
		return result, nil
	}

	return result, e.launch(ctx, exec, flow, result.Disposition)
}

func (e *Engine) newExecution(
	flow *models.FlowDefinition,
	conversationID string,
	contactID *string,
	initialContext map[string]any,
	queued bool,
) *models.Execution {
	now := e.clock.Now()

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	contextValue := models.NormalizeContext(initialContext)
	if contextValue == nil {
		contextValue = make(map[string]any)
	}

	var contact *string
	if contactID != nil {
		value := *contactID
		contact = &value
	}

	return &models.Execution{
		ID:             id.String(),
		TenantID:       flow.TenantID,
		FlowID:         flow.ID,
		LineageID:      flow.LineageID,
		ConversationID: conversationID,
		ContactID:      contact,
		Status:         models.ExecutionPending,
		Context:        contextValue,
		Path:           []models.PathEntry{},
		Queued:         queued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (e *Engine) launch(ctx context.Context, exec *models.Execution, flow *models.FlowDefinition, disposition Disposition) error {
	e.logger.InfoContext(ctx, "Execution created",
		"execution_id", exec.ID,
		"flow_id", flow.ID,
		"conversation_id", exec.ConversationID,
		"disposition", disposition,
	)

	e.publish(ctx, exec.ConversationID, events.ExecutionStarted{
		BaseEvent:    e.baseEvent(events.ExecutionStartedEvent, exec.TenantID),
		ExecutionRef: events.NewExecutionRef(exec, flow),
		Disposition:  string(disposition),
	})

	err := e.dispatcher.Dispatch(ctx, WorkItem{ExecutionID: exec.ID, TenantID: exec.TenantID})
	if err != nil {
		return fmt.Errorf("failed to dispatch execution %s: %w", exec.ID, err)
	}

	return nil
}

// afterCancel runs the bookkeeping of an execution that RequestCancel just moved to
// cancelled. promote is false when the caller is about to take the conversation slot.
func (e *Engine) afterCancel(ctx context.Context, exec *models.Execution, promote bool) {
	if exec.Wake != nil && exec.Wake.Deadline != nil {
		e.cancelWake(ctx, exec.ID, exec.Wake.ID)
	}

	e.incrementCounters(ctx, exec.FlowID, models.ExecutionCancelled)

	e.publish(ctx, exec.ConversationID, events.ExecutionCancelled{
		BaseEvent:    e.baseEvent(events.ExecutionCancelledEvent, exec.TenantID),
		ExecutionRef: events.NewExecutionRef(exec, nil),
		NodeID:       exec.CurrentNode(),
	})

	e.logger.InfoContext(ctx, "Execution cancelled", "execution_id", exec.ID)

	if promote {
		e.promoteNext(ctx, exec.LineageID, exec.ConversationID)
	}
}

func (e *Engine) promoteNext(ctx context.Context, lineageID, conversationID string) {
	next, err := e.executions.PromoteNext(ctx, lineageID, conversationID)
	if err != nil {
		if !persistence.IsExecutionNotFound(err) && !errors.Is(err, persistence.ErrActiveExecutionExists) {
			e.logger.ErrorContext(ctx, "Failed to promote queued execution",
				"lineage_id", lineageID,
				"conversation_id", conversationID,
				"error", err,
			)
		}

		return
	}

	e.logger.InfoContext(ctx, "Queued execution promoted", "execution_id", next.ID)

	err = e.dispatcher.Dispatch(ctx, WorkItem{ExecutionID: next.ID, TenantID: next.TenantID})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to dispatch promoted execution", "execution_id", next.ID, "error", err)
	}
}

func (e *Engine) incrementCounters(ctx context.Context, flowID string, status models.ExecutionStatus) {
	delta := models.FlowStats{ExecutionCount: 1}

	switch status {
	case models.ExecutionCompleted:
		delta.SuccessCount = 1
	case models.ExecutionFailed:
		delta.FailureCount = 1
	}

	err := e.flows.IncrementCounters(ctx, flowID, delta)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to increment flow counters", "flow_id", flowID, "error", err)
	}
}

func (e *Engine) cancelWake(ctx context.Context, executionID, wakeID string) {
	err := e.wakes.CancelWake(ctx, executionID, wakeID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to cancel wake", "execution_id", executionID, "wake_id", wakeID, "error", err)
	}
}

func (e *Engine) baseEvent(eventType events.EventType, tenantID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, tenantID)
	base.Timestamp = e.clock.Now()
	base.WorkerID = e.workerID

	return base
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// conversationLocks serializes inbound handling per conversation inside one process.
// Cross-process safety comes from the claim and the unique active slot in storage.
type conversationLocks struct {
	stripes [64]sync.Mutex
}

func (l *conversationLocks) lock(tenantID, conversationID string) func() {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(tenantID))
	_, _ = hash.Write([]byte{0})
	_, _ = hash.Write([]byte(conversationID))

	stripe := &l.stripes[hash.Sum32()%uint32(len(l.stripes))]
	stripe.Lock()

	return stripe.Unlock
}
