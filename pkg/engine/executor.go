package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/chatflow/pkg/condition"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

// DefaultSideEffectTimeout bounds messaging and mutation calls that carry no timeout of
// their own.
const DefaultSideEffectTimeout = 15 * time.Second

// StepKind is the variant of a StepResult.
type StepKind string

const (
	StepAdvanced  StepKind = "advanced"
	StepSuspended StepKind = "suspended"
	StepCompleted StepKind = "completed"
	StepFailed    StepKind = "failed"
)

// StepResult is the outcome of exactly one node.
type StepResult struct {
	Kind       StepKind
	NextNodeID string
	Wake       models.WakeCondition
	Outcome    string
	Err        *Error
}

// Capabilities are the external collaborators effects are performed through.
type Capabilities struct {
	Messenger     protocol.Messenger
	HTTP          protocol.HTTPCaller
	Conversations protocol.ConversationMutator
	Contacts      protocol.ContactMutator
}

// Executor runs one node per call. It mutates the context and path of the execution it is
// given and never touches persistence; the caller owns retries and state transitions.
type Executor struct {
	logger            *slog.Logger
	registry          *registry.Registry
	capabilities      Capabilities
	clock             clock.PassiveClock
	tracer            trace.Tracer
	sideEffectTimeout time.Duration
}

func NewExecutor(
	logger *slog.Logger,
	registry *registry.Registry,
	capabilities Capabilities,
	clock clock.PassiveClock,
	tracer trace.Tracer,
) *Executor {
	return &Executor{
		logger:            logger.With("module", "executor"),
		registry:          registry,
		capabilities:      capabilities,
		clock:             clock,
		tracer:            tracer,
		sideEffectTimeout: DefaultSideEffectTimeout,
	}
}

// stepRun carries the bookkeeping of one Step call.
type stepRun struct {
	exec    *models.Execution
	node    *models.Node
	entered time.Time
	attempt int
}

// Step dispatches the current node and performs its effect. wake is non-nil only when the
// node is being resumed from its own suspension.
func (x *Executor) Step(
	ctx context.Context,
	exec *models.Execution,
	flow *models.FlowDefinition,
	wake *models.WakeEvent,
) StepResult {
	nodeID := exec.CurrentNode()

	ctx, span := otelhelper.StartSpan(ctx, x.tracer, "engine.step",
		attribute.String(otelhelper.ExecutionIDKey, exec.ID),
		attribute.String(otelhelper.FlowIDKey, flow.ID),
		attribute.String(otelhelper.NodeIDKey, nodeID),
	)
	defer span.End()

	run := &stepRun{
		exec:    exec,
		entered: x.clock.Now(),
		attempt: exec.Retry.Attempts + 1,
	}

	definition, ok := flow.NodeByID(nodeID)
	if !ok {
		run.node = &models.Node{ID: nodeID}

		result := x.fail(run, newError(CodeGraphCorruption, nodeID, fmt.Errorf("node %q not found in flow %s", nodeID, flow.ID)))
		otelhelper.SetError(span, result.Err)

		return result
	}

	run.node = definition
	span.SetAttributes(
		attribute.String(otelhelper.NodeTypeKey, definition.Type),
		attribute.Int(otelhelper.AttemptKey, run.attempt),
	)

	result := x.dispatch(ctx, run, wake)
	if result.Err != nil {
		otelhelper.SetError(span, result.Err, attribute.String(otelhelper.NodeIDKey, nodeID))
	}

	return result
}

func (x *Executor) dispatch(ctx context.Context, run *stepRun, wake *models.WakeEvent) StepResult {
	node, err := x.registry.CreateNode(ctx, run.node)
	if err != nil {
		return x.fail(run, newError(CodeConfiguration, run.node.ID, err))
	}

	effect, err := node.Dispatch(ctx, protocol.StepInput{
		Execution: run.exec.Clone(),
		Wake:      wake,
		Now:       run.entered,
		Attempt:   run.attempt,
	})
	if err != nil {
		return x.fail(run, newError(CodeConfiguration, run.node.ID, err))
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(otelhelper.EffectKindKey, string(effect.Kind())))

	switch e := effect.(type) {
	case models.BranchEffect:
		run.exec.MergeContext(e.ContextPatch)

		return x.follow(run, e.Edge, e.Warnings, "")
	case models.TerminateEffect:
		return x.terminate(run, e)
	case models.SuspendEffect:
		return x.suspend(run, e)
	case models.SendEffect:
		return x.send(ctx, run, e)
	case models.CallEffect:
		return x.call(ctx, run, e)
	case models.MutateEffect:
		return x.mutate(ctx, run, e)
	default:
		return x.fail(run, newError(CodeConfiguration, run.node.ID, fmt.Errorf("unsupported effect %q", effect.Kind())))
	}
}

func (x *Executor) record(run *stepRun, outcome string, warnings []string, errMessage string) {
	run.exec.AppendPath(models.PathEntry{
		NodeID:    run.node.ID,
		NodeType:  run.node.Type,
		EnteredAt: run.entered,
		ExitedAt:  x.clock.Now(),
		Outcome:   outcome,
		Attempt:   run.attempt,
		Warnings:  warnings,
		Error:     errMessage,
	})
}

func (x *Executor) fail(run *stepRun, stepErr *Error) StepResult {
	x.record(run, models.OutcomeFailed, nil, stepErr.Message)

	return StepResult{Kind: StepFailed, Err: stepErr}
}

// follow records the node's outcome and resolves the edge. errMessage is kept on the path
// entry when an error edge is taken.
func (x *Executor) follow(run *stepRun, label string, warnings []string, errMessage string) StepResult {
	target, ok := run.node.Edges[label]
	if !ok || target == "" {
		return x.fail(run, newError(CodeGraphCorruption, run.node.ID, fmt.Errorf("node has no %q edge", label)))
	}

	x.record(run, label, warnings, errMessage)

	return StepResult{Kind: StepAdvanced, NextNodeID: target}
}

func (x *Executor) terminate(run *stepRun, effect models.TerminateEffect) StepResult {
	outcome := effect.Outcome
	if outcome == "" {
		outcome = models.OutcomeSuccess
	}

	x.record(run, outcome, nil, "")

	return StepResult{Kind: StepCompleted, Outcome: outcome}
}

func (x *Executor) suspend(run *stepRun, effect models.SuspendEffect) StepResult {
	wake := effect.Wake.Clone()
	wake.ID = uuid.NewString()
	wake.NodeID = run.node.ID
	wake.ConversationID = run.exec.ConversationID

	x.record(run, models.OutcomeSuspended, nil, "")

	return StepResult{Kind: StepSuspended, Wake: wake}
}

func (x *Executor) send(ctx context.Context, run *stepRun, effect models.SendEffect) StepResult {
	if x.capabilities.Messenger == nil {
		return x.fail(run, newError(CodeConfiguration, run.node.ID, errors.New("no messaging capability configured")))
	}

	callCtx, cancel := context.WithTimeout(ctx, x.sideEffectTimeout)
	defer cancel()

	var err error
	if effect.Message.IsTemplate() {
		err = x.capabilities.Messenger.SendTemplate(callCtx, effect.Message)
	} else {
		err = x.capabilities.Messenger.SendMessage(callCtx, effect.Message)
	}

	if err != nil {
		if IsTransient(err) {
			return x.fail(run, newError(CodeTransient, run.node.ID, err))
		}

		if effect.ErrorEdge != "" {
			return x.follow(run, effect.ErrorEdge, nil, err.Error())
		}

		return x.fail(run, newError(CodeExternal, run.node.ID, err))
	}

	run.exec.MergeContext(effect.ContextPatch)

	if effect.Then != nil {
		return x.suspend(run, *effect.Then)
	}

	return x.follow(run, effect.Edge, nil, "")
}

func (x *Executor) call(ctx context.Context, run *stepRun, effect models.CallEffect) StepResult {
	if x.capabilities.HTTP == nil {
		return x.fail(run, newError(CodeConfiguration, run.node.ID, errors.New("no HTTP capability configured")))
	}

	timeout := effect.Request.Timeout
	if timeout <= 0 {
		timeout = x.sideEffectTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := x.capabilities.HTTP.Call(callCtx, effect.Request)
	if err != nil {
		if IsTransient(err) {
			return x.fail(run, newError(CodeTransient, run.node.ID, err))
		}

		run.exec.MergeContext(map[string]any{
			effect.ResultKey: map[string]any{"error": err.Error()},
		})

		return x.follow(run, effect.FailureEdge, nil, err.Error())
	}

	if response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests {
		return x.fail(run, newError(CodeTransient, run.node.ID, fmt.Errorf("upstream responded %d", response.StatusCode)))
	}

	run.exec.MergeContext(responsePatch(effect, response))

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return x.follow(run, effect.SuccessEdge, nil, "")
	}

	return x.follow(run, effect.FailureEdge, nil, fmt.Sprintf("upstream responded %d", response.StatusCode))
}

// responsePatch stores the response under the result key and copies mapped fields into
// their own context keys. Mapping paths are rooted at "status_code", "headers" or "body".
func responsePatch(effect models.CallEffect, response *models.HTTPResponse) map[string]any {
	headers := make(map[string]any, len(response.Headers))
	for key, value := range response.Headers {
		headers[key] = value
	}

	result := map[string]any{
		"status_code": response.StatusCode,
		"headers":     headers,
		"body":        response.Body,
	}

	patch := map[string]any{effect.ResultKey: result}

	for contextKey, path := range effect.ResponseMapping {
		if value, ok := condition.Lookup(result, path); ok {
			patch[contextKey] = value
		}
	}

	return patch
}

func (x *Executor) mutate(ctx context.Context, run *stepRun, effect models.MutateEffect) StepResult {
	callCtx, cancel := context.WithTimeout(ctx, x.sideEffectTimeout)
	defer cancel()

	if effect.Conversation != nil {
		if x.capabilities.Conversations == nil {
			return x.fail(run, newError(CodeConfiguration, run.node.ID, errors.New("no conversation capability configured")))
		}

		err := x.capabilities.Conversations.MutateConversation(callCtx, run.exec.TenantID, run.exec.ConversationID, *effect.Conversation)
		if err != nil {
			return x.externalFailure(run, err)
		}
	}

	if effect.ContactTags != nil {
		if x.capabilities.Contacts == nil {
			return x.fail(run, newError(CodeConfiguration, run.node.ID, errors.New("no contact capability configured")))
		}

		if run.exec.ContactID == nil {
			return x.fail(run, newError(CodeExternal, run.node.ID, ErrMissingContact))
		}

		err := x.capabilities.Contacts.MutateContactTags(callCtx, run.exec.TenantID, *run.exec.ContactID, *effect.ContactTags)
		if err != nil {
			return x.externalFailure(run, err)
		}
	}

	run.exec.MergeContext(effect.ContextPatch)

	return x.follow(run, effect.Edge, nil, "")
}

func (x *Executor) externalFailure(run *stepRun, err error) StepResult {
	if IsTransient(err) {
		return x.fail(run, newError(CodeTransient, run.node.ID, err))
	}

	return x.fail(run, newError(CodeExternal, run.node.ID, err))
}
