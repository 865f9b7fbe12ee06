package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/mocks"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type harness struct {
	engine    *Engine
	store     *memory.Persistence
	clock     *clocktesting.FakeClock
	messenger *mocks.MockMessenger
	http      *mocks.MockHTTPCaller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test wrap the memory store the engine writes through.
func newHarnessWith(t *testing.T, wrap func(*memory.Persistence) persistence.Persistence) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := memory.NewPersistence()
	fakeClock := clocktesting.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	messenger := &mocks.MockMessenger{}
	httpCaller := &mocks.MockHTTPCaller{}

	var engineStore persistence.Persistence = store
	if wrap != nil {
		engineStore = wrap(store)
	}

	engine := NewEngine(Options{
		Logger:      logger,
		Persistence: engineStore,
		Registry:    registry.NewDefaultRegistry(logger),
		Capabilities: Capabilities{
			Messenger: messenger,
			HTTP:      httpCaller,
		},
		Clock:    fakeClock,
		WorkerID: "worker-test",
	})

	return &harness{engine: engine, store: store, clock: fakeClock, messenger: messenger, http: httpCaller}
}

// activate stores flow as version 1 of its own lineage and activates it.
func (h *harness) activate(t *testing.T, flow *models.FlowDefinition) *models.FlowDefinition {
	t.Helper()

	ctx := context.Background()

	if flow.TenantID == "" {
		flow.TenantID = "tenant-1"
	}

	if flow.LineageID == "" {
		flow.LineageID = flow.ID
	}

	if flow.Version == 0 {
		flow.Version = 1
	}

	if flow.TriggerConfig.Type == "" {
		flow.TriggerConfig = models.TriggerConfig{Type: models.TriggerAPI}
	}

	flow.Status = models.FlowStatusDraft
	flow.CreatedAt = h.clock.Now()
	flow.UpdatedAt = h.clock.Now()

	require.NoError(t, h.store.FlowRepository().Save(ctx, flow))
	require.NoError(t, h.store.FlowRepository().Activate(ctx, flow.ID, h.clock.Now()))

	stored, err := h.store.FlowRepository().GetByID(ctx, flow.ID)
	require.NoError(t, err)

	return stored
}

func (h *harness) start(t *testing.T, flowID, conversationID string, initial map[string]any) *StartResult {
	t.Helper()

	result, err := h.engine.StartExecution(context.Background(), StartRequest{
		FlowID:         flowID,
		ConversationID: conversationID,
		InitialContext: initial,
	})
	require.NoError(t, err)

	return result
}

func (h *harness) execution(t *testing.T, id string) *models.Execution {
	t.Helper()

	exec, err := h.engine.GetExecution(context.Background(), id)
	require.NoError(t, err)

	return exec
}

func (h *harness) advance(t *testing.T, d time.Duration) int {
	t.Helper()

	h.clock.Step(d)

	swept, err := h.engine.SweepWakes(context.Background())
	require.NoError(t, err)

	return swept
}

func node(id, nodeType string, config map[string]any, edges map[string]string) *models.Node {
	return &models.Node{ID: id, Type: nodeType, Config: config, Edges: edges}
}

func waitForReplyFlow(id string, policy models.ReentryPolicy) *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:            id,
		Name:          "Ask name",
		EntryNodeID:   "start",
		ReentryPolicy: policy,
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "ask"}),
			node("ask", "input", map[string]any{"variable": "name"}, map[string]string{"received": "end", "timeout": "gave_up"}),
			node("end", "end", nil, nil),
			node("gave_up", "end", map[string]any{"outcome": "timed_out"}, nil),
		},
	}
}

func outcomes(exec *models.Execution) []string {
	out := make([]string, 0, len(exec.Path))
	for _, entry := range exec.Path {
		out = append(out, entry.NodeID+":"+entry.Outcome)
	}

	return out
}

func assertTerminal(t *testing.T, exec *models.Execution, status models.ExecutionStatus) {
	t.Helper()

	assert.Equal(t, status, exec.Status)
	assert.Nil(t, exec.CurrentNodeID)
	assert.Nil(t, exec.Wake)
	assert.NotNil(t, exec.CompletedAt)
}

func TestEngine_MessageDelayEnd(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "welcome",
		Name:        "Welcome",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "hello"}),
			node("hello", "message", map[string]any{"text": "Hello {{ .name }}"}, map[string]string{"next": "pause"}),
			node("pause", "delay", map[string]any{"duration": "5s"}, map[string]string{"next": "end"}),
			node("end", "end", nil, nil),
		},
	})

	h.messenger.On("SendMessage", mock.Anything, mock.MatchedBy(func(m models.OutboundMessage) bool {
		return m.Text == "Hello Ana" && m.ConversationID == "conv-1"
	})).Return(nil).Once()

	result := h.start(t, flow.ID, "conv-1", map[string]any{"name": "Ana"})
	assert.Equal(t, DispositionStarted, result.Disposition)

	exec := h.execution(t, result.ExecutionID)
	assert.Equal(t, models.ExecutionWaiting, exec.Status)
	assert.Equal(t, "pause", exec.CurrentNode())
	require.NotNil(t, exec.Wake)
	assert.Equal(t, models.WakeTimer, exec.Wake.Kind)
	assert.Equal(t, h.clock.Now().Add(5*time.Second), *exec.Wake.Deadline)

	assert.Equal(t, 0, h.advance(t, 4*time.Second))
	assert.Equal(t, models.ExecutionWaiting, h.execution(t, exec.ID).Status)

	assert.Equal(t, 1, h.advance(t, time.Second))

	exec = h.execution(t, exec.ID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.Equal(t, []string{"start:next", "hello:next", "pause:suspended", "pause:next", "end:success"}, outcomes(exec))
	assert.Equal(t, "Ana", exec.Context["name"])

	stored, err := h.store.FlowRepository().GetByID(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ExecutionCount)
	assert.Equal(t, int64(1), stored.SuccessCount)

	h.messenger.AssertExpectations(t)
}

func TestEngine_ConditionOnAge(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "age-gate",
		Name:        "Age gate",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "check"}),
			node("check", "condition", map[string]any{
				"expression": map[string]any{
					"op":    "gt",
					"left":  map[string]any{"ref": "age"},
					"right": map[string]any{"value": float64(18)},
				},
			}, map[string]string{"true": "adult", "false": "minor"}),
			node("adult", "end", map[string]any{"outcome": "adult"}, nil),
			node("minor", "end", map[string]any{"outcome": "minor"}, nil),
		},
	})

	tests := []struct {
		name    string
		context map[string]any
		want    string
	}{
		{name: "adult", context: map[string]any{"age": float64(20)}, want: "adult"},
		{name: "missing age is false", context: nil, want: "minor"},
		{name: "minor", context: map[string]any{"age": float64(12)}, want: "minor"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.start(t, flow.ID, "conv-age-"+string(rune('a'+i)), tt.context)

			exec := h.execution(t, result.ExecutionID)
			assertTerminal(t, exec, models.ExecutionCompleted)
			require.Len(t, exec.Path, 3)
			assert.Equal(t, tt.want, exec.Path[2].Outcome)
		})
	}

	t.Run("missing field records a warning", func(t *testing.T) {
		result := h.start(t, flow.ID, "conv-age-warn", nil)

		exec := h.execution(t, result.ExecutionID)
		assert.NotEmpty(t, exec.Path[1].Warnings)
	})
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "lookup",
		Name:        "Order lookup",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "api"}),
			node("api", "api", map[string]any{
				"url":              "https://orders.example.com/status",
				"response_mapping": map[string]any{"order_status": "body.status"},
			}, map[string]string{"success": "end", "failure": "sorry"}),
			node("end", "end", nil, nil),
			node("sorry", "end", map[string]any{"outcome": "lookup_failed"}, nil),
		},
	})

	h.http.On("Call", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded).Twice()
	h.http.On("Call", mock.Anything, mock.Anything).Return(&models.HTTPResponse{
		StatusCode: 200,
		Body:       map[string]any{"status": "shipped"},
	}, nil).Once()

	result := h.start(t, flow.ID, "conv-1", nil)

	exec := h.execution(t, result.ExecutionID)
	assert.Equal(t, models.ExecutionWaiting, exec.Status)
	assert.Equal(t, models.WakeRetry, exec.Wake.Kind)
	assert.Equal(t, 1, exec.Retry.Attempts)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), *exec.Wake.Deadline)

	assert.Equal(t, 1, h.advance(t, 2*time.Second))

	exec = h.execution(t, result.ExecutionID)
	assert.Equal(t, models.ExecutionWaiting, exec.Status)
	assert.Equal(t, 2, exec.Retry.Attempts)
	assert.Equal(t, h.clock.Now().Add(4*time.Second), *exec.Wake.Deadline)

	assert.Equal(t, 1, h.advance(t, 4*time.Second))

	exec = h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.Equal(t, "shipped", exec.Context["order_status"])
	assert.Equal(t, []string{"start:next", "api:failed", "api:failed", "api:success", "end:success"}, outcomes(exec))

	attempts := []int{exec.Path[1].Attempt, exec.Path[2].Attempt, exec.Path[3].Attempt}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 0, exec.Retry.Attempts)

	h.http.AssertNumberOfCalls(t, "Call", 3)
}

func TestEngine_RetryCapFailsExecution(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "flaky",
		Name:        "Flaky",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "api"}),
			node("api", "api", map[string]any{"url": "https://x.example.com"}, map[string]string{"success": "end", "failure": "end"}),
			node("end", "end", nil, nil),
		},
	})

	h.http.On("Call", mock.Anything, mock.Anything).Return(&models.HTTPResponse{StatusCode: 503}, nil)

	result := h.start(t, flow.ID, "conv-1", nil)

	h.advance(t, 2*time.Second)
	h.advance(t, 4*time.Second)

	exec := h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionFailed)
	assert.Contains(t, exec.ErrorMessage, string(CodeTransient))
	h.http.AssertNumberOfCalls(t, "Call", 3)

	stored, err := h.store.FlowRepository().GetByID(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.FailureCount)
}

func TestEngine_PermanentFailureFollowsFailureEdge(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "notfound",
		Name:        "Not found",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "api"}),
			node("api", "api", map[string]any{"url": "https://x.example.com"}, map[string]string{"success": "end", "failure": "sorry"}),
			node("end", "end", nil, nil),
			node("sorry", "end", map[string]any{"outcome": "lookup_failed"}, nil),
		},
	})

	h.http.On("Call", mock.Anything, mock.Anything).Return(&models.HTTPResponse{StatusCode: 404}, nil).Once()

	result := h.start(t, flow.ID, "conv-1", nil)

	exec := h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.Equal(t, "lookup_failed", exec.Path[len(exec.Path)-1].Outcome)
	assert.Equal(t, map[string]any{"status_code": float64(404), "headers": map[string]any{}, "body": nil}, exec.Context["api"])
}

func TestEngine_ReplyResumesAndInputTimeout(t *testing.T) {
	h := newHarness(t)
	flow := waitForReplyFlow("ask", models.ReentrySkip)
	flow.Nodes[1].Config["timeout"] = "1m"
	flow = h.activate(t, flow)

	answered := h.start(t, flow.ID, "conv-1", nil)
	silent := h.start(t, flow.ID, "conv-2", nil)

	inbound, err := h.engine.HandleInboundEvent(context.Background(), models.InboundEvent{
		TenantID:       "tenant-1",
		Kind:           models.InboundMessage,
		ConversationID: "conv-1",
		Text:           "Ana",
	})
	require.NoError(t, err)
	assert.True(t, inbound.Consumed)
	assert.Equal(t, []string{answered.ExecutionID}, inbound.Resumed)

	exec := h.execution(t, answered.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.Equal(t, "Ana", exec.Context["name"])

	assert.Equal(t, 1, h.advance(t, time.Minute))

	exec = h.execution(t, silent.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.Equal(t, []string{"start:next", "ask:suspended", "ask:timeout", "gave_up:timed_out"}, outcomes(exec))
}

func TestEngine_SkipReentry(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, waitForReplyFlow("ask", models.ReentrySkip))

	first := h.start(t, flow.ID, "conv-1", nil)
	second := h.start(t, flow.ID, "conv-1", nil)

	assert.Equal(t, DispositionSkipped, second.Disposition)
	assert.Empty(t, second.ExecutionID)
	assert.Equal(t, first.ExecutionID, second.ActiveExecutionID)

	executions, err := h.engine.ListExecutions(context.Background(), flow.ID, 0)
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestEngine_QueueReentry(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, waitForReplyFlow("ask", models.ReentryQueue))

	first := h.start(t, flow.ID, "conv-1", nil)
	second := h.start(t, flow.ID, "conv-1", nil)

	assert.Equal(t, DispositionQueued, second.Disposition)

	queued := h.execution(t, second.ExecutionID)
	assert.Equal(t, models.ExecutionPending, queued.Status)
	assert.True(t, queued.Queued)

	err := h.engine.ResumeExecution(context.Background(), first.ExecutionID, models.WakeEvent{Kind: models.WakeEventReply, Text: "Ana"})
	require.NoError(t, err)

	assertTerminal(t, h.execution(t, first.ExecutionID), models.ExecutionCompleted)

	promoted := h.execution(t, second.ExecutionID)
	assert.False(t, promoted.Queued)
	assert.Equal(t, models.ExecutionWaiting, promoted.Status)
	assert.Equal(t, "ask", promoted.CurrentNode())
}

func TestEngine_RestartReentry(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, waitForReplyFlow("ask", models.ReentryRestart))

	first := h.start(t, flow.ID, "conv-1", nil)
	second := h.start(t, flow.ID, "conv-1", nil)

	assert.Equal(t, DispositionRestarted, second.Disposition)
	assert.Equal(t, first.ExecutionID, second.ActiveExecutionID)

	assertTerminal(t, h.execution(t, first.ExecutionID), models.ExecutionCancelled)

	restarted := h.execution(t, second.ExecutionID)
	assert.Equal(t, models.ExecutionWaiting, restarted.Status)
	assert.False(t, restarted.Queued)
}

func TestEngine_CancelWaiting(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, waitForReplyFlow("ask", models.ReentrySkip))

	result := h.start(t, flow.ID, "conv-1", nil)

	exec, err := h.engine.CancelExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assertTerminal(t, exec, models.ExecutionCancelled)

	due, err := h.store.WakeScheduler().DueWakes(context.Background(), h.clock.Now().Add(48*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	again, err := h.engine.CancelExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.CompletedAt, again.CompletedAt)

	err = h.engine.ResumeExecution(context.Background(), result.ExecutionID, models.WakeEvent{Kind: models.WakeEventReply})
	require.ErrorIs(t, err, ErrExecutionNotWaiting)
}

func TestEngine_CancelWhileRunningAppliesAtSuspension(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "greet-and-ask",
		Name:        "Greet and ask",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "hello"}),
			node("hello", "message", map[string]any{"text": "Hi"}, map[string]string{"next": "ask"}),
			node("ask", "input", nil, map[string]string{"received": "end", "timeout": "end"}),
			node("end", "end", nil, nil),
		},
	})

	var cancelStatus models.ExecutionStatus

	h.messenger.On("SendMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		running, err := h.store.ExecutionRepository().ActiveForConversation(context.Background(), flow.LineageID, "conv-1")
		require.NoError(t, err)

		cancelled, err := h.engine.CancelExecution(context.Background(), running.ID)
		require.NoError(t, err)

		cancelStatus = cancelled.Status
	}).Return(nil).Once()

	result := h.start(t, flow.ID, "conv-1", nil)

	assert.Equal(t, models.ExecutionRunning, cancelStatus)

	exec := h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCancelled)
	assert.Equal(t, []string{"start:next", "hello:next", "ask:suspended"}, outcomes(exec))
}

func TestEngine_ConcurrentResumeClaimsOnce(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, waitForReplyFlow("ask", models.ReentrySkip))

	result := h.start(t, flow.ID, "conv-1", nil)

	var wg sync.WaitGroup

	errs := make([]error, 8)

	for i := range errs {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = h.engine.ResumeExecution(context.Background(), result.ExecutionID, models.WakeEvent{
				Kind: models.WakeEventReply,
				Text: "Ana",
			})
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, ErrExecutionNotWaiting) || errors.Is(err, ErrWakeEventMismatch), err.Error())
		}
	}

	exec := h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.Equal(t, []string{"start:next", "ask:suspended", "ask:received", "end:success"}, outcomes(exec))
}

func TestEngine_DuplicateWakeIsNoop(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, waitForReplyFlow("ask", models.ReentrySkip))

	result := h.start(t, flow.ID, "conv-1", nil)
	waiting := h.execution(t, result.ExecutionID)

	event := models.WakeEvent{WakeID: waiting.Wake.ID, Kind: models.WakeEventReply, Text: "Ana"}
	item := WorkItem{ExecutionID: waiting.ID, TenantID: waiting.TenantID, Event: &event}

	require.NoError(t, h.engine.Process(context.Background(), item))

	done := h.execution(t, result.ExecutionID)
	require.Equal(t, models.ExecutionCompleted, done.Status)

	require.NoError(t, h.engine.Process(context.Background(), item))

	again := h.execution(t, result.ExecutionID)
	assert.Equal(t, done.Version, again.Version)
	assert.Equal(t, done.Path, again.Path)
}

func TestEngine_StaleWakeIDIsRejected(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, waitForReplyFlow("ask", models.ReentrySkip))

	result := h.start(t, flow.ID, "conv-1", nil)

	err := h.engine.ResumeExecution(context.Background(), result.ExecutionID, models.WakeEvent{
		WakeID: "some-old-wake",
		Kind:   models.WakeEventReply,
	})
	require.ErrorIs(t, err, ErrWakeEventMismatch)

	err = h.engine.ResumeExecution(context.Background(), result.ExecutionID, models.WakeEvent{
		Kind:     models.WakeEventButton,
		ButtonID: "yes",
	})
	require.ErrorIs(t, err, ErrWakeEventMismatch)
}

func TestEngine_ButtonWaitConsumesFreeText(t *testing.T) {
	h := newHarness(t)
	h.messenger.On("SendMessage", mock.Anything, mock.Anything).Return(nil)

	survey := h.activate(t, &models.FlowDefinition{
		ID:          "survey",
		Name:        "Survey",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "rate"}),
			node("rate", "button", map[string]any{
				"text": "Did we help?",
				"buttons": []any{
					map[string]any{"id": "yes", "title": "Yes"},
					map[string]any{"id": "no", "title": "No"},
				},
			}, map[string]string{"yes": "end", "no": "end", "timeout": "end"}),
			node("end", "end", nil, nil),
		},
	})
	h.activate(t, &models.FlowDefinition{
		ID:            "hello-bot",
		Name:          "Hello bot",
		EntryNodeID:   "start",
		TriggerConfig: models.TriggerConfig{Type: models.TriggerKeyword, Keywords: []string{"hello"}},
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "end"}),
			node("end", "end", nil, nil),
		},
	})

	result := h.start(t, survey.ID, "conv-1", nil)

	inbound, err := h.engine.HandleInboundEvent(context.Background(), models.InboundEvent{
		TenantID:       "tenant-1",
		Kind:           models.InboundMessage,
		ConversationID: "conv-1",
		Text:           "hello",
	})
	require.NoError(t, err)
	assert.True(t, inbound.Consumed)
	assert.Empty(t, inbound.Resumed)
	assert.Empty(t, inbound.Started)
	assert.Equal(t, models.ExecutionWaiting, h.execution(t, result.ExecutionID).Status)

	inbound, err = h.engine.HandleInboundEvent(context.Background(), models.InboundEvent{
		TenantID:       "tenant-1",
		Kind:           models.InboundButton,
		ConversationID: "conv-1",
		ButtonID:       "yes",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{result.ExecutionID}, inbound.Resumed)

	exec := h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.Equal(t, "yes", exec.Context["rate"])
}

func TestEngine_KeywordTriggerStartsFlow(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:            "pricing",
		Name:          "Pricing",
		EntryNodeID:   "start",
		TriggerConfig: models.TriggerConfig{Type: models.TriggerKeyword, Keywords: []string{"price"}, MatchMode: models.MatchContains},
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "end"}),
			node("end", "end", nil, nil),
		},
	})

	inbound, err := h.engine.HandleInboundEvent(context.Background(), models.InboundEvent{
		ID:             "evt-1",
		TenantID:       "tenant-1",
		Kind:           models.InboundMessage,
		ConversationID: "conv-1",
		Text:           "What is the PRICE today?",
	})
	require.NoError(t, err)
	assert.False(t, inbound.Consumed)
	require.Len(t, inbound.Started, 1)
	assert.Equal(t, flow.ID, inbound.Started[0].FlowID)

	exec := h.execution(t, inbound.Started[0].ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)

	trigger, ok := exec.Context["trigger"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "What is the PRICE today?", trigger["text"])
	assert.Equal(t, "evt-1", trigger["event_id"])

	inbound, err = h.engine.HandleInboundEvent(context.Background(), models.InboundEvent{
		TenantID:       "tenant-2",
		Kind:           models.InboundMessage,
		ConversationID: "conv-9",
		Text:           "price",
	})
	require.NoError(t, err)
	assert.Empty(t, inbound.Started)
}

func TestEngine_StartRequiresActiveFlow(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, waitForReplyFlow("ask", models.ReentrySkip))

	require.NoError(t, h.store.FlowRepository().SetStatus(context.Background(), flow.ID, models.FlowStatusPaused, h.clock.Now()))

	_, err := h.engine.StartExecution(context.Background(), StartRequest{FlowID: flow.ID, ConversationID: "conv-1"})
	require.ErrorIs(t, err, ErrFlowNotActive)

	_, err = h.engine.StartExecution(context.Background(), StartRequest{FlowID: "missing", ConversationID: "conv-1"})
	require.ErrorIs(t, err, persistence.ErrFlowNotFound)
}

func TestEngine_RecoverStale(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "short",
		Name:        "Short",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "end"}),
			node("end", "end", nil, nil),
		},
	})

	ctx := context.Background()
	repo := h.store.ExecutionRepository()

	exec := &models.Execution{
		ID:             "exec-crashed",
		TenantID:       flow.TenantID,
		FlowID:         flow.ID,
		LineageID:      flow.LineageID,
		ConversationID: "conv-1",
		Status:         models.ExecutionPending,
		Context:        map[string]any{},
		CreatedAt:      h.clock.Now(),
		UpdatedAt:      h.clock.Now(),
	}
	require.NoError(t, repo.Create(ctx, exec))

	_, err := repo.Claim(ctx, exec.ID, 0, "worker-dead", flow.EntryNodeID, h.clock.Now())
	require.NoError(t, err)

	h.clock.Step(time.Minute)

	recovered, err := h.engine.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	h.clock.Step(DefaultLease)

	recovered, err = h.engine.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	done := h.execution(t, exec.ID)
	assertTerminal(t, done, models.ExecutionCompleted)
	assert.Equal(t, []string{"start:next", "end:success"}, outcomes(done))
}

func TestEngine_MissingNodeFailsWithGraphCorruption(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "broken",
		Name:        "Broken",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "nowhere"}),
		},
	})

	result := h.start(t, flow.ID, "conv-1", nil)

	exec := h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionFailed)
	assert.Contains(t, exec.ErrorMessage, string(CodeGraphCorruption))
	assert.Equal(t, []string{"start:next", "nowhere:failed"}, outcomes(exec))
}

func TestEngine_LongDriveRenewsClaim(t *testing.T) {
	h := newHarness(t)
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "two-messages",
		Name:        "Two messages",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "first"}),
			node("first", "message", map[string]any{"text": "One"}, map[string]string{"next": "second"}),
			node("second", "message", map[string]any{"text": "Two"}, map[string]string{"next": "end"}),
			node("end", "end", nil, nil),
		},
	})

	var recovered []int

	h.messenger.On("SendMessage", mock.Anything, mock.MatchedBy(func(m models.OutboundMessage) bool {
		return m.Text == "One"
	})).Run(func(mock.Arguments) {
		h.clock.Step(DefaultLease + time.Minute)
	}).Return(nil).Once()

	h.messenger.On("SendMessage", mock.Anything, mock.MatchedBy(func(m models.OutboundMessage) bool {
		return m.Text == "Two"
	})).Run(func(mock.Arguments) {
		n, err := h.engine.RecoverStale(context.Background())
		require.NoError(t, err)

		recovered = append(recovered, n)
	}).Return(nil).Once()

	result := h.start(t, flow.ID, "conv-1", nil)

	assert.Equal(t, []int{0}, recovered)

	exec := h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.Equal(t, []string{"start:next", "first:next", "second:next", "end:success"}, outcomes(exec))

	h.messenger.AssertExpectations(t)
}

var errWakeIndexDown = errors.New("wake index unavailable")

type flakyWakeScheduler struct {
	persistence.WakeScheduler
	failures int
}

func (s *flakyWakeScheduler) ScheduleWake(ctx context.Context, executionID, wakeID string, deadline time.Time) error {
	if s.failures > 0 {
		s.failures--

		return errWakeIndexDown
	}

	return s.WakeScheduler.ScheduleWake(ctx, executionID, wakeID, deadline)
}

type flakyWakePersistence struct {
	*memory.Persistence
	wakes *flakyWakeScheduler
}

func (p *flakyWakePersistence) WakeScheduler() persistence.WakeScheduler {
	return p.wakes
}

func TestEngine_WakeScheduleFailureIsRecovered(t *testing.T) {
	h := newHarnessWith(t, func(store *memory.Persistence) persistence.Persistence {
		return &flakyWakePersistence{
			Persistence: store,
			wakes:       &flakyWakeScheduler{WakeScheduler: store.WakeScheduler(), failures: 1},
		}
	})
	flow := h.activate(t, &models.FlowDefinition{
		ID:          "pause",
		Name:        "Pause",
		EntryNodeID: "start",
		Nodes: []*models.Node{
			node("start", "start", nil, map[string]string{"next": "pause"}),
			node("pause", "delay", map[string]any{"duration": "5s"}, map[string]string{"next": "end"}),
			node("end", "end", nil, nil),
		},
	})

	ctx := context.Background()

	_, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: "conv-1"})
	require.ErrorIs(t, err, errWakeIndexDown)

	executions, err := h.engine.ListExecutions(ctx, flow.ID, 0)
	require.NoError(t, err)
	require.Len(t, executions, 1)

	// never parked as waiting without an indexed wake
	exec := executions[0]
	assert.Equal(t, models.ExecutionRunning, exec.Status)
	assert.Nil(t, exec.Wake)
	assert.Equal(t, "pause", exec.CurrentNode())

	h.clock.Step(DefaultLease + time.Second)

	recovered, err := h.engine.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	exec = h.execution(t, exec.ID)
	assert.Equal(t, models.ExecutionWaiting, exec.Status)
	require.NotNil(t, exec.Wake)
	assert.Equal(t, models.WakeTimer, exec.Wake.Kind)

	assert.Equal(t, 1, h.advance(t, 5*time.Second))
	assertTerminal(t, h.execution(t, exec.ID), models.ExecutionCompleted)
}

func TestEngine_ReplyAfterDeadlineTakesTimeout(t *testing.T) {
	h := newHarness(t)
	flow := waitForReplyFlow("ask", models.ReentrySkip)
	flow.Nodes[1].Config["timeout"] = "1m"
	flow = h.activate(t, flow)

	result := h.start(t, flow.ID, "conv-1", nil)

	// the deadline passes before the sweep runs
	h.clock.Step(time.Minute)

	inbound, err := h.engine.HandleInboundEvent(context.Background(), models.InboundEvent{
		TenantID:       "tenant-1",
		Kind:           models.InboundMessage,
		ConversationID: "conv-1",
		Text:           "Ana",
	})
	require.NoError(t, err)
	assert.True(t, inbound.Consumed)
	assert.Empty(t, inbound.Resumed)

	err = h.engine.ResumeExecution(context.Background(), result.ExecutionID, models.WakeEvent{Kind: models.WakeEventReply, Text: "Ana"})
	require.ErrorIs(t, err, ErrWakeEventMismatch)

	assert.Equal(t, 1, h.advance(t, 0))

	exec := h.execution(t, result.ExecutionID)
	assertTerminal(t, exec, models.ExecutionCompleted)
	assert.NotContains(t, exec.Context, "name")
	assert.Equal(t, []string{"start:next", "ask:suspended", "ask:timeout", "gave_up:timed_out"}, outcomes(exec))
}
