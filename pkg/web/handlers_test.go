package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/mocks"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/dukex/chatflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func setupTestApp(t *testing.T) (*fiber.App, *mocks.MockMessenger) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := memory.NewPersistence()
	clk := clocktesting.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := registry.NewDefaultRegistry(logger)
	validate := validator.New(validator.WithRequiredStructEnabled())
	messenger := &mocks.MockMessenger{}

	flowService := services.NewFlow(store, services.NewGraphValidator(reg, validate), clk)
	eng := engine.NewEngine(engine.Options{
		Logger:       logger,
		Persistence:  store,
		Registry:     reg,
		Capabilities: engine.Capabilities{Messenger: messenger},
		Clock:        clk,
		WorkerID:     "api-test",
	})

	handlers := web.NewAPIHandlers(flowService, eng, validate, reg)

	app := fiber.New()
	app.Get("/health", handlers.HealthCheck)
	handlers.RegisterRoutes(app)

	return app, messenger
}

func askNameFlow() web.CreateFlowRequest {
	return web.CreateFlowRequest{
		TenantID: "tenant-1",
		FlowContent: web.FlowContent{
			Name:        "Ask name",
			EntryNodeID: "start",
			TriggerConfig: models.TriggerConfig{
				Type:     models.TriggerKeyword,
				Keywords: []string{"hi"},
			},
			Nodes: []*models.Node{
				{ID: "start", Type: "start", Edges: map[string]string{"next": "ask"}},
				{ID: "ask", Type: "input", Config: map[string]any{"variable": "name"}, Edges: map[string]string{"received": "end", "timeout": "end"}},
				{ID: "end", Type: "end"},
			},
		},
	}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			reader = bytes.NewBufferString(raw)
		} else {
			encoded, err := json.Marshal(body)
			require.NoError(t, err)

			reader = bytes.NewBuffer(encoded)
		}
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, payload
}

func createActiveFlow(t *testing.T, app *fiber.App) models.FlowDefinition {
	t.Helper()

	resp, body := doJSON(t, app, http.MethodPost, "/flows", askNameFlow())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var flow models.FlowDefinition
	require.NoError(t, json.Unmarshal(body, &flow))

	resp, body = doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &flow))

	return flow
}

func TestAPIHandlers_CreateFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name:           "successful creation",
			requestBody:    askNameFlow(),
			expectedStatus: http.StatusCreated,
		},
		{
			name: "validation error - missing tenant",
			requestBody: func() web.CreateFlowRequest {
				req := askNameFlow()
				req.TenantID = ""

				return req
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "validation error - name too short",
			requestBody: func() web.CreateFlowRequest {
				req := askNameFlow()
				req.Name = "Hi"

				return req
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "validation error - unknown reentry policy",
			requestBody: func() web.CreateFlowRequest {
				req := askNameFlow()
				req.ReentryPolicy = "sometimes"

				return req
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			requestBody:    "invalid-json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp, body := doJSON(t, app, http.MethodPost, "/flows", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode, string(body))

			if tt.expectedStatus != http.StatusCreated {
				return
			}

			var flow models.FlowDefinition
			require.NoError(t, json.Unmarshal(body, &flow))
			assert.NotEmpty(t, flow.ID)
			assert.Equal(t, "tenant-1", flow.TenantID)
			assert.Equal(t, models.FlowStatusDraft, flow.Status)
			assert.Equal(t, 1, flow.Version)
			assert.Len(t, flow.Nodes, 3)
		})
	}
}

func TestAPIHandlers_ActivateInvalidGraph(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	req := askNameFlow()
	req.Nodes[1].Edges = map[string]string{"received": "nowhere"}

	resp, body := doJSON(t, app, http.MethodPost, "/flows", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var flow models.FlowDefinition
	require.NoError(t, json.Unmarshal(body, &flow))

	resp, body = doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/activate", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem struct {
		Type   string   `json:"type"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "invalid_graph", problem.Type)
	assert.Contains(t, problem.Errors, `node ask: edge target does not exist: "received" -> "nowhere"`)
	assert.Contains(t, problem.Errors, "node end: node is not reachable from the entry node")

	resp, _ = doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/validate", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_FlowLifecycle(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	flow := createActiveFlow(t, app)
	assert.Equal(t, models.FlowStatusActive, flow.Status)

	update := web.UpdateFlowRequest{FlowContent: askNameFlow().FlowContent}
	resp, _ := doJSON(t, app, http.MethodPut, "/flows/"+flow.ID, update)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/versions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var draft models.FlowDefinition
	require.NoError(t, json.Unmarshal(body, &draft))
	assert.Equal(t, 2, draft.Version)
	assert.Equal(t, flow.LineageID, draft.LineageID)

	update.Name = "Ask name again"
	resp, body = doJSON(t, app, http.MethodPut, "/flows/"+draft.ID, update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &draft))
	assert.Equal(t, "Ask name again", draft.Name)

	resp, body = doJSON(t, app, http.MethodGet, "/flows/"+draft.ID+"/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var versions []models.FlowDefinition
	require.NoError(t, json.Unmarshal(body, &versions))
	assert.Len(t, versions, 2)

	resp, body = doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &flow))
	assert.Equal(t, models.FlowStatusPaused, flow.Status)

	start := web.StartExecutionRequest{ConversationID: "conv-1"}
	resp, _ = doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/executions", start)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/archive", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodGet, "/flows?tenant_id=tenant-1&status=archived", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed struct {
		Flows []models.FlowDefinition `json:"flows"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed.Flows, 1)
	assert.Equal(t, flow.ID, listed.Flows[0].ID)
}

func TestAPIHandlers_ExecutionRoundTrip(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	flow := createActiveFlow(t, app)

	start := web.StartExecutionRequest{ConversationID: "conv-1", Context: map[string]any{"source": "api"}}
	resp, body := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/executions", start)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var started engine.StartResult
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, engine.DispositionStarted, started.Disposition)

	resp, body = doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/executions", start)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var skipped engine.StartResult
	require.NoError(t, json.Unmarshal(body, &skipped))
	assert.Equal(t, engine.DispositionSkipped, skipped.Disposition)
	assert.Equal(t, started.ExecutionID, skipped.ActiveExecutionID)

	resp, body = doJSON(t, app, http.MethodGet, "/executions/"+started.ExecutionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var exec models.Execution
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, models.ExecutionWaiting, exec.Status)
	require.NotNil(t, exec.CurrentNodeID)
	assert.Equal(t, "ask", *exec.CurrentNodeID)

	resp, _ = doJSON(t, app, http.MethodPost, "/executions/"+started.ExecutionID+"/resume",
		web.ResumeExecutionRequest{Kind: "button", ButtonID: "yes"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/executions/"+started.ExecutionID+"/resume",
		web.ResumeExecutionRequest{Kind: "reply", Text: "Ada"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodGet, "/executions/"+started.ExecutionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Nil(t, exec.CurrentNodeID)
	assert.Equal(t, "Ada", exec.Context["name"])
	assert.Equal(t, "api", exec.Context["source"])

	resp, _ = doJSON(t, app, http.MethodPost, "/executions/"+started.ExecutionID+"/resume",
		web.ResumeExecutionRequest{Kind: "reply", Text: "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodGet, "/flows/"+flow.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed struct {
		Executions []models.Execution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	assert.Len(t, listed.Executions, 1)

	resp, body = doJSON(t, app, http.MethodGet, "/flows/"+flow.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &flow))
	assert.Equal(t, int64(1), flow.ExecutionCount)
	assert.Equal(t, int64(1), flow.SuccessCount)
}

func TestAPIHandlers_InboundEventAndCancel(t *testing.T) {
	t.Parallel()

	app, messenger := setupTestApp(t)
	flow := createActiveFlow(t, app)

	event := models.InboundEvent{
		TenantID:       "tenant-1",
		Kind:           models.InboundMessage,
		ConversationID: "conv-7",
		Text:           "hi",
	}

	resp, body := doJSON(t, app, http.MethodPost, "/events", event)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var result engine.InboundResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Consumed)
	require.Len(t, result.Started, 1)
	assert.Equal(t, flow.ID, result.Started[0].FlowID)

	executionID := result.Started[0].ExecutionID

	resp, body = doJSON(t, app, http.MethodPost, "/executions/"+executionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var exec models.Execution
	require.NoError(t, json.Unmarshal(body, &exec))
	assert.Equal(t, models.ExecutionCancelled, exec.Status)
	assert.NotNil(t, exec.CompletedAt)

	resp, _ = doJSON(t, app, http.MethodPost, "/events", models.InboundEvent{Kind: models.InboundMessage})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	messenger.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestAPIHandlers_NotFound(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	for _, path := range []string{"/flows/missing", "/executions/missing", "/flows/missing/executions"} {
		resp, body := doJSON(t, app, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Contains(t, string(body), "not_found", path)
	}
}

func TestAPIHandlers_NodeTypesAndHealth(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/node-types", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var nodeTypes []web.NodeTypeResponse
	require.NoError(t, json.Unmarshal(body, &nodeTypes))

	types := make([]string, 0, len(nodeTypes))
	for _, nodeType := range nodeTypes {
		types = append(types, nodeType.Type)
	}

	assert.Contains(t, types, "start")
	assert.Contains(t, types, "input")
	assert.Contains(t, types, "webhook")

	resp, body = doJSON(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)
}
