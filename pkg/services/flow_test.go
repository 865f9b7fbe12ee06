package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/mocks"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func newFlowService(t *testing.T) (*Flow, *clocktesting.FakePassiveClock) {
	t.Helper()

	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := registry.NewDefaultRegistry(slog.Default())

	return NewFlow(memory.NewPersistence(), NewGraphValidator(reg, nil), clk), clk
}

func greetingFlow() *models.FlowDefinition {
	return &models.FlowDefinition{
		TenantID:    "tenant-1",
		Name:        "Greeting",
		EntryNodeID: "start",
		TriggerConfig: models.TriggerConfig{
			Type:     models.TriggerKeyword,
			Keywords: []string{"hello"},
		},
		Nodes: []*models.Node{
			{ID: "start", Type: "start", Edges: map[string]string{"next": "hi"}},
			{ID: "hi", Type: "message", Config: map[string]any{"text": "Hi there"}, Edges: map[string]string{"next": "end"}},
			{ID: "end", Type: "end"},
		},
	}
}

func TestFlow_CreateStartsDraftLineage(t *testing.T) {
	service, _ := newFlowService(t)
	ctx := context.Background()

	flow, err := service.Create(ctx, greetingFlow())
	require.NoError(t, err)

	assert.NotEmpty(t, flow.ID)
	assert.Equal(t, flow.ID, flow.LineageID)
	assert.Equal(t, 1, flow.Version)
	assert.Equal(t, models.FlowStatusDraft, flow.Status)
	assert.Nil(t, flow.ParentFlowID)

	stored, err := service.Get(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, flow, stored)
}

func TestFlow_CreateRequiresHeader(t *testing.T) {
	service, _ := newFlowService(t)
	ctx := context.Background()

	flow := greetingFlow()
	flow.Name = ""
	_, err := service.Create(ctx, flow)
	require.ErrorIs(t, err, ErrFlowNameRequired)
	assert.True(t, IsValidationError(err))

	flow = greetingFlow()
	flow.TenantID = ""
	_, err = service.Create(ctx, flow)
	require.ErrorIs(t, err, ErrTenantRequired)

	flow = greetingFlow()
	flow.ReentryPolicy = "sometimes"
	_, err = service.Create(ctx, flow)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFlow_UpdateOnlyDrafts(t *testing.T) {
	service, clk := newFlowService(t)
	ctx := context.Background()

	flow, err := service.Create(ctx, greetingFlow())
	require.NoError(t, err)

	clk.SetTime(clk.Now().Add(time.Minute))

	changes := greetingFlow()
	changes.Name = "Greeting v1"
	changes.TenantID = "someone-else"

	updated, err := service.Update(ctx, flow.ID, changes)
	require.NoError(t, err)
	assert.Equal(t, "Greeting v1", updated.Name)
	assert.Equal(t, "tenant-1", updated.TenantID)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	_, err = service.Activate(ctx, flow.ID)
	require.NoError(t, err)

	_, err = service.Update(ctx, flow.ID, changes)
	require.ErrorIs(t, err, ErrFlowNotDraft)
	assert.True(t, IsConflictError(err))
}

func TestFlow_NewVersionActivationArchivesPrevious(t *testing.T) {
	service, _ := newFlowService(t)
	ctx := context.Background()

	v1, err := service.Create(ctx, greetingFlow())
	require.NoError(t, err)

	v1, err = service.Activate(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusActive, v1.Status)
	assert.NotNil(t, v1.ActivatedAt)

	v2, err := service.NewVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.LineageID, v2.LineageID)
	require.NotNil(t, v2.ParentFlowID)
	assert.Equal(t, v1.ID, *v2.ParentFlowID)
	assert.Equal(t, models.FlowStatusDraft, v2.Status)

	// Branching from v1 again continues the version sequence.
	v3, err := service.NewVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)

	_, err = service.Activate(ctx, v2.ID)
	require.NoError(t, err)

	v1, err = service.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusArchived, v1.Status)

	versions, err := service.Versions(ctx, v3.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []models.FlowStatus{models.FlowStatusArchived, models.FlowStatusActive, models.FlowStatusDraft},
		[]models.FlowStatus{versions[0].Status, versions[1].Status, versions[2].Status})

	_, err = service.Activate(ctx, v1.ID)
	require.ErrorIs(t, err, ErrFlowArchived)
}

func TestFlow_ActivateRejectsInvalidGraph(t *testing.T) {
	service, _ := newFlowService(t)
	ctx := context.Background()

	flow := greetingFlow()
	flow.Nodes[1].Edges = map[string]string{"next": "missing"}

	created, err := service.Create(ctx, flow)
	require.NoError(t, err)

	_, err = service.Activate(ctx, created.ID)
	require.ErrorIs(t, err, ErrInvalidGraph)
	require.ErrorIs(t, err, ErrMissingEdgeTarget)
	require.ErrorIs(t, err, ErrOrphanNode)
	assert.True(t, IsValidationError(err))

	stored, err := service.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusDraft, stored.Status)
}

func TestFlow_PauseAndArchive(t *testing.T) {
	service, _ := newFlowService(t)
	ctx := context.Background()

	flow, err := service.Create(ctx, greetingFlow())
	require.NoError(t, err)

	_, err = service.Pause(ctx, flow.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = service.Activate(ctx, flow.ID)
	require.NoError(t, err)

	paused, err := service.Pause(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPaused, paused.Status)
	assert.False(t, paused.AcceptsExecutions())

	reactivated, err := service.Activate(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusActive, reactivated.Status)

	archived, err := service.Archive(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusArchived, archived.Status)

	_, err = service.Pause(ctx, flow.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFlow_List(t *testing.T) {
	service, clk := newFlowService(t)
	ctx := context.Background()

	for _, tenant := range []string{"tenant-1", "tenant-1", "tenant-2"} {
		flow := greetingFlow()
		flow.TenantID = tenant

		_, err := service.Create(ctx, flow)
		require.NoError(t, err)

		clk.SetTime(clk.Now().Add(time.Second))
	}

	flows, err := service.List(ctx, ListFlowsRequest{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Len(t, flows, 2)

	flows, err = service.List(ctx, ListFlowsRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "tenant-2", flows[0].TenantID)

	_, err = service.List(ctx, ListFlowsRequest{Status: "running"})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestFlow_GetMissing(t *testing.T) {
	service, _ := newFlowService(t)

	_, err := service.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestFlow_HealthCheck(t *testing.T) {
	service, _ := newFlowService(t)

	message, ok := service.HealthCheck(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)
}

func TestFlow_StoreFailures(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("connection refused")

	flows := &mocks.MockFlowRepository{}
	store := &mocks.MockPersistence{}
	store.On("HealthCheck", mock.Anything).Return(storeErr)
	store.On("FlowRepository").Return(flows)

	draft := greetingFlow()
	draft.ID = "flow-1"
	draft.Status = models.FlowStatusDraft

	flows.On("GetByID", mock.Anything, "flow-1").Return(draft, nil)
	flows.On("Activate", mock.Anything, "flow-1", mock.Anything).Return(storeErr)

	service := NewFlow(store, NewGraphValidator(registry.NewDefaultRegistry(slog.Default()), nil), nil)

	message, ok := service.HealthCheck(ctx)
	assert.False(t, ok)
	assert.Equal(t, "Persistence layer is unhealthy: connection refused", message)

	_, err := service.Activate(ctx, "flow-1")
	require.ErrorIs(t, err, storeErr)
	assert.False(t, IsValidationError(err))

	flows.AssertExpectations(t)
}
