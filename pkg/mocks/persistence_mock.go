package mocks

import (
	"context"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) FlowRepository() persistence.FlowRepository {
	args := m.Called()

	return args.Get(0).(persistence.FlowRepository)
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	args := m.Called()

	return args.Get(0).(persistence.ExecutionRepository)
}

func (m *MockPersistence) WakeScheduler() persistence.WakeScheduler {
	args := m.Called()

	return args.Get(0).(persistence.WakeScheduler)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockFlowRepository is a mock implementation of persistence.FlowRepository interface.
type MockFlowRepository struct {
	mock.Mock
}

func (m *MockFlowRepository) Save(ctx context.Context, flow *models.FlowDefinition) error {
	args := m.Called(ctx, flow)

	return args.Error(0)
}

func (m *MockFlowRepository) GetByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.FlowDefinition), args.Error(1)
}

func (m *MockFlowRepository) List(ctx context.Context, filter persistence.FlowFilter) ([]*models.FlowDefinition, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.FlowDefinition), args.Error(1)
}

func (m *MockFlowRepository) Versions(ctx context.Context, lineageID string) ([]*models.FlowDefinition, error) {
	args := m.Called(ctx, lineageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.FlowDefinition), args.Error(1)
}

func (m *MockFlowRepository) ActiveByTenant(ctx context.Context, tenantID string) ([]*models.FlowDefinition, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.FlowDefinition), args.Error(1)
}

func (m *MockFlowRepository) Activate(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}

func (m *MockFlowRepository) SetStatus(ctx context.Context, id string, status models.FlowStatus, at time.Time) error {
	args := m.Called(ctx, id, status, at)

	return args.Error(0)
}

func (m *MockFlowRepository) IncrementCounters(ctx context.Context, id string, delta models.FlowStats) error {
	args := m.Called(ctx, id, delta)

	return args.Error(0)
}
