// Package memory provides an in-process persistence implementation used by tests and
// single-node development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

// Persistence keeps flows, executions and wake timers in maps guarded by one mutex, which
// makes every repository operation atomic.
type Persistence struct {
	mu         sync.Mutex
	flows      map[string]*models.FlowDefinition
	executions map[string]*models.Execution
	wakes      map[string]persistence.ScheduledWake
}

func NewPersistence() *Persistence {
	return &Persistence{
		flows:      make(map[string]*models.FlowDefinition),
		executions: make(map[string]*models.Execution),
		wakes:      make(map[string]persistence.ScheduledWake),
	}
}

func (p *Persistence) FlowRepository() persistence.FlowRepository { return &flowRepository{p} }

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return &executionRepository{p}
}

func (p *Persistence) WakeScheduler() persistence.WakeScheduler { return &wakeScheduler{p} }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

func (p *Persistence) Close(ctx context.Context) error { return nil }

type flowRepository struct{ p *Persistence }

func (r *flowRepository) Save(ctx context.Context, flow *models.FlowDefinition) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, existing := range r.p.flows {
		if existing.ID != flow.ID && existing.LineageID == flow.LineageID && existing.Version == flow.Version {
			return persistence.NewFlowError("Save", flow.ID, persistence.ErrFlowAlreadyExists)
		}
	}

	r.p.flows[flow.ID] = flow.Clone()

	return nil
}

func (r *flowRepository) GetByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[id]
	if !ok {
		return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
	}

	return flow.Clone(), nil
}

func (r *flowRepository) List(ctx context.Context, filter persistence.FlowFilter) ([]*models.FlowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var flows []*models.FlowDefinition

	for _, flow := range r.p.flows {
		if filter.TenantID != "" && flow.TenantID != filter.TenantID {
			continue
		}

		if filter.LineageID != "" && flow.LineageID != filter.LineageID {
			continue
		}

		if filter.Status != "" && flow.Status != filter.Status {
			continue
		}

		flows = append(flows, flow.Clone())
	}

	sort.Slice(flows, func(i, j int) bool {
		if !flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].CreatedAt.After(flows[j].CreatedAt)
		}

		return flows[i].ID < flows[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(flows) {
			return nil, nil
		}

		flows = flows[filter.Offset:]
	}

	if filter.Limit > 0 && len(flows) > filter.Limit {
		flows = flows[:filter.Limit]
	}

	return flows, nil
}

func (r *flowRepository) Versions(ctx context.Context, lineageID string) ([]*models.FlowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var flows []*models.FlowDefinition

	for _, flow := range r.p.flows {
		if flow.LineageID == lineageID {
			flows = append(flows, flow.Clone())
		}
	}

	sort.Slice(flows, func(i, j int) bool { return flows[i].Version < flows[j].Version })

	return flows, nil
}

func (r *flowRepository) ActiveByTenant(ctx context.Context, tenantID string) ([]*models.FlowDefinition, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var flows []*models.FlowDefinition

	for _, flow := range r.p.flows {
		if flow.TenantID == tenantID && flow.Status == models.FlowStatusActive {
			flows = append(flows, flow.Clone())
		}
	}

	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })

	return flows, nil
}

func (r *flowRepository) Activate(ctx context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[id]
	if !ok {
		return persistence.NewFlowError("Activate", id, persistence.ErrFlowNotFound)
	}

	for _, other := range r.p.flows {
		if other.ID != id && other.LineageID == flow.LineageID && other.Status == models.FlowStatusActive {
			other.Status = models.FlowStatusArchived
			other.UpdatedAt = at
		}
	}

	activated := at
	flow.Status = models.FlowStatusActive
	flow.ActivatedAt = &activated
	flow.UpdatedAt = at

	return nil
}

func (r *flowRepository) SetStatus(ctx context.Context, id string, status models.FlowStatus, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[id]
	if !ok {
		return persistence.NewFlowError("SetStatus", id, persistence.ErrFlowNotFound)
	}

	flow.Status = status
	flow.UpdatedAt = at

	return nil
}

func (r *flowRepository) IncrementCounters(ctx context.Context, id string, delta models.FlowStats) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[id]
	if !ok {
		return persistence.NewFlowError("IncrementCounters", id, persistence.ErrFlowNotFound)
	}

	flow.ExecutionCount += delta.ExecutionCount
	flow.SuccessCount += delta.SuccessCount
	flow.FailureCount += delta.FailureCount

	return nil
}
