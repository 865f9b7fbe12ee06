package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

const flowColumns = `
	id
  , tenant_id
  , lineage_id
  , version
  , parent_flow_id
  , name
  , description
  , nodes
  , entry_node_id
  , trigger_config
  , status
  , reentry_policy
  , execution_count
  , success_count
  , failure_count
  , created_at
  , updated_at
  , activated_at
`

// FlowRepository handles flow version database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

// Save inserts or replaces a flow version. Counters are owned by IncrementCounters and are
// never overwritten here.
func (r *FlowRepository) Save(ctx context.Context, flow *models.FlowDefinition) error {
	nodesJSON, err := json.Marshal(flow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	triggerJSON, err := json.Marshal(flow.TriggerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	query := `
		INSERT INTO flows (id, tenant_id, lineage_id, version, parent_flow_id, name, description, nodes,
			entry_node_id, trigger_config, status, reentry_policy, created_at, updated_at, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			nodes = EXCLUDED.nodes,
			entry_node_id = EXCLUDED.entry_node_id,
			trigger_config = EXCLUDED.trigger_config,
			status = EXCLUDED.status,
			reentry_policy = EXCLUDED.reentry_policy,
			updated_at = EXCLUDED.updated_at,
			activated_at = EXCLUDED.activated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		flow.ID,
		flow.TenantID,
		flow.LineageID,
		flow.Version,
		flow.ParentFlowID,
		flow.Name,
		flow.Description,
		nodesJSON,
		flow.EntryNodeID,
		triggerJSON,
		flow.Status,
		flow.EffectiveReentryPolicy(),
		flow.CreatedAt,
		flow.UpdatedAt,
		flow.ActivatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "flows_lineage_version_key") {
			return persistence.NewFlowError("Save", flow.ID, persistence.ErrFlowAlreadyExists)
		}

		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+flowColumns+" FROM flows WHERE id = $1", id)

	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	return flow, nil
}

func (r *FlowRepository) List(ctx context.Context, filter persistence.FlowFilter) ([]*models.FlowDefinition, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM flows
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR lineage_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id
		OFFSET $4
	`

	args := []any{filter.TenantID, filter.LineageID, string(filter.Status), filter.Offset}

	if filter.Limit > 0 {
		query += " LIMIT $5"

		args = append(args, filter.Limit)
	}

	return r.query(ctx, query, args...)
}

func (r *FlowRepository) Versions(ctx context.Context, lineageID string) ([]*models.FlowDefinition, error) {
	return r.query(ctx, "SELECT "+flowColumns+" FROM flows WHERE lineage_id = $1 ORDER BY version", lineageID)
}

func (r *FlowRepository) ActiveByTenant(ctx context.Context, tenantID string) ([]*models.FlowDefinition, error) {
	return r.query(ctx,
		"SELECT "+flowColumns+" FROM flows WHERE tenant_id = $1 AND status = 'active' ORDER BY id",
		tenantID,
	)
}

// Activate marks a version active and archives the previously active version of its lineage
// in the same transaction.
func (r *FlowRepository) Activate(ctx context.Context, id string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var lineageID string

	err = tx.QueryRowContext(ctx, "SELECT lineage_id FROM flows WHERE id = $1 FOR UPDATE", id).Scan(&lineageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewFlowError("Activate", id, persistence.ErrFlowNotFound)
		}

		return fmt.Errorf("failed to lock flow: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE flows SET status = 'archived', updated_at = $3
		WHERE lineage_id = $1 AND id <> $2 AND status = 'active'
	`, lineageID, id, at)
	if err != nil {
		return fmt.Errorf("failed to archive previous version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE flows SET status = 'active', activated_at = $2, updated_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to activate flow: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *FlowRepository) SetStatus(ctx context.Context, id string, status models.FlowStatus, at time.Time) error {
	result, err := r.db.ExecContext(ctx, "UPDATE flows SET status = $2, updated_at = $3 WHERE id = $1", id, status, at)
	if err != nil {
		return fmt.Errorf("failed to update flow status: %w", err)
	}

	return requireRow(result, persistence.NewFlowError("SetStatus", id, persistence.ErrFlowNotFound))
}

func (r *FlowRepository) IncrementCounters(ctx context.Context, id string, delta models.FlowStats) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE flows SET
			execution_count = execution_count + $2,
			success_count = success_count + $3,
			failure_count = failure_count + $4
		WHERE id = $1
	`, id, delta.ExecutionCount, delta.SuccessCount, delta.FailureCount)
	if err != nil {
		return fmt.Errorf("failed to increment flow counters: %w", err)
	}

	return requireRow(result, persistence.NewFlowError("IncrementCounters", id, persistence.ErrFlowNotFound))
}

func (r *FlowRepository) query(ctx context.Context, query string, args ...any) ([]*models.FlowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	flows := make([]*models.FlowDefinition, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

func scanFlow(row scanner) (*models.FlowDefinition, error) {
	var (
		flow          models.FlowDefinition
		parentFlowID  sql.NullString
		nodesJSON     []byte
		triggerJSON   []byte
		activatedAt   sql.NullTime
		reentryPolicy string
	)

	err := row.Scan(
		&flow.ID,
		&flow.TenantID,
		&flow.LineageID,
		&flow.Version,
		&parentFlowID,
		&flow.Name,
		&flow.Description,
		&nodesJSON,
		&flow.EntryNodeID,
		&triggerJSON,
		&flow.Status,
		&reentryPolicy,
		&flow.ExecutionCount,
		&flow.SuccessCount,
		&flow.FailureCount,
		&flow.CreatedAt,
		&flow.UpdatedAt,
		&activatedAt,
	)
	if err != nil {
		return nil, err
	}

	flow.ReentryPolicy = models.ReentryPolicy(reentryPolicy)

	if parentFlowID.Valid {
		flow.ParentFlowID = &parentFlowID.String
	}

	if activatedAt.Valid {
		flow.ActivatedAt = &activatedAt.Time
	}

	err = json.Unmarshal(nodesJSON, &flow.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	err = json.Unmarshal(triggerJSON, &flow.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
	}

	return &flow, nil
}

func requireRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return notFound
	}

	return nil
}
