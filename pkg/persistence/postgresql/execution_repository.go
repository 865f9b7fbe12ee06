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

const (
	executionColumns = `
	id
  , tenant_id
  , flow_id
  , lineage_id
  , conversation_id
  , contact_id
  , status
  , current_node_id
  , context
  , execution_path
  , wake
  , retry
  , error_message
  , queued
  , cancel_requested
  , claimed_by
  , claimed_at
  , version
  , created_at
  , updated_at
  , completed_at
`

	activeConversationIndex = "idx_executions_active_conversation"
)

// ExecutionRepository handles execution database operations. All writes after creation are
// compare-and-set on the version column.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

type executionJSON struct {
	context []byte
	path    []byte
	wake    []byte
	retry   []byte
}

func marshalExecution(exec *models.Execution) (*executionJSON, error) {
	contextValue := exec.Context
	if contextValue == nil {
		contextValue = map[string]any{}
	}

	pathValue := exec.Path
	if pathValue == nil {
		pathValue = []models.PathEntry{}
	}

	var (
		encoded executionJSON
		err     error
	)

	encoded.context, err = json.Marshal(contextValue)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	encoded.path, err = json.Marshal(pathValue)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution path: %w", err)
	}

	if exec.Wake != nil {
		encoded.wake, err = json.Marshal(exec.Wake)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal wake condition: %w", err)
		}
	}

	encoded.retry, err = json.Marshal(exec.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retry state: %w", err)
	}

	return &encoded, nil
}

// wakeArg keeps an absent wake condition a SQL NULL rather than an empty JSON document.
func (e *executionJSON) wakeArg() any {
	if e.wake == nil {
		return nil
	}

	return e.wake
}

func wakeDeadline(exec *models.Execution) *time.Time {
	if exec.Wake == nil {
		return nil
	}

	return exec.Wake.Deadline
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	encoded, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (id, tenant_id, flow_id, lineage_id, conversation_id, contact_id, status,
			current_node_id, context, execution_path, wake, wake_deadline, retry, error_message, queued,
			cancel_requested, claimed_by, claimed_at, version, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`

	_, err = r.db.ExecContext(ctx, query,
		exec.ID,
		exec.TenantID,
		exec.FlowID,
		exec.LineageID,
		exec.ConversationID,
		exec.ContactID,
		exec.Status,
		exec.CurrentNodeID,
		encoded.context,
		encoded.path,
		encoded.wakeArg(),
		wakeDeadline(exec),
		encoded.retry,
		exec.ErrorMessage,
		exec.Queued,
		exec.CancelRequested,
		exec.ClaimedBy,
		exec.ClaimedAt,
		exec.Version,
		exec.CreatedAt,
		exec.UpdatedAt,
		exec.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return persistence.NewExecutionError("Create", exec.ID, persistence.ErrActiveExecutionExists)
		}

		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return exec, nil
}

// Claim moves a pending or waiting execution to running if its version is still the one
// the caller observed. A fresh execution gets its entry node in the same statement.
func (r *ExecutionRepository) Claim(
	ctx context.Context,
	id string,
	expectedVersion int64,
	workerID, entryNodeID string,
	at time.Time,
) (*models.Execution, error) {
	query := `
		UPDATE executions SET
			status = 'running',
			current_node_id = COALESCE(current_node_id, NULLIF($5, '')),
			claimed_by = $3,
			claimed_at = $4,
			updated_at = $4,
			version = version + 1
		WHERE id = $1
		  AND version = $2
		  AND status IN ('pending', 'waiting')
		  AND NOT queued
		RETURNING ` + executionColumns

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, id, expectedVersion, workerID, at, entryNodeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missOrConflict(ctx, "Claim", id, persistence.ErrClaimConflict)
		}

		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	return exec, nil
}

// Update writes the execution if nobody else wrote it since it was read, bumps its version
// and refreshes CancelRequested from the stored row.
func (r *ExecutionRepository) Update(ctx context.Context, exec *models.Execution) error {
	encoded, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions SET
			status = $3,
			current_node_id = $4,
			context = $5,
			execution_path = $6,
			wake = $7,
			wake_deadline = $8,
			retry = $9,
			error_message = $10,
			queued = $11,
			cancel_requested = cancel_requested OR $12,
			claimed_by = $13,
			claimed_at = $14,
			updated_at = $15,
			completed_at = $16,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING cancel_requested, version
	`

	row := r.db.QueryRowContext(ctx, query,
		exec.ID,
		exec.Version,
		exec.Status,
		exec.CurrentNodeID,
		encoded.context,
		encoded.path,
		encoded.wakeArg(),
		wakeDeadline(exec),
		encoded.retry,
		exec.ErrorMessage,
		exec.Queued,
		exec.CancelRequested,
		exec.ClaimedBy,
		exec.ClaimedAt,
		exec.UpdatedAt,
		exec.CompletedAt,
	)

	err = row.Scan(&exec.CancelRequested, &exec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.missOrConflict(ctx, "Update", exec.ID, persistence.ErrVersionConflict)
		}

		if isUniqueViolation(err, activeConversationIndex) {
			return persistence.NewExecutionError("Update", exec.ID, persistence.ErrActiveExecutionExists)
		}

		return fmt.Errorf("failed to update execution: %w", err)
	}

	return nil
}

// RequestCancel cancels a pending or waiting execution immediately and flags a running one.
// It returns the status after the request.
func (r *ExecutionRepository) RequestCancel(ctx context.Context, id string, at time.Time) (models.ExecutionStatus, error) {
	query := `
		UPDATE executions SET
			status = CASE WHEN status IN ('pending', 'waiting') THEN 'cancelled' ELSE status END,
			current_node_id = CASE WHEN status IN ('pending', 'waiting') THEN NULL ELSE current_node_id END,
			wake = CASE WHEN status IN ('pending', 'waiting') THEN NULL ELSE wake END,
			wake_deadline = CASE WHEN status IN ('pending', 'waiting') THEN NULL ELSE wake_deadline END,
			completed_at = CASE WHEN status IN ('pending', 'waiting') THEN $2 ELSE completed_at END,
			updated_at = CASE WHEN status IN ('pending', 'waiting') THEN $2 ELSE updated_at END,
			version = CASE WHEN status IN ('pending', 'waiting') THEN version + 1 ELSE version END,
			cancel_requested = cancel_requested OR status = 'running'
		WHERE id = $1
		RETURNING status
	`

	var status models.ExecutionStatus

	err := r.db.QueryRowContext(ctx, query, id, at).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.NewExecutionError("RequestCancel", id, persistence.ErrExecutionNotFound)
		}

		return "", fmt.Errorf("failed to request cancellation: %w", err)
	}

	return status, nil
}

func (r *ExecutionRepository) ActiveForConversation(
	ctx context.Context,
	lineageID, conversationID string,
) (*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE lineage_id = $1
		  AND conversation_id = $2
		  AND status IN ('pending', 'running', 'waiting')
		  AND NOT queued
	`

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, lineageID, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ActiveForConversation", conversationID, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return exec, nil
}

func (r *ExecutionRepository) WaitingForConversation(
	ctx context.Context,
	tenantID, conversationID string,
) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE tenant_id = $1
		  AND conversation_id = $2
		  AND status = 'waiting'
		  AND wake->>'kind' IN ('reply', 'button')
		ORDER BY created_at, id
	`

	return r.query(ctx, query, tenantID, conversationID)
}

// PromoteNext moves the oldest queued execution of the pair to the head of the line. It
// fails with ErrActiveExecutionExists while another execution still holds the pair.
func (r *ExecutionRepository) PromoteNext(ctx context.Context, lineageID, conversationID string) (*models.Execution, error) {
	query := `
		UPDATE executions SET queued = false, version = version + 1
		WHERE id = (
			SELECT id FROM executions
			WHERE lineage_id = $1
			  AND conversation_id = $2
			  AND queued
			  AND status = 'pending'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + executionColumns

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, lineageID, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("PromoteNext", conversationID, persistence.ErrExecutionNotFound)
		}

		if isUniqueViolation(err, activeConversationIndex) {
			return nil, persistence.NewExecutionError("PromoteNext", conversationID, persistence.ErrActiveExecutionExists)
		}

		return nil, fmt.Errorf("failed to promote queued execution: %w", err)
	}

	return exec, nil
}

func (r *ExecutionRepository) Stale(ctx context.Context, before time.Time, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'running' AND claimed_at < $1
		ORDER BY created_at, id
		LIMIT NULLIF($2, 0)
	`

	return r.query(ctx, query, before, limit)
}

func (r *ExecutionRepository) ListByFlow(ctx context.Context, flowID string, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE flow_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)
	`

	return r.query(ctx, query, flowID, limit)
}

func (r *ExecutionRepository) missOrConflict(ctx context.Context, op, id string, conflict error) error {
	var exists bool

	err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check execution existence: %w", err)
	}

	if !exists {
		return persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
	}

	return persistence.NewExecutionError(op, id, conflict)
}

func (r *ExecutionRepository) query(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, exec)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		exec          models.Execution
		contactID     sql.NullString
		currentNodeID sql.NullString
		contextJSON   []byte
		pathJSON      []byte
		wakeJSON      []byte
		retryJSON     []byte
		claimedAt     sql.NullTime
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&exec.ID,
		&exec.TenantID,
		&exec.FlowID,
		&exec.LineageID,
		&exec.ConversationID,
		&contactID,
		&exec.Status,
		&currentNodeID,
		&contextJSON,
		&pathJSON,
		&wakeJSON,
		&retryJSON,
		&exec.ErrorMessage,
		&exec.Queued,
		&exec.CancelRequested,
		&exec.ClaimedBy,
		&claimedAt,
		&exec.Version,
		&exec.CreatedAt,
		&exec.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if contactID.Valid {
		exec.ContactID = &contactID.String
	}

	if currentNodeID.Valid {
		exec.CurrentNodeID = &currentNodeID.String
	}

	if claimedAt.Valid {
		exec.ClaimedAt = &claimedAt.Time
	}

	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}

	err = json.Unmarshal(contextJSON, &exec.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	err = json.Unmarshal(pathJSON, &exec.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution path: %w", err)
	}

	if wakeJSON != nil {
		var wake models.WakeCondition

		err = json.Unmarshal(wakeJSON, &wake)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal wake condition: %w", err)
		}

		exec.Wake = &wake
	}

	err = json.Unmarshal(retryJSON, &exec.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry state: %w", err)
	}

	return &exec, nil
}
