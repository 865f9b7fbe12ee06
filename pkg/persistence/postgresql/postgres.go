// Package postgresql provides PostgreSQL persistence for flows, executions and wake timers.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	flowRepo      *FlowRepository
	executionRepo *ExecutionRepository
	wakes         *WakeScheduler
}

// NewPersistence connects, migrates and returns a PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		flowRepo:      NewFlowRepository(database, logger),
		executionRepo: NewExecutionRepository(database, logger),
		wakes:         NewWakeScheduler(database),
	}, nil
}

func (p *Persistence) FlowRepository() persistence.FlowRepository { return p.flowRepo }

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository { return p.executionRepo }

// WakeScheduler returns the scheduler backed by the executions.wake_deadline column.
func (p *Persistence) WakeScheduler() persistence.WakeScheduler { return p.wakes }

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	return string(pqErr.Code) == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}

type scanner interface {
	Scan(dest ...any) error
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
