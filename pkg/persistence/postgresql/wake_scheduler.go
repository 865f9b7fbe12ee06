package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukex/chatflow/pkg/persistence"
)

// WakeScheduler reads timers straight from the executions table. The deadline is written
// together with the wake condition by ExecutionRepository.Update, so scheduling only has to
// confirm it.
type WakeScheduler struct {
	db *sql.DB
}

func NewWakeScheduler(db *sql.DB) *WakeScheduler {
	return &WakeScheduler{db: db}
}

func (s *WakeScheduler) ScheduleWake(ctx context.Context, executionID, wakeID string, deadline time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET wake_deadline = $3
		WHERE id = $1 AND wake->>'id' = $2
	`, executionID, wakeID, deadline)
	if err != nil {
		return fmt.Errorf("failed to schedule wake: %w", err)
	}

	return nil
}

func (s *WakeScheduler) DueWakes(ctx context.Context, now time.Time, limit int) ([]persistence.ScheduledWake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wake->>'id', wake_deadline
		FROM executions
		WHERE status = 'waiting' AND wake_deadline <= $1
		ORDER BY wake_deadline, id
		LIMIT NULLIF($2, 0)
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due wakes: %w", err)
	}

	defer func() { _ = rows.Close() }()

	due := make([]persistence.ScheduledWake, 0)

	for rows.Next() {
		var wake persistence.ScheduledWake

		err := rows.Scan(&wake.ExecutionID, &wake.WakeID, &wake.Deadline)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due wake: %w", err)
		}

		due = append(due, wake)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating due wakes: %w", err)
	}

	return due, nil
}

func (s *WakeScheduler) CancelWake(ctx context.Context, executionID, wakeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET wake_deadline = NULL
		WHERE id = $1 AND wake->>'id' = $2
	`, executionID, wakeID)
	if err != nil {
		return fmt.Errorf("failed to cancel wake: %w", err)
	}

	return nil
}
