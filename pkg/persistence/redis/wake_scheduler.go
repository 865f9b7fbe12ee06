// Package redis provides a wake timer scheduler on a Redis sorted set.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

const defaultKey = "chatflow:wakes"

// WakeScheduler stores one sorted set member per pending wake, scored by its deadline in
// unix milliseconds.
type WakeScheduler struct {
	client redis.UniversalClient
	key    string
}

var _ persistence.WakeScheduler = (*WakeScheduler)(nil)

func NewWakeScheduler(client redis.UniversalClient) *WakeScheduler {
	return &WakeScheduler{client: client, key: defaultKey}
}

// WithKey returns a scheduler sharing the client but using another sorted set.
func (s *WakeScheduler) WithKey(key string) *WakeScheduler {
	return &WakeScheduler{client: s.client, key: key}
}

func member(executionID, wakeID string) string {
	return executionID + ":" + wakeID
}

func (s *WakeScheduler) ScheduleWake(ctx context.Context, executionID, wakeID string, deadline time.Time) error {
	err := s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: member(executionID, wakeID),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule wake: %w", err)
	}

	return nil
}

// DueWakes lists wakes whose deadline is at or before now. Entries stay in the set until
// CancelWake removes them, so a crashed sweeper loses nothing.
func (s *WakeScheduler) DueWakes(ctx context.Context, now time.Time, limit int) ([]persistence.ScheduledWake, error) {
	count := int64(limit)
	if count <= 0 {
		count = -1
	}

	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due wakes: %w", err)
	}

	due := make([]persistence.ScheduledWake, 0, len(entries))

	for _, entry := range entries {
		raw, ok := entry.Member.(string)
		if !ok {
			continue
		}

		executionID, wakeID, found := strings.Cut(raw, ":")
		if !found {
			continue
		}

		due = append(due, persistence.ScheduledWake{
			ExecutionID: executionID,
			WakeID:      wakeID,
			Deadline:    time.UnixMilli(int64(entry.Score)).UTC(),
		})
	}

	return due, nil
}

func (s *WakeScheduler) CancelWake(ctx context.Context, executionID, wakeID string) error {
	err := s.client.ZRem(ctx, s.key, member(executionID, wakeID)).Err()
	if err != nil {
		return fmt.Errorf("failed to cancel wake: %w", err)
	}

	return nil
}
