package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/persistence/postgresql"
	redispersistence "github.com/dukex/chatflow/pkg/persistence/redis"
	"github.com/redis/go-redis/v9"
)

var supportedPersistenceProviders = []string{"memory", "postgres", "postgresql"}

// NewPersistence opens the store named by the URL scheme. Anything that is not a
// PostgreSQL URL falls back to the in-memory store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to open PostgreSQL persistence: %w", err))
		}

		return p
	default:
		logger.WarnContext(ctx, "Using in-memory persistence, state is lost on restart")

		return memory.NewPersistence()
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, _ := strings.Cut(databaseURL, "://")
	if slices.Contains(supportedPersistenceProviders, provider) {
		return provider
	}

	return "memory"
}

// WithWakeScheduler swaps the wake index of p. "redis" keeps timers in a sorted set at
// redisURL; any other provider keeps the store's own index.
func WithWakeScheduler(ctx context.Context, logger *slog.Logger, p persistence.Persistence, provider, redisURL string) persistence.Persistence {
	if provider != "redis" {
		return p
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("invalid Redis URL: %w", err))
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Errorf("failed to connect to Redis: %w", err))
	}

	logger.InfoContext(ctx, "Using Redis wake scheduler", "addr", options.Addr)

	return &redisWakes{
		Persistence: p,
		client:      client,
		wakes:       redispersistence.NewWakeScheduler(client),
	}
}

type redisWakes struct {
	persistence.Persistence

	client *redis.Client
	wakes  *redispersistence.WakeScheduler
}

func (r *redisWakes) WakeScheduler() persistence.WakeScheduler { return r.wakes }

func (r *redisWakes) HealthCheck(ctx context.Context) error {
	if err := r.Persistence.HealthCheck(ctx); err != nil {
		return err
	}

	return r.client.Ping(ctx).Err()
}

func (r *redisWakes) Close(ctx context.Context) error {
	return errors.Join(r.client.Close(), r.Persistence.Close(ctx))
}
