// Package main provides the Chatflow worker: it consumes inbound events and dispatched
// work from the event bus, drives executions and fires due timers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
)

type Config struct {
	Concurrency     int
	QueueSize       int
	SweepInterval   time.Duration
	RecoverInterval time.Duration
}

type Worker struct {
	id       string
	logger   *slog.Logger
	engine   *engine.Engine
	eventBus eventbus.EventBus
	pool     *engine.PoolDispatcher
	sweeper  *engine.Sweeper
}

// NewWorker routes the engine's own dispatches (sweeps, starts, promotions) through a
// local pool; work published by other processes is driven on the consuming goroutine so
// the message is acknowledged only after the execution suspends.
func NewWorker(
	id string,
	logger *slog.Logger,
	eng *engine.Engine,
	eventBus eventbus.EventBus,
	config Config,
) *Worker {
	logger = logger.With("module", "chatflow-worker", "worker_id", id)

	pool := engine.NewPoolDispatcher(logger, eng, config.Concurrency, config.QueueSize)
	eng.UseDispatcher(pool)

	return &Worker{
		id:       id,
		logger:   logger,
		engine:   eng,
		eventBus: eventBus,
		pool:     pool,
		sweeper:  engine.NewSweeper(logger, eng, config.SweepInterval, config.RecoverInterval),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker")

	w.pool.Start(ctx)

	err := w.eventBus.Handle(events.ExecutionDispatchEvent, engine.DispatchHandler(w.engine))
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.InboundReceivedEvent, w.handleInboundReceived)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	err = w.sweeper.Start(ctx)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

// Stop waits for the sweeper and the pool to drain.
func (w *Worker) Stop() error {
	w.sweeper.Stop()

	return w.pool.Stop()
}

func (w *Worker) handleInboundReceived(ctx context.Context, event eventbus.Event) error {
	received, ok := event.(*events.InboundReceived)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for InboundReceived")

		return nil
	}

	inbound := received.Event
	if inbound.ID == "" {
		inbound.ID = received.ID
	}

	if inbound.TenantID == "" {
		inbound.TenantID = received.TenantID
	}

	logger := w.logger.With(
		"event_id", inbound.ID,
		"tenant_id", inbound.TenantID,
		"conversation_id", inbound.ConversationID,
		"kind", inbound.Kind,
	)

	result, err := w.engine.HandleInboundEvent(ctx, inbound)
	if err != nil {
		// redelivering a malformed event cannot succeed
		if errors.Is(err, engine.ErrInvalidInboundEvent) {
			logger.WarnContext(ctx, "Dropping invalid inbound event", "error", err)

			return nil
		}

		logger.ErrorContext(ctx, "Failed to handle inbound event", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Inbound event handled",
		"consumed", result.Consumed,
		"resumed", len(result.Resumed),
		"started", len(result.Started),
	)

	return nil
}
