package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/chatflow/pkg/capabilities/httpcall"
	"github.com/dukex/chatflow/pkg/capabilities/outbox"
	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "chatflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Drive flow executions, fire timers and recover stale claims",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of executions driven in parallel",
				Value:   8,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "How often due timers are fired",
				Value:   engine.DefaultSweepInterval,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "recover-interval",
				Usage:   "How often stale claims are recovered",
				Value:   engine.DefaultRecoverInterval,
				Sources: cli.EnvVars("RECOVER_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Attempts of a step failing transiently before the execution fails",
				Value:   engine.DefaultRetryPolicy().MaxAttempts,
				Sources: cli.EnvVars("MAX_ATTEMPTS"),
			},
			&cli.DurationFlag{
				Name:    "lease",
				Usage:   "How long a claim is held before another worker may recover it",
				Value:   engine.DefaultLease,
				Sources: cli.EnvVars("CLAIM_LEASE"),
			},
		}, cmd.CommonFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("chatflow-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Chatflow Worker")

			registry := cmd.NewRegistry(logger)
			tracer := cmd.NewTracer(ctx, logger, "chatflow-worker", command.Bool("otel-enabled"))

			eventBus := cmd.NewEventBus(logger, cmd.EventBusConfigFrom(command, "chatflow-worker"))
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			persistence = cmd.WithWakeScheduler(ctx, logger, persistence, command.String("wake-scheduler"), command.String("redis-url"))

			defer func() {
				err := persistence.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			effects := outbox.New(eventBus)

			retry := engine.DefaultRetryPolicy()
			retry.MaxAttempts = command.Int("max-attempts")

			eng := engine.NewEngine(engine.Options{
				Logger:      logger,
				Persistence: persistence,
				Registry:    registry,
				Capabilities: engine.Capabilities{
					Messenger:     effects,
					HTTP:          httpcall.NewCaller(logger),
					Conversations: effects,
					Contacts:      effects,
				},
				Publisher: eventBus,
				Tracer:    tracer,
				WorkerID:  workerID,
				Retry:     retry,
				Lease:     command.Duration("lease"),
			})

			worker := NewWorker(workerID, logger, eng, eventBus, Config{
				Concurrency:     command.Int("concurrency"),
				SweepInterval:   command.Duration("sweep-interval"),
				RecoverInterval: command.Duration("recover-interval"),
			})

			err := worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)

				return err
			}

			<-ctx.Done()
			logger.InfoContext(ctx, "Shutting down worker...")

			return worker.Stop()
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := command.Run(ctx, os.Args)
	if err != nil {
		panic(err)
	}
}
