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
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "chatflow-api",
		Usage:                 "Manage conversational flows and their executions",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "How often due timers are fired when executions run in this process",
				Value:   engine.DefaultSweepInterval,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
		}, cmd.CommonFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("chatflow-api")

			logger.InfoContext(ctx, "Initializing Chatflow API")

			registry := cmd.NewRegistry(logger)
			tracer := cmd.NewTracer(ctx, logger, "chatflow-api", command.Bool("otel-enabled"))

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			persistence = cmd.WithWakeScheduler(ctx, logger, persistence, command.String("wake-scheduler"), command.String("redis-url"))

			defer func() {
				err := persistence.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(logger, cmd.EventBusConfigFrom(command, "chatflow-api"))
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			effects := outbox.New(eventBus)

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
			})

			// Behind Kafka the worker fleet drives executions; otherwise this process does.
			if command.String("event-bus") == "kafka" {
				eng.UseDispatcher(engine.NewBusDispatcher(eventBus))
			} else {
				sweeper := engine.NewSweeper(logger, eng, command.Duration("sweep-interval"), engine.DefaultRecoverInterval)
				if err := sweeper.Start(ctx); err != nil {
					return err
				}

				defer sweeper.Stop()
			}

			api := NewAPI(logger, persistence, registry, eng)

			err := api.Start(ctx, command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "API server stopped with error", "error", err)
			}

			return nil
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := command.Run(ctx, os.Args)
	if err != nil {
		panic(err)
	}
}
