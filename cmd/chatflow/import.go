package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/urfave/cli/v3"
)

func NewImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Aliases:   []string{"i"},
		Usage:     "Store flow files as new draft flows, optionally activating them",
		ArgsUsage: "<file or directory>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:  "tenant-id",
				Usage: "Tenant for flows whose file does not name one",
			},
			&cli.BoolFlag{
				Name:  "activate",
				Usage: "Activate every imported flow",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			flows, err := loadFlows(command.Args().Slice())
			if err != nil {
				return err
			}

			logger := slog.With("module", "chatflow", "action", "import")

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			flowService := services.NewFlow(
				persistence,
				services.NewGraphValidator(registry.NewDefaultRegistry(logger), nil),
				nil,
			)

			out := command.Root().Writer

			for _, flow := range flows {
				if flow.TenantID == "" {
					flow.TenantID = command.String("tenant-id")
				}

				created, err := flowService.Create(ctx, flow)
				if err != nil {
					return fmt.Errorf("failed to import %q: %w", flow.Name, err)
				}

				status := created.Status

				if command.Bool("activate") {
					activated, err := flowService.Activate(ctx, created.ID)
					if err != nil {
						return fmt.Errorf("failed to activate %q: %w", flow.Name, err)
					}

					status = activated.Status
				}

				_, _ = fmt.Fprintf(out, "Imported %s (%s) as %s\n", created.Name, created.ID, status)
			}

			return nil
		},
	}
}
