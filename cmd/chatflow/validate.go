package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/urfave/cli/v3"
)

var ErrInvalidFlows = errors.New("invalid flows found")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check flow files against the node catalogue without touching storage",
		ArgsUsage: "<file or directory>...",
		Action: func(ctx context.Context, command *cli.Command) error {
			flows, err := loadFlows(command.Args().Slice())
			if err != nil {
				return err
			}

			out := command.Root().Writer
			validator := services.NewGraphValidator(registry.NewDefaultRegistry(slog.Default()), nil)

			invalid := 0

			for _, flow := range flows {
				err := validator.Validate(ctx, flow)
				if err == nil {
					_, _ = fmt.Fprintf(out, "OK    %s\n", flow.Name)

					continue
				}

				invalid++

				_, _ = fmt.Fprintf(out, "FAIL  %s\n", flow.Name)

				problems := services.Problems(err)
				if len(problems) == 0 {
					problems = []string{err.Error()}
				}

				for _, problem := range problems {
					_, _ = fmt.Fprintf(out, "      - %s\n", problem)
				}
			}

			_, _ = fmt.Fprintf(out, "\n%d flows checked, %d invalid\n", len(flows), invalid)

			if invalid > 0 {
				return fmt.Errorf("%w: %d of %d", ErrInvalidFlows, invalid, len(flows))
			}

			return nil
		},
	}
}
