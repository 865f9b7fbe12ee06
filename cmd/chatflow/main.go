// Package main provides the chatflow command line tool for checking and loading flow files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dukex/chatflow/pkg/flowfile"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/models"
	cli "github.com/urfave/cli/v3"
)

var ErrNoPaths = errors.New("at least one flow file or directory is required")

func main() {
	err := newCommand().Run(context.Background(), os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "chatflow",
		Usage:                 "Validate and import conversational flow definitions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), log.FormatText)

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewImportCommand(),
		},
	}
}

// loadFlows reads every path, expanding directories.
func loadFlows(paths []string) ([]*models.FlowDefinition, error) {
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}

	var flows []*models.FlowDefinition

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}

		var loaded []*models.FlowDefinition

		if info.IsDir() {
			loaded, err = flowfile.LoadDir(path)
		} else {
			loaded, err = flowfile.Load(filepath.Clean(path))
		}

		if err != nil {
			return nil, err
		}

		flows = append(flows, loaded...)
	}

	return flows, nil
}
