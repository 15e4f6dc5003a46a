package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/taskherd/taskherd/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "taskherd",
		Usage: "Delegated task lifecycle daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewInitCommand(),
			NewServeCommand(),
			NewStatusCommand(),
			NewTasksCommand(),
			NewNotificationsCommand(),
			NewSchedulesCommand(),
		},
	}
}
