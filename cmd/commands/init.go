package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/taskherd/taskherd/internal/config"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the taskherd home directory (~/.taskherd)",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	root := config.TaskherdPath()
	created := false

	// Ensure directories exist.
	dirs := []string{
		root,
		filepath.Join(root, "tasks"),
		filepath.Join(root, "events"),
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	// Write default config if missing.
	configPath := config.ConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("  Created %s\n", configPath)
		created = true
	}

	// Write default .env if missing.
	dotenvPath := config.DotenvPath()
	if _, err := os.Stat(dotenvPath); err != nil {
		if err := os.WriteFile(dotenvPath, []byte(defaultDotenv), 0o600); err != nil {
			return fmt.Errorf("write .env: %w", err)
		}
		fmt.Printf("  Created %s\n", dotenvPath)
		created = true
	}

	if !created {
		fmt.Printf("Nothing to do — %s is already set up.\n", root)
		return nil
	}

	fmt.Printf("\ntaskherd is ready. Start the daemon with `taskherd serve`.\n")
	return nil
}

const defaultConfig = `{
	// taskherd configuration
	// Docs: https://github.com/taskherd/taskherd

	"gateway": {
		"host": "127.0.0.1",
		"port": 18730
	},

	"tasks": {
		// Running+queued ceiling across all resource keys.
		"max_in_flight": 10,

		// Force-error tasks with no activity for this long.
		"task_timeout": "30m",

		// Flag tasks as stale after this much inactivity.
		"stale_after": "5m"
	},

	"limits": {
		// Concurrent tasks per resource key. 0 means unlimited.
		"default": 5,
		"per_provider": {
			// "anthropic": 3
		},
		"per_key": {
			// "anthropic/opus": 1
		}
	},

	"events": {
		"buffer_size": 1024
	}
}
`

const defaultDotenv = `# taskherd environment variables
# This file is loaded automatically. Existing env vars are never overridden.

# TASKHERD_TASK_DIR=/var/lib/taskherd/tasks
`
