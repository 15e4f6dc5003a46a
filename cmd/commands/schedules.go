package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/taskherd/taskherd/internal/scheduler"
)

// NewSchedulesCommand returns the schedules subcommand.
func NewSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedules",
		Usage: "Manage recurring task launches",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List schedule entries",
				Action: runSchedulesList,
			},
			{
				Name:  "add",
				Usage: "Add a schedule entry",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description", Usage: "What this schedule does"},
					&cli.StringFlag{Name: "cron", Usage: "Cron spec, e.g. \"30 9 * * *\""},
					&cli.IntFlag{Name: "interval", Usage: "Interval in seconds (minimum 5)"},
					&cli.StringFlag{Name: "on-event", Usage: "Event type trigger, e.g. task.finished"},
					&cli.StringFlag{Name: "agent", Usage: "Resource key for launched tasks", Required: true},
					&cli.StringFlag{Name: "prompt", Usage: "Prompt for launched tasks", Required: true},
					&cli.StringFlag{Name: "model", Usage: "Model override"},
					&cli.IntFlag{Name: "max-runs", Usage: "Disable after N runs (0 = unlimited)"},
				},
				Action: runSchedulesAdd,
			},
			{
				Name:      "remove",
				Usage:     "Remove a schedule entry",
				ArgsUsage: "<schedule_id>",
				Action:    runSchedulesRemove,
			},
		},
		DefaultCommand: "list",
	}
}

func runSchedulesList(ctx context.Context, cmd *cli.Command) error {
	var list []scheduler.Entry
	if err := apiRequest(ctx, cmd, http.MethodGet, "/api/schedules", nil, &list); err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No schedules found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRIGGER\tRUNS\tENABLED\tDESCRIPTION")
	for _, e := range list {
		trigger := "-"
		switch {
		case e.CronSpec != "":
			trigger = e.CronSpec
		case e.IntervalSec > 0:
			trigger = fmt.Sprintf("every %ds", e.IntervalSec)
		case e.OnEvent != nil:
			trigger = "on " + e.OnEvent.Event
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", e.ID, trigger, e.RunCount, e.Enabled, e.Description)
	}
	return w.Flush()
}

func runSchedulesAdd(ctx context.Context, cmd *cli.Command) error {
	entry := scheduler.Entry{
		Description: cmd.String("description"),
		CronSpec:    cmd.String("cron"),
		IntervalSec: cmd.Int("interval"),
		MaxRuns:     cmd.Int("max-runs"),
		Template: scheduler.TaskTemplate{
			Description: cmd.String("description"),
			Prompt:      cmd.String("prompt"),
			Agent:       cmd.String("agent"),
			Model:       cmd.String("model"),
		},
	}
	if ev := cmd.String("on-event"); ev != "" {
		entry.OnEvent = &scheduler.EventTrigger{Event: ev}
	}

	var created scheduler.Entry
	if err := apiRequest(ctx, cmd, http.MethodPost, "/api/schedules", entry, &created); err != nil {
		return fmt.Errorf("add schedule: %w", err)
	}

	fmt.Printf("Schedule %s created.\n", created.ID)
	return nil
}

func runSchedulesRemove(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: taskherd schedules remove <schedule_id>")
	}

	if err := apiRequest(ctx, cmd, http.MethodDelete, "/api/schedules/"+id, nil, nil); err != nil {
		return fmt.Errorf("remove schedule: %w", err)
	}

	fmt.Printf("Schedule %s removed.\n", id)
	return nil
}
