package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
)

// notificationView mirrors the notification JSON the gateway returns.
type notificationView struct {
	TaskID        string    `json:"task_id"`
	TaskSessionID string    `json:"task_session_id"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	QueuedAt      time.Time `json:"queued_at"`
}

// NewNotificationsCommand returns the notifications subcommand.
func NewNotificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "notifications",
		Usage: "Inspect completion notifications for a parent session",
		Commands: []*cli.Command{
			{
				Name:      "peek",
				Usage:     "Show pending notifications without consuming them",
				ArgsUsage: "<session_id>",
				Action:    runNotificationsPeek,
			},
			{
				Name:      "drain",
				Usage:     "Consume and show pending notifications",
				ArgsUsage: "<session_id>",
				Action:    runNotificationsDrain,
			},
		},
		DefaultCommand: "peek",
	}
}

func runNotificationsPeek(ctx context.Context, cmd *cli.Command) error {
	return showNotifications(ctx, cmd, http.MethodGet)
}

func runNotificationsDrain(ctx context.Context, cmd *cli.Command) error {
	return showNotifications(ctx, cmd, http.MethodDelete)
}

func showNotifications(ctx context.Context, cmd *cli.Command, method string) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: taskherd notifications %s <session_id>", cmd.Name)
	}

	var notes []notificationView
	if err := apiRequest(ctx, cmd, method, "/api/notifications/"+sessionID, nil, &notes); err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}

	if len(notes) == 0 {
		fmt.Println("No pending notifications.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTASK\tSTATUS\tDESCRIPTION\tDETAIL")
	for _, n := range notes {
		detail := n.Result
		if n.Error != "" {
			detail = n.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			n.QueuedAt.Format("15:04:05"), n.TaskID, n.Status, n.Description, detail)
	}
	return w.Flush()
}
