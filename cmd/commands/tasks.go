package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	wsprotocol "github.com/taskherd/taskherd/internal/gateway/ws"
)

// taskView mirrors the task summary the gateway returns.
type taskView struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	Description     string     `json:"description"`
	Agent           string     `json:"agent"`
	Model           string     `json:"model,omitempty"`
	Status          string     `json:"status"`
	QueuedAt        time.Time  `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Progress        struct {
		ToolCalls   int       `json:"tool_calls"`
		LastTool    string    `json:"last_tool,omitempty"`
		LastMessage string    `json:"last_message,omitempty"`
		UpdatedAt   time.Time `json:"updated_at,omitzero"`
	} `json:"progress"`
}

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage delegated tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "parent",
						Usage: "Filter by parent session ID",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:  "launch",
				Usage: "Launch a task (blocks until admitted or refused)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "agent", Usage: "Resource key, e.g. anthropic/sonnet", Required: true},
					&cli.StringFlag{Name: "prompt", Usage: "Task prompt", Required: true},
					&cli.StringFlag{Name: "description", Usage: "Short description"},
					&cli.StringFlag{Name: "model", Usage: "Model override"},
					&cli.StringFlag{Name: "parent", Usage: "Parent session ID to notify on completion"},
				},
				Action: runTasksLaunch,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "Cancellation reason"},
				},
				Action: runTasksCancel,
			},
			{
				Name:      "resume",
				Usage:     "Resume a task session",
				ArgsUsage: "<session_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prompt", Usage: "Follow-up prompt"},
				},
				Action: runTasksResume,
			},
		},
		DefaultCommand: "list",
	}
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	client, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := client.ListTasks(cmd.String("parent"))
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	var list []taskView
	if err := json.Unmarshal(payload, &list); err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tTOOLS\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.Status, t.Agent, t.Progress.ToolCalls, t.Description)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: taskherd tasks show <task_id>")
	}

	client, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := client.CheckTask(taskID)
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}

	var t taskView
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Session:     %s\n", t.SessionID)
	if t.ParentSessionID != "" {
		fmt.Printf("Parent:      %s\n", t.ParentSessionID)
	}
	fmt.Printf("Agent:       %s\n", t.Agent)
	if t.Model != "" {
		fmt.Printf("Model:       %s\n", t.Model)
	}
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Queued:      %s\n", t.QueuedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	if t.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", t.Description)
	}

	if t.Progress.ToolCalls > 0 {
		fmt.Printf("\nProgress: %d tool calls", t.Progress.ToolCalls)
		if t.Progress.LastTool != "" {
			fmt.Printf(", last %s", t.Progress.LastTool)
		}
		fmt.Println()
		if t.Progress.LastMessage != "" {
			fmt.Printf("  %s\n", t.Progress.LastMessage)
		}
	}

	if t.Error != "" {
		fmt.Printf("\nError: %s\n", t.Error)
	}
	if t.Result != "" {
		fmt.Printf("\nResult:\n%s\n", t.Result)
	}

	return nil
}

func runTasksLaunch(ctx context.Context, cmd *cli.Command) error {
	client, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := client.LaunchTask(wsprotocol.LaunchParams{
		Description:     cmd.String("description"),
		Prompt:          cmd.String("prompt"),
		Agent:           cmd.String("agent"),
		Model:           cmd.String("model"),
		ParentSessionID: cmd.String("parent"),
	})
	if err != nil {
		return fmt.Errorf("launch task: %w", err)
	}

	var t taskView
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}

	fmt.Printf("Task %s launched (session %s, status %s).\n", t.ID, t.SessionID, t.Status)
	return nil
}

func runTasksCancel(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: taskherd tasks cancel <task_id>")
	}

	client, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.CancelTask(taskID, cmd.String("reason")); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	fmt.Printf("Task %s cancelled.\n", taskID)
	return nil
}

func runTasksResume(ctx context.Context, cmd *cli.Command) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: taskherd tasks resume <session_id>")
	}

	client, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := client.ResumeTask(wsprotocol.ResumeParams{
		SessionID: sessionID,
		Prompt:    cmd.String("prompt"),
	})
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}

	var t taskView
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}

	fmt.Printf("Task %s resumed (status %s).\n", t.ID, t.Status)
	return nil
}
