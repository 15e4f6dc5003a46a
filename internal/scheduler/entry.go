package scheduler

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventTrigger describes an event-based trigger for a schedule entry.
type EventTrigger struct {
	Event  string            `json:"event"`
	Filter map[string]string `json:"filter,omitempty"`
}

// TaskTemplate defines the launch request issued on each trigger.
type TaskTemplate struct {
	Description     string `json:"description"`
	Prompt          string `json:"prompt"`
	Agent           string `json:"agent"`
	Model           string `json:"model,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
}

// Entry is a persisted schedule: a task template plus a cron, interval, or
// event trigger.
type Entry struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	CronSpec    string        `json:"cron_spec,omitempty"`
	IntervalSec int           `json:"interval_sec,omitempty"`
	OnEvent     *EventTrigger `json:"on_event,omitempty"`
	Template    TaskTemplate  `json:"template"`
	CooldownSec int           `json:"cooldown_sec"`
	MaxRuns     int           `json:"max_runs,omitempty"`
	RunCount    int           `json:"run_count"`
	Enabled     bool          `json:"enabled"`
	CreatedAt   time.Time     `json:"created_at"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
}

// GenerateScheduleID creates a unique schedule identifier with "sched_" prefix.
func GenerateScheduleID() string {
	u := uuid.New().String()
	return "sched_" + strings.ReplaceAll(u[:8], "-", "")
}
