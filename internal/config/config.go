package config

import "time"

// Config is the root configuration for taskherd.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Tasks   TasksConfig   `json:"tasks"`
	Limits  LimitsConfig  `json:"limits"`
	Events  EventsConfig  `json:"events"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TasksConfig configures task storage and lifecycle ceilings.
type TasksConfig struct {
	Dir           string   `json:"dir"`            // task record directory (default: $TASKHERD_PATH/tasks)
	MaxInFlight   int      `json:"max_in_flight"`  // running+queued ceiling (default: 10)
	MaxQueued     int      `json:"max_queued"`     // queued-only ceiling (0 = disabled)
	TaskTimeout   Duration `json:"task_timeout"`   // force-error age (default: 30m)
	StaleAfter    Duration `json:"stale_after"`    // inactivity threshold (default: 5m)
	SweepInterval Duration `json:"sweep_interval"` // sweep cadence (default: 1m)
}

// LimitsConfig configures per-resource-key concurrency limits. A limit of 0
// means unlimited for that entry; keys of the form "provider/model" also
// match a bare "provider" entry in PerProvider.
type LimitsConfig struct {
	Default     int            `json:"default"`
	PerKey      map[string]int `json:"per_key,omitempty"`
	PerProvider map[string]int `json:"per_provider,omitempty"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
