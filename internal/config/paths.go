package config

import (
	"os"
	"path/filepath"
)

// TaskherdPath returns the root directory for taskherd data.
// It uses $TASKHERD_PATH if set, otherwise defaults to ~/.taskherd.
func TaskherdPath() string {
	if v := os.Getenv("TASKHERD_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".taskherd")
	}
	return filepath.Join(home, ".taskherd")
}

// ConfigPath returns the path to the taskherd config file.
func ConfigPath() string {
	return filepath.Join(TaskherdPath(), "config.jsonc")
}

// DotenvPath returns the path to the taskherd .env file.
func DotenvPath() string {
	return filepath.Join(TaskherdPath(), ".env")
}

// SchedulesPath returns the path to the persisted schedule list.
func SchedulesPath() string {
	return filepath.Join(TaskherdPath(), "schedules.json")
}

// HeartbeatPath returns the path to the daemon liveness file.
func HeartbeatPath() string {
	return filepath.Join(TaskherdPath(), "heartbeat.json")
}

// EventLogDir returns the directory for per-session event logs.
func EventLogDir() string {
	return filepath.Join(TaskherdPath(), "events")
}
