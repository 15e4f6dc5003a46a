package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTaskherdPath_Default(t *testing.T) {
	t.Setenv("TASKHERD_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := TaskherdPath()
	want := filepath.Join(home, ".taskherd")
	if got != want {
		t.Errorf("TaskherdPath() = %q, want %q", got, want)
	}
}

func TestTaskherdPath_EnvOverride(t *testing.T) {
	t.Setenv("TASKHERD_PATH", "/tmp/custom-herd")

	got := TaskherdPath()
	want := "/tmp/custom-herd"
	if got != want {
		t.Errorf("TaskherdPath() = %q, want %q", got, want)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("TASKHERD_PATH", "/tmp/test-herd")

	got := ConfigPath()
	want := "/tmp/test-herd/config.jsonc"
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv("TASKHERD_PATH", "/tmp/test-herd")

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"dotenv", DotenvPath, "/tmp/test-herd/.env"},
		{"schedules", SchedulesPath, "/tmp/test-herd/schedules.json"},
		{"heartbeat", HeartbeatPath, "/tmp/test-herd/heartbeat.json"},
		{"eventlog", EventLogDir, "/tmp/test-herd/events"},
	}
	for _, tt := range tests {
		if got := tt.fn(); got != tt.want {
			t.Errorf("%s path = %q, want %q", tt.name, got, tt.want)
		}
	}
}
