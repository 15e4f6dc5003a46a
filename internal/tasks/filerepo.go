package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileRepository persists each task as <task_id>.json under a base directory.
// Writes go through a temp file + rename so a record is either the previous
// version or the new one, never a torn write. The directory is created
// lazily on first save.
type FileRepository struct {
	baseDir string
}

// NewFileRepository creates a FileRepository rooted at baseDir.
func NewFileRepository(baseDir string) *FileRepository {
	return &FileRepository{baseDir: baseDir}
}

// LoadAll reads every task record in the base directory. Records that fail
// to parse are skipped with a warning; a missing directory yields no tasks.
func (r *FileRepository) LoadAll() ([]*Task, error) {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	var out []*Task
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.baseDir, name))
		if err != nil {
			slog.Warn("skipping unreadable task record", "file", name, "error", err)
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			slog.Warn("skipping corrupt task record", "file", name, "error", err)
			continue
		}
		if t.ID == "" {
			slog.Warn("skipping task record without id", "file", name)
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// Save writes the full task record to disk, replacing any previous version.
func (r *FileRepository) Save(t *Task) error {
	if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	path := r.path(t.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename task %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes a task record. Unknown ids are a no-op.
func (r *FileRepository) Delete(id string) error {
	if err := os.Remove(r.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.baseDir, id+".json")
}
