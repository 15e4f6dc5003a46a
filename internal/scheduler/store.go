package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store persists schedule entries as a single JSON list, rewritten
// atomically on every change.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
}

// NewStore loads the schedule list at path. A missing file yields an empty
// store; an unreadable one is logged and treated as empty rather than
// blocking startup.
func NewStore(path string) *Store {
	s := &Store{path: path, entries: make(map[string]*Entry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("schedule store unreadable, starting empty", "path", path, "error", err)
		}
		return s
	}

	var list []*Entry
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Warn("schedule store corrupt, starting empty", "path", path, "error", err)
		return s
	}
	for _, e := range list {
		if e.ID == "" {
			continue
		}
		s.entries[e.ID] = e
	}
	return s
}

// Create persists a new schedule entry.
func (s *Store) Create(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = GenerateScheduleID()
	}
	if _, exists := s.entries[e.ID]; exists {
		return fmt.Errorf("schedule %s already exists", e.ID)
	}
	e.CreatedAt = time.Now()
	s.entries[e.ID] = e
	return s.flushLocked()
}

// Get returns a schedule entry by ID.
func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Update rewrites an existing entry.
func (s *Store) Update(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; !ok {
		return fmt.Errorf("schedule %s not found", e.ID)
	}
	s.entries[e.ID] = e
	return s.flushLocked()
}

// Delete removes an entry. Deleting an unknown ID is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return nil
	}
	delete(s.entries, id)
	return s.flushLocked()
}

// List returns all entries sorted by CreatedAt ascending.
func (s *Store) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) flushLocked() error {
	list := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedule dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedules: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename schedules: %w", err)
	}
	return nil
}
