// Package scheduler fires recurring task launches from cron, interval, and
// event triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskherd/taskherd/internal/events"
	"github.com/taskherd/taskherd/internal/tasks"
)

// DefaultCooldown is the minimum interval between two triggers of the same
// cron or event entry.
const DefaultCooldown = 60 * time.Second

// Launcher is the slice of the task manager the scheduler needs.
type Launcher interface {
	Launch(ctx context.Context, req tasks.LaunchRequest) (*tasks.Task, error)
}

// Config holds dependencies for the scheduler.
type Config struct {
	Launcher Launcher
	Bus      *events.Bus
	Store    *Store // nil-safe: entries are not persisted without a store
}

// runtimeEntry is the in-memory representation of one schedule.
type runtimeEntry struct {
	entry    *Entry
	cron     *CronExpr
	cooldown time.Duration
	lastRun  time.Time
}

// Scheduler manages cron-based, interval-based, and event-triggered task
// launches.
type Scheduler struct {
	launcher Launcher
	bus      *events.Bus
	store    *Store

	mu      sync.Mutex
	entries map[string]*runtimeEntry

	done        chan struct{}
	unsubscribe func()
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		launcher: cfg.Launcher,
		bus:      cfg.Bus,
		store:    cfg.Store,
		entries:  make(map[string]*runtimeEntry),
		done:     make(chan struct{}),
	}
}

// Start loads persisted entries and begins the cron/interval tickers and the
// event subscription.
func (s *Scheduler) Start() {
	s.loadPersistedEntries()

	slog.Info("scheduler started", "entries", len(s.entries))

	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(s.handleEvent)
	}
	go s.cronLoop()
	go s.intervalLoop()
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	close(s.done)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	slog.Info("scheduler stopped")
}

// Add validates, persists, and registers a schedule entry.
func (s *Scheduler) Add(e *Entry) error {
	if e.CronSpec == "" && e.IntervalSec == 0 && e.OnEvent == nil {
		return fmt.Errorf("schedule entry must have cron, interval, or on_event trigger")
	}
	if e.IntervalSec > 0 && e.IntervalSec < 5 {
		return fmt.Errorf("interval must be at least 5 seconds")
	}
	if e.Template.Agent == "" {
		return fmt.Errorf("schedule template requires an agent")
	}

	re, err := newRuntimeEntry(e)
	if err != nil {
		return err
	}

	if e.ID == "" {
		e.ID = GenerateScheduleID()
	}

	if s.store != nil {
		if err := s.store.Create(e); err != nil {
			return fmt.Errorf("persist schedule: %w", err)
		}
	}

	s.mu.Lock()
	s.entries[e.ID] = re
	s.mu.Unlock()

	slog.Info("scheduler: added entry", "id", e.ID, "description", e.Description)
	return nil
}

// Remove removes a schedule entry by ID.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("schedule entry not found: %s", id)
	}
	delete(s.entries, id)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Delete(id); err != nil {
			slog.Warn("scheduler: delete persisted entry", "id", id, "error", err)
		}
	}

	slog.Info("scheduler: removed entry", "id", id)
	return nil
}

// Get returns a schedule entry by ID.
func (s *Scheduler) Get(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	re, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	cp := *re.entry
	return &cp, true
}

// List returns all registered entries.
func (s *Scheduler) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, re := range s.entries {
		cp := *re.entry
		out = append(out, &cp)
	}
	return out
}

func newRuntimeEntry(e *Entry) (*runtimeEntry, error) {
	re := &runtimeEntry{
		entry:    e,
		cooldown: time.Duration(e.CooldownSec) * time.Second,
	}
	if e.CronSpec != "" {
		expr, err := ParseCron(e.CronSpec)
		if err != nil {
			return nil, err
		}
		re.cron = expr
	}
	if re.cooldown == 0 {
		re.cooldown = DefaultCooldown
	}
	if e.LastRunAt != nil {
		re.lastRun = *e.LastRunAt
	}
	return re, nil
}

func (s *Scheduler) loadPersistedEntries() {
	if s.store == nil {
		return
	}

	for _, e := range s.store.List() {
		if !e.Enabled {
			continue
		}
		re, err := newRuntimeEntry(e)
		if err != nil {
			slog.Warn("scheduler: invalid persisted entry", "id", e.ID, "error", err)
			continue
		}
		s.entries[e.ID] = re
		slog.Info("scheduler: loaded persisted entry", "id", e.ID, "description", e.Description)
	}
}

func (s *Scheduler) cronLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkCron(now)
		}
	}
}

func (s *Scheduler) intervalLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkIntervals(now)
		}
	}
}

func (s *Scheduler) checkCron(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, re := range s.entries {
		if re.cron == nil || !re.entry.Enabled {
			continue
		}
		if !re.cron.Matches(now) {
			continue
		}
		if now.Sub(re.lastRun) < re.cooldown {
			continue
		}
		s.triggerLocked(re, now)
	}
}

func (s *Scheduler) checkIntervals(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, re := range s.entries {
		if re.entry.IntervalSec <= 0 || !re.entry.Enabled {
			continue
		}
		interval := time.Duration(re.entry.IntervalSec) * time.Second
		if now.Sub(re.lastRun) < interval {
			continue
		}
		s.triggerLocked(re, now)
	}
}

func (s *Scheduler) handleEvent(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, re := range s.entries {
		if re.entry.OnEvent == nil || !re.entry.Enabled {
			continue
		}
		if !MatchEvent(e, re.entry.OnEvent) {
			continue
		}
		if now.Sub(re.lastRun) < re.cooldown {
			continue
		}
		s.triggerLocked(re, now)
	}
}

// triggerLocked records the run and hands the launch to a goroutine, since a
// launch can block while a concurrency slot is queued. Caller must hold s.mu.
func (s *Scheduler) triggerLocked(re *runtimeEntry, now time.Time) {
	re.lastRun = now
	re.entry.RunCount++
	t := now
	re.entry.LastRunAt = &t

	if re.entry.MaxRuns > 0 && re.entry.RunCount >= re.entry.MaxRuns {
		re.entry.Enabled = false
		slog.Info("scheduler: entry reached max runs, disabled", "id", re.entry.ID, "runs", re.entry.RunCount)
	}

	if s.store != nil {
		cp := *re.entry
		if err := s.store.Update(&cp); err != nil {
			slog.Warn("scheduler: update persisted entry", "id", re.entry.ID, "error", err)
		}
	}

	id := re.entry.ID
	tmpl := re.entry.Template
	go s.launch(id, tmpl)
}

func (s *Scheduler) launch(scheduleID string, tmpl TaskTemplate) {
	task, err := s.launcher.Launch(context.Background(), tasks.LaunchRequest{
		Description:     tmpl.Description,
		Prompt:          tmpl.Prompt,
		Agent:           tmpl.Agent,
		Model:           tmpl.Model,
		ParentSessionID: tmpl.ParentSessionID,
	})

	payload := events.ScheduleFiredPayload{ScheduleID: scheduleID}
	switch {
	case err == nil:
		payload.TaskID = task.ID
		slog.Info("scheduler: launched task", "schedule_id", scheduleID, "task_id", task.ID)
	case isCapacityError(err):
		payload.Skipped = err.Error()
		slog.Warn("scheduler: launch skipped at capacity", "schedule_id", scheduleID, "error", err)
	default:
		payload.Skipped = err.Error()
		slog.Error("scheduler: launch failed", "schedule_id", scheduleID, "error", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.NewTypedEvent(events.SourceScheduler, payload))
	}
}

func isCapacityError(err error) bool {
	var ce *tasks.CapacityError
	return errors.As(err, &ce)
}
