package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskherd/taskherd/internal/events"
)

// Sweeper defaults.
const (
	DefaultSweepInterval  = time.Minute
	DefaultTaskTimeout    = 30 * time.Minute
	DefaultStaleThreshold = 5 * time.Minute
)

// SweeperConfig holds dependencies and thresholds for a Sweeper.
type SweeperConfig struct {
	Manager     *Manager
	Interval    time.Duration // 0 = DefaultSweepInterval
	TaskTimeout time.Duration // 0 = DefaultTaskTimeout
	StaleAfter  time.Duration // 0 = DefaultStaleThreshold
	OnStale     func(t *Task) // optional; invoked once per sweep per stale task
	Bus         *events.Bus   // optional
}

// Sweeper periodically force-errors timed-out tasks, expires old
// notifications, and escalates stale running tasks. Passes run strictly one
// at a time: the loop finishes a sweep before honoring the next tick, and
// Stop waits for an in-progress sweep to complete.
type Sweeper struct {
	manager     *Manager
	interval    time.Duration
	taskTimeout time.Duration
	staleAfter  time.Duration
	onStale     func(t *Task)
	bus         *events.Bus

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper from cfg, applying defaults for zero values.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		manager:     cfg.Manager,
		interval:    cfg.Interval,
		taskTimeout: cfg.TaskTimeout,
		staleAfter:  cfg.StaleAfter,
		onStale:     cfg.OnStale,
		bus:         cfg.Bus,
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.taskTimeout <= 0 {
		s.taskTimeout = DefaultTaskTimeout
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleThreshold
	}
	return s
}

// Start launches the sweep loop in a background goroutine. Calling Start on
// a running sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("liveness sweeper started", "interval", s.interval, "task_timeout", s.taskTimeout, "stale_after", s.staleAfter)
}

// Stop cancels the loop and waits for any in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

// Sweep runs one full pass at the given reference time. Exported so tests
// and operators can force a pass without waiting for the ticker.
func (s *Sweeper) Sweep(now time.Time) {
	s.timeoutPass(now)
	s.notificationGC(now)
	s.stalePass(now)
}

// timeoutPass expires running and queued tasks whose age exceeds the task
// timeout. Expiry releases the slot, clears notifications, and deletes the
// record entirely.
func (s *Sweeper) timeoutPass(now time.Time) {
	for _, t := range s.manager.All() {
		if t.Status != StatusRunning && t.Status != StatusQueued {
			continue
		}
		ref := t.QueuedAt
		if t.StartedAt != nil {
			ref = *t.StartedAt
		}
		age := now.Sub(ref)
		if age <= s.taskTimeout {
			continue
		}
		s.manager.expire(t.ID, fmt.Sprintf("timed out after %s (limit %s)", age.Truncate(time.Second), s.taskTimeout))
	}
}

// notificationGC drops notifications older than the task timeout window.
func (s *Sweeper) notificationGC(now time.Time) {
	if n := s.manager.notifications.PruneOlderThan(now.Add(-s.taskTimeout)); n > 0 {
		slog.Debug("expired notifications dropped", "count", n)
	}
}

// stalePass handles running tasks that stopped reporting progress. With a
// callback configured the decision is delegated: the callback fires once per
// sweep for each stale task and the sweeper changes nothing. Without one,
// tasks get a grace window of one threshold, then are force-errored once
// inactivity crosses twice the threshold so unmonitored tasks cannot hang
// forever.
func (s *Sweeper) stalePass(now time.Time) {
	for _, t := range s.manager.Running() {
		inactivity := now.Sub(t.lastActivity())
		if inactivity <= s.staleAfter {
			continue
		}

		if s.onStale != nil {
			s.publishStale(t, inactivity, false)
			s.onStale(t)
			continue
		}

		if inactivity <= 2*s.staleAfter {
			continue
		}
		reason := fmt.Sprintf("no activity for %s (stale threshold %s)", inactivity.Truncate(time.Second), s.staleAfter)
		err := s.manager.UpdateStatus(t.ID, StatusError, "", reason)
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			slog.Error("force-error stale task", "task_id", t.ID, "error", err)
			continue
		}
		slog.Warn("stale task force-errored", "task_id", t.ID, "inactivity", inactivity.Truncate(time.Second))
		s.publishStale(t, inactivity, true)
	}
}

func (s *Sweeper) publishStale(t *Task, inactivity time.Duration, forced bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewTypedEventWithSession(events.SourceSweeper, events.TaskStalePayload{
		TaskID:     t.ID,
		Inactivity: inactivity.Truncate(time.Second).String(),
		Forced:     forced,
	}, t.ParentSessionID))
}
