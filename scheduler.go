package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mrexodia/procrun/command"
	"github.com/mrexodia/procrun/config"
	"github.com/mrexodia/procrun/supervisor"
	"github.com/mrexodia/procrun/webhook"
)

// runner is the part of the supervisor the scheduler drives
type runner interface {
	Run(ctx context.Context, req supervisor.Request) error
}

// scheduler runs tasks on their cron schedules. Overlapping fires are
// skipped by the supervisor because the previous run is still registered.
type scheduler struct {
	cron    *cron.Cron
	entries map[string]entry

	sup      runner
	notifier *webhook.Notifier
	retries  int
	log      *slog.Logger

	mu          sync.Mutex
	failures    map[string]int
	webhookSent map[string]bool
	webhookWg   sync.WaitGroup
}

// entry is a task registered with cron
type entry struct {
	id       cron.EntryID
	schedule string
	command  string
}

func newScheduler(sup runner, notifier *webhook.Notifier, retries int, log *slog.Logger) *scheduler {
	return &scheduler{
		cron:        cron.New(),
		entries:     make(map[string]entry),
		sup:         sup,
		notifier:    notifier,
		retries:     retries,
		log:         log,
		failures:    make(map[string]int),
		webhookSent: make(map[string]bool),
	}
}

// add registers a task with the cron scheduler
func (s *scheduler) add(ctx context.Context, task *config.Task, opts config.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[task.Name]; exists {
		s.cron.Remove(e.id)
		delete(s.entries, task.Name)
	}

	c, err := command.Build(task, opts, nil, runtime.GOOS)
	if err != nil {
		return err
	}

	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		s.runTask(ctx, task, opts)
	})
	if err != nil {
		return fmt.Errorf("failed to parse cron schedule %q: %w", task.Schedule, err)
	}

	s.entries[task.Name] = entry{id: entryID, schedule: task.Schedule, command: c.String()}
	return nil
}

func (s *scheduler) runTask(ctx context.Context, task *config.Task, opts config.Options) {
	runID := uuid.NewString()
	s.log.Info("scheduled run", "task", task.Name, "run", runID)
	err := s.sup.Run(ctx, supervisor.Request{Task: task, Options: opts, RunID: runID})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error(err.Error(), "task", task.Name, "run", runID)
	}
	s.recordResult(ctx, task.Name, runID, err)
}

// next returns the next scheduled run time for a task
func (s *scheduler) next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[name]
	if !exists {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

func (s *scheduler) start() {
	s.cron.Start()
}

// stop stops the cron scheduler, waits for running jobs and pending webhooks
func (s *scheduler) stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		s.webhookWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for pending webhooks")
	}
}

// recordResult tracks consecutive failures and sends the failure webhook
// once a task has failed retries times in a row
func (s *scheduler) recordResult(ctx context.Context, name, runID string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runErr == nil {
		delete(s.failures, name)
		delete(s.webhookSent, name)
		return
	}
	if errors.Is(runErr, context.Canceled) {
		return
	}

	s.failures[name]++
	consecutive := s.failures[name]

	if consecutive < s.retries || s.webhookSent[name] || !s.notifier.Enabled() {
		return
	}

	e := s.entries[name]
	payload := webhook.FailurePayload{
		Task:                name,
		RunID:               runID,
		Command:             e.command,
		Schedule:            e.schedule,
		Timestamp:           time.Now(),
		ExitCode:            -1,
		Error:               runErr.Error(),
		ConsecutiveFailures: consecutive,
	}
	var exitErr *supervisor.ExitError
	if errors.As(runErr, &exitErr) {
		payload.ExitCode = exitErr.Code
	}

	s.webhookWg.Add(1)
	go func() {
		defer s.webhookWg.Done()
		if err := s.notifier.NotifyFailure(context.WithoutCancel(ctx), payload); err != nil {
			s.log.Warn("failed to send webhook", "task", name, "run", runID, "error", err)
		} else {
			s.log.Info("webhook sent", "task", name, "failures", consecutive)
		}
	}()

	s.webhookSent[name] = true
}
