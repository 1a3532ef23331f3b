package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrexodia/procrun/command"
	"github.com/mrexodia/procrun/config"
	"github.com/mrexodia/procrun/registry"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Options configures a Supervisor
type Options struct {
	// Registry is required
	Registry *registry.Registry

	// Resolver supplies passArgs values
	Resolver command.Resolver

	// Stdout and Stderr receive relayed child output. Default to os.Stdout/os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger

	// Reentrant marks the bare "run" context, where only iterable tasks start
	Reentrant bool

	// GOOS selects command wrapping. Defaults to runtime.GOOS.
	GOOS string

	// LogDir holds the output files of global runs. Defaults to a "logs"
	// directory next to the registry document.
	LogDir string

	// StopTimeout bounds how long Stop waits after terminating before it kills
	StopTimeout time.Duration

	// PollInterval is how often attached processes are checked for exit
	PollInterval time.Duration
}

// Supervisor spawns tasks and tracks them until they exit
type Supervisor struct {
	reg       *registry.Registry
	resolver  command.Resolver
	stdout    io.Writer
	stderr    io.Writer
	log       *slog.Logger
	reentrant bool
	goos      string
	logDir    string

	stopTimeout  time.Duration
	pollInterval time.Duration

	running *RunningSet
}

// New creates a supervisor
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("supervisor requires a registry")
	}

	s := &Supervisor{
		reg:          opts.Registry,
		resolver:     opts.Resolver,
		stdout:       opts.Stdout,
		stderr:       opts.Stderr,
		log:          opts.Logger,
		reentrant:    opts.Reentrant,
		goos:         opts.GOOS,
		logDir:       opts.LogDir,
		stopTimeout:  opts.StopTimeout,
		pollInterval: opts.PollInterval,
		running:      NewRunningSet(),
	}

	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}
	s.stdout = &syncWriter{w: s.stdout}
	s.stderr = &syncWriter{w: s.stderr}

	if s.log == nil {
		s.log = slog.Default()
	}
	if s.goos == "" {
		s.goos = runtime.GOOS
	}
	if s.logDir == "" {
		s.logDir = filepath.Join(filepath.Dir(s.reg.Path()), "logs")
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = defaultStopTimeout
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}

	return s, nil
}

// Running returns the handles spawned by this supervisor
func (s *Supervisor) Running() *RunningSet {
	return s.running
}

// Request is a single run of a task
type Request struct {
	Task    *config.Task
	Options config.Options

	// Keepalive forces waiting for the process to exit
	Keepalive bool

	// RunID tags the run's log records. Generated when empty.
	RunID string
}

func scopeOf(opts config.Options) registry.Scope {
	if opts.Global {
		return registry.Global
	}
	return registry.Local
}

// Run starts a task and blocks until it completes or becomes ready.
//
// A waited run (wait option or Keepalive) returns when the process exits,
// with an *ExitError for a non-zero code. Otherwise Run returns once the
// readiness mode fires and the process keeps running; its exit is still
// observed to clean up the registry. A run skipped because the task is
// already running, or not iterable in the reentrant context, returns nil.
func (s *Supervisor) Run(ctx context.Context, req Request) error {
	task, opts := req.Task, req.Options
	scope := scopeOf(opts)
	log := s.log.With("task", task.Name)

	if s.reentrant && !opts.IsIterable() {
		log.Warn("skipping task that is not iterable, call it directly or from another task")
		return nil
	}

	rec, ok, err := s.reg.Lookup(registry.Stop, task.Name, scope)
	if err != nil {
		return err
	}
	if ok && registry.Alive(rec.PID) {
		log.Warn("task is already running", "pid", rec.PID)
		return nil
	}

	c, err := command.Build(task, opts, s.resolver, s.goos)
	if err != nil {
		return fmt.Errorf("failed to build command for %s: %w", task.Name, err)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r := newRun(s, task.Name, scope, opts, opts.Wait || req.Keepalive, log.With("run", runID))
	return r.execute(ctx, c)
}

// syncWriter serialises writes from concurrent runs to one host stream
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}
