package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mrexodia/procrun/command"
	"github.com/mrexodia/procrun/config"
	"github.com/mrexodia/procrun/ready"
	"github.com/mrexodia/procrun/registry"
)

// run is the state of a single Supervisor.Run call
type run struct {
	s        *Supervisor
	name     string
	scope    registry.Scope
	opts     config.Options
	waitMode bool
	log      *slog.Logger

	handle   *Handle
	detector *ready.Detector

	// gate holds back output until the pid is recorded
	gate    chan struct{}
	discard atomic.Bool

	stopTail chan struct{}
	tails    sync.WaitGroup

	result   chan error
	once     sync.Once
	failOnce sync.Once
}

func newRun(s *Supervisor, name string, scope registry.Scope, opts config.Options, waitMode bool, log *slog.Logger) *run {
	return &run{
		s:        s,
		name:     name,
		scope:    scope,
		opts:     opts,
		waitMode: waitMode,
		log:      log,
		detector: ready.NewDetector(opts.Ready, opts.ReadyBufferLength),
		gate:     make(chan struct{}),
		stopTail: make(chan struct{}),
		result:   make(chan error, 1),
	}
}

func (r *run) execute(ctx context.Context, c command.Command) error {
	cmd := c.Cmd()
	global := r.scope == registry.Global

	var logs *logFiles
	if global {
		var err error
		logs, err = openLogFiles(r.s.logDir, r.name)
		if err != nil {
			return err
		}
		cmd.Stdout = logs.stdout
		cmd.Stderr = logs.stderr
	} else {
		cmd.Stdout = r.relay(r.s.stdout, false)
		cmd.Stderr = r.relay(r.s.stderr, true)
	}

	r.log.Debug("starting", "command", c.String(), "dir", c.Dir, "scope", r.scope)

	job, err := startProcess(cmd, r.name, global)
	if err != nil {
		logs.close()
		r.log.Error("failed to start", "error", err)
		return &SpawnError{Name: r.name, Err: err}
	}

	r.handle = newHandle(r.name, cmd.Process.Pid, cmd.Process, job, global)
	r.s.running.Add(r.handle)
	go r.monitor(cmd)

	if err := r.s.reg.Record(r.name, r.scope, r.handle.pid); err != nil {
		r.discard.Store(true)
		close(r.gate)
		logs.close()
		if err := kill(r.handle); err != nil {
			r.log.Warn("failed to kill task", "pid", r.handle.pid, "error", err)
		}
		if errors.Is(err, registry.ErrAlreadyRunning) {
			r.log.Warn("task is already running")
			return nil
		}
		return fmt.Errorf("failed to record %s: %w", r.name, err)
	}

	r.log.Info("started", "pid", r.handle.pid)

	if global {
		r.follow(logs)
		logs.close()
	}
	close(r.gate)

	if r.waitMode {
		return r.await(ctx, nil)
	}

	r.detector.Start()
	return r.await(ctx, r.detector.Ready())
}

// relay builds the writer for one output stream
func (r *run) relay(out io.Writer, stderr bool) io.Writer {
	rw := &relayWriter{
		gate:    r.gate,
		discard: &r.discard,
	}
	if !r.opts.Quiet {
		rw.out = out
	}
	if !r.waitMode && r.detector.Mode() == ready.Pattern {
		rw.feed = r.detector.Feed
	}
	if stderr && r.opts.FailOnError {
		rw.onData = r.failOnErrorOutput
	}
	return rw
}

// follow tails the log files of a global run into the host streams
func (r *run) follow(logs *logFiles) {
	stdoutPath, stderrPath := logs.stdout.Name(), logs.stderr.Name()
	streams := []struct {
		path   string
		offset int64
		w      io.Writer
	}{
		{stdoutPath, logs.stdoutOffset, r.relay(r.s.stdout, false)},
		{stderrPath, logs.stderrOffset, r.relay(r.s.stderr, true)},
	}

	for _, st := range streams {
		r.tails.Add(1)
		go func(path string, offset int64, w io.Writer) {
			defer r.tails.Done()
			follow(path, offset, w, r.stopTail)
		}(st.path, st.offset, st.w)
	}
}

func (r *run) failOnErrorOutput() {
	r.failOnce.Do(func() {
		r.log.Error("error output received, killing task", "pid", r.handle.pid)
		r.detector.Stop()
		if err := kill(r.handle); err != nil {
			r.log.Warn("failed to kill task", "pid", r.handle.pid, "error", err)
		}
		r.complete(fmt.Errorf("%s: %w", r.name, ErrErrorOutput))
	})
}

func (r *run) complete(err error) {
	r.once.Do(func() {
		r.result <- err
	})
}

func (r *run) await(ctx context.Context, readyCh <-chan struct{}) error {
	select {
	case err := <-r.result:
		return err
	case <-readyCh:
		r.log.Info("ready", "pid", r.handle.pid, "mode", r.detector.Mode())
		return nil
	case <-ctx.Done():
		r.detector.Stop()
		if err := terminate(r.handle); err != nil {
			r.log.Warn("failed to terminate task", "pid", r.handle.pid, "error", err)
		}
		r.complete(ctx.Err())
		return ctx.Err()
	}
}

// monitor observes the close of the child and finalizes the run. Wait
// returns once the process has exited and its output pipes are closed, so
// background descendants holding the pipes keep being relayed.
func (r *run) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()
	code := exitCode(cmd.ProcessState, err)
	if err != nil && code == 0 {
		r.log.Debug("output copy failed", "error", err)
	}

	<-r.gate
	close(r.stopTail)
	r.tails.Wait()

	r.finalize(code)
}

func (r *run) finalize(code int) {
	r.handle.finish(code)
	r.s.running.Remove(r.handle)
	if err := r.s.reg.Release(r.name, r.scope, r.handle.pid); err != nil {
		r.log.Warn("failed to clear registry entry", "error", err)
	}

	r.log.Debug("exited", "pid", r.handle.pid, "code", code)

	if r.waitMode {
		r.complete(exitResult(r.name, code))
		return
	}

	// A pattern that never matched turns the exit into the completion.
	// A pending timer is left to fire.
	if r.detector.Mode() == ready.Pattern {
		r.detector.Stop()
		select {
		case <-r.detector.Ready():
		default:
			r.complete(exitResult(r.name, code))
		}
	}
}

// relayWriter fans one child stream out to the host stream, the readiness
// matcher and the failOnError hook
type relayWriter struct {
	gate    <-chan struct{}
	discard *atomic.Bool
	out     io.Writer
	feed    func([]byte)
	onData  func()
}

func (w *relayWriter) Write(p []byte) (int, error) {
	<-w.gate
	if w.discard.Load() {
		return len(p), nil
	}

	if w.onData != nil {
		w.onData()
	}
	if w.out != nil {
		w.out.Write(p)
	}
	if w.feed != nil {
		w.feed(p)
	}
	return len(p), nil
}
