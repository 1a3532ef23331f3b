package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mrexodia/procrun/registry"
)

// Handle is a live reference to an OS process: either a child spawned by
// this instance or a process from another invocation attached by pid.
type Handle struct {
	name     string
	pid      int
	proc     *os.Process
	job      io.Closer
	detached bool

	done     chan struct{}
	once     sync.Once
	jobOnce  sync.Once
	mu       sync.Mutex
	exitCode int
}

func newHandle(name string, pid int, proc *os.Process, job io.Closer, detached bool) *Handle {
	return &Handle{
		name:     name,
		pid:      pid,
		proc:     proc,
		job:      job,
		detached: detached,
		done:     make(chan struct{}),
	}
}

// attach re-acquires a process by pid. The handle closes once the process
// is no longer alive, checked every interval.
func attach(name string, pid int, interval time.Duration) *Handle {
	proc, err := os.FindProcess(pid)
	if err != nil {
		proc = nil
	}

	h := newHandle(name, pid, proc, nil, true)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if !registry.Alive(pid) {
				h.finish(-1)
				return
			}
			select {
			case <-ticker.C:
			case <-h.done:
				return
			}
		}
	}()
	return h
}

// Name returns the task name
func (h *Handle) Name() string {
	return h.name
}

// PID returns the process id
func (h *Handle) PID() int {
	return h.pid
}

// Detached reports whether the process is meant to outlive this instance
func (h *Handle) Detached() bool {
	return h.detached
}

// Done returns a channel closed when the process has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 when unknown or still running
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.Exited() {
		return -1
	}
	return h.exitCode
}

func (h *Handle) finish(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitCode = code
		h.mu.Unlock()
		h.closeJob()
		close(h.done)
	})
}

func (h *Handle) closeJob() {
	h.jobOnce.Do(func() {
		if h.job != nil {
			_ = h.job.Close()
		}
	})
}

// exitCode maps the result of cmd.Wait to a process exit code. The process
// state wins over err, which may only describe the output copy.
func exitCode(state *os.ProcessState, err error) int {
	if state != nil {
		return state.ExitCode()
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}
