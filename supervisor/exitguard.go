package supervisor

import (
	"log/slog"
	"sync"
)

// ExitGuard terminates every process a supervisor still holds when the host
// is shutting down. Detached (global) runs are left alone.
type ExitGuard struct {
	running *RunningSet
	log     *slog.Logger
	once    sync.Once
}

// NewExitGuard creates a guard over the handles of s
func NewExitGuard(s *Supervisor) *ExitGuard {
	return &ExitGuard{
		running: s.running,
		log:     s.log,
	}
}

// Fire signals every held process once. It does not wait for them to exit,
// and calls after the first are no-ops.
func (g *ExitGuard) Fire() {
	g.once.Do(func() {
		for _, h := range g.running.Snapshot() {
			if h.Detached() || h.Exited() {
				continue
			}
			g.log.Debug("terminating on exit", "task", h.name, "pid", h.pid)
			if err := guardStop(h); err != nil {
				g.log.Warn("failed to terminate task on exit", "task", h.name, "pid", h.pid, "error", err)
			}
		}
	})
}
