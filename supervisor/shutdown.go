package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrexodia/procrun/registry"
)

// Outcome is the result of a stop or wait request
type Outcome int

const (
	// AlreadyStopped means no live process was found under the name
	AlreadyStopped Outcome = iota + 1
	// Stopped means a live process was found and has now exited
	Stopped
)

func (o Outcome) String() string {
	switch o {
	case AlreadyStopped:
		return "already stopped"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stop terminates the process recorded under name, looking in the local
// scope first and then the global one, and waits for it to exit.
//
// Every handle sharing the recorded pid is signalled: the child held by this
// instance and, when the pid is alive but not held here, a handle attached
// by pid. The registry entry is cleared whatever the outcome. A process that
// ignores termination for StopTimeout is killed.
func (s *Supervisor) Stop(ctx context.Context, name string) (Outcome, error) {
	log := s.log.With("task", name)

	rec, ok, err := s.reg.LookupAny(registry.Stop, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return AlreadyStopped, nil
	}

	if err := s.reg.Clear(name, rec.Scope); err != nil {
		log.Warn("failed to clear registry entry", "error", err)
	}

	handles := s.running.ByPID(rec.PID)
	if len(handles) == 0 && registry.Alive(rec.PID) {
		h := attach(name, rec.PID, s.pollInterval)
		s.running.Add(h)
		go func() {
			<-h.Done()
			s.running.Remove(h)
		}()
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		return AlreadyStopped, nil
	}

	log.Info("stopping", "pid", rec.PID, "scope", rec.Scope, "handles", len(handles))

	var errs []error
	for _, h := range handles {
		if err := terminate(h); err != nil && !h.Exited() {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(handles) {
		return 0, fmt.Errorf("failed to stop %s (pid %d): %w", name, rec.PID, errors.Join(errs...))
	}

	if err := s.awaitAll(ctx, handles); err != nil {
		return 0, err
	}
	return Stopped, nil
}

// awaitAll waits until every handle has exited, killing the ones still
// running after the stop timeout
func (s *Supervisor) awaitAll(ctx context.Context, handles []*Handle) error {
	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	for _, h := range handles {
		for !h.Exited() {
			select {
			case <-h.Done():
			case <-timer.C:
				for _, other := range handles {
					if other.Exited() {
						continue
					}
					s.log.Warn("task did not stop in time, killing", "task", other.name, "pid", other.pid, "timeout", s.stopTimeout)
					if err := kill(other); err != nil {
						s.log.Warn("failed to kill task", "task", other.name, "pid", other.pid, "error", err)
					}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Wait blocks until the process recorded under name exits. Only processes
// held by this instance can be waited on; anything else reports
// AlreadyStopped.
func (s *Supervisor) Wait(ctx context.Context, name string) (Outcome, error) {
	rec, ok, err := s.reg.LookupAny(registry.Wait, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return AlreadyStopped, nil
	}

	handles := s.running.ByPID(rec.PID)
	if len(handles) == 0 {
		return AlreadyStopped, nil
	}

	s.log.Debug("waiting", "task", name, "pid", rec.PID)
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return Stopped, nil
}
