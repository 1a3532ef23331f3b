//go:build !windows

package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// startProcess starts cmd. The command package has already placed it in its
// own process group, which is what lets the whole tree be signalled later.
func startProcess(cmd *exec.Cmd, _ string, _ bool) (io.Closer, error) {
	return nil, cmd.Start()
}

// terminate asks the process group to exit
func terminate(h *Handle) error {
	return signalGroup(h, unix.SIGTERM)
}

// kill forcibly ends the process group
func kill(h *Handle) error {
	return signalGroup(h, unix.SIGKILL)
}

// guardStop is used by the exit guard
func guardStop(h *Handle) error {
	return terminate(h)
}

func signalGroup(h *Handle, sig unix.Signal) error {
	if h.Exited() {
		return nil
	}

	err := unix.Kill(-h.pid, sig)
	if err == nil {
		return nil
	}
	if err != unix.ESRCH {
		return err
	}

	// Not a group leader, signal the process alone
	if h.proc == nil {
		return nil
	}
	if err := h.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
