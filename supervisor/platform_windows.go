//go:build windows

package supervisor

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	winjob "github.com/kolesnikovae/go-winjob"

	"github.com/mrexodia/procrun/registry"
)

// startProcess starts cmd inside a job object that kills the tree when
// closed. Detached processes get no job so they outlive this instance.
func startProcess(cmd *exec.Cmd, name string, detached bool) (io.Closer, error) {
	if detached {
		return nil, cmd.Start()
	}

	job, err := winjob.Create("procrun-"+name,
		winjob.WithKillOnJobClose(),
		winjob.WithBreakawayOK(),
	)
	if err != nil {
		return nil, fmt.Errorf("create job object: %w", err)
	}

	if err := winjob.StartInJobObject(cmd, job); err != nil {
		_ = job.Close()
		return nil, fmt.Errorf("start in job: %w", err)
	}

	return job, nil
}

// terminate kills the whole process tree; Windows has no polite equivalent
// of SIGTERM for windowless children.
func terminate(h *Handle) error {
	return killTree(h)
}

func kill(h *Handle) error {
	return killTree(h)
}

func guardStop(h *Handle) error {
	return killTree(h)
}

func killTree(h *Handle) error {
	if h.Exited() {
		return nil
	}

	cmd := exec.Command("taskkill", "/f", "/t", "/pid", strconv.Itoa(h.pid))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: 0x08000000, // CREATE_NO_WINDOW
	}
	out, err := cmd.CombinedOutput()

	h.closeJob()

	if err != nil && registry.Alive(h.pid) {
		return fmt.Errorf("taskkill %d: %w: %s", h.pid, err, strings.TrimSpace(string(out)))
	}
	return nil
}
