//go:build !windows

package command

import (
	"os/exec"
	"syscall"
)

// configureSysProc starts the child in its own process group so the whole
// tree can be signalled through the group id.
func configureSysProc(cmd *exec.Cmd, _ Command) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
