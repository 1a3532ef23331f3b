//go:build windows

package command

import (
	"os/exec"
	"strings"
	"syscall"
)

// configureSysProc hides console windows and, for shell lines, hands the
// command line to the OS exactly as built.
func configureSysProc(cmd *exec.Cmd, c Command) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: 0x08000000, // CREATE_NO_WINDOW
	}
	if c.Verbatim {
		cmd.SysProcAttr.CmdLine = c.Program + " " + strings.Join(c.Args, " ")
	}
}
