//go:build unix

package dispatch

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// setProcessGroup starts the worker as the leader of a new process group so
// that killProcessGroup also reaches anything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// startPTY starts cmd in a new session with a pseudo-terminal on stdout and
// stderr. Stdin stays the prompt file, so the controlling terminal is taken
// from fd 1.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.StartWithAttrs(cmd, nil, &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 1})
}
