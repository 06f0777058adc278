//go:build windows

package dispatch

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty is not supported on windows")
}
