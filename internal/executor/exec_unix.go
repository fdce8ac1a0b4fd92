//go:build !windows

package executor

import (
	"context"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// shellCommand builds the platform shell invocation. The command runs
// in its own process group so that a timeout kills the shell and
// everything it spawned, not just the shell itself.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid targets the whole process group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	return cmd
}
