// Package proc encapsulates the platform-specific pieces of subprocess
// management: shell selection and process-tree termination. The rest of the
// core does not branch on GOOS.
package proc

import (
	"context"
	"os/exec"
)

// ShellCommand builds an *exec.Cmd that runs cmdline through the OS shell.
// On Windows cmd.exe is forced to avoid PowerShell token expansion.
func ShellCommand(ctx context.Context, cmdline string) *exec.Cmd {
	return shellCommand(ctx, cmdline)
}

// Command builds an *exec.Cmd that runs name with args directly, no shell.
func Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// KillTree terminates the process with the given pid and all of its
// children. On POSIX the process must have been started in its own process
// group (see SetNewProcessGroup).
func KillTree(pid int) error {
	return killTree(pid)
}

// SetNewProcessGroup configures cmd so the spawned process gets its own
// process group, making KillTree able to take the whole tree down.
func SetNewProcessGroup(cmd *exec.Cmd) {
	setNewProcessGroup(cmd)
}
