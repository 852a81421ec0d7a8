//go:build linux || darwin

package update

import (
	"os/exec"
	"syscall"
)

// detach marks cmd to start in a new session so it is not a child of
// this process's process group and is not signalled alongside it (e.g.
// by the service manager sending SIGTERM to the group on stop).
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
