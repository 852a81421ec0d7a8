//go:build windows

package update

import (
	"os/exec"
	"syscall"
)

// detach starts the updater in its own process group so it is not
// signalled alongside this process when the service manager stops it,
// mirroring detach_unix.go's Setsid for non-Windows platforms.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
