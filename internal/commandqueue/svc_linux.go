//go:build linux

package commandqueue

import (
	"context"
	"os/exec"
	"os/user"
)

func rebootCmd(ctx context.Context) *exec.Cmd   { return exec.CommandContext(ctx, "systemctl", "reboot") }
func shutdownCmd(ctx context.Context) *exec.Cmd { return exec.CommandContext(ctx, "systemctl", "poweroff") }

func logoffCmd(ctx context.Context) *exec.Cmd {
	name := "nobody"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return exec.CommandContext(ctx, "pkill", "-KILL", "-u", name)
}

// serviceCmd maps start/stop/restart/status onto systemctl.
func serviceCmd(ctx context.Context, verb, name string) *exec.Cmd {
	return exec.CommandContext(ctx, "systemctl", verb, name)
}
