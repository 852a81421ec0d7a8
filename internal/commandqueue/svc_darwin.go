//go:build darwin

package commandqueue

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
)

func rebootCmd(ctx context.Context) *exec.Cmd   { return exec.CommandContext(ctx, "shutdown", "-r", "now") }
func shutdownCmd(ctx context.Context) *exec.Cmd { return exec.CommandContext(ctx, "shutdown", "-h", "now") }

func logoffCmd(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, "launchctl", "bootout", fmt.Sprintf("user/%d", syscall.Getuid()))
}

func serviceCmd(ctx context.Context, verb, name string) *exec.Cmd {
	switch verb {
	case "status":
		return exec.CommandContext(ctx, "launchctl", "list", name)
	case "start":
		return exec.CommandContext(ctx, "launchctl", "kickstart", "-k", name)
	case "stop":
		return exec.CommandContext(ctx, "launchctl", "bootout", name)
	default:
		return exec.CommandContext(ctx, "launchctl", "kickstart", "-k", name)
	}
}
