//go:build windows

package commandqueue

import (
	"context"
	"os/exec"
)

func rebootCmd(ctx context.Context) *exec.Cmd   { return exec.CommandContext(ctx, "shutdown", "/r", "/t", "0") }
func shutdownCmd(ctx context.Context) *exec.Cmd { return exec.CommandContext(ctx, "shutdown", "/s", "/t", "0") }
func logoffCmd(ctx context.Context) *exec.Cmd   { return exec.CommandContext(ctx, "shutdown", "/l") }

// serviceCmd maps start/stop/restart/status onto sc.exe query/start/stop,
// mirroring the net/sc verb pairs a Windows endpoint agent is expected to
// speak when asked to manage a named service.
func serviceCmd(ctx context.Context, verb, name string) *exec.Cmd {
	switch verb {
	case "status":
		return exec.CommandContext(ctx, "sc", "query", name)
	case "restart":
		return exec.CommandContext(ctx, "cmd", "/C", "sc stop "+name+" & sc start "+name)
	default:
		return exec.CommandContext(ctx, "sc", verb, name)
	}
}
