package commandqueue

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// DefaultHandlers returns a handler for every recognized CommandType,
// suitable as the map passed to New. console/cmd/powershell/bash invoke
// the matching interpreter; system and service dispatch to the per-OS
// verb tables.
func DefaultHandlers() map[model.CommandType]Handler {
	return map[model.CommandType]Handler{
		model.CommandConsole:    shellHandler(defaultShell()...),
		model.CommandCmd:        shellHandler("cmd", "/C"),
		model.CommandPowershell: shellHandler("powershell", "-NoProfile", "-NonInteractive", "-Command"),
		model.CommandBash:       shellHandler("bash", "-c"),
		model.CommandSystem:     systemHandler,
		model.CommandService:    serviceHandler,
	}
}

func defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"/bin/sh", "-c"}
}

// shellHandler returns a Handler invoking interpreter with cmd.Payload
// appended as its final argument, capturing stdout/stderr decoded as
// UTF-8 with replacement on invalid bytes.
func shellHandler(interpreter ...string) Handler {
	return func(ctx context.Context, cmd model.Command) model.CommandResult {
		args := append(append([]string{}, interpreter[1:]...), cmd.Payload)
		c := exec.CommandContext(ctx, interpreter[0], args...)
		if cmd.WorkingDir != "" {
			c.Dir = cmd.WorkingDir
		}
		return runCapturing(ctx, c, cmd)
	}
}

func runCapturing(ctx context.Context, c *exec.Cmd, cmd model.Command) model.CommandResult {
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	completedAt := time.Now().UTC()

	if ctx.Err() == context.DeadlineExceeded {
		return model.CommandResult{
			CommandID:    cmd.CommandID,
			Type:         cmd.Type,
			Success:      false,
			Stdout:       toUTF8(stdout.Bytes()),
			Stderr:       toUTF8(stderr.Bytes()),
			ErrorMessage: model.ErrTypeCommandTimeout,
			CompletedAt:  completedAt,
		}
	}

	result := model.CommandResult{
		CommandID:   cmd.CommandID,
		Type:        cmd.Type,
		Stdout:      toUTF8(stdout.Bytes()),
		Stderr:      toUTF8(stderr.Bytes()),
		CompletedAt: completedAt,
	}

	if err == nil {
		result.Success = true
		result.ExitCode = 0
		return result
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		result.ErrorMessage = exitErr.Error()
		return result
	}

	result.Success = false
	result.ErrorMessage = model.ErrTypeCommandSpawnFailed + ": " + err.Error()
	return result
}

// toUTF8 decodes b as UTF-8, substituting the replacement character for
// any invalid byte sequences rather than failing.
func toUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// systemVerbs maps a recognized system payload verb to its command line,
// built per-OS in svc_linux.go/svc_darwin.go/svc_windows.go.
var systemVerbs = map[string]func(context.Context) *exec.Cmd{
	"reboot":   rebootCmd,
	"shutdown": shutdownCmd,
	"logoff":   logoffCmd,
}

func systemHandler(ctx context.Context, cmd model.Command) model.CommandResult {
	verb := strings.TrimSpace(strings.ToLower(cmd.Payload))
	factory, ok := systemVerbs[verb]
	if !ok {
		return model.CommandResult{
			CommandID:    cmd.CommandID,
			Type:         cmd.Type,
			Success:      false,
			ErrorMessage: model.ErrTypeUnsupportedCommandType,
			CompletedAt:  time.Now().UTC(),
		}
	}
	return runCapturing(ctx, factory(ctx), cmd)
}

func serviceHandler(ctx context.Context, cmd model.Command) model.CommandResult {
	parts := strings.Fields(cmd.Payload)
	if len(parts) != 2 {
		return model.CommandResult{
			CommandID:    cmd.CommandID,
			Type:         cmd.Type,
			Success:      false,
			ErrorMessage: model.ErrTypeUnsupportedCommandType,
			CompletedAt:  time.Now().UTC(),
		}
	}
	verb, name := strings.ToLower(parts[0]), parts[1]
	switch verb {
	case "start", "stop", "restart", "status":
	default:
		return model.CommandResult{
			CommandID:    cmd.CommandID,
			Type:         cmd.Type,
			Success:      false,
			ErrorMessage: model.ErrTypeUnsupportedCommandType,
			CompletedAt:  time.Now().UTC(),
		}
	}
	return runCapturing(ctx, serviceCmd(ctx, verb, name), cmd)
}
