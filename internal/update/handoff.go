package update

import (
	"fmt"
	"os"
	"os/exec"
)

// handoff launches the external updater located at updaterPath,
// detached from the current process so it survives this process's exit,
// and with stdin left unconnected.
func (e *Engine) handoff(updaterPath, newVersion string) error {
	args := []string{
		"--new-version", newVersion,
		"--old-version", e.currentVersion,
		"--source-path", e.extractDir(newVersion),
		"--service-wait-timeout", fmt.Sprintf("%d", int(e.serviceWaitTimeout.Seconds())),
		"--watchdog-period", fmt.Sprintf("%d", int(e.watchdogPeriod.Seconds())),
	}

	cmd := exec.Command(updaterPath, args...)
	cmd.Dir = e.extractDir(newVersion)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("update: start updater: %w", err)
	}

	// The updater is now independent; releasing our handle does not
	// affect it. We do not Wait(); the parent is about to shut down.
	go func() {
		_ = cmd.Process.Release()
	}()

	return nil
}

// verifyUpdaterExists is a cheap precondition check surfaced separately
// from the magic-byte sniff so a missing-file error reads distinctly
// from a wrong-format error in logs.
func verifyUpdaterExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("update: updater executable not found: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("update: updater path %q is a directory", path)
	}
	return nil
}
