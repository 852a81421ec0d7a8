//go:build darwin

package vault

import (
	"fmt"
	"os/exec"
	"regexp"
)

var ioregUUID = regexp.MustCompile(`"IOPlatformUUID"\s*=\s*"([0-9A-F-]+)"`)

// MachineID reads the hardware UUID reported by ioreg, which is stable
// across reboots and reinstalls on Mac hardware.
type MachineID struct{}

func (MachineID) ID() (string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", fmt.Errorf("vault: ioreg: %w", err)
	}
	m := ioregUUID.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("vault: IOPlatformUUID not found in ioreg output")
	}
	return string(m[1]), nil
}
