//go:build linux

package vault

import (
	"fmt"
	"os"
	"strings"
)

// MachineID reads the Linux machine identity from /etc/machine-id, falling
// back to /var/lib/dbus/machine-id on systems that only populate the
// legacy path.
type MachineID struct{}

func (MachineID) ID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("vault: no machine-id found at /etc/machine-id or /var/lib/dbus/machine-id")
}
