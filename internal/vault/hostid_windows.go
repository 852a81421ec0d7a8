//go:build windows

package vault

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// MachineID reads HKLM\SOFTWARE\Microsoft\Cryptography\MachineGuid, the
// standard stable per-install identifier on Windows.
type MachineID struct{}

func (MachineID) ID() (string, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Cryptography`, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("vault: open registry key: %w", err)
	}
	defer key.Close()

	guid, _, err := key.GetStringValue("MachineGuid")
	if err != nil {
		return "", fmt.Errorf("vault: read MachineGuid: %w", err)
	}
	return guid, nil
}
