package update

import (
	"fmt"
	"os"
	"runtime"
)

// Executable magic bytes for the platforms the agent ships on, used to
// sniff the extracted Updater executable before it is handed control.
var (
	elfMagic     = []byte{0x7f, 'E', 'L', 'F'}
	machO32Magic = []byte{0xfe, 0xed, 0xfa, 0xce}
	machO64Magic = []byte{0xfe, 0xed, 0xfa, 0xcf}
	machOFat     = []byte{0xca, 0xfe, 0xba, 0xbe}
	peMagic      = []byte{'M', 'Z'}
)

// verifyExecutableMagic confirms path exists and begins with the magic
// bytes expected for runtime.GOOS, supplementing the manifest checksum
// with a check that the file is actually a native executable and not,
// say, a truncated download or an HTML error page saved under the
// expected name.
func verifyExecutableMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("update: open updater executable: %w", err)
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := f.Read(header)
	if err != nil || n < 4 {
		return fmt.Errorf("update: updater executable too short to sniff")
	}

	switch runtime.GOOS {
	case "linux":
		if !hasPrefix(header, elfMagic) {
			return fmt.Errorf("update: updater executable is not an ELF binary")
		}
	case "darwin":
		if !hasPrefix(header, machO32Magic) && !hasPrefix(header, machO64Magic) && !hasPrefix(header, machOFat) {
			return fmt.Errorf("update: updater executable is not a Mach-O binary")
		}
	case "windows":
		if !hasPrefix(header, peMagic) {
			return fmt.Errorf("update: updater executable is not a PE binary")
		}
	default:
		return fmt.Errorf("update: unsupported platform %q for updater hand-off", runtime.GOOS)
	}

	return nil
}

func hasPrefix(header, magic []byte) bool {
	if len(header) < len(magic) {
		return false
	}
	for i := range magic {
		if header[i] != magic[i] {
			return false
		}
	}
	return true
}
