package update

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// maxExtractedFileSize bounds a single extracted file, guarding against
// a zip bomb.
const maxExtractedFileSize = 1 << 30 // 1 GiB

// extract unpacks the downloaded zip package into
// <dataDir>/updates/extracted/<version>/, wiping any prior contents of
// that directory first so a retried attempt never mixes files from two
// versions.
func (e *Engine) extract(archivePath, version string) (string, error) {
	dest := e.extractDir(version)

	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("update: clear extract dir: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("update: create extract dir: %w", err)
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("update: open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractOne(dest, f); err != nil {
			return "", err
		}
	}

	return dest, nil
}

// extractOne writes a single zip entry under dest, rejecting any entry
// whose resolved path escapes dest (zip-slip).
func extractOne(dest string, f *zip.File) error {
	target := filepath.Join(dest, f.Name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return fmt.Errorf("update: zip entry %q escapes extract dir", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("update: create parent dir for %q: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("update: open zip entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("update: create %q: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(rc, maxExtractedFileSize)); err != nil {
		return fmt.Errorf("update: write %q: %w", target, err)
	}
	return nil
}

// verifyManifest reads <extractedDir>/manifest.json and checks that its
// declared version matches the one advertised, and that every listed
// file is present with a matching SHA-256 checksum.
func (e *Engine) verifyManifest(extractedDir, expectedVersion string) (model.UpdateManifest, error) {
	raw, err := os.ReadFile(filepath.Join(extractedDir, "manifest.json"))
	if err != nil {
		return model.UpdateManifest{}, fmt.Errorf("update: read manifest.json: %w", err)
	}

	var manifest model.UpdateManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return model.UpdateManifest{}, fmt.Errorf("update: parse manifest.json: %w", err)
	}

	if manifest.Version != expectedVersion {
		return model.UpdateManifest{}, fmt.Errorf("update: manifest version %q does not match advertised version %q", manifest.Version, expectedVersion)
	}

	for _, mf := range manifest.Files {
		path := filepath.Join(extractedDir, filepath.FromSlash(mf.Path))
		sum, err := sha256File(path)
		if err != nil {
			return model.UpdateManifest{}, fmt.Errorf("update: manifest file %q: %w", mf.Path, err)
		}
		if !strings.EqualFold(sum, mf.Checksum) {
			return model.UpdateManifest{}, fmt.Errorf("update: manifest file %q checksum mismatch", mf.Path)
		}
	}

	return manifest, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
