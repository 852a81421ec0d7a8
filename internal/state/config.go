// Package state owns the single on-disk RuntimeConfig: agent identity,
// sealed token, position, and ignored-update versions. It is the sole
// writer of runtime_config.json; every other component sees a RuntimeConfig
// value, never the file directly.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fleetwarden/endpoint-agent/internal/model"
	"github.com/fleetwarden/endpoint-agent/internal/vault"
)

const configFilename = "runtime_config.json"

// ErrConfigMissing indicates runtime_config.json does not exist yet: the
// agent has never been configured on this install.
var ErrConfigMissing = errors.New("state: runtime config missing")

// ErrConfigCorrupt indicates runtime_config.json exists but is malformed or
// missing a required field.
var ErrConfigCorrupt = errors.New("state: runtime config corrupt or incomplete")

// RuntimeConfig is the persisted JSON document described in the filesystem
// layout: agent_id, sealed_token, position, ignored_versions.
type RuntimeConfig struct {
	AgentID         string            `json:"agent_id"`
	SealedToken     vault.SealedToken `json:"sealed_token"`
	Position        model.Position    `json:"position"`
	IgnoredVersions []string          `json:"ignored_versions"`
}

// Valid reports whether every required field is present and well-formed,
// per the invariant: if agent_id, sealed_token, or position is absent or
// malformed, the agent refuses to start.
func (c RuntimeConfig) Valid() bool {
	return c.AgentID != "" && c.SealedToken != "" && c.Position.Valid()
}

// HasIgnoredVersion reports whether version is in the ignored set.
func (c RuntimeConfig) HasIgnoredVersion(version string) bool {
	for _, v := range c.IgnoredVersions {
		if v == version {
			return true
		}
	}
	return false
}

// WithIgnoredVersion returns a copy of c with version added to the ignored
// set (no-op if already present).
func (c RuntimeConfig) WithIgnoredVersion(version string) RuntimeConfig {
	if c.HasIgnoredVersion(version) {
		return c
	}
	out := c
	out.IgnoredVersions = append(append([]string{}, c.IgnoredVersions...), version)
	sort.Strings(out.IgnoredVersions)
	return out
}

// Store is the single owner of runtime_config.json, performing every write
// as write-temp-then-rename so a crash mid-write never corrupts the
// previous, still-valid file.
type Store struct {
	path string
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, configFilename)}
}

// Load reads and parses runtime_config.json. Returns ErrConfigMissing if the
// file does not exist, ErrConfigCorrupt if it exists but is malformed or
// incomplete.
func (s *Store) Load() (RuntimeConfig, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return RuntimeConfig{}, ErrConfigMissing
	}
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("state: read runtime config: %w", err)
	}

	var cfg RuntimeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
	}
	if !cfg.Valid() {
		return RuntimeConfig{}, ErrConfigCorrupt
	}
	return cfg, nil
}

// Save persists cfg atomically: the new content is written to a temp file
// in the same directory, then renamed over the target, so concurrent
// readers always observe either the previous or the new file in full,
// never a partial write. On failure the previous file, if any, is left
// intact.
func (s *Store) Save(cfg RuntimeConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("state: create data dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal runtime config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".runtime_config-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("state: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("state: rename temp file into place: %w", err)
	}
	return nil
}
