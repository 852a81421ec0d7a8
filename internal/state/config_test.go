package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetwarden/endpoint-agent/internal/model"
)

func validConfig() RuntimeConfig {
	return RuntimeConfig{
		AgentID:     "agent-1",
		SealedToken: "c2VhbGVkLWJsb2I=",
		Position:    model.Position{RoomName: "lab-1", PosX: 1, PosY: 2},
	}
}

func TestLoadMissingReturnsErrConfigMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load()
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("Load() error = %v, want ErrConfigMissing", err)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	cfg := validConfig()
	cfg.IgnoredVersions = []string{"v3", "v2"}

	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.AgentID != cfg.AgentID || got.SealedToken != cfg.SealedToken || got.Position != cfg.Position {
		t.Errorf("Load() = %+v, want %+v", got, cfg)
	}
	if !got.HasIgnoredVersion("v2") || !got.HasIgnoredVersion("v3") {
		t.Errorf("Load() ignored_versions = %v, want set-equal to %v", got.IgnoredVersions, cfg.IgnoredVersions)
	}
}

func TestLoadCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := writeRaw(dir, "not json at all"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load()
	if !errors.Is(err, ErrConfigCorrupt) {
		t.Fatalf("Load() error = %v, want ErrConfigCorrupt", err)
	}
}

func TestLoadIncompleteConfigIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := writeRaw(dir, `{"agent_id":"a"}`); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load()
	if !errors.Is(err, ErrConfigCorrupt) {
		t.Fatalf("Load() error = %v, want ErrConfigCorrupt", err)
	}
}

func TestSaveOverwritesPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	first := validConfig()
	if err := s.Save(first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	second := first
	second.AgentID = "agent-2"
	if err := s.Save(second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.AgentID != second.AgentID {
		t.Fatalf("Load() = %+v, want %+v", got, second)
	}
}

func TestWithIgnoredVersionIsIdempotent(t *testing.T) {
	cfg := validConfig().WithIgnoredVersion("v4").WithIgnoredVersion("v4")
	count := 0
	for _, v := range cfg.IgnoredVersions {
		if v == "v4" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("IgnoredVersions = %v, want exactly one v4", cfg.IgnoredVersions)
	}
}

func TestPositionValidBoundary(t *testing.T) {
	tests := []struct {
		name string
		pos  model.Position
		want bool
	}{
		{"zero is valid", model.Position{PosX: 0, PosY: 0}, true},
		{"negative x invalid", model.Position{PosX: -1, PosY: 0}, false},
		{"negative y invalid", model.Position{PosX: 0, PosY: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pos.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func writeRaw(dir, content string) error {
	return os.WriteFile(filepath.Join(dir, configFilename), []byte(content), 0o600)
}
