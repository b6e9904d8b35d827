package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/schedule"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Settings are the user preferences persisted between runs.
type Settings struct {
	Engine         engine.Config `yaml:",inline"`
	ChunkSec       float64       `yaml:"chunk_sec"`
	Input          string        `yaml:"input,omitempty"`
	CaptureBackend string        `yaml:"capture_backend,omitempty"`
}

func Defaults() Settings {
	return Settings{
		Engine: engine.Config{
			Backend:     engine.KindAuto,
			ModelSource: engine.SourceRemote,
			ModelID:     engine.DefaultModel,
			Language:    engine.DefaultLanguage,
		},
		ChunkSec:       schedule.DefaultChunkSeconds,
		CaptureBackend: "auto",
	}
}

// Load reads path over the defaults. A missing or malformed file yields the
// defaults; only read failures other than absence are returned.
func Load(path string, logger *zap.Logger) (Settings, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Defaults(), nil
		}
		return Defaults(), fmt.Errorf("read settings %s: %w", path, err)
	}

	s := Defaults()
	if err := yaml.Unmarshal(data, &s); err != nil {
		logger.Warn("ignoring malformed settings file", zap.String("path", path), zap.Error(err))
		return Defaults(), nil
	}
	if err := s.normalize(); err != nil {
		logger.Warn("ignoring invalid settings file", zap.String("path", path), zap.Error(err))
		return Defaults(), nil
	}
	return s, nil
}

func (s *Settings) normalize() error {
	if err := s.Engine.Validate(); err != nil {
		return err
	}
	if math.IsNaN(s.ChunkSec) || math.IsInf(s.ChunkSec, 0) || s.ChunkSec <= 0 {
		s.ChunkSec = schedule.DefaultChunkSeconds
	}
	if s.CaptureBackend == "" {
		s.CaptureBackend = "auto"
	}
	return nil
}

// Save writes s to path, replacing any previous file in a single rename.
func Save(path string, s Settings) error {
	if err := s.normalize(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
