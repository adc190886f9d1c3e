package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns a configuration with sensible local-first defaults.
// Transcription backends are not defaulted; they must be configured.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8537",
			LogLevel:   LogInfo,
		},
		Capture: CaptureConfig{
			SampleRate:     16000,
			Channels:       1,
			StartupTimeout: Duration(5 * time.Second),
			StopGrace:      Duration(3 * time.Second),
		},
		Chunker: ChunkerConfig{
			EnergyThreshold:  0.01,
			SilenceThreshold: Duration(500 * time.Millisecond),
			MinChunkDuration: Duration(2 * time.Second),
			MaxChunkDuration: Duration(6 * time.Second),
			HintMinDuration:  Duration(1500 * time.Millisecond),
		},
		Permissions: PermissionConfig{
			PollInterval: Duration(1500 * time.Millisecond),
		},
		Conflict: ConflictConfig{
			Grace: Duration(2 * time.Second),
		},
		Detector: DetectorConfig{
			MinConfidence: 0.5,
			DedupScore:    0.90,
		},
	}
}

// Load reads, decodes, and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if cfg.Conflict.BinaryName == "" && cfg.Capture.BinaryPath != "" {
		cfg.Conflict.BinaryName = filepath.Base(cfg.Capture.BinaryPath)
	}
	return cfg, nil
}

// LoadFromReader decodes and validates a YAML configuration. Unknown fields
// are rejected so typos surface immediately.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return cfg, nil
}
