// Package config provides the configuration schema, loader, and
// transcription provider registry for the earshot capture service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a [time.Duration] that unmarshals from YAML strings like
// "500ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration, typically loaded from YAML via [Load].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Capture       CaptureConfig       `yaml:"capture"`
	Chunker       ChunkerConfig       `yaml:"chunker"`
	Permissions   PermissionConfig    `yaml:"permissions"`
	Conflict      ConflictConfig      `yaml:"conflict"`
	Detector      DetectorConfig      `yaml:"detector"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Archive       ArchiveConfig       `yaml:"archive"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the control surface listens on
	// (e.g. "127.0.0.1:8537").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CaptureConfig describes the native capture producer.
type CaptureConfig struct {
	// BinaryPath is the capture producer executable.
	BinaryPath string `yaml:"binary_path"`

	// Args are extra arguments passed before the source selector.
	Args []string `yaml:"args"`

	// SampleRate and Channels describe the PCM the producer emits.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// StartupTimeout bounds the wait for the first frame.
	StartupTimeout Duration `yaml:"startup_timeout"`

	// StopGrace is the SIGTERM-to-SIGKILL window on stop.
	StopGrace Duration `yaml:"stop_grace"`
}

// ChunkerConfig tunes utterance segmentation.
type ChunkerConfig struct {
	EnergyThreshold  float64  `yaml:"energy_threshold"`
	SilenceThreshold Duration `yaml:"silence_threshold"`
	MinChunkDuration Duration `yaml:"min_chunk_duration"`
	MaxChunkDuration Duration `yaml:"max_chunk_duration"`
	HintMinDuration  Duration `yaml:"hint_min_duration"`
}

// PermissionConfig tunes the permission monitor.
type PermissionConfig struct {
	// PollInterval between OS capability probes.
	PollInterval Duration `yaml:"poll_interval"`
}

// ConflictConfig tunes the duplicate-process supervisor.
type ConflictConfig struct {
	// BinaryName matches against OS process names; defaults to the base
	// name of capture.binary_path.
	BinaryName string `yaml:"binary_name"`

	// Grace is the SIGTERM-to-SIGKILL window for duplicates.
	Grace Duration `yaml:"grace"`

	// RecheckInterval re-runs reconciliation periodically; zero disables.
	RecheckInterval Duration `yaml:"recheck_interval"`
}

// DetectorConfig tunes question detection.
type DetectorConfig struct {
	// MinConfidence discards weaker candidates.
	MinConfidence float64 `yaml:"min_confidence"`

	// DedupScore is the similarity at which two questions are the same.
	DedupScore float64 `yaml:"dedup_score"`
}

// TranscriptionConfig selects the transcription backends.
type TranscriptionConfig struct {
	// Primary is the preferred backend.
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry selects and configures one transcription backend. Name is
// looked up in the [Registry].
type ProviderEntry struct {
	// Name selects the registered backend (e.g. "whisper", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against hosted backends.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the backend (e.g. "nova-2").
	Model string `yaml:"model"`

	// Language hints the spoken language (e.g. "en", "ja").
	Language string `yaml:"language"`

	// ModelPath points local backends at a model file on disk.
	ModelPath string `yaml:"model_path"`
}

// ArchiveConfig enables the optional PostgreSQL archive.
type ArchiveConfig struct {
	// PostgresDSN connects the archive; empty disables archiving.
	PostgresDSN string `yaml:"postgres_dsn"`
}
