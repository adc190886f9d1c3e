package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// ValidProviderNames lists the transcription backends the default registry
// knows about. Validate rejects entries outside this list so typos fail at
// startup instead of at first transcription.
var ValidProviderNames = []string{"whisper", "deepgram", "whisper-cpp", "mock"}

// Validate checks the configuration for fatal problems and returns them
// joined into a single error. Suspicious but workable settings are logged as
// warnings instead.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}
	if c.Server.LogLevel != "" && !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}

	if c.Capture.BinaryPath == "" {
		errs = append(errs, errors.New("capture.binary_path must not be empty"))
	}
	if c.Capture.SampleRate < 0 || c.Capture.Channels < 0 {
		errs = append(errs, errors.New("capture.sample_rate and capture.channels must not be negative"))
	}
	if c.Capture.SampleRate != 0 && c.Capture.SampleRate != 16000 {
		slog.Warn("capture sample rate differs from the 16 kHz most transcription backends expect",
			"sample_rate", c.Capture.SampleRate)
	}

	if err := c.validateChunker(); err != nil {
		errs = append(errs, err)
	}

	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detector.min_confidence %v must be within [0, 1]", c.Detector.MinConfidence))
	}
	if c.Detector.DedupScore < 0 || c.Detector.DedupScore > 1 {
		errs = append(errs, fmt.Errorf("detector.dedup_score %v must be within [0, 1]", c.Detector.DedupScore))
	}
	if c.Detector.DedupScore != 0 && c.Detector.DedupScore < 0.7 {
		slog.Warn("low dedup score will merge distinct questions", "dedup_score", c.Detector.DedupScore)
	}

	if err := validateProvider("transcription.primary", c.Transcription.Primary); err != nil {
		errs = append(errs, err)
	}
	for i, entry := range c.Transcription.Fallbacks {
		if err := validateProvider(fmt.Sprintf("transcription.fallbacks[%d]", i), entry); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Permissions.PollInterval != 0 && c.Permissions.PollInterval.Std() < 200*time.Millisecond {
		slog.Warn("very short permission poll interval wastes CPU on OS probes",
			"poll_interval", c.Permissions.PollInterval.Std())
	}

	return errors.Join(errs...)
}

func (c *Config) validateChunker() error {
	var errs []error

	if c.Chunker.EnergyThreshold < 0 || c.Chunker.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("chunker.energy_threshold %v must be within [0, 1)", c.Chunker.EnergyThreshold))
	}
	min, max := c.Chunker.MinChunkDuration.Std(), c.Chunker.MaxChunkDuration.Std()
	if min < 0 || max < 0 {
		errs = append(errs, errors.New("chunker durations must not be negative"))
	}
	if min > 0 && max > 0 && min > max {
		errs = append(errs, fmt.Errorf("chunker.min_chunk_duration %v exceeds chunker.max_chunk_duration %v", min, max))
	}
	if hint := c.Chunker.HintMinDuration.Std(); hint > 0 && max > 0 && hint > max {
		errs = append(errs, fmt.Errorf("chunker.hint_min_duration %v exceeds chunker.max_chunk_duration %v", hint, max))
	}

	return errors.Join(errs...)
}

func validateProvider(field string, entry ProviderEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("%s.name must not be empty", field)
	}
	if !slices.Contains(ValidProviderNames, entry.Name) {
		return fmt.Errorf("%s.name %q is not a known provider (known: %v)", field, entry.Name, ValidProviderNames)
	}
	switch entry.Name {
	case "deepgram":
		if entry.APIKey == "" {
			return fmt.Errorf("%s: deepgram requires api_key", field)
		}
	case "whisper":
		if entry.BaseURL == "" {
			return fmt.Errorf("%s: whisper requires base_url", field)
		}
	case "whisper-cpp":
		if entry.ModelPath == "" {
			return fmt.Errorf("%s: whisper-cpp requires model_path", field)
		}
	}
	return nil
}
