package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"iflytek", "funasr"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Fields absent from the file keep their [Default] values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1 (mono), got %d", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size_ms must be positive, got %d", cfg.Audio.FrameSizeMs))
	}

	// Gate
	if cfg.Gate.Threshold <= 0 || cfg.Gate.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("gate.threshold %.2f is out of range (0, 1)", cfg.Gate.Threshold))
	}
	if cfg.Gate.MinSpeechMs <= 0 {
		errs = append(errs, fmt.Errorf("gate.min_speech_ms must be positive, got %d", cfg.Gate.MinSpeechMs))
	}
	if cfg.Gate.SilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("gate.silence_ms must be positive, got %d", cfg.Gate.SilenceMs))
	}
	if cfg.Gate.MaxUtteranceSec <= 0 {
		errs = append(errs, fmt.Errorf("gate.max_utterance_sec must be positive, got %d", cfg.Gate.MaxUtteranceSec))
	}
	if cfg.Gate.PrerollMs <= 0 {
		errs = append(errs, fmt.Errorf("gate.preroll_ms must be positive, got %d", cfg.Gate.PrerollMs))
	}
	if cfg.Audio.FrameSizeMs > 0 && cfg.Gate.SilenceMs > 0 && cfg.Gate.SilenceMs < cfg.Audio.FrameSizeMs {
		errs = append(errs, fmt.Errorf("gate.silence_ms (%d) is shorter than one frame (%d ms)", cfg.Gate.SilenceMs, cfg.Audio.FrameSizeMs))
	}

	// Pipeline
	if cfg.Pipeline.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity must be positive, got %d", cfg.Pipeline.QueueCapacity))
	}
	if cfg.Pipeline.ResultTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.result_timeout_ms must be positive, got %d", cfg.Pipeline.ResultTimeoutMs))
	}
	if cfg.Pipeline.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.poll_interval_ms must be positive, got %d", cfg.Pipeline.PollIntervalMs))
	}

	// Providers
	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("asr", cfg.Providers.ASRFallback.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	errs = append(errs, validateASREntry("providers.asr", cfg.Providers.ASR)...)
	if cfg.Providers.ASRFallback.Name != "" {
		errs = append(errs, validateASREntry("providers.asr_fallback", cfg.Providers.ASRFallback)...)
	}

	// Sink
	if cfg.Sink.CoreEndpoint == "" {
		slog.Warn("sink.core_endpoint is empty; recognized text will only be logged")
	}

	return errors.Join(errs...)
}

// validateASREntry checks the credential requirements of a single ASR
// provider entry. prefix names the config section in error messages.
func validateASREntry(prefix string, entry ProviderEntry) []error {
	var errs []error
	switch entry.Name {
	case "iflytek":
		if entry.AppID == "" || entry.APIKey == "" || entry.APISecret == "" {
			errs = append(errs, fmt.Errorf("%s: iflytek requires app_id, api_key and api_secret", prefix))
		}
	case "funasr":
		if entry.Endpoint == "" {
			errs = append(errs, fmt.Errorf("%s: funasr requires endpoint", prefix))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
