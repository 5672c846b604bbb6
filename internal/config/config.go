// Package config provides the configuration schema, loader, and provider
// registry for the earshot speech-recognition pipeline.
package config

import "time"

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

// Config is the root configuration structure for earshot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Gate      GateConfig      `yaml:"gate"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Sink      SinkConfig      `yaml:"sink"`
}

// ServerConfig holds the debug/metrics HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the /metrics and /healthz endpoints
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the capture format.
type AudioConfig struct {
	// SampleRate is the capture sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the channel count. Only mono capture is supported.
	Channels int `yaml:"channels"`

	// FrameSizeMs is the duration of one frame in milliseconds.
	FrameSizeMs int `yaml:"frame_size_ms"`

	// DeviceFilter selects the input device by case-insensitive substring
	// match. Empty uses the platform default device.
	DeviceFilter string `yaml:"device_filter"`
}

// GateConfig holds the voice-activity thresholds, in wall-clock units; they
// are converted to frame counts against the capture frame duration.
type GateConfig struct {
	// Threshold is the speech probability above which a frame counts as
	// speech.
	Threshold float64 `yaml:"threshold"`

	// MinSpeechMs is the contiguous speech run that opens an utterance.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// SilenceMs is the contiguous silence run that closes an utterance.
	SilenceMs int `yaml:"silence_ms"`

	// MinUtteranceMs is the total-speech floor below which an utterance is
	// discarded as accidental noise.
	MinUtteranceMs int `yaml:"min_utterance_ms"`

	// MaxUtteranceSec bounds utterance length.
	MaxUtteranceSec int `yaml:"max_utterance_sec"`

	// PrerollMs is how much audio before the trigger is kept and sent with
	// the session start frame.
	PrerollMs int `yaml:"preroll_ms"`
}

// PipelineConfig holds orchestrator-level tuning.
type PipelineConfig struct {
	// QueueCapacity is the bounded frame queue size in frames.
	QueueCapacity int `yaml:"queue_capacity"`

	// ResultTimeoutMs bounds the wait for a final transcript after the end
	// frame, independent of utterance length.
	ResultTimeoutMs int `yaml:"result_timeout_ms"`

	// PollIntervalMs bounds the dequeue wait so a stop signal is observed
	// promptly even with no audio flowing.
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// ResultTimeout returns ResultTimeoutMs as a duration.
func (p PipelineConfig) ResultTimeout() time.Duration {
	return time.Duration(p.ResultTimeoutMs) * time.Millisecond
}

// PollInterval returns PollIntervalMs as a duration.
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// ProvidersConfig declares which provider implementation to use for each
// pluggable stage. Each entry selects a named factory registered in the
// [Registry].
type ProvidersConfig struct {
	ASR ProviderEntry `yaml:"asr"`

	// ASRFallback optionally names a second recognition backend. When set,
	// session opens fail over to it whenever the primary is unreachable or
	// its circuit breaker is open.
	ASRFallback ProviderEntry `yaml:"asr_fallback"`

	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "iflytek",
	// "funasr", "energy").
	Name string `yaml:"name"`

	// AppID, APIKey and APISecret are the provider credentials. Which of
	// them a provider requires is provider-specific.
	AppID     string `yaml:"app_id"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// Endpoint overrides the provider's default service address. For
	// self-hosted providers (e.g. funasr) it is required.
	Endpoint string `yaml:"endpoint"`

	// Language is the recognition language tag passed to the provider.
	Language string `yaml:"language"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// SinkConfig describes where terminal utterance events go.
type SinkConfig struct {
	// CoreEndpoint is the WebSocket URL of the downstream conversational
	// core. Empty means events are only logged.
	CoreEndpoint string `yaml:"core_endpoint"`

	// Source is the source tag stamped on outgoing envelopes.
	Source string `yaml:"source"`

	// ForwardErrors also forwards failed utterances to the core.
	ForwardErrors bool `yaml:"forward_errors"`
}

// Default returns a Config populated with the documented defaults: 16 kHz
// mono capture in 32 ms frames, a 0.5 speech threshold with a one second
// silence window and a 15 second utterance cap, and a 5 second result wait.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			SampleRate:  16000,
			Channels:    1,
			FrameSizeMs: 32,
		},
		Gate: GateConfig{
			Threshold:       0.5,
			MinSpeechMs:     96,
			SilenceMs:       1000,
			MinUtteranceMs:  300,
			MaxUtteranceSec: 15,
			PrerollMs:       320,
		},
		Pipeline: PipelineConfig{
			QueueCapacity:   64,
			ResultTimeoutMs: 5000,
			PollIntervalMs:  100,
		},
		Providers: ProvidersConfig{
			VAD: ProviderEntry{Name: "energy"},
		},
		Sink: SinkConfig{
			Source: "earshot",
		},
	}
}
