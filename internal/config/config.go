// Package config provides the configuration schema and loaders for the
// Overvoice proxy. Configuration comes from the environment ([FromEnv]) or
// from a YAML file ([Load]); both paths end in the same [Validate] pass.
package config

import (
	"strings"
	"time"
)

// LogLevel controls log verbosity for the Overvoice server.
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

// Defaults applied by [applyDefaults] when a value is unset.
const (
	DefaultListenAddr    = "0.0.0.0:8000"
	DefaultTTSModel      = "liang"
	DefaultTTSVoice      = "default"
	DefaultMaxConcurrent = 3
	DefaultLLMTimeout    = 120 * time.Second
	DefaultTTSTimeout    = 60 * time.Second
	DefaultRetryCount    = 2
	DefaultCacheMaxSize  = 1000
	DefaultCacheTTL      = time.Hour
	DefaultSegmentMinLen = 5
	DefaultSegmentMaxLen = 40
)

// Config is the root configuration structure for Overvoice.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Cache   CacheConfig   `yaml:"cache"`
	Segment SegmentConfig `yaml:"segmenter"`
}

// ServerConfig holds network, auth, and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// APIKey is the bearer token clients must present on /v1/chat/completions
	// and /v1/audio/speech. Empty disables the auth check.
	APIKey string `yaml:"api_key"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LLMConfig points at the upstream chat-completion service.
type LLMConfig struct {
	// BaseURL of the upstream OpenAI-compatible API. Required.
	BaseURL string `yaml:"base_url"`

	// APIKey sent as a bearer token to the upstream. Required.
	APIKey string `yaml:"api_key"`

	// Timeout bounds the wait for upstream response headers. Streaming
	// bodies are governed only by the 30s inter-event idle timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// TTSConfig describes the synthesis backends and request shaping.
type TTSConfig struct {
	// Endpoints is the list of TTS backend base URLs. At least one is
	// required. A single endpoint with multiple APIKeys covers deployments
	// that rotate tokens instead of hosts.
	Endpoints []string `yaml:"endpoints"`

	// APIKeys are rotated round-robin across synthesis requests. Empty
	// means requests carry no Authorization header.
	APIKeys []string `yaml:"api_keys"`

	// DefaultModel and DefaultVoice fill in chat-prefetch requests that do
	// not name their own.
	DefaultModel string `yaml:"default_model"`
	DefaultVoice string `yaml:"default_voice"`

	// MaxConcurrent caps the in-flight requests per backend.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Timeout bounds a single backend HTTP request.
	Timeout time.Duration `yaml:"timeout"`

	// RetryCount is the number of retries after the first attempt. Zero is
	// honoured; a negative or unset value falls back to the default.
	RetryCount int `yaml:"retry_count"`

	// ProbeInterval enables the background health prober when positive.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// Template holds extra JSON fields merged into every synthesis request
	// body, opaque to the proxy.
	Template map[string]any `yaml:"template"`
}

// CacheConfig bounds the audio cache.
type CacheConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// SegmentConfig tunes the sentence segmenter.
type SegmentConfig struct {
	MinLength int `yaml:"min_length"`
	MaxLength int `yaml:"max_length"`
}

// applyDefaults fills unset fields in place.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = DefaultLLMTimeout
	}
	if cfg.TTS.DefaultModel == "" {
		cfg.TTS.DefaultModel = DefaultTTSModel
	}
	if cfg.TTS.DefaultVoice == "" {
		cfg.TTS.DefaultVoice = DefaultTTSVoice
	}
	if cfg.TTS.MaxConcurrent <= 0 {
		cfg.TTS.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.TTS.Timeout <= 0 {
		cfg.TTS.Timeout = DefaultTTSTimeout
	}
	if cfg.TTS.RetryCount < 0 {
		cfg.TTS.RetryCount = DefaultRetryCount
	}
	if cfg.Cache.MaxSize <= 0 {
		cfg.Cache.MaxSize = DefaultCacheMaxSize
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = DefaultCacheTTL
	}
	if cfg.Segment.MinLength <= 0 {
		cfg.Segment.MinLength = DefaultSegmentMinLen
	}
	if cfg.Segment.MaxLength <= 0 {
		cfg.Segment.MaxLength = DefaultSegmentMaxLen
	}
}

// splitList splits a comma-separated value into trimmed non-empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
