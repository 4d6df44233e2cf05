package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := newUnset()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a validated [Config] from environment variables. The
// variable names match the original deployment convention:
//
//	NEWAPI_BASE_URL                  upstream LLM base URL (required)
//	NEWAPI_API_KEY                   upstream LLM bearer token (required)
//	NEWAPI_TIMEOUT                   upstream header timeout, seconds
//	TTS_ENDPOINTS                    comma-separated TTS backend URLs (required)
//	TTS_API_KEYS                     comma-separated rotation tokens
//	TTS_DEFAULT_MODEL                default synthesis model
//	TTS_DEFAULT_VOICE                default synthesis voice
//	TTS_MAX_CONCURRENT_PER_ENDPOINT  per-backend concurrency cap
//	TTS_REQUEST_TIMEOUT              per-request timeout, seconds
//	TTS_RETRY_COUNT                  retries after the first attempt
//	TTS_PROBE_INTERVAL               health probe period, seconds (0 = off)
//	CACHE_MAX_SIZE                   completed-entry bound
//	CACHE_TTL                        completed-entry lifetime, seconds
//	SPLITTER_MIN_LEN, SPLITTER_MAX_LEN  segmenter length window, codepoints
//	PROXY_API_KEY                    bearer token clients must present
//	HOST, PORT                       listen address parts
//	LOG_LEVEL                        debug | info | warn | error
func FromEnv() (*Config, error) {
	cfg := newUnset()
	cfg.Server.APIKey = os.Getenv("PROXY_API_KEY")
	cfg.Server.LogLevel = LogLevel(envLower("LOG_LEVEL"))
	cfg.LLM.BaseURL = os.Getenv("NEWAPI_BASE_URL")
	cfg.LLM.APIKey = os.Getenv("NEWAPI_API_KEY")
	cfg.TTS.Endpoints = splitList(os.Getenv("TTS_ENDPOINTS"))
	cfg.TTS.APIKeys = splitList(os.Getenv("TTS_API_KEYS"))
	cfg.TTS.DefaultModel = os.Getenv("TTS_DEFAULT_MODEL")
	cfg.TTS.DefaultVoice = os.Getenv("TTS_DEFAULT_VOICE")

	if host, port := os.Getenv("HOST"), os.Getenv("PORT"); host != "" || port != "" {
		if host == "" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8000"
		}
		cfg.Server.ListenAddr = host + ":" + port
	}

	var errs []error
	appendInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", name, v))
			return
		}
		*dst = n
	}
	appendSeconds := func(name string, dst *time.Duration) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a number of seconds", name, v))
			return
		}
		*dst = time.Duration(n) * time.Second
	}

	appendSeconds("NEWAPI_TIMEOUT", &cfg.LLM.Timeout)
	appendInt("TTS_MAX_CONCURRENT_PER_ENDPOINT", &cfg.TTS.MaxConcurrent)
	appendSeconds("TTS_REQUEST_TIMEOUT", &cfg.TTS.Timeout)
	appendInt("TTS_RETRY_COUNT", &cfg.TTS.RetryCount)
	appendSeconds("TTS_PROBE_INTERVAL", &cfg.TTS.ProbeInterval)
	appendInt("CACHE_MAX_SIZE", &cfg.Cache.MaxSize)
	appendSeconds("CACHE_TTL", &cfg.Cache.TTL)
	appendInt("SPLITTER_MIN_LEN", &cfg.Segment.MinLength)
	appendInt("SPLITTER_MAX_LEN", &cfg.Segment.MaxLength)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url (NEWAPI_BASE_URL) is required"))
	}
	if cfg.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key (NEWAPI_API_KEY) is required"))
	}
	if len(cfg.TTS.Endpoints) == 0 {
		errs = append(errs, errors.New("tts.endpoints (TTS_ENDPOINTS) must name at least one backend"))
	}
	for i, ep := range cfg.TTS.Endpoints {
		if ep == "" {
			errs = append(errs, fmt.Errorf("tts.endpoints[%d] is empty", i))
		}
	}
	if cfg.Segment.MinLength > cfg.Segment.MaxLength {
		errs = append(errs, fmt.Errorf("segmenter.min_length %d exceeds max_length %d",
			cfg.Segment.MinLength, cfg.Segment.MaxLength))
	}

	return errors.Join(errs...)
}

// newUnset returns a Config whose "unset" sentinels are distinguishable from
// explicit zero values during decoding.
func newUnset() *Config {
	return &Config{TTS: TTSConfig{RetryCount: -1}}
}

// envLower returns the lowercased value of the named variable.
func envLower(name string) string {
	return strings.ToLower(os.Getenv(name))
}
