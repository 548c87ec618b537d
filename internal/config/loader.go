package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"agent": {"deepgram"},
	"stt":   {"deepgram"},
	"llm":   {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":   {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider names: warn about unrecognised ones, never fail.
	validateProviderName("agent", cfg.Providers.Agent.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Backend availability: the gateway refuses to start with neither a full
	// segmented stack nor an agent provider.
	segmented := cfg.Providers.STT.Configured() && cfg.Providers.LLM.Configured() && cfg.Providers.TTS.Configured()
	partial := cfg.Providers.STT.Configured() || cfg.Providers.LLM.Configured() || cfg.Providers.TTS.Configured()
	if !cfg.Providers.Agent.Configured() && !segmented {
		if partial {
			slog.Warn("segmented pipeline is only partially configured; the gateway needs all of providers.stt, providers.llm, and providers.tts")
		} else {
			slog.Warn("no providers configured; the gateway will refuse to start")
		}
	}

	// Pipeline
	if t := cfg.Pipeline.VAD.Threshold; t < 0 || t > 255 {
		errs = append(errs, fmt.Errorf("pipeline.vad.threshold %d is out of range [0, 255]", t))
	}
	if v := cfg.Pipeline.VAD.SilenceMs; v < 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.silence_ms %d must not be negative", v))
	}
	if v := cfg.Pipeline.VAD.MinSpeechMs; v < 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.min_speech_ms %d must not be negative", v))
	}
	if v := cfg.Pipeline.Playback.BootstrapBytes; v < 0 {
		errs = append(errs, fmt.Errorf("pipeline.playback.bootstrap_bytes %d must not be negative", v))
	}
	if v := cfg.Pipeline.Playback.SteadyBytes; v < 0 {
		errs = append(errs, fmt.Errorf("pipeline.playback.steady_bytes %d must not be negative", v))
	}
	if b, s := cfg.Pipeline.Playback.BootstrapBytes, cfg.Pipeline.Playback.SteadyBytes; b > 0 && s > 0 && s > b {
		errs = append(errs, fmt.Errorf("pipeline.playback.steady_bytes %d exceeds bootstrap_bytes %d", s, b))
	}

	// Client
	if u := cfg.Client.GatewayURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Errorf("client.gateway_url %q must use the ws:// or wss:// scheme", u))
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name, may be a typo",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
