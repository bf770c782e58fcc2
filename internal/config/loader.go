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
	"stt":        {"deepgram"},
	"llm":        {"openai"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. ${VAR} references in the file are expanded from the environment
// before parsing, so API keys can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(data))))
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

	// Provider name validation: warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Embeddings and database dimensions must agree.
	if cfg.Providers.Embeddings.Name != "" && cfg.Database.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but database.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; call records and knowledge search will not be available")
	}

	// Twilio block is all-or-nothing.
	if cfg.Twilio.Enabled() {
		if cfg.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("twilio.account_sid is required when twilio is configured"))
		}
		if cfg.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("twilio.auth_token is required when twilio is configured"))
		}
		if cfg.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("twilio.from_number is required when twilio is configured"))
		}
		if cfg.Server.PublicHost == "" {
			errs = append(errs, errors.New("server.public_host is required for outbound dialing"))
		}
	}

	// Assistant duplicate name detection.
	namesSeen := make(map[string]int, len(cfg.Assistants))

	for i, a := range cfg.Assistants {
		prefix := fmt.Sprintf("assistants[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[a.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of assistants[%d]", prefix, a.Name, prev))
			}
			namesSeen[a.Name] = i
		}
		if a.TranscriptionMode != "" && !a.TranscriptionMode.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transcription_mode %q is invalid; valid values: streaming, segmented", prefix, a.TranscriptionMode))
		}
		if a.Ambience.Flavor != "" && !a.Ambience.Flavor.IsValid() {
			errs = append(errs, fmt.Errorf("%s.ambience.flavor %q is invalid; valid values: none, subtle, busy", prefix, a.Ambience.Flavor))
		}
		if a.Ambience.Volume < 0 || a.Ambience.Volume > 1 {
			errs = append(errs, fmt.Errorf("%s.ambience.volume %.2f is out of range [0, 1]", prefix, a.Ambience.Volume))
		}
		if a.MaxCallDuration < 0 {
			errs = append(errs, fmt.Errorf("%s.max_call_duration must not be negative", prefix))
		}
		if a.LLM.Temperature < 0 || a.LLM.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.llm.temperature %.2f is out of range [0, 2]", prefix, a.LLM.Temperature))
		}
		if a.LLM.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.llm.max_tokens must not be negative", prefix))
		}
		if a.Segmenter.SpeechThreshold < 0 {
			errs = append(errs, fmt.Errorf("%s.segmenter.speech_threshold must not be negative", prefix))
		}

		toolsSeen := make(map[string]bool, len(a.Tools))
		for j, tool := range a.Tools {
			tprefix := fmt.Sprintf("%s.tools[%d]", prefix, j)
			if tool.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", tprefix))
			} else if toolsSeen[tool.Name] {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate", tprefix, tool.Name))
			} else {
				toolsSeen[tool.Name] = true
			}
			if tool.WebhookURL == "" {
				errs = append(errs, fmt.Errorf("%s.webhook_url is required", tprefix))
			}
			for _, field := range tool.Required {
				if _, ok := tool.Fields[field]; !ok {
					errs = append(errs, fmt.Errorf("%s.required names unknown field %q", tprefix, field))
				}
			}
		}

		// Voice provider must match the configured TTS provider.
		if a.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && a.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("assistant voice provider does not match configured TTS provider",
				"assistant", a.Name,
				"voice_provider", a.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}

	if cfg.DefaultAssistant != "" {
		if _, ok := namesSeen[cfg.DefaultAssistant]; !ok {
			errs = append(errs, fmt.Errorf("default_assistant %q does not match any assistants entry", cfg.DefaultAssistant))
		}
	}

	return errors.Join(errs...)
}

// Assistant returns the named assistant profile, falling back to
// DefaultAssistant when name is empty. The second return is false when no
// matching profile exists.
func (c *Config) Assistant(name string) (AssistantConfig, bool) {
	if name == "" {
		name = c.DefaultAssistant
	}
	for _, a := range c.Assistants {
		if a.Name == name {
			return a, true
		}
	}
	return AssistantConfig{}, false
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
