package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/turnengine/turnengine/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "anyllm"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"silero"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
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

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the turn orchestrator will not be able to generate responses")
	}
	if cfg.Providers.Embeddings.Name == "" && cfg.RAG.Enabled {
		errs = append(errs, fmt.Errorf("rag.enabled is true but providers.embeddings is not configured"))
	}
	if cfg.Store.DSN == "" {
		slog.Warn("store.dsn is empty; conversation memory and retrieval will run in a degraded, memory-only mode")
	}

	if cfg.Cache.CapacityEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.capacity_entries must be >= 0, got %d", cfg.Cache.CapacityEntries))
	}
	if cfg.Cache.TTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_seconds must be >= 0, got %d", cfg.Cache.TTLSeconds))
	}

	if cfg.ConvMem.WindowMessages <= 0 {
		errs = append(errs, fmt.Errorf("conversation_memory.window_messages must be > 0, got %d", cfg.ConvMem.WindowMessages))
	}
	if cfg.ConvMem.MaxConversations <= 0 {
		errs = append(errs, fmt.Errorf("conversation_memory.max_conversations must be > 0, got %d", cfg.ConvMem.MaxConversations))
	}

	if cfg.RAG.Enabled {
		if cfg.RAG.TopK <= 0 {
			errs = append(errs, fmt.Errorf("rag.top_k must be > 0 when rag.enabled, got %d", cfg.RAG.TopK))
		}
		if cfg.RAG.ScoreThreshold < 0 || cfg.RAG.ScoreThreshold > 1 {
			errs = append(errs, fmt.Errorf("rag.score_threshold must be in [0,1], got %.2f", cfg.RAG.ScoreThreshold))
		}
		if cfg.RAG.SoftDeadlineMs <= 0 {
			errs = append(errs, fmt.Errorf("rag.soft_deadline_ms must be > 0 when rag.enabled, got %d", cfg.RAG.SoftDeadlineMs))
		}
	}

	if cfg.Guard.Mode != "" && cfg.Guard.Mode != GuardModeStrict && cfg.Guard.Mode != GuardModePermissive {
		errs = append(errs, fmt.Errorf("guardrails.mode %q is invalid; valid values: %s, %s", cfg.Guard.Mode, GuardModeStrict, GuardModePermissive))
	}
	if cfg.Guard.PIIThreshold < 0 || cfg.Guard.PIIThreshold > 1 {
		errs = append(errs, fmt.Errorf("guardrails.pii_threshold must be in [0,1], got %.2f", cfg.Guard.PIIThreshold))
	}
	if cfg.Guard.ToxicityThreshold < 0 || cfg.Guard.ToxicityThreshold > 1 {
		errs = append(errs, fmt.Errorf("guardrails.toxicity_threshold must be in [0,1], got %.2f", cfg.Guard.ToxicityThreshold))
	}

	if cfg.LLM.RequestTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("llm.request_timeout_s must be > 0, got %d", cfg.LLM.RequestTimeoutS))
	}
	if cfg.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm.max_retries must be >= 0, got %d", cfg.LLM.MaxRetries))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be in [0,2], got %.2f", cfg.LLM.Temperature))
	}

	if cfg.Admission.RateLimitPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("admission.rate_limit_per_minute must be > 0, got %d", cfg.Admission.RateLimitPerMinute))
	}
	if cfg.Admission.RateLimitPerDay <= 0 {
		errs = append(errs, fmt.Errorf("admission.rate_limit_per_day must be > 0, got %d", cfg.Admission.RateLimitPerDay))
	}
	if cfg.Admission.RateLimitPerDay < cfg.Admission.RateLimitPerMinute {
		errs = append(errs, fmt.Errorf("admission.rate_limit_per_day (%d) must be >= rate_limit_per_minute (%d)", cfg.Admission.RateLimitPerDay, cfg.Admission.RateLimitPerMinute))
	}

	if cfg.RTSession.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("rtsession.max_sessions must be > 0, got %d", cfg.RTSession.MaxSessions))
	}
	if cfg.RTSession.AudioSampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("rtsession.audio_sample_rate_hz must be > 0, got %d", cfg.RTSession.AudioSampleRateHz))
	}
	if cfg.RTSession.AudioChannels <= 0 {
		errs = append(errs, fmt.Errorf("rtsession.audio_channels must be > 0, got %d", cfg.RTSession.AudioChannels))
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		transport := mcp.Transport(srv.Transport)
		if srv.Transport != "" && !transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
