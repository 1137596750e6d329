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

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config].
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

// LoadFromReader decodes YAML from r over [Default] and validates the result.
// Unknown keys are rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg is coherent and returns every failure joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v is out of range [0, 1]", r))
	}

	p := cfg.Pipeline
	for _, d := range []struct {
		name string
		v    int64
	}{
		{"latency_budget", int64(p.LatencyBudget)},
		{"grammar_cap", int64(p.GrammarCap)},
		{"safety_margin", int64(p.SafetyMargin)},
		{"min_grammar_budget", int64(p.MinGrammarBudget)},
		{"sentence_pause", int64(p.SentencePause)},
		{"paragraph_pause", int64(p.ParagraphPause)},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", d.name))
		}
	}
	if p.LatencyBudget > 0 && p.MinGrammarBudget+p.SafetyMargin >= p.LatencyBudget {
		errs = append(errs, fmt.Errorf("pipeline.min_grammar_budget (%v) plus safety_margin (%v) leaves no room in latency_budget (%v)",
			p.MinGrammarBudget, p.SafetyMargin, p.LatencyBudget))
	}
	if p.ParagraphPause > 0 && p.SentencePause >= p.ParagraphPause {
		errs = append(errs, fmt.Errorf("pipeline.sentence_pause (%v) must be shorter than paragraph_pause (%v)", p.SentencePause, p.ParagraphPause))
	}
	if p.DedupWindow < 0 {
		errs = append(errs, fmt.Errorf("pipeline.dedup_window %d must not be negative", p.DedupWindow))
	}
	if p.DedupThreshold < 0 || p.DedupThreshold > 100 {
		errs = append(errs, fmt.Errorf("pipeline.dedup_threshold %d is out of range [0, 100]", p.DedupThreshold))
	}
	if p.DefaultTone != "" && !p.DefaultTone.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.default_tone %q is invalid", p.DefaultTone))
	}

	switch cfg.Store.Backend {
	case StoreSQLite:
		if cfg.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	case StoreMemory:
		slog.Warn("store.backend is memory; corrections and learned rules are lost on restart")
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: sqlite, postgres, memory", cfg.Store.Backend))
	}

	if cfg.Cache.RedisAddr != "" {
		if cfg.Cache.TTL < 0 {
			errs = append(errs, errors.New("cache.ttl must not be negative"))
		}
		if cfg.Cache.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("cache.redis_db %d must not be negative", cfg.Cache.RedisDB))
		}
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	if b := cfg.Providers.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Info("providers.stt is not configured; only text transcripts will be processed")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in the
// [ValidProviderNames] list for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
