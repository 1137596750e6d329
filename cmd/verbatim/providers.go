package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/verbatim/internal/app"
	"github.com/MrWong99/verbatim/internal/config"
	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/internal/learning/memstore"
	"github.com/MrWong99/verbatim/internal/learning/postgres"
	"github.com/MrWong99/verbatim/internal/learning/sqlite"
	"github.com/MrWong99/verbatim/internal/resilience"
	"github.com/MrWong99/verbatim/pkg/provider/llm"
	"github.com/MrWong99/verbatim/pkg/provider/llm/anyllm"
	"github.com/MrWong99/verbatim/pkg/provider/stt"
	"github.com/MrWong99/verbatim/pkg/provider/stt/deepgram"
)

// registerBuiltins wires the store backends and provider factories that ship
// with verbatim into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Stores ────────────────────────────────────────────────────────────────

	reg.RegisterStore(config.StoreSQLite, func(ctx context.Context, cfg config.StoreConfig) (learning.Store, error) {
		return sqlite.Open(ctx, cfg.SQLitePath)
	})
	reg.RegisterStore(config.StorePostgres, func(ctx context.Context, cfg config.StoreConfig) (learning.Store, error) {
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	})
	reg.RegisterStore(config.StoreMemory, func(context.Context, config.StoreConfig) (learning.Store, error) {
		return memstore.New(), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	for _, name := range anyllm.Supported {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server addressed by BaseURL alone.
			if entry.APIKey != "" && name != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithModel(entry.Model),
			deepgram.WithEndpoint(entry.BaseURL),
			deepgram.WithLanguage(optString(entry.Options, "language")),
			deepgram.WithSampleRate(optInt(entry.Options, "sample_rate")),
		}
		if ms := optInt(entry.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
		}
		return deepgram.New(entry.APIKey, opts...)
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
// Each configured kind is wrapped in a failover group so a primary with
// fallbacks, or a lone primary, sits behind a circuit breaker.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	pc := cfg.Providers
	breaker := resilience.BreakerConfig{
		MaxFailures:  pc.Breaker.MaxFailures,
		ResetTimeout: pc.Breaker.ResetTimeout,
		HalfOpenMax:  pc.Breaker.HalfOpenMax,
	}
	ps := &app.Providers{}

	var llmGroup *resilience.LLM
	for _, entry := range append([]config.ProviderEntry{pc.LLM}, pc.LLMFallbacks...) {
		p, err := createProvider("llm", entry, reg.CreateLLM)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if llmGroup == nil {
			llmGroup = resilience.NewLLM(entry.Name, p, breaker)
		} else {
			llmGroup.Add(entry.Name, p)
		}
	}
	if llmGroup != nil {
		ps.LLM = llmGroup
	}

	var sttGroup *resilience.STT
	for _, entry := range append([]config.ProviderEntry{pc.STT}, pc.STTFallbacks...) {
		p, err := createProvider("stt", entry, reg.CreateSTT)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if sttGroup == nil {
			sttGroup = resilience.NewSTT(entry.Name, p, breaker)
		} else {
			sttGroup.Add(entry.Name, p)
		}
	}
	if sttGroup != nil {
		ps.STT = sttGroup
	}

	return ps, nil
}

// createProvider builds one provider entry. A disabled or unregistered entry
// yields a nil provider and no error.
func createProvider[P any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (P, error)) (P, error) {
	var zero P
	if entry.Name == "" {
		return zero, nil
	}
	p, err := create(entry)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		slog.Warn("unknown provider, skipping", "kind", kind, "name", entry.Name)
		return zero, nil
	case err != nil:
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	return p, nil
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// integers as int; floats are truncated.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
