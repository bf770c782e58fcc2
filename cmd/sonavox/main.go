// Command sonavox is the main entry point for the Sonavox voice AI call server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	twilio "github.com/twilio/twilio-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sonavox/internal/config"
	"github.com/MrWong99/sonavox/internal/gateway"
	"github.com/MrWong99/sonavox/internal/health"
	"github.com/MrWong99/sonavox/internal/observe"
	"github.com/MrWong99/sonavox/internal/records"
	"github.com/MrWong99/sonavox/internal/resilience"
	"github.com/MrWong99/sonavox/pkg/audio/ambience"
	"github.com/MrWong99/sonavox/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/sonavox/pkg/provider/embeddings/openai"
	"github.com/MrWong99/sonavox/pkg/provider/llm"
	oallm "github.com/MrWong99/sonavox/pkg/provider/llm/openai"
	"github.com/MrWong99/sonavox/pkg/provider/stt"
	"github.com/MrWong99/sonavox/pkg/provider/stt/deepgram"
	"github.com/MrWong99/sonavox/pkg/provider/tts"
	"github.com/MrWong99/sonavox/pkg/provider/tts/elevenlabs"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonavox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonavox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sonavox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Call-record store (optional) ──────────────────────────────────────────
	var (
		store         *records.Store
		healthHandler *health.Handler
	)
	if cfg.Database.PostgresDSN != "" {
		store, err = records.NewStore(ctx, cfg.Database.PostgresDSN, cfg.Database.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to open call-record store", "err", err)
			return 1
		}
		defer store.Close()
		healthHandler = health.New(health.DatabaseChecker(store))
		slog.Info("call-record store ready", "embedding_dimensions", cfg.Database.EmbeddingDimensions)
	} else {
		healthHandler = health.New()
		slog.Warn("no postgres_dsn configured, calls will not be persisted")
	}

	// ── Ambience beds ─────────────────────────────────────────────────────────
	beds := ambience.NewCache()
	beds.AssetDir = cfg.Server.AmbienceAssetDir
	prewarmAmbience(ctx, beds, cfg)

	// ── Twilio client (optional) ──────────────────────────────────────────────
	var twilioClient *twilio.RestClient
	if cfg.Twilio.Enabled() {
		twilioClient = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.Twilio.AccountSID,
			Password: cfg.Twilio.AuthToken,
		})
		slog.Info("outbound dialing enabled", "from_number", cfg.Twilio.FromNumber)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	gwCfg := gateway.Config{
		Cfg:        cfg,
		STT:        providers.STT,
		LLM:        providers.LLM,
		TTS:        providers.TTS,
		Embeddings: providers.Embeddings,
		Ambience:   beds,
		Health:     healthHandler,
		Twilio:     twilioClient,
		Logger:     logger,
	}
	if store != nil {
		gwCfg.Store = store
		gwCfg.Knowledge = store
	}

	gw, err := gateway.New(gwCfg)
	if err != nil {
		slog.Error("failed to initialise gateway", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(gw, logLevel, old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// Sonavox into reg. Each factory receives a config.ProviderEntry and
// constructs a provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})
}

// providerSet holds the instantiated pipeline providers. STT, LLM, and TTS
// are wrapped in circuit-breaker failover groups.
type providerSet struct {
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// buildProviders instantiates the providers named in cfg. STT, LLM, and TTS
// are mandatory for a call server; embeddings are optional and only enable
// knowledge search.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	for kind, name := range map[string]string{
		"stt": cfg.Providers.STT.Name,
		"llm": cfg.Providers.LLM.Name,
		"tts": cfg.Providers.TTS.Name,
	} {
		if name == "" {
			return nil, fmt.Errorf("providers.%s.name must be set", kind)
		}
	}

	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = resilience.NewSTTFallback(sttProvider, cfg.Providers.STT.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "stt"},
	})
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = resilience.NewLLMFallback(llmProvider, cfg.Providers.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "llm"},
	})
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = resilience.NewTTSFallback(ttsProvider, cfg.Providers.TTS.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "tts"},
	})
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// prewarmAmbience synthesizes every bed flavor referenced by an assistant so
// the first call does not pay the generation cost. Generation is pure CPU
// work, so flavors run concurrently.
func prewarmAmbience(ctx context.Context, cache *ambience.Cache, cfg *config.Config) {
	flavors := make(map[ambience.Flavor]struct{})
	for _, a := range cfg.Assistants {
		f := a.Ambience.Flavor
		if f != "" && f != ambience.FlavorNone && f.IsValid() && a.Ambience.Volume > 0 {
			flavors[f] = struct{}{}
		}
	}
	if len(flavors) == 0 {
		return
	}

	start := time.Now()
	g, _ := errgroup.WithContext(ctx)
	for f := range flavors {
		g.Go(func() error {
			cache.Prewarm(f)
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("ambience beds generated", "flavors", len(flavors), "took", time.Since(start))
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyReload pushes safe changes from a reloaded config into the running
// server: log level immediately, assistant profiles for new calls.
func applyReload(gw *gateway.Gateway, logLevel *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.AssistantsChanged {
		gw.ApplyConfig(new)
		for _, ad := range d.AssistantChanges {
			slog.Info("assistant profile updated",
				"assistant", ad.Name,
				"added", ad.Added,
				"removed", ad.Removed,
				"prompt_changed", ad.PromptChanged,
				"voice_changed", ad.VoiceChanged,
				"ambience_changed", ad.AmbienceChanged,
			)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Sonavox — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.Twilio.Enabled() {
		fmt.Printf("║  Outbound dial   : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Outbound dial   : %-19s ║\n", "(disabled)")
	}
	if cfg.Database.PostgresDSN != "" {
		fmt.Printf("║  Call records    : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Call records    : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Assistants      : %-19d ║\n", len(cfg.Assistants))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar allows the
// config watcher to adjust verbosity without restarting.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
