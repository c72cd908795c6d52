// Command turnengine is the main entry point for the turn-orchestration
// server: it loads configuration, wires every component described in the
// spec (Store, BoundedCache, ConversationMemory, Retriever, GuardPipeline,
// TokenLedger, PromptBuilder, LLMClient, TurnOrchestrator, SessionManager)
// and serves the HTTP/WebSocket API surface until an interrupt signal
// arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turnengine/turnengine/internal/admission"
	"github.com/turnengine/turnengine/internal/api"
	"github.com/turnengine/turnengine/internal/cache"
	"github.com/turnengine/turnengine/internal/config"
	"github.com/turnengine/turnengine/internal/convmem"
	"github.com/turnengine/turnengine/internal/guard"
	"github.com/turnengine/turnengine/internal/llmclient"
	"github.com/turnengine/turnengine/internal/mcp"
	"github.com/turnengine/turnengine/internal/mcp/mcphost"
	"github.com/turnengine/turnengine/internal/observe"
	"github.com/turnengine/turnengine/internal/orchestrator"
	"github.com/turnengine/turnengine/internal/promptbuilder"
	"github.com/turnengine/turnengine/internal/resilience"
	"github.com/turnengine/turnengine/internal/retriever"
	"github.com/turnengine/turnengine/internal/rtsession"
	"github.com/turnengine/turnengine/internal/store"
	"github.com/turnengine/turnengine/internal/tokenledger"
	"github.com/turnengine/turnengine/internal/transcript"
	"github.com/turnengine/turnengine/internal/transcript/phonetic"
	"github.com/turnengine/turnengine/pkg/provider/embeddings"
	embollama "github.com/turnengine/turnengine/pkg/provider/embeddings/ollama"
	embopenai "github.com/turnengine/turnengine/pkg/provider/embeddings/openai"
	"github.com/turnengine/turnengine/pkg/provider/llm"
	"github.com/turnengine/turnengine/pkg/provider/llm/anyllm"
	"github.com/turnengine/turnengine/pkg/provider/llm/openai"
	"github.com/turnengine/turnengine/pkg/provider/stt"
	"github.com/turnengine/turnengine/pkg/provider/stt/deepgram"
	"github.com/turnengine/turnengine/pkg/provider/stt/whisper"
	"github.com/turnengine/turnengine/pkg/provider/tts"
	"github.com/turnengine/turnengine/pkg/provider/tts/coqui"
	"github.com/turnengine/turnengine/pkg/provider/tts/elevenlabs"
	"github.com/turnengine/turnengine/pkg/provider/vad"
	"github.com/turnengine/turnengine/pkg/provider/vad/energy"
	"github.com/turnengine/turnengine/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "turnengine: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "turnengine: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("turnengine starting", "config", *configPath, "listen_addr", cfg.Server.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "turnengine"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	deps, err := buildDependencies(ctx, cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to wire dependencies", "err", err)
		return 1
	}
	defer deps.Close()

	srv, mux := api.New(deps.orchestrator, deps.admission, deps.sessions, deps.store, deps.llmClient, deps.retriever, metrics, api.Config{
		AdminKey:     cfg.Server.AdminKey,
		TurnDeadline: 30 * time.Second,
	})
	_ = srv
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// dependencies holds every wired component the composition root constructs,
// so main can pass them to the API surface and release them on shutdown in
// one place.
type dependencies struct {
	store        store.Store
	cache        *cache.BoundedCache
	convMem      *convmem.ConversationMemory
	retriever    *retriever.Retriever
	guardPipe    *guard.GuardPipeline
	ledger       *tokenledger.TokenLedger
	llmClient    *llmclient.Client
	orchestrator *orchestrator.TurnOrchestrator
	sessions     *rtsession.SessionManager
	admission    *admission.Admission
	mcpHost      *mcphost.Host
}

func (d *dependencies) Close() {
	if d.sessions != nil {
		d.sessions.Close()
	}
	if d.mcpHost != nil {
		_ = d.mcpHost.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
}

// buildDependencies wires every component named in the composition root,
// in dependency order (leaves first): Store, BoundedCache,
// ConversationMemory, Retriever, GuardPipeline, TokenLedger, LLMClient,
// TurnOrchestrator, SessionManager, Admission.
func buildDependencies(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*dependencies, error) {
	var (
		st  store.Store
		ret *retriever.Retriever
	)

	if cfg.Store.DSN != "" {
		pgStore, err := store.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = pgStore

		if cfg.Providers.Embeddings.Name != "" {
			embedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
			if err != nil {
				slog.Warn("embeddings provider unavailable — retrieval disabled", "err", err)
			} else {
				ret = retriever.New(pgStore.Pool(), embedder, cfg.RAG.Collection)
			}
		}
	} else {
		slog.Warn("store.dsn is empty — running with an in-memory-only degraded store")
		st = nil
	}

	boundedCache := cache.New(cfg.Cache.CapacityEntries, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	convMem := convmem.New(st, cfg.ConvMem.WindowMessages, cfg.ConvMem.MaxConversations)

	guardStrict := cfg.Guard.Mode == config.GuardModeStrict
	guardPipe := guard.New(time.Duration(cfg.Guard.TimeoutMs)*time.Millisecond, guardStrict)

	ledger := tokenledger.New()

	var llmProvider llm.Provider
	if cfg.Providers.LLM.Name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
		}
		fb := resilience.NewLLMFallback(p, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		llmProvider = fb
	} else {
		return nil, errors.New("providers.llm must be configured")
	}

	llmClient := llmclient.New(llmProvider, llmclient.Options{
		RequestTimeout: time.Duration(cfg.LLM.RequestTimeoutS) * time.Second,
		MaxRetries:     cfg.LLM.MaxRetries,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
	})

	var searcher orchestrator.Searcher
	if ret != nil {
		searcher = ret
	}

	turns := orchestrator.New(boundedCache, convMem, searcher, guardPipe, ledger, llmClient, st, metrics, orchestrator.Config{
		RAGEnabled:         cfg.RAG.Enabled && ret != nil,
		RAGTopK:            cfg.RAG.TopK,
		RAGScoreThreshold:  cfg.RAG.ScoreThreshold,
		RAGSoftDeadline:    time.Duration(cfg.RAG.SoftDeadlineMs) * time.Millisecond,
		GuardReconcileWait: time.Duration(cfg.Guard.TimeoutMs) * time.Millisecond,
		GuardStrictMode:    guardStrict,
		DefaultPersona:     promptbuilder.PersonaGeneric,
		DefaultMaxTokens:   cfg.LLM.MaxTokens,
		DefaultTemperature: cfg.LLM.Temperature,
	})

	var mcpHost *mcphost.Host
	if len(cfg.MCP.Servers) > 0 || ret != nil {
		mcpHost = mcphost.New()
		if ret != nil {
			registerSearchTool(mcpHost, ret, cfg.RAG.TopK, cfg.RAG.ScoreThreshold)
		}
		for _, srvCfg := range cfg.MCP.Servers {
			if err := mcpHost.RegisterServer(ctx, mcp.ServerConfig{
				Name:      srvCfg.Name,
				Transport: srvCfg.Transport,
				Command:   srvCfg.Command,
				URL:       srvCfg.URL,
				Env:       srvCfg.Env,
			}); err != nil {
				slog.Warn("mcp server registration failed", "server", srvCfg.Name, "err", err)
			}
		}
	}

	sttProvider, ttsProvider, vadEngine := buildStreamingProviders(reg, cfg)

	var pipeline transcript.Pipeline = transcript.NewPipeline(
		transcript.WithPhoneticMatcher(phonetic.New()),
	)

	sessions := rtsession.New(cfg.RTSession.MaxSessions, time.Duration(cfg.RTSession.SessionTimeoutS)*time.Second,
		rtsession.SessionConfig{
			VADThreshold:       float64(cfg.RTSession.VADThresholdPct) / 100,
			SilenceTimeoutMs:   cfg.RTSession.SilenceTimeoutMs,
			MaxAudioDurationMs: cfg.RTSession.MaxAudioDurationMs,
			SampleRateHz:       cfg.RTSession.AudioSampleRateHz,
			Channels:           cfg.RTSession.AudioChannels,
		},
		rtsession.Deps{
			STT:        sttProvider,
			TTS:        ttsProvider,
			VAD:        vadEngine,
			Turns:      turns,
			Transcript: pipeline,
			Metrics:    metrics,
		},
	)

	admit := admission.New(st, admission.Config{
		APIKeyRequired:     cfg.Admission.APIKeyRequired,
		RateLimitPerMinute: cfg.Admission.RateLimitPerMinute,
		RateLimitPerDay:    cfg.Admission.RateLimitPerDay,
	})

	return &dependencies{
		store:        st,
		cache:        boundedCache,
		convMem:      convMem,
		retriever:    ret,
		guardPipe:    guardPipe,
		ledger:       ledger,
		llmClient:    llmClient,
		orchestrator: turns,
		sessions:     sessions,
		admission:    admit,
		mcpHost:      mcpHost,
	}, nil
}

// registerSearchTool exposes the retriever's search as a BudgetFast MCP
// tool, per SPEC_FULL.md §C.2: the retriever's own 250ms soft deadline maps
// directly onto the fast budget tier.
func registerSearchTool(host *mcphost.Host, ret *retriever.Retriever, topK int, scoreThreshold float64) {
	if topK <= 0 {
		topK = 3
	}
	err := host.RegisterBuiltin(mcphost.BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "search_knowledge_base",
			Description: "Search the knowledge base for passages relevant to a query.",
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			results, err := ret.Search(ctx, args, topK, scoreThreshold)
			if err != nil {
				return "", err
			}
			out := ""
			for _, r := range results {
				out += r.Text + "\n"
			}
			return out, nil
		},
		DeclaredP50: 250,
		DeclaredMax: 250,
	})
	if err != nil {
		slog.Warn("failed to register search_knowledge_base tool", "err", err)
	}
}

// buildStreamingProviders constructs the STT/TTS/VAD providers used by
// SessionManager. STT and TTS are nil when not configured or when
// construction fails; rtsession.SessionManager degrades streaming features
// accordingly (transcript correction and audio synthesis become no-ops
// without a concrete backend). VAD is never nil: it falls back to the
// energy-threshold engine.
func buildStreamingProviders(reg *config.Registry, cfg *config.Config) (stt.Provider, tts.Provider, vad.Engine) {
	var sttProvider stt.Provider
	if cfg.Providers.STT.Name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			slog.Warn("stt provider unavailable — streaming transcription disabled", "err", err)
		} else {
			fb := resilience.NewSTTFallback(p, cfg.Providers.STT.Name, resilience.FallbackConfig{})
			sttProvider = fb
		}
	}

	var ttsProvider tts.Provider
	if cfg.Providers.TTS.Name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			slog.Warn("tts provider unavailable — streaming synthesis disabled", "err", err)
		} else {
			fb := resilience.NewTTSFallback(p, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
			ttsProvider = fb
		}
	}

	var vadEngine vad.Engine
	if cfg.Providers.VAD.Name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			slog.Warn("vad provider unavailable — falling back to the energy-threshold engine", "err", err)
			vadEngine = energy.New()
		} else {
			vadEngine = p
		}
	} else {
		vadEngine = energy.New()
	}

	return sttProvider, ttsProvider, vadEngine
}

// registerBuiltinProviders wires every provider implementation that ships
// with turnengine into the registry, keyed by the name operators select in
// config.yaml.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewAnthropic(e.Model)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(e.Model)
	})
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGemini(e.Model)
	})
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewDeepSeek(e.Model)
	})
	reg.RegisterLLM("mistral", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewMistral(e.Model)
	})
	reg.RegisterLLM("groq", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGroq(e.Model)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		return anyllm.New(backend, e.Model)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		return coqui.New(e.BaseURL)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(e.BaseURL))
		}
		return embopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		baseURL := e.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return embollama.New(baseURL, e.Model)
	})

	reg.RegisterVAD("silero", func(e config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
