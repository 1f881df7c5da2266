// Command parley is the main entry point for the Parley voice assistant server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/halvick/parley/internal/answer"
	"github.com/halvick/parley/internal/config"
	"github.com/halvick/parley/internal/gateway"
	"github.com/halvick/parley/internal/health"
	"github.com/halvick/parley/internal/observe"
	"github.com/halvick/parley/internal/resilience"
	"github.com/halvick/parley/internal/retrieval"
	"github.com/halvick/parley/pkg/provider/asr"
	asrdashscope "github.com/halvick/parley/pkg/provider/asr/dashscope"
	"github.com/halvick/parley/pkg/provider/embeddings"
	ollamaembed "github.com/halvick/parley/pkg/provider/embeddings/ollama"
	oaembed "github.com/halvick/parley/pkg/provider/embeddings/openai"
	"github.com/halvick/parley/pkg/provider/llm"
	"github.com/halvick/parley/pkg/provider/llm/anyllm"
	"github.com/halvick/parley/pkg/provider/rerank"
	"github.com/halvick/parley/pkg/provider/rerank/siliconflow"
	"github.com/halvick/parley/pkg/provider/speech"
	speechdashscope "github.com/halvick/parley/pkg/provider/speech/dashscope"
	"github.com/halvick/parley/pkg/search/bm25"
	"github.com/halvick/parley/pkg/search/pgvector"
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
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can retune verbosity
	// without restarting.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Knowledge store ───────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Knowledge.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer pool.Close()

	var storeOpts []pgvector.Option
	if cfg.Knowledge.Table != "" {
		storeOpts = append(storeOpts, pgvector.WithTable(cfg.Knowledge.Table))
	}
	store, err := pgvector.New(pool, providers.Embeddings, storeOpts...)
	if err != nil {
		slog.Error("failed to create knowledge store", "err", err)
		return 1
	}

	// ── Retrieval engine ──────────────────────────────────────────────────────
	engineOpts := []retrieval.Option{
		retrieval.WithConfig(retrievalConfig(cfg.Retrieval)),
		retrieval.WithLogger(logger),
		retrieval.WithMetrics(metrics),
		retrieval.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "rerank"})),
	}

	// The keyword index is a snapshot of the knowledge table. If it cannot be
	// built the server still starts; retrieval runs on vector search alone.
	if passages, err := store.AllPassages(ctx); err != nil {
		slog.Warn("keyword index unavailable, running semantic-only", "err", err)
	} else {
		idx := bm25.Build(passages)
		engineOpts = append(engineOpts, retrieval.WithLexical(idx))
		slog.Info("keyword index built", "passages", idx.Len())
	}

	engine, err := retrieval.New(store, providers.Rerank, engineOpts...)
	if err != nil {
		slog.Error("failed to create retrieval engine", "err", err)
		return 1
	}

	// ── Session gateway ───────────────────────────────────────────────────────
	gw, err := gateway.NewServer(providers.LLM, engine, providers.Recognition, providers.Synthesis,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithRecognitionConfig(asr.StreamConfig{
			SampleRate: cfg.Session.SampleRate,
			Language:   cfg.Session.Language,
		}),
		gateway.WithSynthesisConfig(speech.StreamConfig{
			Voice:      cfg.Session.Voice,
			SampleRate: cfg.Session.SynthesisSampleRate,
		}),
		gateway.WithAnswerConfig(answerConfig(cfg.Answer)),
		gateway.WithQuestionQueueDepth(cfg.Session.QuestionQueueDepth),
	)
	if err != nil {
		slog.Error("failed to create session gateway", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			slog.Info("config file changed, no reloadable settings differ")
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level reloaded", "level", d.NewLogLevel)
		}
		if d.RetrievalChanged {
			engine.SetConfig(retrievalConfig(d.NewRetrieval))
			slog.Info("retrieval settings reloaded")
		}
		if d.AnswerChanged {
			gw.SetAnswerConfig(answerConfig(d.NewAnswer))
			slog.Info("answer settings reloaded")
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/ws/chat", gw)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(health.Database("knowledge", store)).Register(mux)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
		// No Read/WriteTimeout: the chat endpoint holds WebSocket
		// connections open for the whole conversation.
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds one instantiated provider per pipeline stage.
type providerSet struct {
	LLM         llm.Provider
	Embeddings  embeddings.Provider
	Rerank      rerank.Provider
	Recognition asr.Provider
	Synthesis   speech.Provider
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The hosted backends all share the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// ── Rerank ────────────────────────────────────────────────────────────────

	reg.RegisterRerank("siliconflow", func(entry config.ProviderEntry) (rerank.Provider, error) {
		var opts []siliconflow.Option
		if entry.BaseURL != "" {
			opts = append(opts, siliconflow.WithBaseURL(entry.BaseURL))
		}
		return siliconflow.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Recognition ───────────────────────────────────────────────────────────

	reg.RegisterRecognition("dashscope", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []asrdashscope.Option
		if entry.Model != "" {
			opts = append(opts, asrdashscope.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, asrdashscope.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, asrdashscope.WithLanguage(lang))
		}
		return asrdashscope.New(entry.APIKey, opts...)
	})

	// ── Synthesis ─────────────────────────────────────────────────────────────

	reg.RegisterSynthesis("dashscope", func(entry config.ProviderEntry) (speech.Provider, error) {
		var opts []speechdashscope.Option
		if entry.Model != "" {
			opts = append(opts, speechdashscope.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, speechdashscope.WithEndpoint(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, speechdashscope.WithVoice(voice))
		}
		return speechdashscope.New(entry.APIKey, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the provider named for each pipeline stage and
// wraps the LLM and embeddings providers in fallback groups when a fallback
// entry is configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = primary
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	if fb := cfg.Providers.FallbackLLM; fb != nil {
		fallback, err := reg.CreateLLM(*fb)
		if err != nil {
			return nil, fmt.Errorf("create fallback llm provider %q: %w", fb.Name, err)
		}
		group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.CircuitBreakerConfig{Name: "llm"})
		group.AddFallback(fb.Name, fallback)
		ps.LLM = group
		slog.Info("llm fallback configured", "primary", cfg.Providers.LLM.Name, "fallback", fb.Name)
	}

	embedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	ps.Embeddings = embedder
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name, "model", cfg.Providers.Embeddings.Model)

	if fb := cfg.Providers.FallbackEmbeddings; fb != nil {
		fallback, err := reg.CreateEmbeddings(*fb)
		if err != nil {
			return nil, fmt.Errorf("create fallback embeddings provider %q: %w", fb.Name, err)
		}
		group := resilience.NewEmbedFallback(embedder, cfg.Providers.Embeddings.Name, resilience.CircuitBreakerConfig{Name: "embeddings"})
		group.AddFallback(fb.Name, fallback)
		ps.Embeddings = group
		slog.Info("embeddings fallback configured", "primary", cfg.Providers.Embeddings.Name, "fallback", fb.Name)
	}

	ps.Rerank, err = reg.CreateRerank(cfg.Providers.Rerank)
	if err != nil {
		return nil, fmt.Errorf("create rerank provider %q: %w", cfg.Providers.Rerank.Name, err)
	}
	slog.Info("provider created", "kind", "rerank", "name", cfg.Providers.Rerank.Name, "model", cfg.Providers.Rerank.Model)

	ps.Recognition, err = reg.CreateRecognition(cfg.Providers.Recognition)
	if err != nil {
		return nil, fmt.Errorf("create recognition provider %q: %w", cfg.Providers.Recognition.Name, err)
	}
	slog.Info("provider created", "kind", "recognition", "name", cfg.Providers.Recognition.Name, "model", cfg.Providers.Recognition.Model)

	ps.Synthesis, err = reg.CreateSynthesis(cfg.Providers.Synthesis)
	if err != nil {
		return nil, fmt.Errorf("create synthesis provider %q: %w", cfg.Providers.Synthesis.Name, err)
	}
	slog.Info("provider created", "kind", "synthesis", "name", cfg.Providers.Synthesis.Name, "model", cfg.Providers.Synthesis.Model)

	return ps, nil
}

// ── Config mapping ────────────────────────────────────────────────────────────

func retrievalConfig(rc config.RetrievalConfig) retrieval.Config {
	return retrieval.Config{
		SemanticK:      rc.SemanticK,
		LexicalK:       rc.LexicalK,
		SemanticWeight: rc.SemanticWeight,
		LexicalWeight:  rc.LexicalWeight,
		RRFConstant:    rc.RRFConstant,
		TopN:           rc.TopN,
	}
}

func answerConfig(ac config.AnswerConfig) answer.Config {
	return answer.Config{
		SummaryThreshold: ac.SummaryThreshold,
		TriggerPhrases:   ac.TriggerPhrases,
		FallbackTemplate: ac.FallbackTemplate,
	}
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
