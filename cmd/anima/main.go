// Command anima is the process entry point: it loads configuration,
// constructs every long-lived collaborator (affect, relationship,
// episodic memory, persona, LLM gateway, tool executor, short-term
// history, orchestrator), starts the background loops (proactive
// scheduler, dream consolidator, episodic cleanup), serves the
// inbound WebSocket gateway, and coordinates an orderly shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitsune-ai/anima/pkg/affect"
	"github.com/kitsune-ai/anima/pkg/config"
	"github.com/kitsune-ai/anima/pkg/dream"
	"github.com/kitsune-ai/anima/pkg/episodic"
	"github.com/kitsune-ai/anima/pkg/gateway"
	"github.com/kitsune-ai/anima/pkg/history"
	"github.com/kitsune-ai/anima/pkg/llmgateway"
	"github.com/kitsune-ai/anima/pkg/orchestrator"
	"github.com/kitsune-ai/anima/pkg/persona"
	"github.com/kitsune-ai/anima/pkg/proactive"
	"github.com/kitsune-ai/anima/pkg/relationship"
	"github.com/kitsune-ai/anima/pkg/tools"
	"github.com/kitsune-ai/anima/pkg/toolshttp"
)

func main() {
	configPath := flag.String("config", "anima.yaml", "path to the YAML configuration file")
	listenAddr := flag.String("listen", ":8765", "address the inbound gateway listens on")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := run(*configPath, *listenAddr, log); err != nil {
		log.Fatal().Err(err).Msg("anima: fatal startup error")
	}
}

func run(configPath, listenAddr string, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Missing/invalid config, including a missing required API
		// key, is the one case that is fatal at startup.
		return fmt.Errorf("anima: %w", err)
	}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			log.Warn().Err(err).Msg("anima: could not create log directory, logging to stderr only")
		}
	}

	app, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go app.proactiveSched.Run(ctx)
	go app.dreamConsolidator.Run(ctx)
	go app.runEpisodicCleanup(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", app.gw.ServeHTTP)
	srv := &http.Server{Addr: listenAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listenAddr).Msg("anima: serving inbound gateway")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("anima: shutdown signal received")
	case err := <-serveErr:
		log.Error().Err(err).Msg("anima: gateway server failed")
	}

	// Stop accepting new ingress, cancel background tickers, drain
	// in-flight sessions, flush cache snapshots.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	app.gw.Shutdown()
	cancel()

	if err := app.llmGateway.SaveSnapshot(app.cacheSnapshotPath); err != nil {
		log.Warn().Err(err).Msg("anima: failed to save LLM cache snapshot")
	}
	return nil
}

// application holds every long-lived collaborator constructed by
// build: no component here reaches for a package-level global.
type application struct {
	affectStore       *affect.Store
	relStore          *relationship.Store
	episodicStore     *episodic.Store
	personaStore      *persona.Retriever
	historyStore      *history.Store
	llmGateway        *llmgateway.Gateway
	toolExecutor      *tools.Executor
	orch              *orchestrator.Orchestrator
	proactiveSched    *proactive.Scheduler
	dreamConsolidator *dream.Consolidator
	gw                *gateway.Server

	cleanupInterval   time.Duration
	cacheSnapshotPath string
	log               zerolog.Logger
}

func (a *application) close() {
	if a.relStore != nil {
		_ = a.relStore.Close()
	}
	if a.episodicStore != nil {
		_ = a.episodicStore.Close()
	}
}

// runEpisodicCleanup drives the episodic store's periodic cleanup:
// age-out documents older than 30 days and collapse near-duplicates.
func (a *application) runEpisodicCleanup(ctx context.Context) {
	const maxDocAge = 30 * 24 * time.Hour
	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.episodicStore.Cleanup(ctx, maxDocAge); err != nil {
				a.log.Warn().Err(err).Msg("anima: episodic cleanup pass failed")
			}
		}
	}
}

// lazySummarizer and lazySaver break the construction cycle between
// history.Store (which needs a Summarizer/MemorySaver at construction)
// and *orchestrator.Orchestrator (which implements both interfaces but
// needs the already-built *history.Store passed into orchestrator.New).
// Each holds a seam that's filled in once the orchestrator exists.
type lazySummarizer struct{ target history.Summarizer }

func (l *lazySummarizer) Summarize(ctx context.Context, existing string, pruned []history.Message) (string, error) {
	return l.target.Summarize(ctx, existing, pruned)
}

type lazySaver struct{ target history.MemorySaver }

func (l *lazySaver) SaveFromHistory(ctx context.Context, sessionID string, pruned []history.Message) {
	l.target.SaveFromHistory(ctx, sessionID, pruned)
}

func build(cfg *config.Config, log zerolog.Logger) (*application, error) {
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("anima: create data dir: %w", err)
	}
	chromaDir := filepath.Join(cfg.DataDir, "chroma_db")
	cacheDir := filepath.Join(cfg.DataDir, "cache")
	historyDir := filepath.Join(cfg.DataDir, "history")
	for _, d := range []string{chromaDir, cacheDir, historyDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("anima: create %s: %w", d, err)
		}
	}

	// --- C4 LLM Gateway, failing over across cfg.Providers in order ---
	providers := make([]llmgateway.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, llmgateway.NewOpenAIProvider(p.Name, p.BaseURL, p.APIKey))
	}
	gw := llmgateway.New(log, providers,
		llmgateway.WithMaxConcurrent(cfg.GatewayMaxConcurrent),
		llmgateway.WithMaxRetries(cfg.GatewayMaxRetries),
		llmgateway.WithTimeout(time.Duration(cfg.GatewayTimeoutSeconds)*time.Second),
	)
	cacheSnapshotPath := filepath.Join(cacheDir, "llm_cache.msgpack")
	if err := gw.LoadSnapshot(cacheSnapshotPath); err != nil {
		log.Warn().Err(err).Msg("anima: failed to load LLM cache snapshot")
	}
	primaryModel := cfg.Providers[0].Model

	// --- C1 Affect Store ---
	affectStore := affect.New(log, affect.WithPersistPath(filepath.Join(cfg.DataDir, "affect.json")))

	// --- C2 Relationship Store ---
	relStore, err := relationship.Open(ctx, filepath.Join(cfg.DataDir, "user_profiles.db"), log)
	if err != nil {
		return nil, fmt.Errorf("anima: open relationship store: %w", err)
	}

	// --- C3 Episodic Memory, embeddings shared with C11 Persona ---
	embedder := episodic.NewOpenAIEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, 1536)
	episodicStore, err := episodic.Open(ctx, filepath.Join(chromaDir, "anima_memories.db"), "anima_memories", embedder, log)
	if err != nil {
		return nil, fmt.Errorf("anima: open episodic store: %w", err)
	}

	// --- C11 Persona Retriever ---
	extendedCfg, contextual, corePersona, err := loadPersonaFiles(cfg.PersonaPath)
	if err != nil {
		log.Warn().Err(err).Msg("anima: persona files unavailable, starting with an empty persona")
	}
	personaStore, err := persona.NewRetriever(ctx, filepath.Join(chromaDir, "persona.db"), extendedCfg, contextual, embedder, log)
	if err != nil {
		return nil, fmt.Errorf("anima: open persona retriever: %w", err)
	}

	// --- C10 Tool Executor ---
	toolExecutor := tools.New(map[string]tools.Adapter{
		"web_search":          toolshttp.NewWebSearchAdapter(toolshttp.NewHTTPSearchClient(cfg.Tools.SearchEndpoint), 5),
		"generate_image":      toolshttp.NewImageGenAdapter(cfg.Providers[0].BaseURL, cfg.Providers[0].APIKey, cfg.Tools.ImageGenModel),
		"run_python_analysis": toolshttp.NewPythonSandboxAdapter(cfg.Tools.SandboxEndpoint),
	}, log)

	// --- C9 Short-Term History ---
	// history.Store needs a Summarizer/MemorySaver at construction,
	// but both seams are satisfied by the orchestrator we haven't
	// built yet (it needs the Store itself). The lazy wrappers below
	// are filled in once orch exists, breaking the cycle without
	// either package depending on the other's concrete type.
	summarizerSeam := &lazySummarizer{}
	saverSeam := &lazySaver{}
	historyStore := history.New(historyDir, summarizerSeam, saverSeam, log)

	orch := orchestrator.New(
		affectStore, relStore, episodicStore, personaStore, historyStore,
		gw, toolExecutor, primaryModel, corePersona, log,
	)
	summarizerSeam.target = orch
	saverSeam.target = orch

	gwServer := gateway.New(cfg.InboundAuth, orch, nil, time.Duration(cfg.DebounceWaitMs)*time.Millisecond, log)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	proactiveSched := proactive.New(orch, relStore, affectStore, rng, gwServer.RunProactiveDeliver(), log)
	gwServer.SetTracker(proactiveSched)

	dreamSummarizer := &dream.GatewaySummarizer{Gateway: gw, Model: primaryModel}
	dreamConsolidator := dream.New(
		episodicStore, affectStore, dreamSummarizer,
		filepath.Join(cfg.DataDir, "dream_lock.lock"),
		gwServer.LastActivity,
		log,
	)

	return &application{
		affectStore:       affectStore,
		relStore:          relStore,
		episodicStore:     episodicStore,
		personaStore:      personaStore,
		historyStore:      historyStore,
		llmGateway:        gw,
		toolExecutor:      toolExecutor,
		orch:              orch,
		proactiveSched:    proactiveSched,
		dreamConsolidator: dreamConsolidator,
		gw:                gwServer,
		cleanupInterval:   time.Duration(cfg.EpisodicCleanupHours) * time.Hour,
		cacheSnapshotPath: cacheSnapshotPath,
		log:               log.With().Str("component", "anima").Logger(),
	}, nil
}

// loadPersonaFiles reads the persona directory: a plain-text core
// persona plus the extended/contextual JSON configurations.
func loadPersonaFiles(dir string) (map[string]any, persona.ContextualPersona, string, error) {
	if dir == "" {
		return nil, persona.ContextualPersona{}, "", fmt.Errorf("anima: no persona_path configured")
	}

	corePersonaBytes, err := os.ReadFile(filepath.Join(dir, "core_persona.txt"))
	if err != nil {
		return nil, persona.ContextualPersona{}, "", fmt.Errorf("anima: read core persona: %w", err)
	}

	var extended map[string]any
	extendedBytes, err := os.ReadFile(filepath.Join(dir, "extended_persona.json"))
	if err == nil {
		if jsonErr := json.Unmarshal(extendedBytes, &extended); jsonErr != nil {
			return nil, persona.ContextualPersona{}, "", fmt.Errorf("anima: parse extended_persona.json: %w", jsonErr)
		}
	}

	var contextual persona.ContextualPersona
	contextualBytes, err := os.ReadFile(filepath.Join(dir, "contextual_persona.json"))
	if err == nil {
		if jsonErr := json.Unmarshal(contextualBytes, &contextual); jsonErr != nil {
			return nil, persona.ContextualPersona{}, "", fmt.Errorf("anima: parse contextual_persona.json: %w", jsonErr)
		}
	}

	return extended, contextual, string(corePersonaBytes), nil
}
