package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kalambet/hindsight/internal/analyzer"
	"github.com/kalambet/hindsight/internal/config"
	"github.com/kalambet/hindsight/internal/learning"
	"github.com/kalambet/hindsight/internal/queue"
	"github.com/kalambet/hindsight/internal/search"
	"github.com/kalambet/hindsight/internal/source"
	"github.com/kalambet/hindsight/internal/storage"
	"github.com/kalambet/hindsight/internal/syncer"
	"github.com/kalambet/hindsight/internal/upsert"
)

// app holds the fully wired system shared by all commands.
type app struct {
	cfg       *config.Config
	store     *storage.Store
	search    *search.Engine
	syncer    *syncer.Orchestrator
	upserter  *upsert.Engine
	registry  *analyzer.Registry
	learnings *learning.Manager
	queue     *queue.Queue
}

// buildApp loads configuration, opens the store, and wires every component.
// mutate, if non-nil, adjusts the loaded config before wiring (command flags
// such as --cloud-consent land here). progress is an optional sync progress
// callback.
func buildApp(cmd *cobra.Command, mutate func(*config.Config), progress syncer.ProgressFunc) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	// A single embedder instance feeds both the upsert refresh and the query
	// side. Absent credentials or consent, both run without embeddings.
	var searchEmb search.Embedder
	var upsertEmb upsert.Embedder
	if cfg.ExtractorAllowed() {
		emb := search.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.EmbedModel)
		searchEmb, upsertEmb = emb, emb
	}

	engine := upsert.NewEngine(store, upsertEmb)

	learnings := learning.NewManager(store, cfg.Analysis.MinConfidence)

	registry := analyzer.NewRegistry()
	learningAnalyzers := []analyzer.Analyzer{analyzer.NewPatternDetector()}
	if cfg.ExtractorAllowed() {
		learningAnalyzers = append(learningAnalyzers,
			analyzer.NewExtractor(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.ChatModel))
	}
	registry.Register(analyzer.NewMulti(analyzer.TypeLearning, learningAnalyzers...))
	registry.Register(analyzer.NewWorkflowDetector())

	q := queue.New(store, registry, learnings, queue.Options{
		BatchSize:   cfg.Analysis.BatchSize,
		Concurrency: cfg.Analysis.Concurrency,
		MaxAttempts: cfg.Analysis.MaxAttempts,
	})
	engine.OnChange(q.OnChange)

	adapters := make(map[source.Provider]source.Adapter)
	for provider, root := range cfg.Sync.CLIRoots {
		adapters[provider] = source.NewCLIAdapter(provider, root)
	}
	for provider, ep := range cfg.Sync.WebEndpoints {
		adapters[provider] = source.NewWebAdapter(provider, ep.BaseURL, ep.Token, nil)
	}

	orchestrator := syncer.New(adapters, store, engine, syncer.Options{
		MaxRetries:   cfg.Sync.MaxRetries,
		RetryBackoff: cfg.Sync.RetryBackoff,
		Progress:     progress,
		BaseContext:  cmd.Context(),
	})

	searchEngine := search.NewEngine(store, searchEmb, search.Options{
		FTSWeight:         cfg.Search.FTSWeight,
		SemanticWeight:    cfg.Search.SemanticWeight,
		SemanticThreshold: cfg.Search.SemanticThreshold,
		MaxResults:        cfg.Search.MaxResults,
	})

	return &app{
		cfg:       cfg,
		store:     store,
		search:    searchEngine,
		syncer:    orchestrator,
		upserter:  engine,
		registry:  registry,
		learnings: learnings,
		queue:     q,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
