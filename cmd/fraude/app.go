package main

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/joss/fraude/internal/archive"
	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/config"
	"github.com/joss/fraude/internal/gather"
	"github.com/joss/fraude/internal/graph"
	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/reindex"
	"github.com/joss/fraude/internal/retrieval"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/synth"
	"github.com/joss/fraude/internal/workflow"
)

// app holds the wired collaborators of one CLI invocation. The graph,
// Weaviate and the archive are optional: without them the pipeline runs on
// the local keyword index and skips structural context.
type app struct {
	cfg       *config.FraudeEnv
	db        graph.Driver
	structure *graph.Service
	weaviate  *retrieval.Weaviate
	index     retrieval.Service
	store     *staging.Store
	reindexer *reindex.Reindexer
	archive   *archive.Archive
	manager   *workflow.Manager
	log       *logging.Logger
}

// newIndexApp wires storage only, without a completion backend.
func newIndexApp(ctx context.Context, cfg *config.FraudeEnv) (*app, error) {
	a := &app{cfg: cfg, log: logging.New("cli").WithProject(cfg.Collection())}

	if db := graph.ConnectWithRetry(ctx, graph.ConfigFromEnv(cfg), 3); db != nil {
		a.db = graph.NewCachedDriver(db, graph.NewQueryCache(512, 5*time.Minute))
		a.structure = graph.NewService(a.db)
	}

	w, werr := retrieval.NewWeaviate(cfg.WeaviateHost, cfg.WeaviateScheme,
		retrieval.WithLimit(cfg.SearchLimit), retrieval.WithAlpha(cfg.HybridAlpha))
	if werr == nil {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if w.Ready(rctx) {
			a.weaviate = w
			a.index = w
		} else {
			werr = errors.New("weaviate not ready at " + cfg.WeaviateHost)
		}
		cancel()
	}
	if a.index == nil {
		path := filepath.Join(config.GetPaths().Data, "index.json")
		mem, err := retrieval.OpenMemory(path, cfg.SearchLimit)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.log.Warn("weaviate_unavailable", map[string]any{"fallback": path}, werr)
		a.index = mem
	}

	opts := []reindex.Option{reindex.WithIndex(a.index), reindex.WithAnalyzer(cfg.AnalyzerCmd)}
	if a.structure != nil {
		opts = append(opts, reindex.WithGraph(a.structure))
	}
	a.reindexer = reindex.New(opts...)
	return a, nil
}

// newApp wires the full modification pipeline.
func newApp(ctx context.Context, cfg *config.FraudeEnv) (*app, error) {
	a, err := newIndexApp(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc, err := completion.NewFactory().FromEnv(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	if arc, err := archive.Open(config.GetPaths().Archive); err == nil {
		a.archive = arc
	} else {
		a.log.Warn("archive_unavailable", nil, err)
	}

	ropts := []gather.Option{gather.WithConcurrency(cfg.ContextConcurrency)}
	if a.structure != nil {
		ropts = append(ropts, gather.WithStructure(a.structure))
	}

	a.store = staging.NewStore(cfg.RepoRoot)
	mopts := []workflow.Option{
		workflow.WithDefaults(cfg.RepoRoot, cfg.Collection(), synth.ParseMode(cfg.Mode)),
		workflow.WithReindexer(a.reindexer),
	}
	if a.archive != nil {
		mopts = append(mopts, workflow.WithArchive(a.archive))
	}
	a.manager = workflow.NewManager(
		gather.NewRetriever(a.index, ropts...),
		synth.New(svc),
		a.store,
		mopts...,
	)
	return a, nil
}

// Close waits for background reindexing and releases connections.
func (a *app) Close() {
	if a.reindexer != nil {
		a.reindexer.Wait()
	}
	if a.archive != nil {
		a.archive.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
