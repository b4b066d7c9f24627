// Package reindex refreshes the structural graph and the retrieval index for
// files written by a modification, and can index a whole repository.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joss/fraude/internal/graph"
	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/metrics"
	"github.com/joss/fraude/internal/retrieval"
	"github.com/joss/fraude/internal/runner"
)

// GraphStore is the part of the graph service the reindexer writes through.
type GraphStore interface {
	DeleteFileData(ctx context.Context, filePath string) error
	WriteFileData(ctx context.Context, filePath string, defs []graph.Definition) error
}

// Stats summarizes one reindex run.
type Stats struct {
	Files       int `json:"files"`
	Definitions int `json:"definitions"`
	Chunks      int `json:"chunks"`
	Failed      int `json:"failed"`
}

// DefaultPattern selects the files IndexRepo walks.
const DefaultPattern = "**/*.{go,py,js,jsx,ts,tsx,mjs}"

// Reindexer re-analyzes changed files. Either store may be absent.
type Reindexer struct {
	graph    GraphStore
	index    retrieval.Writer
	registry *Registry
	analyzer string
	timeout  time.Duration

	wg  sync.WaitGroup
	log *logging.Logger
}

// Option configures a Reindexer.
type Option func(*Reindexer)

// WithGraph writes definitions to g.
func WithGraph(g GraphStore) Option {
	return func(r *Reindexer) { r.graph = g }
}

// WithIndex writes chunks to w.
func WithIndex(w retrieval.Writer) Option {
	return func(r *Reindexer) { r.index = w }
}

// WithAnalyzer runs command in the repository root after each sync. The
// changed paths are passed in FRAUDE_CHANGED_FILES, space separated.
func WithAnalyzer(command string) Option {
	return func(r *Reindexer) { r.analyzer = strings.TrimSpace(command) }
}

// WithTimeout bounds a background run.
func WithTimeout(d time.Duration) Option {
	return func(r *Reindexer) { r.timeout = d }
}

// WithParser registers an additional parser.
func WithParser(p Parser) Option {
	return func(r *Reindexer) { r.registry.Register(p) }
}

// New creates a reindexer.
func New(opts ...Option) *Reindexer {
	r := &Reindexer{
		registry: NewRegistry(),
		timeout:  5 * time.Minute,
		log:      logging.New("reindex"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reanalyze schedules Sync in the background and returns immediately.
func (r *Reindexer) Reanalyze(collection, repoRoot string, files []string) {
	if len(files) == 0 {
		return
	}
	files = append([]string(nil), files...)
	r.wg.Add(1)
	logging.SafeGo("reindex", func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if _, err := r.Sync(ctx, collection, repoRoot, files); err != nil {
			r.log.Warn("reanalyze_incomplete", map[string]any{"collection": collection}, err)
		}
	})
}

// Wait blocks until every scheduled Reanalyze has finished.
func (r *Reindexer) Wait() {
	r.wg.Wait()
}

// Sync replaces the graph data and chunks of files, which may be absolute
// or relative to repoRoot. Stored paths are relative to repoRoot. A file
// that no longer exists is only removed. Failures of single files do not
// stop the others; they are joined into the returned error.
func (r *Reindexer) Sync(ctx context.Context, collection, repoRoot string, files []string) (Stats, error) {
	start := time.Now()
	var (
		stats Stats
		errs  []error
		rels  []string
	)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rel := relative(repoRoot, f)
		rels = append(rels, rel)

		defs, chunks, err := r.file(ctx, collection, repoRoot, rel)
		if err != nil {
			stats.Failed++
			metrics.Global().ReindexedFiles.WithLabelValues("failed").Inc()
			errs = append(errs, err)
			continue
		}
		stats.Files++
		stats.Definitions += defs
		stats.Chunks += chunks
		metrics.Global().ReindexedFiles.WithLabelValues("ok").Inc()
	}

	if r.analyzer != "" && ctx.Err() == nil {
		if err := r.runAnalyzer(ctx, repoRoot, rels); err != nil {
			errs = append(errs, err)
		}
	}

	r.log.TimedEvent("sync_finished", start, map[string]any{
		"collection":  collection,
		"files":       stats.Files,
		"definitions": stats.Definitions,
		"chunks":      stats.Chunks,
		"failed":      stats.Failed,
	})
	return stats, errors.Join(errs...)
}

func (r *Reindexer) file(ctx context.Context, collection, repoRoot, rel string) (int, int, error) {
	if r.graph != nil {
		if err := r.graph.DeleteFileData(ctx, rel); err != nil {
			return 0, 0, err
		}
	}
	if r.index != nil {
		if err := r.index.DeleteFileChunks(ctx, collection, rel); err != nil {
			return 0, 0, fmt.Errorf("delete chunks of %s: %w", rel, err)
		}
	}

	content, err := os.ReadFile(filepath.Join(repoRoot, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", rel, err)
	}

	var defs, chunks int
	if r.graph != nil && r.registry.CanParse(rel) {
		found, err := r.registry.Parse(rel, content)
		if err != nil {
			return 0, 0, fmt.Errorf("parse %s: %w", rel, err)
		}
		if err := r.graph.WriteFileData(ctx, rel, found); err != nil {
			return 0, 0, err
		}
		defs = len(found)
	}
	if r.index != nil {
		cs := retrieval.ChunkFile(rel, string(content))
		if err := r.index.Upsert(ctx, collection, cs); err != nil {
			return defs, 0, fmt.Errorf("index %s: %w", rel, err)
		}
		chunks = len(cs)
	}
	return defs, chunks, nil
}

func (r *Reindexer) runAnalyzer(ctx context.Context, repoRoot string, rels []string) error {
	command := "export FRAUDE_CHANGED_FILES='" + strings.ReplaceAll(strings.Join(rels, " "), "'", "") + "'; " + r.analyzer
	res, err := runner.NewExecutor(runner.Direct, runner.WithTimeout(r.timeout)).Run(ctx, repoRoot, command)
	if err != nil {
		return fmt.Errorf("analyzer: %w", err)
	}
	if !res.Passed() {
		return fmt.Errorf("analyzer exited with status %d: %s", res.ExitCode, tail(res.Output, 400))
	}
	return nil
}

// IndexRepo syncs every file under root matching pattern, DefaultPattern
// when empty. Hidden directories, node_modules and vendor are skipped.
func (r *Reindexer) IndexRepo(ctx context.Context, collection, root, pattern string) (Stats, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	var files []string
	err := doublestar.GlobWalk(os.DirFS(root), pattern, func(p string, d fs.DirEntry) error {
		if skipped(p) {
			return nil
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	}, doublestar.WithFilesOnly())
	if err != nil {
		return Stats{}, fmt.Errorf("walk %s: %w", root, err)
	}
	return r.Sync(ctx, collection, root, files)
}

func skipped(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if part == "node_modules" || part == "vendor" || part == "__pycache__" ||
			(strings.HasPrefix(part, ".") && part != "." && part != "..") {
			return true
		}
	}
	return false
}

func relative(root, p string) string {
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
	}
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(p)), "./")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
