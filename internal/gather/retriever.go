// Package gather assembles the code context handed to the synthesizer.
package gather

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joss/fraude/internal/graph"
	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/retrieval"
)

// Structure looks up the graph neighbourhood of retrieved symbols.
type Structure interface {
	ContextForSymbols(ctx context.Context, refs []graph.SymbolRef) ([]graph.StructuralNode, error)
}

// Warning records a lookup that failed without aborting the retrieval.
type Warning struct {
	Stage string `json:"stage"`
	Path  string `json:"path,omitempty"`
	Err   string `json:"error"`
}

// Context is the assembled retrieval result.
type Context struct {
	Hits         []retrieval.Chunk      `json:"hits"`
	Nodes        []graph.StructuralNode `json:"nodes"`
	Files        map[string]string      `json:"files"`
	Order        []string               `json:"order"`
	Dependencies string                 `json:"dependencies"`
	Warnings     []Warning              `json:"warnings,omitempty"`
}

// Code joins every file section in retrieval order.
func (c *Context) Code() string {
	parts := make([]string, 0, len(c.Order))
	for _, p := range c.Order {
		parts = append(parts, c.Files[p])
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n") + "\n\n"
}

// ForFile returns the section for one file, matching on suffix when the
// path differs in prefix from the retrieved one.
func (c *Context) ForFile(path string) string {
	if s, ok := c.Files[path]; ok {
		return s
	}
	clean := strings.TrimPrefix(path, "./")
	for _, p := range c.Order {
		if p == clean || strings.HasSuffix(p, "/"+clean) || strings.HasSuffix(clean, "/"+p) {
			return c.Files[p]
		}
	}
	return ""
}

// Retriever combines retrieval hits with graph context.
type Retriever struct {
	search      retrieval.Searcher
	structure   Structure
	concurrency int
	log         *logging.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithStructure enables dependency blocks from the code graph.
func WithStructure(s Structure) Option {
	return func(r *Retriever) { r.structure = s }
}

// WithConcurrency bounds concurrent per-file chunk lookups.
func WithConcurrency(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewRetriever creates a retriever over search.
func NewRetriever(search retrieval.Searcher, opts ...Option) *Retriever {
	r := &Retriever{search: search, concurrency: 4, log: logging.New("gather")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve builds the context for query. Lookup failures degrade the result
// and are reported as warnings; only cancellation is returned as an error.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string) (*Context, error) {
	start := time.Now()
	out := &Context{Files: make(map[string]string)}

	hits, err := r.search.HybridSearch(ctx, collection, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn("search_failed", map[string]any{"collection": collection}, err)
		out.Warnings = append(out.Warnings, Warning{Stage: "search", Err: err.Error()})
		return out, nil
	}
	out.Hits = hits

	hitIDs := make(map[string]bool, len(hits))
	byFile := make(map[string][]retrieval.Chunk)
	for _, h := range hits {
		if h.FilePath == "" {
			continue
		}
		hitIDs[h.ID] = true
		if _, seen := byFile[h.FilePath]; !seen {
			out.Order = append(out.Order, h.FilePath)
		}
		byFile[h.FilePath] = append(byFile[h.FilePath], h)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, path := range out.Order {
		g.Go(func() error {
			chunks, err := r.search.ChunksForFile(gctx, collection, path)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.log.Warn("file_chunks_failed", map[string]any{"path": path}, err)
				chunks = byFile[path]
				mu.Lock()
				out.Warnings = append(out.Warnings, Warning{Stage: "chunks", Path: path, Err: err.Error()})
				mu.Unlock()
			}
			if len(chunks) == 0 {
				chunks = byFile[path]
			}
			section := FileContext(path, Skeleton(chunks, hitIDs))
			mu.Lock()
			out.Files[path] = section
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if r.structure != nil {
		r.addStructure(ctx, out)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	r.log.TimedEvent("context_retrieved", start, map[string]any{
		"hits":     len(hits),
		"files":    len(out.Order),
		"nodes":    len(out.Nodes),
		"warnings": len(out.Warnings),
	})
	return out, nil
}

func (r *Retriever) addStructure(ctx context.Context, out *Context) {
	refs := make([]graph.SymbolRef, 0, len(out.Hits))
	for _, h := range out.Hits {
		if h.Symbol != "" {
			refs = append(refs, graph.SymbolRef{Symbol: h.Symbol, FilePath: h.FilePath})
		}
	}
	if len(refs) == 0 {
		return
	}

	nodes, err := r.structure.ContextForSymbols(ctx, refs)
	if err != nil {
		r.log.Warn("structure_failed", map[string]any{"symbols": len(refs)}, err)
		out.Warnings = append(out.Warnings, Warning{Stage: "structure", Err: err.Error()})
		return
	}
	out.Nodes = nodes

	blocks := make([]string, 0, len(nodes))
	for _, n := range nodes {
		blocks = append(blocks, DependencyBlock(n))
	}
	if len(blocks) > 0 {
		out.Dependencies = strings.Join(blocks, "\n\n") + "\n\n"
	}
}
