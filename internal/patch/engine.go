package patch

import (
	"os"

	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/metrics"
)

// ContentSource supplies the current content of a file, including edits
// that are staged but not yet written.
type ContentSource interface {
	LatestContent(path string) string
}

type diskSource struct{}

func (diskSource) LatestContent(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Edit is the computed new content for one file.
type Edit struct {
	// Path is the resolved absolute path.
	Path string
	// Requested is the path as written in the patch text.
	Requested string
	Original  string
	Content   string
	Applied   int
	Skipped   []Section
}

// Warning describes a part of the patch that could not be applied.
type Warning struct {
	Path   string `json:"path"`
	Line   int    `json:"line,omitempty"`
	Reason string `json:"reason"`
}

const (
	ReasonUnresolved = "file not found"
	ReasonNoMatch    = "remove block not found"
)

// Engine computes file edits from patch text.
type Engine struct {
	resolver *Resolver
	source   ContentSource
	log      *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSource reads base content through src instead of the disk.
func WithSource(src ContentSource) Option {
	return func(e *Engine) { e.source = src }
}

// WithResolver replaces the default resolver.
func WithResolver(r *Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// NewEngine creates an engine for the repository at root.
func NewEngine(root string, opts ...Option) *Engine {
	e := &Engine{
		resolver: NewResolver(root),
		source:   diskSource{},
		log:      logging.New("patch"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compute parses text and applies it to each referenced file in memory.
// Only files whose content changes produce an Edit. Unresolvable paths and
// unlocatable sections are reported as warnings; they never fail the call.
func (e *Engine) Compute(text string) ([]Edit, []Warning) {
	var warnings []Warning

	type target struct {
		requested string
		sections  []Section
	}
	var order []string
	targets := make(map[string]*target)

	for _, fb := range Parse(text) {
		abs, err := e.resolver.Resolve(fb.Path)
		if err != nil {
			e.log.Warn("path_unresolved", map[string]any{"path": fb.Path}, err)
			warnings = append(warnings, Warning{Path: fb.Path, Reason: ReasonUnresolved})
			continue
		}
		t, ok := targets[abs]
		if !ok {
			t = &target{requested: fb.Path}
			targets[abs] = t
			order = append(order, abs)
		}
		t.sections = append(t.sections, fb.Sections...)
	}

	var edits []Edit
	for _, abs := range order {
		t := targets[abs]
		base := e.source.LatestContent(abs)
		out := Apply(base, t.sections)

		metrics.Global().RecordHunks(out.Applied, len(out.Skipped))
		for _, s := range out.Skipped {
			e.log.Warn("hunk_skipped", map[string]any{
				"path":         abs,
				"line":         s.Line,
				"remove_lines": len(s.Remove),
			}, nil)
			warnings = append(warnings, Warning{Path: t.requested, Line: s.Line, Reason: ReasonNoMatch})
		}

		if out.Content == base {
			continue
		}
		edits = append(edits, Edit{
			Path:      abs,
			Requested: t.requested,
			Original:  base,
			Content:   out.Content,
			Applied:   out.Applied,
			Skipped:   out.Skipped,
		})
	}
	return edits, warnings
}
