// Package retrieval provides chunk search over the indexed repository.
package retrieval

import (
	"context"
	"sort"
)

// Chunk is one indexed region of a file.
type Chunk struct {
	ID          string  `json:"id"`
	FilePath    string  `json:"file_path"`
	Symbol      string  `json:"symbol,omitempty"`
	StartLine   int     `json:"start_line"`
	EndLine     int     `json:"end_line"`
	RawDocument string  `json:"raw_document"`
	Score       float64 `json:"score,omitempty"`
}

// Searcher provides read-only chunk lookups.
type Searcher interface {
	// HybridSearch returns chunks ranked by combined keyword and vector relevance.
	HybridSearch(ctx context.Context, collection, query string) ([]Chunk, error)

	// ChunksForFile returns every chunk indexed for a file.
	ChunksForFile(ctx context.Context, collection, filePath string) ([]Chunk, error)
}

// Writer provides index mutation.
type Writer interface {
	// Upsert stores chunks, replacing any with the same ID.
	Upsert(ctx context.Context, collection string, chunks []Chunk) error

	// DeleteFileChunks removes every chunk of a file.
	DeleteFileChunks(ctx context.Context, collection, filePath string) error
}

// Service composes Searcher and Writer.
type Service interface {
	Searcher
	Writer
}

// SortChunks orders chunks by start line ascending, then end line descending,
// so an enclosing chunk precedes the chunks nested in it.
func SortChunks(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].StartLine != chunks[j].StartLine {
			return chunks[i].StartLine < chunks[j].StartLine
		}
		return chunks[i].EndLine > chunks[j].EndLine
	})
}
