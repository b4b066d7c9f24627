package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Memory is an in-process Service with keyword scoring. It backs tests and
// runs without a Weaviate instance. When a path is set, the index is
// persisted as JSON after every mutation.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Chunk
	limit       int
	path        string
}

// NewMemory creates an empty in-memory index.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 10
	}
	return &Memory{collections: make(map[string]map[string]Chunk), limit: limit}
}

// OpenMemory loads a persisted index, creating it when absent.
func OpenMemory(path string, limit int) (*Memory, error) {
	m := NewMemory(limit)
	m.path = path
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if err := json.Unmarshal(data, &m.collections); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return m, nil
}

// HybridSearch scores chunks by query term overlap with the chunk text and
// symbol name.
func (m *Memory) HybridSearch(ctx context.Context, collection, query string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	var hits []Chunk
	for _, c := range m.collections[collection] {
		if s := termScore(terms, c); s > 0 {
			c.Score = s
			hits = append(hits, c)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > m.limit {
		hits = hits[:m.limit]
	}
	return hits, nil
}

// ChunksForFile returns a file's chunks in rendering order.
func (m *Memory) ChunksForFile(ctx context.Context, collection, filePath string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []Chunk
	for _, c := range m.collections[collection] {
		if c.FilePath == filePath {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()
	SortChunks(out)
	return out, nil
}

// Upsert stores chunks by ID.
func (m *Memory) Upsert(ctx context.Context, collection string, chunks []Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collection]
	if !ok {
		col = make(map[string]Chunk)
		m.collections[collection] = col
	}
	for _, c := range chunks {
		c.Score = 0
		col[c.ID] = c
	}
	return m.persist()
}

// DeleteFileChunks removes a file's chunks.
func (m *Memory) DeleteFileChunks(ctx context.Context, collection, filePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.collections[collection] {
		if c.FilePath == filePath {
			delete(m.collections[collection], id)
		}
	}
	return m.persist()
}

// Count returns the number of chunks in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

// persist must be called with the write lock held.
func (m *Memory) persist() error {
	if m.path == "" {
		return nil
	}
	data, err := json.Marshal(m.collections)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func termScore(terms []string, c Chunk) float64 {
	text := strings.ToLower(c.RawDocument)
	symbol := strings.ToLower(c.Symbol)
	var score float64
	for _, t := range terms {
		if symbol != "" && strings.Contains(symbol, t) {
			score += 2
		}
		score += float64(strings.Count(text, t))
	}
	return score
}
