package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/joss/fraude/internal/logging"
)

// chunksPerFile caps ChunksForFile; files larger than this are truncated.
const chunksPerFile = 500

var chunkFields = []graphql.Field{
	{Name: "chunkId"},
	{Name: "filePath"},
	{Name: "symbol"},
	{Name: "startLine"},
	{Name: "endLine"},
	{Name: "rawDocument"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}},
}

// Weaviate implements Service over a Weaviate class per repository.
type Weaviate struct {
	client *weaviate.Client
	limit  int
	alpha  float32
	log    *logging.Logger
}

// WeaviateOption configures a Weaviate service.
type WeaviateOption func(*Weaviate)

// WithLimit sets the hybrid search result limit.
func WithLimit(n int) WeaviateOption {
	return func(w *Weaviate) {
		if n > 0 {
			w.limit = n
		}
	}
}

// WithAlpha sets the hybrid weighting; 0 is pure keyword, 1 pure vector.
func WithAlpha(a float64) WeaviateOption {
	return func(w *Weaviate) { w.alpha = float32(a) }
}

// NewWeaviate connects to a Weaviate instance.
func NewWeaviate(host, scheme string, opts ...WeaviateOption) (*Weaviate, error) {
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	w := &Weaviate{client: client, limit: 10, alpha: 0.5, log: logging.New("retrieval")}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ClassName maps a repository name onto a valid Weaviate class name.
func ClassName(collection string) string {
	var b strings.Builder
	upper := true
	for _, r := range collection {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			if upper && r >= 'a' && r <= 'z' {
				r -= 'a' - 'A'
			}
			b.WriteRune(r)
			upper = false
		default:
			upper = true
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "Repo" + name
	}
	return name + "Chunk"
}

// HybridSearch runs a hybrid query against the repository's class.
func (w *Weaviate) HybridSearch(ctx context.Context, collection, query string) ([]Chunk, error) {
	class := ClassName(collection)
	hybrid := w.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query).
		WithAlpha(w.alpha)

	result, err := w.client.GraphQL().Get().
		WithClassName(class).
		WithHybrid(hybrid).
		WithFields(chunkFields...).
		WithLimit(w.limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("hybrid search: %s", result.Errors[0].Message)
	}
	chunks := parseChunks(result.Data, class)
	w.log.Debug("hybrid_search", map[string]any{"class": class, "hits": len(chunks)})
	return chunks, nil
}

// ChunksForFile returns all chunks with the given file path.
func (w *Weaviate) ChunksForFile(ctx context.Context, collection, filePath string) ([]Chunk, error) {
	class := ClassName(collection)
	result, err := w.client.GraphQL().Get().
		WithClassName(class).
		WithWhere(pathFilter(filePath)).
		WithFields(chunkFields...).
		WithLimit(chunksPerFile).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("chunks for %s: %w", filePath, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("chunks for %s: %s", filePath, result.Errors[0].Message)
	}
	chunks := parseChunks(result.Data, class)
	SortChunks(chunks)
	return chunks, nil
}

// Upsert stores chunks in a batch. IDs are derived from the chunk ID so
// re-indexing replaces rather than duplicates.
func (w *Weaviate) Upsert(ctx context.Context, collection string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	class := ClassName(collection)
	batch := w.client.Batch().ObjectsBatcher()
	for _, c := range chunks {
		batch = batch.WithObjects(&models.Object{
			Class: class,
			ID:    objectID(c.ID),
			Properties: map[string]any{
				"chunkId":     c.ID,
				"filePath":    c.FilePath,
				"symbol":      c.Symbol,
				"startLine":   c.StartLine,
				"endLine":     c.EndLine,
				"rawDocument": c.RawDocument,
			},
		})
	}
	resp, err := batch.Do(ctx)
	if err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("upsert chunks: %s", r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteFileChunks removes every chunk of a file.
func (w *Weaviate) DeleteFileChunks(ctx context.Context, collection, filePath string) error {
	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(ClassName(collection)).
		WithWhere(pathFilter(filePath)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete chunks of %s: %w", filePath, err)
	}
	return nil
}

// Ready reports whether the Weaviate instance is reachable.
func (w *Weaviate) Ready(ctx context.Context) bool {
	ok, err := w.client.Misc().ReadyChecker().Do(ctx)
	return err == nil && ok
}

func pathFilter(filePath string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"filePath"}).
		WithOperator(filters.Equal).
		WithValueString(filePath)
}

func objectID(chunkID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String())
}

func parseChunks(data map[string]models.JSONObject, class string) []Chunk {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := get[class].([]any)
	if !ok {
		return nil
	}
	chunks := make([]Chunk, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		c := Chunk{
			ID:          str(m, "chunkId"),
			FilePath:    str(m, "filePath"),
			Symbol:      str(m, "symbol"),
			StartLine:   num(m, "startLine"),
			EndLine:     num(m, "endLine"),
			RawDocument: str(m, "rawDocument"),
		}
		if add, ok := m["_additional"].(map[string]any); ok {
			c.Score = score(add["score"])
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Weaviate reports hybrid scores as strings.
func score(v any) float64 {
	switch s := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(s, 64)
		return f
	case float64:
		return s
	}
	return 0
}
