// Package graph provides access to the structural code graph: symbols,
// their definitions and the call edges between them.
package graph

import (
	"context"

	"github.com/joss/fraude/internal/config"
)

// Record represents a single result row from a query.
type Record map[string]any

// GraphReader provides read-only graph operations.
type GraphReader interface {
	// Execute runs a Cypher query and returns results.
	Execute(ctx context.Context, query string, params map[string]any) ([]Record, error)
}

// GraphWriter provides write graph operations.
type GraphWriter interface {
	// ExecuteWrite runs a write query (CREATE, MERGE, SET, DELETE).
	ExecuteWrite(ctx context.Context, query string, params map[string]any) error
}

// Driver composes reads, writes and lifecycle.
type Driver interface {
	GraphReader
	GraphWriter

	// Close releases database resources.
	Close() error

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error
}

// Config holds database connection configuration.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// ConfigFromEnv builds a Config from the loaded fraude settings.
func ConfigFromEnv(e *config.FraudeEnv) Config {
	return Config{
		URI:      e.Neo4jURI,
		Username: e.Neo4jUser,
		Password: e.Neo4jPassword,
		Database: e.Neo4jDatabase,
	}
}
