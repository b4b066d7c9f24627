package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/joss/fraude/internal/logging"
)

// Neo4j implements Driver over the Bolt protocol.
type Neo4j struct {
	driver neo4j.DriverWithContext
	config Config
}

// NewNeo4j creates a driver. No connection is made until the first query.
func NewNeo4j(cfg Config) (*Neo4j, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}
	return &Neo4j{driver: driver, config: cfg}, nil
}

func (n *Neo4j) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return n.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: n.config.Database,
	})
}

// Execute runs a read query and returns results.
func (n *Neo4j) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	session := n.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	var records []Record
	for result.Next(ctx) {
		rec := result.Record()
		row := make(Record, len(rec.Keys))
		for i, key := range rec.Keys {
			row[key] = rec.Values[i]
		}
		records = append(records, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("result iteration failed: %w", err)
	}
	return records, nil
}

// ExecuteWrite runs a write query.
func (n *Neo4j) ExecuteWrite(ctx context.Context, query string, params map[string]any) error {
	session := n.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return fmt.Errorf("write query failed: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("write query failed: %w", err)
	}
	return nil
}

// Close releases the database driver.
func (n *Neo4j) Close() error {
	return n.driver.Close(context.Background())
}

// Ping checks database connectivity.
func (n *Neo4j) Ping(ctx context.Context) error {
	return n.driver.VerifyConnectivity(ctx)
}

// ConnectWithRetry tries to connect with exponential backoff and returns nil
// when the database stays unreachable, so callers can run without a graph.
func ConnectWithRetry(ctx context.Context, cfg Config, maxRetries int) *Neo4j {
	log := logging.New("graph")
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		db, err := NewNeo4j(cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = db.Ping(pingCtx)
			cancel()
			if err == nil {
				return db
			}
			db.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(100<<i) * time.Millisecond):
		}
	}
	log.Warn("graph_unavailable", map[string]any{"uri": cfg.URI}, lastErr)
	return nil
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "no such host", "timeout", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
