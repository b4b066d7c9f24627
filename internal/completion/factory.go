package completion

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/joss/fraude/internal/config"
)

// ProviderType identifies a completion backend.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
)

// Config holds backend configuration.
type Config struct {
	Model      string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// ConfigOption modifies backend configuration.
type ConfigOption func(*Config)

// WithModel sets the model name.
func WithModel(m string) ConfigOption {
	return func(c *Config) { c.Model = m }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL sets the endpoint.
func WithBaseURL(url string) ConfigOption {
	return func(c *Config) { c.BaseURL = url }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) ConfigOption {
	return func(c *Config) { c.HTTPClient = client }
}

// Builder constructs a backend from config.
type Builder func(cfg Config) (Service, error)

// Factory creates completion backends by provider type.
type Factory struct {
	mu       sync.RWMutex
	builders map[ProviderType]Builder
}

// NewFactory creates a factory with the built-in backends registered.
func NewFactory() *Factory {
	f := &Factory{builders: make(map[ProviderType]Builder)}
	f.Register(ProviderOpenAI, func(cfg Config) (Service, error) {
		return NewOpenAI(cfg), nil
	})
	f.Register(ProviderOllama, func(cfg Config) (Service, error) {
		return NewOllama(cfg)
	})
	return f
}

// Register adds or replaces a builder.
func (f *Factory) Register(pt ProviderType, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[pt] = b
}

// Create builds a backend.
func (f *Factory) Create(pt ProviderType, opts ...ConfigOption) (Service, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	f.mu.RLock()
	b, ok := f.builders[pt]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, pt)
	}
	return b(cfg)
}

// FromEnv builds the configured backend, rate limited when the settings
// carry a requests-per-minute budget.
func (f *Factory) FromEnv(e *config.FraudeEnv) (Service, error) {
	pt := ProviderType(e.Provider)
	opts := []ConfigOption{WithModel(e.Model)}
	switch pt {
	case ProviderOpenAI:
		opts = append(opts, WithAPIKey(e.OpenAIKey), WithBaseURL(e.OpenAIBaseURL))
	case ProviderOllama:
		opts = append(opts, WithBaseURL(e.OllamaURL))
	}

	svc, err := f.Create(pt, opts...)
	if err != nil {
		return nil, err
	}
	if e.RequestsPerMinute > 0 {
		svc = NewRateLimited(svc, e.RequestsPerMinute)
	}
	return svc, nil
}
