// Package config provides centralized configuration management.
// Values come from defaults, then an optional YAML file, then the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when the loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// FraudeEnv holds all fraude settings.
type FraudeEnv struct {
	// Project names the repository collection in the retrieval and graph services (FRAUDE_PROJECT)
	Project string `yaml:"project"`

	// RepoRoot is the repository being modified (FRAUDE_REPO)
	RepoRoot string `yaml:"repo_root"`

	// Mode is the default execution mode, fast or planning (FRAUDE_MODE)
	Mode string `yaml:"mode" validate:"oneof=fast planning"`

	// LogLevel is debug, info, warn or error (FRAUDE_LOG_LEVEL)
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// Provider selects the completion backend (FRAUDE_PROVIDER)
	Provider string `yaml:"provider" validate:"oneof=openai ollama"`

	// Model is the completion model (FRAUDE_MODEL)
	Model string `yaml:"model" validate:"required"`

	OpenAIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url" validate:"omitempty,url"`
	OllamaURL     string `yaml:"ollama_url" validate:"omitempty,url"`

	// RequestsPerMinute throttles completion calls; 0 disables throttling (FRAUDE_RPM)
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`

	Neo4jURI      string `yaml:"neo4j_uri" validate:"required"`
	Neo4jUser     string `yaml:"neo4j_user"`
	Neo4jPassword string `yaml:"neo4j_password"`
	Neo4jDatabase string `yaml:"neo4j_database"`

	WeaviateHost   string `yaml:"weaviate_host" validate:"required"`
	WeaviateScheme string `yaml:"weaviate_scheme" validate:"oneof=http https"`

	// SearchLimit caps hybrid search hits per query (FRAUDE_SEARCH_LIMIT)
	SearchLimit int `yaml:"search_limit" validate:"gt=0"`

	// HybridAlpha weights vector vs keyword scoring (FRAUDE_HYBRID_ALPHA)
	HybridAlpha float64 `yaml:"hybrid_alpha" validate:"gte=0,lte=1"`

	// ContextConcurrency bounds concurrent per-file context lookups
	ContextConcurrency int `yaml:"context_concurrency" validate:"gt=0"`

	// AnalyzerCmd is run after persistence to rebuild derived indexes (FRAUDE_ANALYZER_CMD)
	AnalyzerCmd string `yaml:"analyzer_cmd"`

	// ListenAddr is the API server address (FRAUDE_ADDR)
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

// Defaults returns the built-in configuration.
func Defaults() *FraudeEnv {
	return &FraudeEnv{
		Mode:               "fast",
		LogLevel:           "info",
		Provider:           "openai",
		Model:              "gpt-4o-mini",
		Neo4jURI:           "bolt://localhost:7687",
		Neo4jDatabase:      "neo4j",
		WeaviateHost:       "localhost:8080",
		WeaviateScheme:     "http",
		SearchLimit:        12,
		HybridAlpha:        0.5,
		ContextConcurrency: 4,
		ListenAddr:         "127.0.0.1:7420",
	}
}

var (
	env     *FraudeEnv
	envOnce sync.Once

	validate = validator.New()
)

// Env returns the singleton configuration, loaded once on first call from
// FRAUDE_CONFIG (or ~/.fraude/config.yaml) and the environment.
// Call Validate on the result before relying on it.
func Env() *FraudeEnv {
	envOnce.Do(func() {
		cfg, err := Load(configPath())
		if err != nil {
			cfg = Defaults()
			applyEnv(cfg)
		}
		env = cfg
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when it does not exist) and the environment.
func Load(path string) (*FraudeEnv, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// Validate checks field constraints.
func (e *FraudeEnv) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Collection returns the retrieval collection name for the project,
// falling back to the repo directory name.
func (e *FraudeEnv) Collection() string {
	if e.Project != "" {
		return e.Project
	}
	if e.RepoRoot != "" {
		return filepath.Base(e.RepoRoot)
	}
	return "default"
}

func configPath() string {
	if p := os.Getenv("FRAUDE_CONFIG"); p != "" {
		return p
	}
	return Path("config.yaml")
}

func applyEnv(cfg *FraudeEnv) {
	setString(&cfg.Project, "FRAUDE_PROJECT")
	setString(&cfg.RepoRoot, "FRAUDE_REPO")
	setString(&cfg.Mode, "FRAUDE_MODE")
	setString(&cfg.LogLevel, "FRAUDE_LOG_LEVEL")
	setString(&cfg.Provider, "FRAUDE_PROVIDER")
	setString(&cfg.Model, "FRAUDE_MODEL")
	setString(&cfg.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&cfg.OllamaURL, "OLLAMA_HOST")
	setInt(&cfg.RequestsPerMinute, "FRAUDE_RPM")
	setString(&cfg.Neo4jURI, "NEO4J_URI")
	setString(&cfg.Neo4jUser, "NEO4J_USER")
	setString(&cfg.Neo4jPassword, "NEO4J_PASSWORD")
	setString(&cfg.Neo4jDatabase, "NEO4J_DATABASE")
	setString(&cfg.WeaviateHost, "WEAVIATE_HOST")
	setString(&cfg.WeaviateScheme, "WEAVIATE_SCHEME")
	setInt(&cfg.SearchLimit, "FRAUDE_SEARCH_LIMIT")
	setFloat(&cfg.HybridAlpha, "FRAUDE_HYBRID_ALPHA")
	setInt(&cfg.ContextConcurrency, "FRAUDE_CONTEXT_CONCURRENCY")
	setString(&cfg.AnalyzerCmd, "FRAUDE_ANALYZER_CMD")
	setString(&cfg.ListenAddr, "FRAUDE_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
