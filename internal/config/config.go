// Package config loads policyguard configuration from a YAML file with
// environment-variable overrides for secrets and deployment knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all policyguard configuration.
type Config struct {
	Name string `yaml:"name"`

	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Extract   ExtractConfig   `yaml:"extract"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Retry     RetryConfig     `yaml:"retry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	TurnTimeout    string `yaml:"turn_timeout"`     // per-turn deadline
	ComposeStreams int64  `yaml:"compose_streams"`  // global concurrent compose cap
	AsyncIngestMin int    `yaml:"async_ingest_min"` // bytes above which ingest runs as a job
}

// StoreConfig configures the SQLite chunk store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ExtractConfig configures the text extractor.
type ExtractConfig struct {
	// ParseEndpoint is the PDF parsing sidecar.
	ParseEndpoint string `yaml:"parse_endpoint"`
	// MinNativeCoverage is the fraction of page area the text layer must
	// cover before the fast path is trusted; below it the page goes to OCR.
	MinNativeCoverage float64 `yaml:"min_native_coverage"`
	OCREndpoint       string  `yaml:"ocr_endpoint"`
	OCRTimeout        string  `yaml:"ocr_timeout"`
}

// ChunkerConfig configures chunking and classification.
type ChunkerConfig struct {
	Size      int     `yaml:"chunk_size"`    // target chunk length in characters
	Overlap   float64 `yaml:"chunk_overlap"` // overlap fraction across boundaries
	MinSize   int     `yaml:"min_chunk_size"`
	LLMRefine bool    `yaml:"llm_refine"` // stage-2 LLM confirmation for costly kinds
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "genai" or "ollama"
	Dim      int    `yaml:"embedding_dim"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
}

// LLMConfig configures the LLM provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "gemini" or "mock"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// AgentConfig configures the coverage guardrail.
type AgentConfig struct {
	KExclusion    int     `yaml:"k_exclusion"`
	KInclusion    int     `yaml:"k_inclusion"`
	KFinancial    int     `yaml:"k_financial"`
	TauExclusion  float64 `yaml:"tau_exclusion"`
	TauInclusion  float64 `yaml:"tau_inclusion"`
	FanoutLimit   int     `yaml:"fanout_limit"`
	ComposeStream bool    `yaml:"compose_stream"`
}

// RetryConfig configures retriable provider calls.
type RetryConfig struct {
	BaseMS   int `yaml:"base_ms"`
	MaxTries int `yaml:"max_tries"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Name: "policyguard",
		Server: ServerConfig{
			Addr:           ":8080",
			TurnTimeout:    "90s",
			ComposeStreams: 8,
			AsyncIngestMin: 8 << 20,
		},
		Store: StoreConfig{Path: "policyguard.db"},
		Extract: ExtractConfig{
			ParseEndpoint:     "http://localhost:8081",
			MinNativeCoverage: 0.6,
			OCRTimeout:        "60s",
		},
		Chunker: ChunkerConfig{
			Size:    800,
			Overlap: 0.15,
			MinSize: 100,
		},
		Embedding: EmbeddingConfig{
			Provider:       "genai",
			Dim:            768,
			GenAIModel:     "gemini-embedding-001",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:  "2m",
		},
		Agent: AgentConfig{
			KExclusion:    8,
			KInclusion:    8,
			KFinancial:    4,
			TauExclusion:  0.6,
			TauInclusion:  0.6,
			FanoutLimit:   4,
			ComposeStream: true,
		},
		Retry: RetryConfig{BaseMS: 200, MaxTries: 3},
	}
}

// Load reads configuration from path (optional) and applies environment
// overrides. A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments supply secrets and the
// handful of knobs that commonly vary between environments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POLICYGUARD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("POLICYGUARD_DB"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = v
		}
		if cfg.Embedding.GenAIAPIKey == "" {
			cfg.Embedding.GenAIAPIKey = v
		}
	}
	if v := os.Getenv("POLICYGUARD_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.Dim = n
		}
	}
	if v := os.Getenv("POLICYGUARD_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("POLICYGUARD_DEBUG"); v != "" {
		cfg.Logging.Debug = v == "1" || v == "true"
	}
}

// Validate rejects configurations the core cannot run with. The embedding
// dimension is deliberately strict: switching providers with a different D
// requires a full re-ingest, never a mixed store.
func (c *Config) Validate() error {
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.Embedding.Dim)
	}
	if c.Chunker.Size < c.Chunker.MinSize {
		return fmt.Errorf("chunk_size %d below min_chunk_size %d", c.Chunker.Size, c.Chunker.MinSize)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= 1 {
		return fmt.Errorf("chunk_overlap must be in [0,1), got %v", c.Chunker.Overlap)
	}
	if c.Agent.TauExclusion < 0 || c.Agent.TauExclusion > 1 {
		return fmt.Errorf("tau_exclusion out of range: %v", c.Agent.TauExclusion)
	}
	if c.Agent.TauInclusion < 0 || c.Agent.TauInclusion > 1 {
		return fmt.Errorf("tau_inclusion out of range: %v", c.Agent.TauInclusion)
	}
	if c.Agent.FanoutLimit <= 0 {
		return fmt.Errorf("fanout_limit must be positive, got %d", c.Agent.FanoutLimit)
	}
	if c.Retry.MaxTries <= 0 {
		return fmt.Errorf("retry.max_tries must be positive, got %d", c.Retry.MaxTries)
	}
	if _, err := c.TurnTimeout(); err != nil {
		return err
	}
	return nil
}

// TurnTimeout parses the per-turn deadline.
func (c *Config) TurnTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Server.TurnTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid turn_timeout %q: %w", c.Server.TurnTimeout, err)
	}
	return d, nil
}

// RetryBase returns the retry backoff base as a duration.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Retry.BaseMS) * time.Millisecond
}
