// Unified configuration loading for the knowledgeflow retrieval core.
// Supports YAML files with environment-variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("KNOWLEDGEFLOW").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for the retrieval core.
type Config struct {
	// Index vector index configuration
	Index IndexConfig `yaml:"index" env:"INDEX"`

	// Chunking document chunking parameters
	Chunking ChunkingConfig `yaml:"chunking" env:"CHUNKING"`

	// Retrieval retrieval policy
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Embedding embedding provider selection
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Database chunk/document/conversation persistence
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Cache optional redis answer cache
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Conversation context assembly
	Conversation ConversationConfig `yaml:"conversation" env:"CONVERSATION"`

	// Log logging configuration
	Log LogConfig `yaml:"log" env:"LOG"`
}

// IndexConfig configures the vector index.
type IndexConfig struct {
	// Embedding dimension the index is built for
	Dimension int `yaml:"dimension" env:"DIMENSION"`
	// Base path for the snapshot pair (<path>.index / <path>.meta)
	Path string `yaml:"path" env:"PATH"`
	// Tombstone ratio above which a rebuild is triggered automatically
	RebuildThreshold float64 `yaml:"rebuild_threshold" env:"REBUILD_THRESHOLD"`
	// Snapshot the index after every successful ingest
	SnapshotOnIngest bool `yaml:"snapshot_on_ingest" env:"SNAPSHOT_ON_INGEST"`
	// Allow starting from an empty index when no snapshot pair exists
	AllowEmptyStart bool `yaml:"allow_empty_start" env:"ALLOW_EMPTY_START"`
}

// ChunkingConfig configures the document chunker.
type ChunkingConfig struct {
	// Target chunk size in characters
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	// Overlap carried back from the previous chunk, in characters
	ChunkOverlap int `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
	// Tiktoken model used for token-count annotation; empty disables it
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
}

// RetrievalConfig configures the retrieval engine.
type RetrievalConfig struct {
	// Maximum number of chunks returned per query
	TopK int `yaml:"top_k" env:"TOP_K"`
	// Minimum cosine similarity for a candidate to be kept
	SimilarityFloor float64 `yaml:"similarity_floor" env:"SIMILARITY_FLOOR"`
	// Candidate pool multiplier applied to top_k on the first pass
	Oversample int `yaml:"oversample" env:"OVERSAMPLE"`
	// Retry once with a widened pool when filtering leaves fewer than top_k
	AdaptiveWiden bool `yaml:"adaptive_widen" env:"ADAPTIVE_WIDEN"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider type: openai, local
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API key for remote providers
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Base URL override for OpenAI-compatible endpoints
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Model name
	Model string `yaml:"model" env:"MODEL"`
	// Request timeout
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Requests per second allowed against the provider API (0 = unlimited)
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
}

// DatabaseConfig configures the sqlite-backed stores.
type DatabaseConfig struct {
	// Path to the sqlite database file (":memory:" for tests)
	Path string `yaml:"path" env:"PATH"`
}

// CacheConfig configures the optional redis answer cache.
type CacheConfig struct {
	// Whether the answer cache is enabled
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Redis address
	Addr string `yaml:"addr" env:"ADDR"`
	// Redis password
	Password string `yaml:"password" env:"PASSWORD"`
	// Redis database number
	DB int `yaml:"db" env:"DB"`
	// TTL applied to cached answers
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// ConversationConfig configures context assembly.
type ConversationConfig struct {
	// Maximum prior turns included in the assembled context
	MaxTurns int `yaml:"max_turns" env:"MAX_TURNS"`
}

// LogConfig configures zap logging.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Index: IndexConfig{
			Dimension:        384,
			Path:             "data/vector_store",
			RebuildThreshold: 0.25,
			SnapshotOnIngest: true,
			AllowEmptyStart:  true,
		},
		Chunking: ChunkingConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			SimilarityFloor: 0.3,
			Oversample:      2,
			AdaptiveWiden:   true,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			Timeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "data/knowledgeflow.db",
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     time.Hour,
		},
		Conversation: ConversationConfig{
			MaxTurns: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Loader loads configuration (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "KNOWLEDGEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults → YAML file → environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file falls back to defaults.
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Index.Dimension <= 0 {
		errs = append(errs, "index dimension must be positive")
	}
	if c.Index.RebuildThreshold < 0 || c.Index.RebuildThreshold > 1 {
		errs = append(errs, "rebuild_threshold must be in [0, 1]")
	}
	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, "chunk_size must be positive")
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		errs = append(errs, "chunk_overlap must be in [0, chunk_size)")
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, "top_k must be positive")
	}
	if c.Retrieval.SimilarityFloor < -1 || c.Retrieval.SimilarityFloor > 1 {
		errs = append(errs, "similarity_floor must be in [-1, 1]")
	}
	if c.Retrieval.Oversample < 1 {
		errs = append(errs, "oversample must be at least 1")
	}
	if c.Conversation.MaxTurns < 0 {
		errs = append(errs, "max_turns must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
