package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures catalog, enrichment, summarizer, runtime and server
// settings for EventLens.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LoggingConfig selects the zap encoder and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	ToFile     bool   `yaml:"to_file"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// CatalogConfig selects the vector index backing the event catalog.
type CatalogConfig struct {
	Backend          string       `yaml:"backend"`
	Source           string       `yaml:"source"`
	SQL              SQLConfig    `yaml:"sql"`
	Qdrant           QdrantConfig `yaml:"qdrant"`
	BuildConcurrency int          `yaml:"build_concurrency"`
	// RateLimit caps embedding calls per second during builds. Zero disables it.
	RateLimit    float64     `yaml:"rate_limit"`
	Burst        int         `yaml:"burst"`
	QueryTimeout string      `yaml:"query_timeout"`
	Retry        RetryConfig `yaml:"retry"`
}

// SQLConfig configures the database/sql index.
type SQLConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// QdrantConfig configures the remote qdrant index.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// RetryConfig mirrors retry.Policy with string durations.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   string  `yaml:"base_delay"`
	MaxDelay    string  `yaml:"max_delay"`
	Jitter      float64 `yaml:"jitter"`
}

// EmbeddingConfig captures settings for semantic embedding providers.
type EmbeddingConfig struct {
	Backend string `yaml:"backend"`
	// Dimensions pins the vector size. Zero adopts the first observed size.
	Dimensions int                     `yaml:"dimensions"`
	Timeout    string                  `yaml:"timeout"`
	LlamaCpp   LlamaCppEmbeddingConfig `yaml:"llamacpp"`
	OpenAI     OpenAIConfig            `yaml:"openai"`
	Ollama     OllamaConfig            `yaml:"ollama"`
}

// LlamaCppEmbeddingConfig configures llama.cpp embedding server usage.
type LlamaCppEmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// OllamaConfig configures an Ollama server.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// EnrichmentConfig governs event-name resolution.
type EnrichmentConfig struct {
	Threshold     float64 `yaml:"threshold"`
	Concurrency   int     `yaml:"concurrency"`
	LookupTimeout string  `yaml:"lookup_timeout"`
}

// SummarizerConfig governs packing and narrative generation.
type SummarizerConfig struct {
	MaxWords         int      `yaml:"max_words"`
	TokenBudget      int      `yaml:"token_budget"`
	MaxProperties    int      `yaml:"max_properties"`
	DescriptionChars int      `yaml:"description_chars"`
	SalientKeys      []string `yaml:"salient_keys"`
	TemplateVersion  string   `yaml:"template_version"`
	Encoding         string   `yaml:"encoding"`
	Temperature      float64  `yaml:"temperature"`
	Timeout          string   `yaml:"timeout"`
}

// RuntimeConfig selects which generation backend to use and its settings.
type RuntimeConfig struct {
	Backend  string             `yaml:"backend"`
	HTTP     HTTPBackendConfig  `yaml:"http"`
	OpenAI   OpenAIConfig       `yaml:"openai"`
	Ollama   OllamaConfig       `yaml:"ollama"`
	Defaults GenerationDefaults `yaml:"defaults"`
}

// GenerationDefaults allows overriding common inference parameters globally.
type GenerationDefaults struct {
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`
	TopP        float64  `yaml:"top_p"`
	Stop        []string `yaml:"stop"`
}

// HTTPBackendConfig configures the llama.cpp completion backend.
type HTTPBackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// ServerConfig defines the HTTP server settings.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`
}

// MetricsConfig toggles prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

const defaultConfigFile = "eventlens.yaml"

// Default returns a Config pre-populated with local defaults.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Dir:        "",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Catalog: CatalogConfig{
			Backend: "sql",
			SQL: SQLConfig{
				Driver: "sqlite",
				Path:   "eventlens_catalog.db",
			},
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "event_catalog",
			},
			BuildConcurrency: 8,
			RateLimit:        0,
			Burst:            1,
			QueryTimeout:     "10s",
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   "200ms",
				MaxDelay:    "2s",
				Jitter:      0.2,
			},
		},
		Embedding: EmbeddingConfig{
			Backend:    "openai",
			Dimensions: 512,
			Timeout:    "15s",
			LlamaCpp: LlamaCppEmbeddingConfig{
				BaseURL: "http://127.0.0.1:8080",
				Timeout: "30s",
			},
			OpenAI: OpenAIConfig{
				Model:   "text-embedding-3-small",
				Timeout: "30s",
			},
			Ollama: OllamaConfig{
				BaseURL: "http://127.0.0.1:11434",
				Model:   "nomic-embed-text",
				Timeout: "30s",
			},
		},
		Enrichment: EnrichmentConfig{
			Threshold:     0.75,
			Concurrency:   8,
			LookupTimeout: "20s",
		},
		Summarizer: SummarizerConfig{
			MaxWords:         200,
			TokenBudget:      3000,
			MaxProperties:    4,
			DescriptionChars: 60,
			SalientKeys:      []string{"platform", "$os", "$browser", "$city", "$country_code", "$screen_name"},
			TemplateVersion:  "v1",
			Encoding:         "cl100k_base",
			Temperature:      0.1,
			Timeout:          "60s",
		},
		Runtime: RuntimeConfig{
			Backend: "openai",
			HTTP: HTTPBackendConfig{
				BaseURL: "http://127.0.0.1:42069",
				Timeout: "60s",
			},
			OpenAI: OpenAIConfig{
				Model:   "gpt-3.5-turbo-16k",
				Timeout: "60s",
			},
			Ollama: OllamaConfig{
				BaseURL: "http://127.0.0.1:11434",
				Model:   "llama3.2",
				Timeout: "60s",
			},
			Defaults: GenerationDefaults{
				MaxTokens:   512,
				Temperature: 0.1,
				TopP:        0.9,
			},
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    42067,
			Enabled: true,
			Mode:    "release",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "eventlens",
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("APP_CONFIG"))
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("provided APP_CONFIG file %q not found", path)
	}

	if path != "" {
		loaded, zeros, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
		zeros.apply(&cfg)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string) (Config, explicitZeros, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, explicitZeros{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, explicitZeros{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	var zeros explicitZeros
	if err := yaml.Unmarshal(data, &zeros); err != nil {
		return Config{}, explicitZeros{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, zeros, nil
}

// explicitZeros records the settings for which zero is a usable value. merge
// skips zero fields, so these are re-applied when the file sets them.
type explicitZeros struct {
	Catalog struct {
		Retry struct {
			Jitter *float64 `yaml:"jitter"`
		} `yaml:"retry"`
	} `yaml:"catalog"`
	Enrichment struct {
		Threshold *float64 `yaml:"threshold"`
	} `yaml:"enrichment"`
	Summarizer struct {
		MaxProperties *int     `yaml:"max_properties"`
		Temperature   *float64 `yaml:"temperature"`
	} `yaml:"summarizer"`
}

func (z explicitZeros) apply(cfg *Config) {
	if v := z.Catalog.Retry.Jitter; v != nil {
		cfg.Catalog.Retry.Jitter = *v
	}
	if v := z.Enrichment.Threshold; v != nil {
		cfg.Enrichment.Threshold = *v
	}
	if v := z.Summarizer.MaxProperties; v != nil {
		cfg.Summarizer.MaxProperties = *v
	}
	if v := z.Summarizer.Temperature; v != nil {
		cfg.Summarizer.Temperature = *v
	}
}

func merge(base, override Config) Config {
	result := base

	l := override.Logging
	if l.Level != "" {
		result.Logging.Level = l.Level
	}
	if l.Format != "" {
		result.Logging.Format = l.Format
	}
	if l.ToFile {
		result.Logging.ToFile = true
	}
	if l.Dir != "" {
		result.Logging.Dir = l.Dir
	}
	if l.MaxSizeMB != 0 {
		result.Logging.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxBackups != 0 {
		result.Logging.MaxBackups = l.MaxBackups
	}
	if l.MaxAgeDays != 0 {
		result.Logging.MaxAgeDays = l.MaxAgeDays
	}

	c := override.Catalog
	if c.Backend != "" {
		result.Catalog.Backend = c.Backend
	}
	if c.Source != "" {
		result.Catalog.Source = c.Source
	}
	if c.SQL.Driver != "" {
		result.Catalog.SQL.Driver = c.SQL.Driver
	}
	if c.SQL.Path != "" {
		result.Catalog.SQL.Path = c.SQL.Path
	}
	if c.Qdrant.Host != "" {
		result.Catalog.Qdrant.Host = c.Qdrant.Host
	}
	if c.Qdrant.Port != 0 {
		result.Catalog.Qdrant.Port = c.Qdrant.Port
	}
	if c.Qdrant.APIKey != "" {
		result.Catalog.Qdrant.APIKey = c.Qdrant.APIKey
	}
	if c.Qdrant.UseTLS {
		result.Catalog.Qdrant.UseTLS = true
	}
	if c.Qdrant.Collection != "" {
		result.Catalog.Qdrant.Collection = c.Qdrant.Collection
	}
	if c.BuildConcurrency != 0 {
		result.Catalog.BuildConcurrency = c.BuildConcurrency
	}
	if c.RateLimit != 0 {
		result.Catalog.RateLimit = c.RateLimit
	}
	if c.Burst != 0 {
		result.Catalog.Burst = c.Burst
	}
	if c.QueryTimeout != "" {
		result.Catalog.QueryTimeout = c.QueryTimeout
	}
	if c.Retry.MaxAttempts != 0 {
		result.Catalog.Retry.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay != "" {
		result.Catalog.Retry.BaseDelay = c.Retry.BaseDelay
	}
	if c.Retry.MaxDelay != "" {
		result.Catalog.Retry.MaxDelay = c.Retry.MaxDelay
	}
	if c.Retry.Jitter != 0 {
		result.Catalog.Retry.Jitter = c.Retry.Jitter
	}

	e := override.Embedding
	if e.Backend != "" {
		result.Embedding.Backend = e.Backend
	}
	if e.Dimensions != 0 {
		result.Embedding.Dimensions = e.Dimensions
	}
	if e.Timeout != "" {
		result.Embedding.Timeout = e.Timeout
	}
	if e.LlamaCpp.BaseURL != "" {
		result.Embedding.LlamaCpp.BaseURL = e.LlamaCpp.BaseURL
	}
	if e.LlamaCpp.Model != "" {
		result.Embedding.LlamaCpp.Model = e.LlamaCpp.Model
	}
	if e.LlamaCpp.Timeout != "" {
		result.Embedding.LlamaCpp.Timeout = e.LlamaCpp.Timeout
	}
	result.Embedding.OpenAI = mergeOpenAI(result.Embedding.OpenAI, e.OpenAI)
	result.Embedding.Ollama = mergeOllama(result.Embedding.Ollama, e.Ollama)

	en := override.Enrichment
	if en.Threshold != 0 {
		result.Enrichment.Threshold = en.Threshold
	}
	if en.Concurrency != 0 {
		result.Enrichment.Concurrency = en.Concurrency
	}
	if en.LookupTimeout != "" {
		result.Enrichment.LookupTimeout = en.LookupTimeout
	}

	s := override.Summarizer
	if s.MaxWords != 0 {
		result.Summarizer.MaxWords = s.MaxWords
	}
	if s.TokenBudget != 0 {
		result.Summarizer.TokenBudget = s.TokenBudget
	}
	if s.MaxProperties != 0 {
		result.Summarizer.MaxProperties = s.MaxProperties
	}
	if s.DescriptionChars != 0 {
		result.Summarizer.DescriptionChars = s.DescriptionChars
	}
	if len(s.SalientKeys) != 0 {
		result.Summarizer.SalientKeys = append([]string(nil), s.SalientKeys...)
	}
	if s.TemplateVersion != "" {
		result.Summarizer.TemplateVersion = s.TemplateVersion
	}
	if s.Encoding != "" {
		result.Summarizer.Encoding = s.Encoding
	}
	if s.Temperature != 0 {
		result.Summarizer.Temperature = s.Temperature
	}
	if s.Timeout != "" {
		result.Summarizer.Timeout = s.Timeout
	}

	r := override.Runtime
	if r.Backend != "" {
		result.Runtime.Backend = r.Backend
	}
	if r.HTTP.BaseURL != "" {
		result.Runtime.HTTP.BaseURL = r.HTTP.BaseURL
	}
	if r.HTTP.Timeout != "" {
		result.Runtime.HTTP.Timeout = r.HTTP.Timeout
	}
	result.Runtime.OpenAI = mergeOpenAI(result.Runtime.OpenAI, r.OpenAI)
	result.Runtime.Ollama = mergeOllama(result.Runtime.Ollama, r.Ollama)

	d := r.Defaults
	if d.MaxTokens != 0 {
		result.Runtime.Defaults.MaxTokens = d.MaxTokens
	}
	if d.Temperature != 0 {
		result.Runtime.Defaults.Temperature = d.Temperature
	}
	if d.TopP != 0 {
		result.Runtime.Defaults.TopP = d.TopP
	}
	if len(d.Stop) != 0 {
		result.Runtime.Defaults.Stop = append([]string(nil), d.Stop...)
	}

	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if override.Server.Enabled {
		result.Server.Enabled = override.Server.Enabled
	}
	if override.Server.Mode != "" {
		result.Server.Mode = override.Server.Mode
	}

	if override.Metrics.Enabled {
		result.Metrics.Enabled = true
	}
	if override.Metrics.Namespace != "" {
		result.Metrics.Namespace = override.Metrics.Namespace
	}

	return result
}

func mergeOpenAI(base, override OpenAIConfig) OpenAIConfig {
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.APIKey != "" {
		base.APIKey = override.APIKey
	}
	if override.Model != "" {
		base.Model = override.Model
	}
	if override.Timeout != "" {
		base.Timeout = override.Timeout
	}
	return base
}

func mergeOllama(base, override OllamaConfig) OllamaConfig {
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.Model != "" {
		base.Model = override.Model
	}
	if override.Timeout != "" {
		base.Timeout = override.Timeout
	}
	return base
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_TO_FILE")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.ToFile = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_CATALOG_BACKEND")); v != "" {
		cfg.Catalog.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CATALOG_SOURCE")); v != "" {
		cfg.Catalog.Source = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CATALOG_DRIVER")); v != "" {
		cfg.Catalog.SQL.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CATALOG_PATH")); v != "" {
		cfg.Catalog.SQL.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_QDRANT_HOST")); v != "" {
		cfg.Catalog.Qdrant.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_QDRANT_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Catalog.Qdrant.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_QDRANT_API_KEY")); v != "" {
		cfg.Catalog.Qdrant.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_QDRANT_COLLECTION")); v != "" {
		cfg.Catalog.Qdrant.Collection = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CATALOG_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Catalog.BuildConcurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_CATALOG_RATE_LIMIT")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Catalog.RateLimit = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_BACKEND")); v != "" {
		cfg.Embedding.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_DIMENSIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_BASEURL")); v != "" {
		cfg.Embedding.LlamaCpp.BaseURL = v
		cfg.Embedding.OpenAI.BaseURL = v
		cfg.Embedding.Ollama.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_MODEL")); v != "" {
		cfg.Embedding.LlamaCpp.Model = v
		cfg.Embedding.OpenAI.Model = v
		cfg.Embedding.Ollama.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_TIMEOUT")); v != "" {
		cfg.Embedding.Timeout = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_OPENAI_API_KEY")); v != "" {
		cfg.Embedding.OpenAI.APIKey = v
		cfg.Runtime.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_ENRICH_THRESHOLD")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Enrichment.Threshold = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_ENRICH_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Enrichment.Concurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SUMMARY_MAX_WORDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Summarizer.MaxWords = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SUMMARY_TOKEN_BUDGET")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Summarizer.TokenBudget = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SUMMARY_TEMPLATE")); v != "" {
		cfg.Summarizer.TemplateVersion = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SUMMARY_SALIENT_KEYS")); v != "" {
		parts := strings.Split(v, ",")
		cfg.Summarizer.SalientKeys = make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cfg.Summarizer.SalientKeys = append(cfg.Summarizer.SalientKeys, trimmed)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_LLM_BACKEND")); v != "" {
		cfg.Runtime.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LLM_BASEURL")); v != "" {
		cfg.Runtime.HTTP.BaseURL = v
		cfg.Runtime.OpenAI.BaseURL = v
		cfg.Runtime.Ollama.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LLM_MODEL")); v != "" {
		cfg.Runtime.OpenAI.Model = v
		cfg.Runtime.Ollama.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Server.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_METRICS_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = enabled
		}
	}
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Enrichment.Threshold < 0 || c.Enrichment.Threshold > 1 {
		errs = append(errs, fmt.Errorf("enrichment.threshold %v outside [0,1]", c.Enrichment.Threshold))
	}
	if c.Summarizer.MaxWords <= 0 {
		errs = append(errs, fmt.Errorf("summarizer.max_words must be positive, got %d", c.Summarizer.MaxWords))
	}
	if c.Summarizer.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("summarizer.token_budget must be positive, got %d", c.Summarizer.TokenBudget))
	}
	if c.Embedding.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must not be negative"))
	}
	switch c.Catalog.Backend {
	case "sql":
		switch c.Catalog.SQL.Driver {
		case "sqlite", "duckdb":
		default:
			errs = append(errs, fmt.Errorf("catalog.sql.driver %q unsupported", c.Catalog.SQL.Driver))
		}
	case "qdrant":
		if c.Catalog.Qdrant.Collection == "" {
			errs = append(errs, fmt.Errorf("catalog.qdrant.collection is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("catalog.backend %q unsupported", c.Catalog.Backend))
	}
	for _, d := range []struct{ name, value string }{
		{"catalog.query_timeout", c.Catalog.QueryTimeout},
		{"catalog.retry.base_delay", c.Catalog.Retry.BaseDelay},
		{"catalog.retry.max_delay", c.Catalog.Retry.MaxDelay},
		{"embedding.timeout", c.Embedding.Timeout},
		{"enrichment.lookup_timeout", c.Enrichment.LookupTimeout},
		{"summarizer.timeout", c.Summarizer.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ServerEnabled reports if the HTTP server should be started.
func (c Config) ServerEnabled() bool {
	return c.Server.Enabled
}

// DurationOr parses s, returning def when s is empty or malformed.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if parsed, err := time.ParseDuration(s); err == nil && parsed > 0 {
		return parsed
	}
	return def
}
