package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the trialmatch configuration, threaded explicitly through each
// component's entry point.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Registry  RegistryConfig  `yaml:"registry"`
	Database  DatabaseConfig  `yaml:"database"`
	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Parser    ParserConfig    `yaml:"parser"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthConfig holds API authentication settings. An empty key list disables
// authentication.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings for the query API.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// RegistryConfig holds ClinicalTrials.gov API settings.
type RegistryConfig struct {
	BaseURL     string   `yaml:"base_url"`
	PageSize    int      `yaml:"page_size"`
	Statuses    []string `yaml:"statuses"`
	WindowStart string   `yaml:"window_start"` // ISO date, empty = open start
	WindowEnd   string   `yaml:"window_end"`   // ISO date, empty = today
	MaxRetries  int      `yaml:"max_retries"`
	TimeoutSec  int      `yaml:"timeout_sec"`
}

// DatabaseConfig holds vector store connection settings.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// IndexConfig holds collection and HNSW settings.
type IndexConfig struct {
	Collection      string `yaml:"collection"`
	VectorDim       int    `yaml:"vector_dim"`
	HNSWM           int    `yaml:"hnsw_m"`
	HNSWEFConstruct int    `yaml:"hnsw_ef_construction"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// ParserConfig holds completion-service settings for the query parser.
// Credentials are required only when the LLM parser is exercised.
type ParserConfig struct {
	APIKey  string `yaml:"api_key"` // falls back to embedding.api_key when empty
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// RetrievalConfig holds online search settings.
type RetrievalConfig struct {
	TopK        int `yaml:"top_k"`
	CacheTTLSec int `yaml:"query_cache_ttl_sec"`
}

// SnapshotConfig holds snapshot storage settings.
type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// DefaultStatuses is the registry status allowlist applied when none is configured.
var DefaultStatuses = []string{
	"ACTIVE_NOT_RECRUITING",
	"ENROLLING_BY_INVITATION",
	"NOT_YET_RECRUITING",
	"RECRUITING",
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Registry.BaseURL == "" {
		c.Registry.BaseURL = "https://clinicaltrials.gov/api/v2"
	}
	if c.Registry.PageSize <= 0 {
		c.Registry.PageSize = 200
	}
	if len(c.Registry.Statuses) == 0 {
		c.Registry.Statuses = append([]string(nil), DefaultStatuses...)
	}
	if c.Registry.MaxRetries <= 0 {
		c.Registry.MaxRetries = 5
	}
	if c.Registry.TimeoutSec <= 0 {
		c.Registry.TimeoutSec = 30
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Index.Collection == "" {
		c.Index.Collection = "clinical_trials"
	}
	if c.Index.VectorDim <= 0 {
		c.Index.VectorDim = 384
	}
	if c.Index.HNSWM <= 0 {
		c.Index.HNSWM = 32
	}
	if c.Index.HNSWEFConstruct <= 0 {
		c.Index.HNSWEFConstruct = 400
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 64
	}
	if c.Embedding.MaxRetries <= 0 {
		c.Embedding.MaxRetries = 3
	}
	if c.Parser.Model == "" {
		c.Parser.Model = "gpt-4o-mini"
	}
	if c.Parser.APIKey == "" {
		c.Parser.APIKey = c.Embedding.APIKey
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 10
	}
	if c.Retrieval.CacheTTLSec <= 0 {
		c.Retrieval.CacheTTLSec = 3600
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = filepath.Join("data", "snapshots")
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	for _, name := range []struct {
		key, val string
	}{
		{"registry.window_start", c.Registry.WindowStart},
		{"registry.window_end", c.Registry.WindowEnd},
	} {
		if name.val == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", name.val); err != nil {
			return fmt.Errorf("%s must be an ISO date (YYYY-MM-DD), got %q", name.key, name.val)
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
