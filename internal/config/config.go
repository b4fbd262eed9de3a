// ABOUTME: Configuration loading and parsing for chatstream
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chatstream configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Storage   StorageConfig   `yaml:"storage"`
	Models    ModelsConfig    `yaml:"models"`
	Providers ProvidersConfig `yaml:"providers"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BrokerConfig holds the optional shared-broker (Redis) configuration.
// When Addr is empty the delivery bus runs local-only.
type BrokerConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// MessageTTL bounds how long published messages stay resolvable in
	// the ephemeral cache.
	MessageTTL    time.Duration `yaml:"-"`
	MessageTTLRaw string        `yaml:"message_ttl"`

	// MaxRetries is the hard reconnect ceiling; once exceeded, shared
	// delivery is disabled for the rest of the process lifetime.
	MaxRetries int `yaml:"max_retries"`
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	// Backend selects the implementation: "s3" or "memory".
	Backend  string `yaml:"backend"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // optional, for S3-compatible stores
}

// ModelsConfig points at the TOML model catalog
type ModelsConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

// ProvidersConfig holds per-vendor API credentials and endpoints
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

// ProviderConfig holds one vendor's connection settings
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-connection socket timeout for provider calls.
	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DeliveryConfig holds orchestration and fan-out tuning
type DeliveryConfig struct {
	// ContextWindow is the number of prior messages included in a prompt.
	ContextWindow int `yaml:"context_window"`

	// SimulatedStreamDelay is the pause between artificial chunks when a
	// provider lacks native streaming.
	SimulatedStreamDelay    time.Duration `yaml:"-"`
	SimulatedStreamDelayRaw string        `yaml:"simulated_stream_delay"`

	// StrictGeneration rejects a second concurrent generation on the
	// same conversation instead of letting streams interleave.
	StrictGeneration bool `yaml:"strict_generation"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Models.CatalogPath == "" {
		return fmt.Errorf("models.catalog_path is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be \"s3\" or \"memory\", got %q", c.Storage.Backend)
	}

	return nil
}

// applyDefaults fills in values for optional fields left unset
func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Broker.MessageTTL == 0 {
		cfg.Broker.MessageTTL = 300 * time.Second
	}
	if cfg.Broker.MaxRetries == 0 {
		cfg.Broker.MaxRetries = 10
	}
	if cfg.Delivery.ContextWindow == 0 {
		cfg.Delivery.ContextWindow = 20
	}
	if cfg.Delivery.SimulatedStreamDelay == 0 {
		cfg.Delivery.SimulatedStreamDelay = 30 * time.Millisecond
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Broker.MessageTTLRaw != "" {
		cfg.Broker.MessageTTL, err = time.ParseDuration(cfg.Broker.MessageTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing message_ttl %q: %w", cfg.Broker.MessageTTLRaw, err)
		}
	}

	if cfg.Delivery.SimulatedStreamDelayRaw != "" {
		cfg.Delivery.SimulatedStreamDelay, err = time.ParseDuration(cfg.Delivery.SimulatedStreamDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing simulated_stream_delay %q: %w", cfg.Delivery.SimulatedStreamDelayRaw, err)
		}
	}

	for name, pc := range map[string]*ProviderConfig{
		"openai":    &cfg.Providers.OpenAI,
		"anthropic": &cfg.Providers.Anthropic,
		"gemini":    &cfg.Providers.Gemini,
		"ollama":    &cfg.Providers.Ollama,
	} {
		if pc.TimeoutRaw != "" {
			pc.Timeout, err = time.ParseDuration(pc.TimeoutRaw)
			if err != nil {
				return fmt.Errorf("parsing %s timeout %q: %w", name, pc.TimeoutRaw, err)
			}
		}
	}

	return nil
}
