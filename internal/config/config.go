// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files, ${VAR} expansion, duration parsing and COVEN_RELAY_* overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/transform"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "COVEN_RELAY"

// Transport kinds.
const (
	TransportLocal = "local"
	TransportGRPC  = "grpc"
	TransportKafka = "kafka"
)

const minJWTSecretLen = 32

// Config represents the complete coven-relay configuration
type Config struct {
	Relay         RelayConfig         `yaml:"relay" toml:"relay"`
	Transform     TransformConfig     `yaml:"transform" toml:"transform"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Capabilities  CapabilitiesConfig  `yaml:"capabilities" toml:"capabilities"`
	Transport     TransportConfig     `yaml:"transport" toml:"transport"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// RelayConfig holds delivery retry and load-balancing limits
type RelayConfig struct {
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" split_words:"true"`
	MaxInFlight int `yaml:"max_in_flight" toml:"max_in_flight" split_words:"true"`

	BaseBackoff    time.Duration `yaml:"-" toml:"-" ignored:"true"`
	MaxBackoff     time.Duration `yaml:"-" toml:"-" ignored:"true"`
	AttemptTimeout time.Duration `yaml:"-" toml:"-" ignored:"true"`

	// Raw string values for unmarshaling. The explicit env names also match
	// unprefixed variables, so keep them specific.
	BaseBackoffRaw    string `yaml:"base_backoff" toml:"base_backoff" envconfig:"BASE_BACKOFF"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff" envconfig:"MAX_BACKOFF"`
	AttemptTimeoutRaw string `yaml:"attempt_timeout" toml:"attempt_timeout" envconfig:"ATTEMPT_TIMEOUT"`
}

// Router converts the section into router limits.
func (c RelayConfig) Router() router.Config {
	return router.Config{
		MaxAttempts:    c.MaxAttempts,
		BaseBackoff:    c.BaseBackoff,
		MaxBackoff:     c.MaxBackoff,
		AttemptTimeout: c.AttemptTimeout,
		MaxInFlight:    c.MaxInFlight,
	}
}

// TransformConfig bounds transformed and enriched content
type TransformConfig struct {
	MaxContentBytes    int      `yaml:"max_content_bytes" toml:"max_content_bytes" split_words:"true"`
	HistoryExcerpt     int      `yaml:"history_excerpt" toml:"history_excerpt" split_words:"true"`
	MaxEnrichmentBytes int      `yaml:"max_enrichment_bytes" toml:"max_enrichment_bytes" split_words:"true"`
	Enrich             []string `yaml:"enrich" toml:"enrich" split_words:"true"`
}

// Transformer converts the section into transformer limits.
func (c TransformConfig) Transformer() transform.Config {
	return transform.Config{
		MaxContentBytes:    c.MaxContentBytes,
		HistoryExcerpt:     c.HistoryExcerpt,
		MaxEnrichmentBytes: c.MaxEnrichmentBytes,
	}
}

// Kinds parses the enabled enrichment kinds.
func (c TransformConfig) Kinds() ([]transform.Kind, error) {
	out := make([]transform.Kind, 0, len(c.Enrich))
	for _, k := range c.Enrich {
		kind, err := transform.ParseKind(k)
		if err != nil {
			return nil, err
		}
		out = append(out, kind)
	}
	return out, nil
}

// ConversationsConfig holds per-conversation memory and dedupe settings
type ConversationsConfig struct {
	HistoryLimit int `yaml:"history_limit" toml:"history_limit" split_words:"true"`
	DedupeSize   int `yaml:"dedupe_size" toml:"dedupe_size" split_words:"true"`

	DedupeTTL time.Duration `yaml:"-" toml:"-" ignored:"true"`

	// Raw string values for unmarshaling
	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl" envconfig:"DEDUPE_TTL"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" split_words:"true"`
}

// CapabilitiesConfig points at the capability catalog
type CapabilitiesConfig struct {
	Catalog string `yaml:"catalog" toml:"catalog" split_words:"true"`
}

// TransportConfig selects and configures the delivery transport
type TransportConfig struct {
	Kind      string  `yaml:"kind" toml:"kind" split_words:"true"`
	Listen    string  `yaml:"listen" toml:"listen" split_words:"true"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit" split_words:"true"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst" split_words:"true"`

	GRPC  GRPCConfig  `yaml:"grpc" toml:"grpc" split_words:"true"`
	Kafka KafkaConfig `yaml:"kafka" toml:"kafka" split_words:"true"`
}

// GRPCConfig maps agents to remote inbox endpoints
type GRPCConfig struct {
	Default   string            `yaml:"default" toml:"default" split_words:"true"`
	Endpoints map[string]string `yaml:"endpoints" toml:"endpoints" split_words:"true"`
}

// KafkaConfig holds producer settings
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers" toml:"brokers" split_words:"true"`
	TopicPrefix string   `yaml:"topic_prefix" toml:"topic_prefix" split_words:"true"`
}

// AuthConfig holds authorization configuration
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" split_words:"true"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" split_words:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" split_words:"true"`
	Format string `yaml:"format" toml:"format" split_words:"true"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			MaxAttempts:       3,
			MaxInFlight:       8,
			BaseBackoffRaw:    "100ms",
			MaxBackoffRaw:     "2s",
			AttemptTimeoutRaw: "10s",
		},
		Transform: TransformConfig{
			MaxContentBytes:    64 * 1024,
			HistoryExcerpt:     5,
			MaxEnrichmentBytes: 8 * 1024,
		},
		Conversations: ConversationsConfig{
			HistoryLimit: 256,
			DedupeSize:   10000,
			DedupeTTLRaw: "10m",
		},
		Database:  DatabaseConfig{Path: ":memory:"},
		Transport: TransportConfig{Kind: TransportLocal},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML. An empty
// path yields the defaults. Environment variables in the format ${VAR_NAME}
// are expanded, then COVEN_RELAY_* overrides are applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, data string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(data, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(data), cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overrides each section from COVEN_RELAY_<SECTION>_<KEY>; nested
// sections extend the prefix (COVEN_RELAY_TRANSPORT_KAFKA_BROKERS). Unset
// variables leave file values alone.
func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{"RELAY", &cfg.Relay},
		{"TRANSFORM", &cfg.Transform},
		{"CONVERSATIONS", &cfg.Conversations},
		{"DATABASE", &cfg.Database},
		{"CAPABILITIES", &cfg.Capabilities},
		{"TRANSPORT", &cfg.Transport},
		{"AUTH", &cfg.Auth},
		{"LOGGING", &cfg.Logging},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.prefix, s.spec); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Relay.MaxAttempts < 1 {
		return fmt.Errorf("relay.max_attempts must be at least 1")
	}
	if c.Relay.MaxInFlight < 1 {
		return fmt.Errorf("relay.max_in_flight must be at least 1")
	}
	if c.Relay.BaseBackoff <= 0 {
		return fmt.Errorf("relay.base_backoff must be positive")
	}
	if c.Relay.MaxBackoff < c.Relay.BaseBackoff {
		return fmt.Errorf("relay.max_backoff must not be below relay.base_backoff")
	}
	if c.Relay.AttemptTimeout <= 0 {
		return fmt.Errorf("relay.attempt_timeout must be positive")
	}

	if _, err := c.Transform.Kinds(); err != nil {
		return fmt.Errorf("transform.enrich: %w", err)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Transport.Kind {
	case TransportLocal:
	case TransportGRPC:
		if c.Transport.GRPC.Default == "" && len(c.Transport.GRPC.Endpoints) == 0 {
			return fmt.Errorf("transport.grpc needs a default endpoint or an endpoints table")
		}
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("transport.kafka.brokers is required")
		}
	default:
		return fmt.Errorf("transport.kind must be one of local, grpc, kafka (got %q)", c.Transport.Kind)
	}
	if c.Transport.RateLimit < 0 {
		return fmt.Errorf("transport.rate_limit must not be negative")
	}

	if c.Auth.Enabled && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes when auth is enabled", minJWTSecretLen)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.base_backoff", cfg.Relay.BaseBackoffRaw, &cfg.Relay.BaseBackoff},
		{"relay.max_backoff", cfg.Relay.MaxBackoffRaw, &cfg.Relay.MaxBackoff},
		{"relay.attempt_timeout", cfg.Relay.AttemptTimeoutRaw, &cfg.Relay.AttemptTimeout},
		{"conversations.dedupe_ttl", cfg.Conversations.DedupeTTLRaw, &cfg.Conversations.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
