// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, env overrides, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-relay/internal/transform"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
relay:
  max_attempts: 5
  base_backoff: "50ms"
  max_backoff: "1s"
  attempt_timeout: "3s"
  max_in_flight: 4

transform:
  max_content_bytes: 4096
  enrich: ["history", "knowledge"]

conversations:
  history_limit: 64
  dedupe_ttl: "30s"

database:
  path: "./relay.db"

capabilities:
  catalog: "./capabilities.toml"

transport:
  kind: grpc
  rate_limit: 20
  rate_burst: 5
  grpc:
    default: "relay-2:7070"
    endpoints:
      agent-a: "relay-3:7070"

logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.MaxAttempts != 5 {
		t.Errorf("Relay.MaxAttempts = %d, want 5", cfg.Relay.MaxAttempts)
	}
	if cfg.Relay.BaseBackoff != 50*time.Millisecond {
		t.Errorf("Relay.BaseBackoff = %v, want 50ms", cfg.Relay.BaseBackoff)
	}
	if cfg.Relay.MaxBackoff != time.Second {
		t.Errorf("Relay.MaxBackoff = %v, want 1s", cfg.Relay.MaxBackoff)
	}
	if cfg.Relay.AttemptTimeout != 3*time.Second {
		t.Errorf("Relay.AttemptTimeout = %v, want 3s", cfg.Relay.AttemptTimeout)
	}
	rc := cfg.Relay.Router()
	if rc.MaxInFlight != 4 || rc.MaxAttempts != 5 {
		t.Errorf("Router() = %+v", rc)
	}

	if cfg.Transform.MaxContentBytes != 4096 {
		t.Errorf("Transform.MaxContentBytes = %d, want 4096", cfg.Transform.MaxContentBytes)
	}
	if cfg.Transform.HistoryExcerpt != 5 {
		t.Errorf("Transform.HistoryExcerpt = %d, want default 5", cfg.Transform.HistoryExcerpt)
	}
	kinds, err := cfg.Transform.Kinds()
	if err != nil {
		t.Fatalf("Kinds() error = %v", err)
	}
	if len(kinds) != 2 || kinds[0] != transform.KindHistory || kinds[1] != transform.KindKnowledge {
		t.Errorf("Kinds() = %v", kinds)
	}

	if cfg.Conversations.HistoryLimit != 64 {
		t.Errorf("Conversations.HistoryLimit = %d, want 64", cfg.Conversations.HistoryLimit)
	}
	if cfg.Conversations.DedupeTTL != 30*time.Second {
		t.Errorf("Conversations.DedupeTTL = %v, want 30s", cfg.Conversations.DedupeTTL)
	}
	if cfg.Conversations.DedupeSize != 10000 {
		t.Errorf("Conversations.DedupeSize = %d, want default 10000", cfg.Conversations.DedupeSize)
	}

	if cfg.Database.Path != "./relay.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Capabilities.Catalog != "./capabilities.toml" {
		t.Errorf("Capabilities.Catalog = %q", cfg.Capabilities.Catalog)
	}

	if cfg.Transport.Kind != TransportGRPC {
		t.Errorf("Transport.Kind = %q, want grpc", cfg.Transport.Kind)
	}
	if cfg.Transport.RateLimit != 20 || cfg.Transport.RateBurst != 5 {
		t.Errorf("Transport rate = %v/%d", cfg.Transport.RateLimit, cfg.Transport.RateBurst)
	}
	if cfg.Transport.GRPC.Default != "relay-2:7070" {
		t.Errorf("Transport.GRPC.Default = %q", cfg.Transport.GRPC.Default)
	}
	if cfg.Transport.GRPC.Endpoints["agent-a"] != "relay-3:7070" {
		t.Errorf("Transport.GRPC.Endpoints = %v", cfg.Transport.GRPC.Endpoints)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[relay]
max_attempts = 4
base_backoff = "200ms"
max_backoff = "4s"

[database]
path = "/var/lib/coven/relay.db"

[transport]
kind = "kafka"

[transport.kafka]
brokers = ["kafka-1:9092", "kafka-2:9092"]
topic_prefix = "relay.inbox."

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Relay.MaxAttempts != 4 {
		t.Errorf("Relay.MaxAttempts = %d, want 4", cfg.Relay.MaxAttempts)
	}
	if cfg.Relay.MaxBackoff != 4*time.Second {
		t.Errorf("Relay.MaxBackoff = %v, want 4s", cfg.Relay.MaxBackoff)
	}
	if cfg.Relay.AttemptTimeout != 10*time.Second {
		t.Errorf("Relay.AttemptTimeout = %v, want default 10s", cfg.Relay.AttemptTimeout)
	}
	if len(cfg.Transport.Kafka.Brokers) != 2 {
		t.Errorf("Transport.Kafka.Brokers = %v", cfg.Transport.Kafka.Brokers)
	}
	if cfg.Transport.Kafka.TopicPrefix != "relay.inbox." {
		t.Errorf("Transport.Kafka.TopicPrefix = %q", cfg.Transport.Kafka.TopicPrefix)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Relay.BaseBackoff != 100*time.Millisecond || cfg.Relay.MaxBackoff != 2*time.Second {
		t.Errorf("default backoff = %v..%v", cfg.Relay.BaseBackoff, cfg.Relay.MaxBackoff)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("Database.Path = %q, want :memory:", cfg.Database.Path)
	}
	if cfg.Transport.Kind != TransportLocal {
		t.Errorf("Transport.Kind = %q, want local", cfg.Transport.Kind)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_SECRET", strings.Repeat("s", 40))
	t.Setenv("TEST_RELAY_DB", "/tmp/expanded.db")

	path := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_RELAY_DB}"
auth:
  enabled: true
  jwt_secret: "${TEST_RELAY_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != strings.Repeat("s", 40) {
		t.Errorf("Auth.JWTSecret not expanded")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COVEN_RELAY_RELAY_MAX_ATTEMPTS", "7")
	t.Setenv("COVEN_RELAY_RELAY_BASE_BACKOFF", "25ms")
	t.Setenv("COVEN_RELAY_LOGGING_LEVEL", "error")
	t.Setenv("COVEN_RELAY_TRANSPORT_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("COVEN_RELAY_TRANSPORT_KIND", "kafka")
	t.Setenv("COVEN_RELAY_TRANSPORT_GRPC_ENDPOINTS", "agent-a:host-a:7070")

	path := writeConfig(t, "config.yaml", `
relay:
  max_attempts: 2
  max_in_flight: 3
logging:
  level: info
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Relay.MaxAttempts != 7 {
		t.Errorf("Relay.MaxAttempts = %d, want env override 7", cfg.Relay.MaxAttempts)
	}
	if cfg.Relay.MaxInFlight != 3 {
		t.Errorf("Relay.MaxInFlight = %d, want file value 3", cfg.Relay.MaxInFlight)
	}
	if cfg.Relay.BaseBackoff != 25*time.Millisecond {
		t.Errorf("Relay.BaseBackoff = %v, want 25ms", cfg.Relay.BaseBackoff)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want error", cfg.Logging.Level)
	}
	if cfg.Transport.Kind != TransportKafka || len(cfg.Transport.Kafka.Brokers) != 2 {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Transport.GRPC.Endpoints["agent-a"] != "host-a:7070" {
		t.Errorf("Transport.GRPC.Endpoints = %v", cfg.Transport.GRPC.Endpoints)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
relay:
  base_backoff: "soon"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "relay.base_backoff") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "relay: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		if err := parseDurations(cfg); err != nil {
			t.Fatalf("parseDurations() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero attempts", func(c *Config) { c.Relay.MaxAttempts = 0 }, "relay.max_attempts"},
		{"zero in flight", func(c *Config) { c.Relay.MaxInFlight = 0 }, "relay.max_in_flight"},
		{"backoff inverted", func(c *Config) { c.Relay.MaxBackoff = time.Millisecond }, "relay.max_backoff"},
		{"no timeout", func(c *Config) { c.Relay.AttemptTimeout = 0 }, "relay.attempt_timeout"},
		{"unknown enrichment", func(c *Config) { c.Transform.Enrich = []string{"gossip"} }, "transform.enrich"},
		{"no database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "transport.kind"},
		{"grpc without endpoints", func(c *Config) { c.Transport.Kind = TransportGRPC }, "transport.grpc"},
		{"kafka without brokers", func(c *Config) { c.Transport.Kind = TransportKafka }, "transport.kafka.brokers"},
		{"negative rate", func(c *Config) { c.Transport.RateLimit = -1 }, "transport.rate_limit"},
		{"short secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "short" }, "auth.jwt_secret"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_A", "alpha")
	got := expandEnvVars("x=${RELAY_A} y=${RELAY_UNSET_VAR}")
	if got != "x=alpha y=" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}
