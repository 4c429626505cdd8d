// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension), then overridden from the environment, then validated. An
// empty path starts from Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Environment Overrides
//
// Every key can be overridden with COVEN_RELAY_<SECTION>_<KEY>, nested
// sections extending the prefix:
//
//	COVEN_RELAY_RELAY_MAX_ATTEMPTS=5
//	COVEN_RELAY_TRANSPORT_KAFKA_BROKERS=k1:9092,k2:9092
//	COVEN_RELAY_TRANSPORT_GRPC_ENDPOINTS=agent-a:host-a:7070,agent-b:host-b:7070
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  base_backoff: "100ms"
//	  max_backoff: "2s"
//	  attempt_timeout: "10s"
//
// # Configuration Sections
//
//	relay:
//	  max_attempts: 3         # delivery attempts per recipient
//	  max_in_flight: 8        # load-balancing ceiling per agent
//	transform:
//	  max_content_bytes: 65536
//	  history_excerpt: 5
//	  max_enrichment_bytes: 8192
//	  enrich: [history, capabilities, knowledge]
//	conversations:
//	  history_limit: 256
//	  dedupe_ttl: "10m"
//	  dedupe_size: 10000
//	database:
//	  path: "./relay.db"      # ":memory:" keeps everything in process
//	capabilities:
//	  catalog: "./capabilities.toml"
//	transport:
//	  kind: local             # local | grpc | kafka
//	  listen: ":7070"         # serve the gRPC inbox for attached agents
//	  rate_limit: 50          # per-agent deliveries per second, 0 = unlimited
//	  rate_burst: 10
//	  grpc:
//	    default: "relay-2:7070"
//	    endpoints: {agent-a: "relay-3:7070"}
//	  kafka:
//	    brokers: ["kafka:9092"]
//	    topic_prefix: "coven.inbox."
//	auth:
//	  enabled: true
//	  jwt_secret: "${COVEN_RELAY_SECRET}"   # at least 32 bytes
//	logging:
//	  level: info             # debug | info | warn | error
//	  format: text            # text | json
package config
