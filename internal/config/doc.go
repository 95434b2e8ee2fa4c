// Package config handles configuration loading for shardgate.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The format is chosen by file extension: ".toml" is TOML,
// anything else is YAML. Unset fields receive defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SHARDGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/shardgate/config.yaml
//  3. ~/.config/shardgate/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  token: "${SHARDGATE_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	timeouts:
//	  open: "15s"
//	  ready: "1m"
//	  identify_interval: "5s"
//
// Supported units: ns, us, ms, s, m, h. Negative durations are rejected.
//
// # Configuration Sections
//
// Sharding (zero counts are resolved from the gateway-info endpoint):
//
//	sharding:
//	  shard_count: 0
//	  starting_shard: 0
//	  total_shard_count: 0
//
// Broker and cache backends:
//
//	broker:
//	  kind: nats            # local, nats
//	  nats_url: "nats://127.0.0.1:4222"
//	cache:
//	  kind: redis           # memory, redis
//	  redis_addrs: ["127.0.0.1:6379"]
//
// Session checkpoints:
//
//	database:
//	  driver: sqlite        # sqlite (pure Go), sqlite3 (cgo)
//	  path: "/var/lib/shardgate/sessions.db"
//	  checkpoint_interval: "30s"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "shardgate"
//	  auth_key: "${TS_AUTHKEY}"
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
