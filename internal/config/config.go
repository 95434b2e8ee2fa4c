// ABOUTME: Configuration loading and parsing for shardgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete shardgate configuration
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Sharding  ShardingConfig  `yaml:"sharding" toml:"sharding"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts" toml:"timeouts"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Broker    BrokerConfig    `yaml:"broker" toml:"broker"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// GatewayConfig holds the bot credentials and connection parameters
type GatewayConfig struct {
	Token          string `yaml:"token" toml:"token"`
	APIURL         string `yaml:"api_url" toml:"api_url"`
	URL            string `yaml:"url" toml:"url"` // overrides the url from the gateway-info endpoint
	Version        int    `yaml:"version" toml:"version"`
	Encoding       string `yaml:"encoding" toml:"encoding"`
	Compress       bool   `yaml:"compress" toml:"compress"`
	Intents        int    `yaml:"intents" toml:"intents"`
	LargeThreshold int    `yaml:"large_threshold" toml:"large_threshold"`
	Status         string `yaml:"status" toml:"status"` // initial presence status
}

// ShardingConfig holds the shard range. Zero counts are resolved automatically.
type ShardingConfig struct {
	ShardCount         int  `yaml:"shard_count" toml:"shard_count"`
	StartingShard      int  `yaml:"starting_shard" toml:"starting_shard"`
	TotalShardCount    int  `yaml:"total_shard_count" toml:"total_shard_count"`
	ReconnectOnTimeout bool `yaml:"reconnect_on_timeout" toml:"reconnect_on_timeout"`
	StrictSessionLimit bool `yaml:"strict_session_limit" toml:"strict_session_limit"`
}

// TimeoutsConfig holds the connect-phase timeouts and identify pacing
type TimeoutsConfig struct {
	Open             time.Duration `yaml:"-" toml:"-"`
	Hello            time.Duration `yaml:"-" toml:"-"`
	Ready            time.Duration `yaml:"-" toml:"-"`
	Resume           time.Duration `yaml:"-" toml:"-"`
	Guild            time.Duration `yaml:"-" toml:"-"`
	Close            time.Duration `yaml:"-" toml:"-"`
	IdentifyInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	OpenRaw             string `yaml:"open" toml:"open"`
	HelloRaw            string `yaml:"hello" toml:"hello"`
	ReadyRaw            string `yaml:"ready" toml:"ready"`
	ResumeRaw           string `yaml:"resume" toml:"resume"`
	GuildRaw            string `yaml:"guild" toml:"guild"`
	CloseRaw            string `yaml:"close" toml:"close"`
	IdentifyIntervalRaw string `yaml:"identify_interval" toml:"identify_interval"`
}

// QueueConfig holds the outbound send-rate cap per shard
type QueueConfig struct {
	Limit     int           `yaml:"limit" toml:"limit"`
	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
}

// BrokerConfig selects where dispatched events are published
type BrokerConfig struct {
	Kind          string `yaml:"kind" toml:"kind"` // local or nats
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// CacheConfig selects the guild cache backend
type CacheConfig struct {
	Kind          string        `yaml:"kind" toml:"kind"` // memory or redis
	RedisAddrs    []string      `yaml:"redis_addrs" toml:"redis_addrs"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	KeyPrefix     string        `yaml:"key_prefix" toml:"key_prefix"`
	MaxSize       int           `yaml:"max_size" toml:"max_size"`
	TTL           time.Duration `yaml:"-" toml:"-"`
	TTLRaw        string        `yaml:"ttl" toml:"ttl"`
}

// DatabaseConfig holds session checkpoint storage configuration
type DatabaseConfig struct {
	Driver                string        `yaml:"driver" toml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path                  string        `yaml:"path" toml:"path"`
	CheckpointInterval    time.Duration `yaml:"-" toml:"-"`
	CheckpointIntervalRaw string        `yaml:"checkpoint_interval" toml:"checkpoint_interval"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied by Load to unset fields.
const (
	DefaultHTTPAddr           = ":8080"
	DefaultGRPCAddr           = ":50051"
	DefaultMetricsPath        = "/metrics"
	DefaultSubjectPrefix      = "shardgate"
	DefaultCacheMaxSize       = 10000
	DefaultCacheTTL           = time.Hour
	DefaultCheckpointInterval = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Gateway.Encoding == "" {
		c.Gateway.Encoding = "json"
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = "local"
	}
	if c.Broker.SubjectPrefix == "" {
		c.Broker.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = DefaultCacheMaxSize
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.CheckpointInterval == 0 {
		c.Database.CheckpointInterval = DefaultCheckpointInterval
	}
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			c.Server.HTTPAddr = DefaultHTTPAddr
		}
		if c.Server.GRPCAddr == "" {
			c.Server.GRPCAddr = DefaultGRPCAddr
		}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.Token == "" {
		return fmt.Errorf("gateway.token is required")
	}

	switch c.Gateway.Encoding {
	case "json", "etf":
	default:
		return fmt.Errorf("gateway.encoding must be json or etf, got %q", c.Gateway.Encoding)
	}

	s := c.Sharding
	if s.ShardCount < 0 || s.StartingShard < 0 || s.TotalShardCount < 0 {
		return fmt.Errorf("sharding counts must not be negative")
	}
	if s.TotalShardCount > 0 && s.ShardCount > 0 && s.StartingShard+s.ShardCount > s.TotalShardCount {
		return fmt.Errorf("sharding: shards %d..%d exceed total_shard_count %d",
			s.StartingShard, s.StartingShard+s.ShardCount-1, s.TotalShardCount)
	}
	if s.TotalShardCount > 0 && s.StartingShard >= s.TotalShardCount {
		return fmt.Errorf("sharding.starting_shard %d must be below total_shard_count %d",
			s.StartingShard, s.TotalShardCount)
	}

	if c.Queue.Limit < 0 {
		return fmt.Errorf("queue.limit must not be negative")
	}

	switch c.Broker.Kind {
	case "local":
	case "nats":
		if c.Broker.NATSURL == "" {
			return fmt.Errorf("broker.nats_url is required when broker.kind is nats")
		}
	default:
		return fmt.Errorf("broker.kind must be local or nats, got %q", c.Broker.Kind)
	}

	switch c.Cache.Kind {
	case "memory":
	case "redis":
		if len(c.Cache.RedisAddrs) == 0 {
			return fmt.Errorf("cache.redis_addrs is required when cache.kind is redis")
		}
	default:
		return fmt.Errorf("cache.kind must be memory or redis, got %q", c.Cache.Kind)
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"timeouts.open", cfg.Timeouts.OpenRaw, &cfg.Timeouts.Open},
		{"timeouts.hello", cfg.Timeouts.HelloRaw, &cfg.Timeouts.Hello},
		{"timeouts.ready", cfg.Timeouts.ReadyRaw, &cfg.Timeouts.Ready},
		{"timeouts.resume", cfg.Timeouts.ResumeRaw, &cfg.Timeouts.Resume},
		{"timeouts.guild", cfg.Timeouts.GuildRaw, &cfg.Timeouts.Guild},
		{"timeouts.close", cfg.Timeouts.CloseRaw, &cfg.Timeouts.Close},
		{"timeouts.identify_interval", cfg.Timeouts.IdentifyIntervalRaw, &cfg.Timeouts.IdentifyInterval},
		{"queue.window", cfg.Queue.WindowRaw, &cfg.Queue.Window},
		{"cache.ttl", cfg.Cache.TTLRaw, &cfg.Cache.TTL},
		{"database.checkpoint_interval", cfg.Database.CheckpointIntervalRaw, &cfg.Database.CheckpointInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath returns the path to the config file.
// Priority: SHARDGATE_CONFIG env var > XDG_CONFIG_HOME/shardgate/config.yaml > ~/.config/shardgate/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("SHARDGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "shardgate", "config.yaml")
}

// DefaultDataDir returns the shardgate data directory.
// Priority: XDG_DATA_HOME/shardgate > ~/.local/share/shardgate
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "shardgate")
}

// Example is a starting configuration written by `shardgate init`.
const Example = `# shardgate configuration
gateway:
  token: "${SHARDGATE_TOKEN}"
  encoding: json
  compress: true
  intents: 513

sharding:
  shard_count: 0        # 0 = use the recommended count
  starting_shard: 0
  total_shard_count: 0

timeouts:
  open: "15s"
  hello: "15s"
  ready: "60s"
  resume: "60s"
  guild: "10s"
  identify_interval: "5s"

queue:
  limit: 120
  window: "60s"

broker:
  kind: local           # local or nats
  nats_url: "nats://127.0.0.1:4222"
  subject_prefix: shardgate

cache:
  kind: memory          # memory or redis
  ttl: "1h"
  max_size: 10000

database:
  path: "./shardgate.db"
  checkpoint_interval: "30s"

server:
  http_addr: ":8080"
  grpc_addr: ":50051"

logging:
  level: info
  format: text

metrics:
  enabled: true
  path: /metrics
`
