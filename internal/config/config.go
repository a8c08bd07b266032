package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/deep-stack/azimuth-watcher/internal/constants"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a watcher
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Server   ServerConfig   `yaml:"server"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	EventBus EventBusConfig `yaml:"eventbus"`
}

// RPCConfig holds RPC client configuration
type RPCConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds relational store configuration
type DatabaseConfig struct {
	// Engine is the database engine: "pgsql" or "sqlite"
	Engine string       `yaml:"engine"`
	Sqlite SqliteConfig `yaml:"sqlite"`
	Pgsql  PgsqlConfig  `yaml:"pgsql"`
}

// SqliteConfig holds SQLite connection settings
type SqliteConfig struct {
	File         string `yaml:"file"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// PgsqlConfig holds PostgreSQL connection settings
type PgsqlConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// DSN returns the pgx connection string
func (p PgsqlConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.Name, p.SSLMode)
}

// CacheConfig holds view-call cache configuration
type CacheConfig struct {
	// Backend stores cached call results: "sql" (the relational store) or "pebble"
	Backend string `yaml:"backend"`
	// PebblePath is the pebble directory when Backend is "pebble"
	PebblePath string `yaml:"pebble_path"`
	// MemoryMB sizes the in-memory tier; 0 disables it
	MemoryMB int `yaml:"memory_mb"`
	// WithProof fetches an eth_getProof account proof for every cache miss
	WithProof bool `yaml:"with_proof"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IndexerConfig holds block scanner configuration
type IndexerConfig struct {
	StartHeight  uint64        `yaml:"start_height"`
	BatchSize    int           `yaml:"batch_size"`
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig holds GraphQL server configuration
type ServerConfig struct {
	Host                string   `yaml:"host"`
	Port                int      `yaml:"port"`
	EnableCORS          bool     `yaml:"enable_cors"`
	AllowedOrigins      []string `yaml:"allowed_origins"`
	EnableRateLimit     bool     `yaml:"enable_rate_limit"`
	RateLimitPerSecond  float64  `yaml:"rate_limit_per_second"`
	RateLimitBurst      int      `yaml:"rate_limit_burst"`
	MaxEventsBlockRange uint64   `yaml:"max_events_block_range"`
	EnablePlayground    bool     `yaml:"enable_playground"`
}

// WatcherConfig selects the contract kind served and the contracts watched at startup
type WatcherConfig struct {
	// Kind is the contract kind whose view functions are exposed as queries
	Kind      string           `yaml:"kind"`
	Contracts []ContractConfig `yaml:"contracts"`
}

// ContractConfig describes a contract to watch
type ContractConfig struct {
	Address       string `yaml:"address"`
	Kind          string `yaml:"kind"`
	StartingBlock uint64 `yaml:"starting_block"`
	Checkpoint    bool   `yaml:"checkpoint"`
}

// EventBusConfig holds EventBus configuration
type EventBusConfig struct {
	// Type is the event bus type: "local", "redis", "kafka"
	Type              string      `yaml:"type"`
	PublishBufferSize int         `yaml:"publish_buffer_size"`
	Redis             RedisConfig `yaml:"redis"`
	Kafka             KafkaConfig `yaml:"kafka"`
}

// RedisConfig holds Redis Pub/Sub relay configuration
type RedisConfig struct {
	Addresses     []string      `yaml:"addresses"`
	Password      string        `yaml:"password,omitempty"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	ClusterMode   bool          `yaml:"cluster_mode"`
}

// KafkaConfig holds Kafka relay configuration
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultQueryTimeout
	}

	// Database defaults
	if c.Database.Engine == "" {
		c.Database.Engine = constants.DefaultDatabaseEngine
	}
	if c.Database.Sqlite.File == "" {
		c.Database.Sqlite.File = constants.DefaultSqliteFile
	}
	if c.Database.Sqlite.MaxOpenConns == 0 {
		c.Database.Sqlite.MaxOpenConns = constants.DefaultMaxOpenConns
	}
	if c.Database.Sqlite.MaxIdleConns == 0 {
		c.Database.Sqlite.MaxIdleConns = constants.DefaultMaxIdleConns
	}
	if c.Database.Pgsql.Port == 0 {
		c.Database.Pgsql.Port = constants.DefaultPgsqlPort
	}
	if c.Database.Pgsql.SSLMode == "" {
		c.Database.Pgsql.SSLMode = "disable"
	}
	if c.Database.Pgsql.MaxOpenConns == 0 {
		c.Database.Pgsql.MaxOpenConns = constants.DefaultMaxOpenConns
	}
	if c.Database.Pgsql.MaxIdleConns == 0 {
		c.Database.Pgsql.MaxIdleConns = constants.DefaultMaxIdleConns
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = constants.DefaultCacheBackend
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Indexer defaults
	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = constants.DefaultBatchSize
	}
	if c.Indexer.Workers == 0 {
		c.Indexer.Workers = constants.DefaultNumWorkers
	}
	if c.Indexer.MaxRetries == 0 {
		c.Indexer.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Indexer.RetryDelay == 0 {
		c.Indexer.RetryDelay = constants.DefaultRetryDelay
	}
	if c.Indexer.PollInterval == 0 {
		c.Indexer.PollInterval = constants.DefaultPollInterval
	}

	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = constants.DefaultAPIHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultAPIPort
	}
	if c.Server.AllowedOrigins == nil {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.RateLimitPerSecond == 0 {
		c.Server.RateLimitPerSecond = constants.DefaultRateLimitPerSecond
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = constants.DefaultRateLimitBurst
	}

	// EventBus defaults
	if c.EventBus.Type == "" {
		c.EventBus.Type = "local"
	}
	if c.EventBus.PublishBufferSize == 0 {
		c.EventBus.PublishBufferSize = constants.DefaultPublishBufferSize
	}
	if c.EventBus.Redis.PoolSize == 0 {
		c.EventBus.Redis.PoolSize = 10
	}
	if c.EventBus.Redis.DialTimeout == 0 {
		c.EventBus.Redis.DialTimeout = 5 * time.Second
	}
	if c.EventBus.Redis.ChannelPrefix == "" {
		c.EventBus.Redis.ChannelPrefix = constants.DefaultRedisChannelPrefix
	}
	if c.EventBus.Kafka.Topic == "" {
		c.EventBus.Kafka.Topic = constants.DefaultKafkaTopic
	}
	if c.EventBus.Kafka.GroupID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "watcher"
		}
		c.EventBus.Kafka.GroupID = "watcher-" + hostname
	}
}

// LoadFromEnv loads configuration from environment variables
// Environment variables take precedence over file configuration
func (c *Config) LoadFromEnv() error {
	// RPC configuration
	if endpoint := os.Getenv("WATCHER_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if timeout := os.Getenv("WATCHER_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}

	// Database configuration
	if engine := os.Getenv("WATCHER_DB_ENGINE"); engine != "" {
		c.Database.Engine = engine
	}
	if file := os.Getenv("WATCHER_DB_SQLITE_FILE"); file != "" {
		c.Database.Sqlite.File = file
	}
	if host := os.Getenv("WATCHER_DB_PGSQL_HOST"); host != "" {
		c.Database.Pgsql.Host = host
	}
	if port := os.Getenv("WATCHER_DB_PGSQL_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_DB_PGSQL_PORT: %w", err)
		}
		c.Database.Pgsql.Port = val
	}
	if user := os.Getenv("WATCHER_DB_PGSQL_USER"); user != "" {
		c.Database.Pgsql.User = user
	}
	if password := os.Getenv("WATCHER_DB_PGSQL_PASSWORD"); password != "" {
		c.Database.Pgsql.Password = password
	}
	if name := os.Getenv("WATCHER_DB_PGSQL_NAME"); name != "" {
		c.Database.Pgsql.Name = name
	}

	// Cache configuration
	if backend := os.Getenv("WATCHER_CACHE_BACKEND"); backend != "" {
		c.Cache.Backend = backend
	}
	if path := os.Getenv("WATCHER_CACHE_PEBBLE_PATH"); path != "" {
		c.Cache.PebblePath = path
	}
	if memory := os.Getenv("WATCHER_CACHE_MEMORY_MB"); memory != "" {
		val, err := strconv.Atoi(memory)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_CACHE_MEMORY_MB: %w", err)
		}
		c.Cache.MemoryMB = val
	}
	if withProof := os.Getenv("WATCHER_CACHE_WITH_PROOF"); withProof != "" {
		val, err := strconv.ParseBool(withProof)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_CACHE_WITH_PROOF: %w", err)
		}
		c.Cache.WithProof = val
	}

	// Log configuration
	if level := os.Getenv("WATCHER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("WATCHER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// Indexer configuration
	if startHeight := os.Getenv("WATCHER_START_HEIGHT"); startHeight != "" {
		val, err := strconv.ParseUint(startHeight, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_START_HEIGHT: %w", err)
		}
		c.Indexer.StartHeight = val
	}
	if batchSize := os.Getenv("WATCHER_BATCH_SIZE"); batchSize != "" {
		val, err := strconv.Atoi(batchSize)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_BATCH_SIZE: %w", err)
		}
		c.Indexer.BatchSize = val
	}
	if workers := os.Getenv("WATCHER_WORKERS"); workers != "" {
		val, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_WORKERS: %w", err)
		}
		c.Indexer.Workers = val
	}

	// Server configuration
	if host := os.Getenv("WATCHER_SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("WATCHER_SERVER_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_SERVER_PORT: %w", err)
		}
		c.Server.Port = val
	}
	if enableCORS := os.Getenv("WATCHER_SERVER_CORS_ENABLED"); enableCORS != "" {
		val, err := strconv.ParseBool(enableCORS)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_SERVER_CORS_ENABLED: %w", err)
		}
		c.Server.EnableCORS = val
	}
	if allowedOrigins := os.Getenv("WATCHER_SERVER_CORS_ALLOWED_ORIGINS"); allowedOrigins != "" {
		origins := splitList(allowedOrigins)
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		c.Server.AllowedOrigins = origins
	}
	if maxRange := os.Getenv("WATCHER_SERVER_MAX_EVENTS_BLOCK_RANGE"); maxRange != "" {
		val, err := strconv.ParseUint(maxRange, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid WATCHER_SERVER_MAX_EVENTS_BLOCK_RANGE: %w", err)
		}
		c.Server.MaxEventsBlockRange = val
	}

	// Watcher configuration
	if kind := os.Getenv("WATCHER_KIND"); kind != "" {
		c.Watcher.Kind = kind
	}

	// EventBus configuration
	if ebType := os.Getenv("WATCHER_EVENTBUS_TYPE"); ebType != "" {
		c.EventBus.Type = ebType
	}
	if redisAddrs := os.Getenv("WATCHER_EVENTBUS_REDIS_ADDRESSES"); redisAddrs != "" {
		c.EventBus.Redis.Addresses = splitList(redisAddrs)
	}
	if redisPassword := os.Getenv("WATCHER_EVENTBUS_REDIS_PASSWORD"); redisPassword != "" {
		c.EventBus.Redis.Password = redisPassword
	}
	if kafkaBrokers := os.Getenv("WATCHER_EVENTBUS_KAFKA_BROKERS"); kafkaBrokers != "" {
		c.EventBus.Kafka.Brokers = splitList(kafkaBrokers)
	}
	if kafkaTopic := os.Getenv("WATCHER_EVENTBUS_KAFKA_TOPIC"); kafkaTopic != "" {
		c.EventBus.Kafka.Topic = kafkaTopic
	}

	return nil
}

func splitList(value string) []string {
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	// Validate database configuration
	switch c.Database.Engine {
	case "sqlite":
		if c.Database.Sqlite.File == "" {
			return fmt.Errorf("sqlite file is required")
		}
	case "pgsql":
		if c.Database.Pgsql.Host == "" {
			return fmt.Errorf("pgsql host is required")
		}
		if c.Database.Pgsql.Name == "" {
			return fmt.Errorf("pgsql database name is required")
		}
	default:
		return fmt.Errorf("invalid database engine %q, must be one of: pgsql, sqlite", c.Database.Engine)
	}

	// Validate cache configuration
	switch c.Cache.Backend {
	case "sql":
	case "pebble":
		if c.Cache.PebblePath == "" {
			return fmt.Errorf("pebble path is required when cache backend is pebble")
		}
	default:
		return fmt.Errorf("invalid cache backend %q, must be one of: sql, pebble", c.Cache.Backend)
	}
	if c.Cache.MemoryMB < 0 {
		return fmt.Errorf("cache memory size cannot be negative")
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	// Validate indexer configuration
	if c.Indexer.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Indexer.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	// Validate server configuration
	if c.Server.Port < constants.MinPort || c.Server.Port > constants.MaxPort {
		return fmt.Errorf("server port must be between %d and %d", constants.MinPort, constants.MaxPort)
	}

	// Validate watcher configuration
	if c.Watcher.Kind == "" {
		return fmt.Errorf("watcher kind is required")
	}
	for i, contract := range c.Watcher.Contracts {
		if !common.IsHexAddress(contract.Address) {
			return fmt.Errorf("watcher contract %d: invalid address %q", i, contract.Address)
		}
		if contract.Kind == "" {
			return fmt.Errorf("watcher contract %d: kind is required", i)
		}
	}

	// Validate EventBus configuration
	validEventBusTypes := map[string]bool{
		"local": true,
		"redis": true,
		"kafka": true,
	}
	if !validEventBusTypes[c.EventBus.Type] {
		return fmt.Errorf("invalid eventbus type %q, must be one of: local, redis, kafka", c.EventBus.Type)
	}
	if c.EventBus.PublishBufferSize <= 0 {
		return fmt.Errorf("eventbus publish buffer size must be positive")
	}
	if c.EventBus.Type == "redis" && len(c.EventBus.Redis.Addresses) == 0 {
		return fmt.Errorf("redis eventbus enabled but no addresses configured")
	}
	if c.EventBus.Type == "kafka" && len(c.EventBus.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka eventbus enabled but no brokers configured")
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg, err := LoadUnvalidated(configFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadUnvalidated runs the Load steps without validation so that callers can apply
// command-line overrides before calling Validate themselves.
func LoadUnvalidated(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	return cfg, nil
}
