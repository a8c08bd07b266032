package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 3001

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout.
	// View calls on a cold cache go upstream, so this is longer than the read timeout.
	DefaultWriteTimeout = 60 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20

	// DefaultRateLimitPerSecond is the default rate limit (requests per second)
	DefaultRateLimitPerSecond = 1000

	// DefaultRateLimitBurst is the default rate limit burst size
	DefaultRateLimitBurst = 2000

	// DefaultMaxEventsBlockRange bounds eventsInRange queries. 0 disables the bound.
	DefaultMaxEventsBlockRange = 1000
)

// API Paths
const (
	DefaultGraphQLPath             = "/graphql"
	DefaultGraphQLPlaygroundPath   = "/playground"
	DefaultGraphQLSubscriptionPath = "/graphql/ws"
)

// Request headers recorded with every GraphQL query
const (
	HeaderAPIKey = "X-API-KEY"
	HeaderOrigin = "Origin"
)

// Indexer Constants
const (
	// DefaultNumWorkers is the number of goroutines fetching headers and logs for a batch
	DefaultNumWorkers = 10

	// DefaultBatchSize is the number of blocks processed per batch
	DefaultBatchSize = 50

	// DefaultMaxRetries is the default maximum number of retries for failed fetches
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the default delay between retries
	DefaultRetryDelay = 5 * time.Second

	// DefaultPollInterval is how long the indexer sleeps once it has caught up with the chain head
	DefaultPollInterval = 10 * time.Second
)

// Database Constants
const (
	DefaultDatabaseEngine = "sqlite"
	DefaultSqliteFile     = "./watcher.db"
	DefaultPgsqlPort      = 5432
	DefaultMaxOpenConns   = 50
	DefaultMaxIdleConns   = 10
)

// Cache Constants
const (
	DefaultCacheBackend = "sql"

	// DefaultCacheMemoryMB sizes the in-memory tier in front of the call cache. 0 disables it.
	DefaultCacheMemoryMB = 64

	// MinFreecacheSize is the smallest size freecache accepts (512 KB)
	MinFreecacheSize = 512 * 1024
)

// Pebble Constants
const (
	// DefaultPebbleCacheSize is the default block cache size in MB for PebbleDB
	DefaultPebbleCacheSize = 64

	// DefaultPebbleMaxOpenFiles is the default maximum number of open files for PebbleDB
	DefaultPebbleMaxOpenFiles = 500
)

// Query Constants
const (
	// DefaultQueryTimeout is the default timeout for RPC queries
	DefaultQueryTimeout = 30 * time.Second
)

// WebSocket Constants
const (
	DefaultWSReadBufferSize  = 1024
	DefaultWSWriteBufferSize = 1024
	DefaultWSPongTimeout     = 60 * time.Second
	DefaultWSWriteTimeout    = 10 * time.Second
)

// EventBus Constants
const (
	// DefaultPublishBufferSize is the size of the EventBus publish channel
	DefaultPublishBufferSize = 1000

	// DefaultSubscribeBufferSize is the size of the EventBus subscribe channel
	DefaultSubscribeBufferSize = 100

	// DefaultSubscriptionChannelSize is the per-subscriber event buffer
	DefaultSubscriptionChannelSize = 100

	// DefaultRedisChannelPrefix is the prefix for Redis Pub/Sub channels
	DefaultRedisChannelPrefix = "watcher:events"

	// DefaultKafkaTopic is the Kafka topic events are mirrored to
	DefaultKafkaTopic = "watcher-events"
)

// Size Constants
const (
	BytesPerKB = 1024
	BytesPerMB = 1024 * BytesPerKB
)
