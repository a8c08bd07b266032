package api

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/deep-stack/azimuth-watcher/internal/config"
	"github.com/deep-stack/azimuth-watcher/internal/constants"
)

// Config holds API server configuration
type Config struct {
	// Host is the server host (default: localhost)
	Host string

	// Port is the server port (default: 3001)
	Port int

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration

	// EnableCORS enables CORS middleware
	EnableCORS bool

	// AllowedOrigins is a list of allowed CORS origins
	AllowedOrigins []string

	// MaxHeaderBytes is the maximum size of request headers
	MaxHeaderBytes int

	// EnablePlayground serves GraphQL Playground
	EnablePlayground bool

	// GraphQLPath is the GraphQL endpoint path (default: /graphql)
	GraphQLPath string

	// GraphQLPlaygroundPath is the GraphQL playground path (default: /playground)
	GraphQLPlaygroundPath string

	// SubscriptionPath is the GraphQL over WebSocket path (default: /graphql/ws)
	SubscriptionPath string

	// MaxEventsBlockRange bounds eventsInRange queries. 0 disables the bound.
	MaxEventsBlockRange uint64

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration

	// EnableRateLimit enables rate limiting middleware
	EnableRateLimit bool

	// RateLimitPerSecond is the number of requests allowed per second per IP
	// Default: 1000 (generous for development/testing)
	RateLimitPerSecond float64

	// RateLimitBurst is the maximum burst size
	// Default: 2000 (allows temporary spikes)
	RateLimitBurst int
}

// DefaultConfig returns a default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                  constants.DefaultAPIHost,
		Port:                  constants.DefaultAPIPort,
		ReadTimeout:           constants.DefaultReadTimeout,
		WriteTimeout:          constants.DefaultWriteTimeout,
		IdleTimeout:           constants.DefaultIdleTimeout,
		EnableCORS:            true,
		AllowedOrigins:        []string{"*"},
		MaxHeaderBytes:        constants.DefaultMaxHeaderBytes,
		EnablePlayground:      true,
		GraphQLPath:           constants.DefaultGraphQLPath,
		GraphQLPlaygroundPath: constants.DefaultGraphQLPlaygroundPath,
		SubscriptionPath:      constants.DefaultGraphQLSubscriptionPath,
		MaxEventsBlockRange:   constants.DefaultMaxEventsBlockRange,
		ShutdownTimeout:       constants.DefaultShutdownTimeout,
		EnableRateLimit:       false, // Disabled by default for development
		RateLimitPerSecond:    constants.DefaultRateLimitPerSecond,
		RateLimitBurst:        constants.DefaultRateLimitBurst,
	}
}

// ConfigFromServer builds the API configuration from the server section of the watcher config
func ConfigFromServer(sc config.ServerConfig) *Config {
	c := DefaultConfig()
	c.Host = sc.Host
	c.Port = sc.Port
	c.EnableCORS = sc.EnableCORS
	c.AllowedOrigins = sc.AllowedOrigins
	c.EnableRateLimit = sc.EnableRateLimit
	c.RateLimitPerSecond = sc.RateLimitPerSecond
	c.RateLimitBurst = sc.RateLimitBurst
	c.MaxEventsBlockRange = sc.MaxEventsBlockRange
	c.EnablePlayground = sc.EnablePlayground
	return c
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("port must be between %d and %d", constants.MinPort, constants.MaxPort)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle timeout must be positive")
	}
	if c.MaxHeaderBytes <= 0 {
		return errors.New("max header bytes must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.GraphQLPath == "" || c.SubscriptionPath == "" {
		return errors.New("graphql and subscription paths cannot be empty")
	}
	if c.EnablePlayground && c.GraphQLPlaygroundPath == "" {
		return errors.New("playground path cannot be empty")
	}
	if c.EnableRateLimit && (c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0) {
		return errors.New("rate limit and burst must be positive")
	}

	return nil
}

// Address returns the server address in host:port format
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
