package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/cache"
	"github.com/deep-stack/azimuth-watcher/client"
	"github.com/deep-stack/azimuth-watcher/events"
	"github.com/deep-stack/azimuth-watcher/indexer"
	"github.com/deep-stack/azimuth-watcher/internal/config"
	"github.com/deep-stack/azimuth-watcher/internal/constants"
	"github.com/deep-stack/azimuth-watcher/internal/logger"
	"github.com/deep-stack/azimuth-watcher/registry"
	"github.com/deep-stack/azimuth-watcher/storage"
)

// app holds the components shared by the subcommands
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	client   *client.Client
	store    *storage.SQLStore
	calls    storage.CallStore
	pebble   *storage.PebbleCallStore
	registry *registry.Registry
	indexer  *indexer.Indexer
	bus      *events.EventBus
	relay    *events.Relay
}

// loadDotEnv loads environment variables from .env files, if present.
// Existing environment variables are not overridden.
func loadDotEnv() {
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}
}

// loadConfig resolves the configuration from file, environment and the persistent flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loadDotEnv()

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadUnvalidated(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags set on the command line
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			return
		}
		if v, err := flags.GetString(name); err == nil {
			*dst = v
		}
	}

	override("rpc", &cfg.RPC.Endpoint)
	override("db-engine", &cfg.Database.Engine)
	override("sqlite-file", &cfg.Database.Sqlite.File)
	override("kind", &cfg.Watcher.Kind)
	override("log-level", &cfg.Log.Level)
	override("log-format", &cfg.Log.Format)
}

// newApp opens the stores and the RPC client and creates the indexer.
// The event bus is created only when withBus is set.
func newApp(ctx context.Context, cmd *cobra.Command, withBus bool) (a *app, err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	log.Info("starting azimuth watcher",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("command", cmd.Name()),
	)

	a.store, err = storage.NewSQLStore(ctx, sqlConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("database opened", zap.String("engine", cfg.Database.Engine))

	a.calls = a.store
	if cfg.Cache.Backend == "pebble" {
		a.pebble, err = storage.NewPebbleCallStore(storage.DefaultPebbleConfig(cfg.Cache.PebblePath), log)
		if err != nil {
			return nil, fmt.Errorf("failed to open call store: %w", err)
		}
		a.calls = a.pebble
		log.Info("pebble call store opened", zap.String("path", cfg.Cache.PebblePath))
	}

	a.client, err = client.NewClient(&client.Config{
		Endpoint: cfg.RPC.Endpoint,
		Timeout:  cfg.RPC.Timeout,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if chainID, err := a.client.GetChainID(ctx); err == nil {
		log.Info("connected to Ethereum node",
			zap.String("endpoint", cfg.RPC.Endpoint),
			zap.String("chain_id", chainID.String()),
		)
	} else {
		log.Warn("failed to get chain ID", zap.Error(err))
	}

	a.registry, err = registry.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load contract kinds: %w", err)
	}

	opts := []indexer.Option{}
	if withBus {
		if err := a.startEventBus(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, indexer.WithEventBus(a.bus))
	}
	if a.pebble != nil {
		opts = append(opts, indexer.WithCallPruner(a.pebble))
	}

	a.indexer, err = indexer.New(a.client, a.store, a.registry, &indexer.Config{
		StartHeight:  cfg.Indexer.StartHeight,
		BatchSize:    cfg.Indexer.BatchSize,
		Workers:      cfg.Indexer.Workers,
		MaxRetries:   cfg.Indexer.MaxRetries,
		RetryDelay:   cfg.Indexer.RetryDelay,
		PollInterval: cfg.Indexer.PollInterval,
	}, log, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	return a, nil
}

func sqlConfig(cfg *config.Config) *storage.SQLConfig {
	if cfg.Database.Engine == string(storage.EnginePgsql) {
		return &storage.SQLConfig{
			Engine:       storage.EnginePgsql,
			PgsqlDSN:     cfg.Database.Pgsql.DSN(),
			MaxOpenConns: cfg.Database.Pgsql.MaxOpenConns,
			MaxIdleConns: cfg.Database.Pgsql.MaxIdleConns,
		}
	}
	return &storage.SQLConfig{
		Engine:       storage.EngineSqlite,
		SqliteFile:   cfg.Database.Sqlite.File,
		MaxOpenConns: cfg.Database.Sqlite.MaxOpenConns,
		MaxIdleConns: cfg.Database.Sqlite.MaxIdleConns,
	}
}

// startEventBus runs the event bus and, for the redis and kafka types, a relay
// sharing its events with the other watcher processes
func (a *app) startEventBus(ctx context.Context) error {
	ebCfg := a.cfg.EventBus
	a.bus = events.NewEventBus(ebCfg.PublishBufferSize, constants.DefaultSubscribeBufferSize)
	a.bus.SetMetrics(events.NewMetrics("watcher", "eventbus"))
	go a.bus.Run()

	var transport events.Transport
	switch ebCfg.Type {
	case "redis":
		t, err := events.NewRedisTransport(ctx, events.RedisConfig{
			Addresses:     ebCfg.Redis.Addresses,
			Password:      ebCfg.Redis.Password,
			DB:            ebCfg.Redis.DB,
			PoolSize:      ebCfg.Redis.PoolSize,
			DialTimeout:   ebCfg.Redis.DialTimeout,
			ChannelPrefix: ebCfg.Redis.ChannelPrefix,
			ClusterMode:   ebCfg.Redis.ClusterMode,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		transport = t
	case "kafka":
		t, err := events.NewKafkaTransport(events.KafkaConfig{
			Brokers: ebCfg.Kafka.Brokers,
			Topic:   ebCfg.Kafka.Topic,
			GroupID: ebCfg.Kafka.GroupID,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka transport: %w", err)
		}
		transport = t
	default:
		a.log.Info("event bus started", zap.String("type", "local"))
		return nil
	}

	relay, err := events.NewRelay(a.bus, transport, nodeID(), a.log)
	if err != nil {
		return fmt.Errorf("failed to create event relay: %w", err)
	}
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event relay: %w", err)
	}
	a.relay = relay

	a.log.Info("event bus started", zap.String("type", ebCfg.Type))
	return nil
}

// nodeID identifies this process to the relay so it skips its own events
func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "watcher"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// watchConfigured registers the contracts listed in the configuration
func (a *app) watchConfigured(ctx context.Context) error {
	for _, c := range a.cfg.Watcher.Contracts {
		address := strings.ToLower(c.Address)
		if err := a.indexer.WatchContract(ctx, address, c.Kind, c.Checkpoint, c.StartingBlock); err != nil {
			return fmt.Errorf("failed to watch contract %s: %w", c.Address, err)
		}
		a.log.Info("watching contract",
			zap.String("address", address),
			zap.String("kind", c.Kind),
			zap.Uint64("starting_block", c.StartingBlock),
		)
	}
	return nil
}

// newCachedCall creates the cached call for the configured kind
func (a *app) newCachedCall() (*cache.CachedCall, error) {
	kind, err := a.registry.Kind(a.cfg.Watcher.Kind)
	if err != nil {
		return nil, err
	}
	return cache.New(kind, a.client, a.calls, &cache.Config{
		MemoryMB:  a.cfg.Cache.MemoryMB,
		WithProof: a.cfg.Cache.WithProof,
	}, a.log)
}

// close releases everything newApp opened
func (a *app) close() error {
	var err error
	if a.relay != nil {
		err = multierr.Append(err, a.relay.Stop())
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.pebble != nil {
		err = multierr.Append(err, a.pebble.Close())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
	return err
}
