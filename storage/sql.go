package storage

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	// database drivers
	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/pgsql/*.sql
var embedPgsqlSchema embed.FS

//go:embed migrations/sqlite/*.sql
var embedSqliteSchema embed.FS

// Engine is a relational database engine
type Engine string

// Supported engines
const (
	EnginePgsql  Engine = "pgsql"
	EngineSqlite Engine = "sqlite"
	// EngineAny marks the fallback query in an engine query map
	EngineAny Engine = "any"
)

// SQLConfig holds relational store connection settings
type SQLConfig struct {
	Engine Engine

	// SqliteFile is the database file for the sqlite engine
	SqliteFile string

	// PgsqlDSN is the connection string for the pgsql engine
	PgsqlDSN string

	MaxOpenConns int
	MaxIdleConns int
}

// Validate checks the configuration
func (c *SQLConfig) Validate() error {
	switch c.Engine {
	case EngineSqlite:
		if c.SqliteFile == "" {
			return fmt.Errorf("sqlite file cannot be empty")
		}
	case EnginePgsql:
		if c.PgsqlDSN == "" {
			return fmt.Errorf("pgsql dsn cannot be empty")
		}
	default:
		return fmt.Errorf("unknown database engine type: %s", c.Engine)
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("connection limits cannot be negative")
	}
	return nil
}

// SQLStore is the relational store shared by the call cache, the indexer and the GraphQL API
type SQLStore struct {
	db     *sqlx.DB
	engine Engine
	logger *zap.Logger
	closed atomic.Bool

	// sqlite allows a single writer
	writerMutex sync.Mutex
}

// NewSQLStore opens the database and applies the embedded schema
func NewSQLStore(ctx context.Context, cfg *SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 50
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 10
	}
	if maxOpen < maxIdle {
		maxIdle = maxOpen
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Engine {
	case EngineSqlite:
		logger.Info("initializing sqlite connection",
			zap.String("file", cfg.SqliteFile),
			zap.Int("maxIdleConns", maxIdle),
			zap.Int("maxOpenConns", maxOpen),
		)
		db, err = sqlx.Open("sqlite", fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)", cfg.SqliteFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		db.SetConnMaxIdleTime(0)
		db.SetConnMaxLifetime(0)
	case EnginePgsql:
		logger.Info("initializing pgsql connection",
			zap.Int("maxIdleConns", maxIdle),
			zap.Int("maxOpenConns", maxOpen),
		)
		db, err = sqlx.Open("pgx", cfg.PgsqlDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open pgsql database: %w", err)
		}
		db.SetConnMaxIdleTime(30 * time.Second)
		db.SetConnMaxLifetime(60 * time.Second)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{
		db:     db,
		engine: cfg.Engine,
		logger: logger.With(zap.String("component", "storage")),
	}

	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) applySchema() error {
	var dialect, dir string
	switch s.engine {
	case EnginePgsql:
		goose.SetBaseFS(embedPgsqlSchema)
		dialect = "postgres"
		dir = "migrations/pgsql"
	case EngineSqlite:
		goose.SetBaseFS(embedSqliteSchema)
		dialect = "sqlite3"
		dir = "migrations/sqlite"
	default:
		return fmt.Errorf("unknown database engine type: %s", s.engine)
	}

	goose.SetLogger(gooseLogger{s.logger.Sugar()})
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(s.db.DB, dir, goose.WithAllowMissing())
}

// gooseLogger sends migration output to zap instead of the standard logger
type gooseLogger struct {
	log *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Fatalf(strings.TrimSuffix(format, "\n"), v...)
}

// Engine returns the database engine
func (s *SQLStore) Engine() Engine {
	return s.engine
}

// DB returns the underlying connection pool
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// engineQuery picks the query for the store's engine, falling back to EngineAny
func (s *SQLStore) engineQuery(queries map[Engine]string) string {
	if q := queries[s.engine]; q != "" {
		return q
	}
	return queries[EngineAny]
}

// RunInTx runs handler in a transaction. The transaction is rolled back when handler
// fails and committed otherwise. Writers are serialized on sqlite.
func (s *SQLStore) RunInTx(ctx context.Context, handler func(tx *sqlx.Tx) error) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	if s.engine == EngineSqlite {
		s.writerMutex.Lock()
		defer s.writerMutex.Unlock()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting db transaction: %w", err)
	}

	// no-op after a successful commit
	defer tx.Rollback()

	if err := handler(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing db transaction: %w", err)
	}
	return nil
}
