package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/internal/constants"
)

// PebbleConfig holds pebble call cache configuration
type PebbleConfig struct {
	// Path to the database directory
	Path string

	// Cache size in MB
	Cache int

	// MaxOpenFiles is the maximum number of open files
	MaxOpenFiles int

	// ReadOnly opens the database in read-only mode
	ReadOnly bool
}

// DefaultPebbleConfig returns a default configuration
func DefaultPebbleConfig(path string) *PebbleConfig {
	return &PebbleConfig{
		Path:         path,
		Cache:        constants.DefaultPebbleCacheSize,
		MaxOpenFiles: constants.DefaultPebbleMaxOpenFiles,
	}
}

// Validate checks if the configuration is valid
func (c *PebbleConfig) Validate() error {
	if c.Path == "" {
		return errors.New("path cannot be empty")
	}
	if c.Cache < 0 {
		return errors.New("cache size cannot be negative")
	}
	if c.MaxOpenFiles < 0 {
		return errors.New("max open files cannot be negative")
	}
	return nil
}

// PebbleCallStore is a CallStore on PebbleDB
type PebbleCallStore struct {
	db     *pebble.DB
	config *PebbleConfig
	logger *zap.Logger
	closed atomic.Bool

	// serializes the read-check-write of PutIfAbsent
	writeMu sync.Mutex
}

// NewPebbleCallStore opens a pebble call cache
func NewPebbleCallStore(cfg *PebbleConfig, logger *zap.Logger) (*PebbleCallStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cfg.Cache) << 20),
		MaxOpenFiles: cfg.MaxOpenFiles,
		ReadOnly:     cfg.ReadOnly,
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleCallStore{
		db:     db,
		config: cfg,
		logger: logger.With(zap.String("component", "pebble-call-store")),
	}, nil
}

func (s *PebbleCallStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *PebbleCallStore) ensureNotReadOnly() error {
	if s.config.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Close closes the storage and releases resources
func (s *PebbleCallStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// GetCall returns the cached call for key
func (s *PebbleCallStore) GetCall(ctx context.Context, key CallKey) (*CallRow, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	if err := ValidateCallKey(key); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(CallKeyBytes(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cached call: %w", err)
	}
	defer closer.Close()

	return DecodeCallRow(value)
}

// PutIfAbsent stores row with its block number index entry unless the key exists
func (s *PebbleCallStore) PutIfAbsent(ctx context.Context, row *CallRow) (*CallRow, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	if err := s.ensureNotReadOnly(); err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("row cannot be nil")
	}

	key := row.Key()
	if err := ValidateCallKey(key); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.GetCall(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	value, err := EncodeCallRow(row)
	if err != nil {
		return nil, err
	}

	primary := CallKeyBytes(key)
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(primary, value, nil); err != nil {
		return nil, fmt.Errorf("failed to set cached call: %w", err)
	}
	// the index value is the primary key so prune never parses keys
	if err := batch.Set(CallNumberIndexKey(row.BlockNumber, key), primary, nil); err != nil {
		return nil, fmt.Errorf("failed to set call index: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit cached call: %w", err)
	}

	stored := *row
	return &stored, nil
}

// PruneCalls deletes every cached call above aboveBlock and returns how many were removed
func (s *PebbleCallStore) PruneCalls(ctx context.Context, aboveBlock uint64) (int, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}
	if err := s.ensureNotReadOnly(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: CallNumberLowerBound(aboveBlock + 1),
		UpperBound: CallNumberUpperBound(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Close()
			return 0, err
		}

		indexKey := append([]byte(nil), iter.Key()...)
		primary := append([]byte(nil), iter.Value()...)
		if err := batch.Delete(primary, nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("failed to delete cached call: %w", err)
		}
		if err := batch.Delete(indexKey, nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("failed to delete call index: %w", err)
		}
		count++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to iterate call index: %w", err)
	}

	if count == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	s.logger.Info("pruned cached calls", zap.Uint64("aboveBlock", aboveBlock), zap.Int("count", count))
	return count, nil
}
