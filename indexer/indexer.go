// Package indexer scans the chain for events of watched contracts.
//
// Blocks are processed in order. Each block is written in one transaction:
// its progress row, the decoded events, diff state for checkpoint-enabled
// contracts, and the sync status. Events are published on the EventBus only
// after the transaction commits.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	watcherabi "github.com/deep-stack/azimuth-watcher/abi"
	"github.com/deep-stack/azimuth-watcher/events"
	"github.com/deep-stack/azimuth-watcher/registry"
	"github.com/deep-stack/azimuth-watcher/storage"
)

// Chain defines the chain client operations the indexer needs
type Chain interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	GetBlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	GetChainID(ctx context.Context) (*big.Int, error)
}

// Config holds indexer configuration
type Config struct {
	// StartHeight is the block height to start indexing from.
	// If 0, the lowest starting block of the watched contracts is used.
	StartHeight uint64

	// BatchSize is the number of blocks processed per batch
	BatchSize int

	// Workers is the number of concurrent header and log fetches
	Workers int

	// MaxRetries is the maximum number of retry attempts for failed fetches
	MaxRetries int

	// RetryDelay is the delay between retry attempts
	RetryDelay time.Duration

	// PollInterval is how long to wait once caught up with the chain head
	PollInterval time.Duration
}

// Validate validates the indexer configuration
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}

// Indexer indexes events of watched contracts into the SQL store
type Indexer struct {
	chain    Chain
	store    *storage.SQLStore
	registry *registry.Registry
	bus      *events.EventBus
	pruner   storage.CallPruner
	config   *Config
	logger   *zap.Logger

	signerMu sync.Mutex
	signer   types.Signer
}

// Option configures optional indexer collaborators
type Option func(*Indexer)

// WithEventBus publishes indexed events on bus
func WithEventBus(bus *events.EventBus) Option {
	return func(ix *Indexer) { ix.bus = bus }
}

// WithCallPruner prunes a call cache kept outside the SQL store on Reset
func WithCallPruner(pruner storage.CallPruner) Option {
	return func(ix *Indexer) { ix.pruner = pruner }
}

// New creates an Indexer
func New(chain Chain, store *storage.SQLStore, reg *registry.Registry, config *Config, logger *zap.Logger, opts ...Option) (*Indexer, error) {
	if chain == nil {
		return nil, fmt.Errorf("chain cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ix := &Indexer{
		chain:    chain,
		store:    store,
		registry: reg,
		config:   config,
		logger:   logger.With(zap.String("component", "indexer")),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// watchSet is the contract set of one batch
type watchSet struct {
	decoder   *watcherabi.Decoder
	contracts map[common.Address]*storage.Contract
}

func (w *watchSet) addresses() []common.Address {
	return w.decoder.Addresses()
}

// loadContracts reads the watched contracts so that newly watched ones take effect without restart
func (ix *Indexer) loadContracts(ctx context.Context) (*watchSet, error) {
	rows, err := ix.store.GetContracts(ctx)
	if err != nil {
		return nil, err
	}

	set := &watchSet{
		decoder:   watcherabi.NewDecoder(),
		contracts: make(map[common.Address]*storage.Contract, len(rows)),
	}
	for _, c := range rows {
		kind, err := ix.registry.Kind(c.Kind)
		if err != nil {
			ix.logger.Warn("skipping contract of unknown kind",
				zap.String("address", c.Address),
				zap.String("kind", c.Kind),
			)
			continue
		}
		addr := common.HexToAddress(c.Address)
		set.decoder.Watch(addr, kind)
		set.contracts[addr] = c
	}
	return set, nil
}

// GetNextHeight determines the next block height to index
func (ix *Indexer) GetNextHeight(ctx context.Context) (uint64, error) {
	status, err := ix.store.GetSyncStatus(ctx)
	if err == nil {
		next := status.LatestIndexedBlockNumber + 1
		if ix.config.StartHeight > next {
			next = ix.config.StartHeight
		}
		ix.logger.Info("Continuing from latest indexed block",
			zap.Uint64("latest_height", status.LatestIndexedBlockNumber),
			zap.Uint64("next_height", next),
		)
		return next, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	if ix.config.StartHeight > 0 {
		ix.logger.Info("No blocks indexed yet, starting from configured height",
			zap.Uint64("start_height", ix.config.StartHeight),
		)
		return ix.config.StartHeight, nil
	}

	contracts, err := ix.store.GetContracts(ctx)
	if err != nil {
		return 0, err
	}
	var start uint64
	for i, c := range contracts {
		if i == 0 || c.StartingBlock < start {
			start = c.StartingBlock
		}
	}
	ix.logger.Info("No blocks indexed yet, starting from first contract block",
		zap.Uint64("start_height", start),
	)
	return start, nil
}

// Run indexes new blocks until ctx is cancelled
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Info("Starting indexer",
		zap.Uint64("start_height", ix.config.StartHeight),
		zap.Int("batch_size", ix.config.BatchSize),
		zap.Int("workers", ix.config.Workers),
	)

	nextHeight, err := ix.GetNextHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to determine next height: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("Indexer stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		head, err := ix.chain.GetLatestBlockNumber(ctx)
		if err != nil {
			ix.logger.Error("Failed to get latest block number", zap.Error(err))
			fetchErrorsTotal.Inc()
			ix.sleep(ctx, ix.config.RetryDelay)
			continue
		}
		chainHead.Set(float64(head))

		if nextHeight > head {
			ix.logger.Debug("Caught up with chain",
				zap.Uint64("next_height", nextHeight),
				zap.Uint64("latest_chain_block", head),
			)
			ix.sleep(ctx, ix.config.PollInterval)
			continue
		}

		batchEnd := nextHeight + uint64(ix.config.BatchSize) - 1
		if batchEnd > head {
			batchEnd = head
		}

		if err := ix.processRange(ctx, nextHeight, batchEnd, head); err != nil {
			if ctx.Err() != nil {
				continue
			}
			ix.logger.Error("Failed to process batch",
				zap.Uint64("start", nextHeight),
				zap.Uint64("end", batchEnd),
				zap.Error(err),
			)
			ix.sleep(ctx, ix.config.RetryDelay)
			continue
		}

		nextHeight = batchEnd + 1
	}
}

// ProcessRange indexes blocks from start to end inclusive
func (ix *Indexer) ProcessRange(ctx context.Context, start, end uint64) error {
	if start > end {
		return fmt.Errorf("invalid range: start %d > end %d", start, end)
	}
	head, err := ix.chain.GetLatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest block number: %w", err)
	}
	if end > head {
		return fmt.Errorf("end block %d is above chain head %d", end, head)
	}
	return ix.processRange(ctx, start, end, head)
}

func (ix *Indexer) processRange(ctx context.Context, start, end, head uint64) error {
	started := time.Now()

	set, err := ix.loadContracts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load contracts: %w", err)
	}

	ix.logger.Info("Fetching batch",
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Uint64("size", end-start+1),
		zap.Int("contracts", len(set.contracts)),
	)

	blocks, err := ix.fetchBatch(ctx, start, end, set.addresses())
	if err != nil {
		return err
	}

	headHeader := blocks[len(blocks)-1].header
	if head > end {
		err := ix.retry(ctx, fmt.Sprintf("fetch head header %d", head), func() error {
			var err error
			headHeader, err = ix.chain.HeaderByNumber(ctx, head)
			return err
		})
		if err != nil {
			return err
		}
	}

	numEvents := 0
	for _, b := range blocks {
		n, err := ix.processBlock(ctx, b, set, headHeader)
		if err != nil {
			return fmt.Errorf("failed to process block %d: %w", b.header.Number.Uint64(), err)
		}
		numEvents += n
	}

	batchDuration.Observe(time.Since(started).Seconds())
	ix.logger.Info("Indexed batch",
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Int("events", numEvents),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

// retry runs fn until it succeeds or MaxRetries retries are used up
func (ix *Indexer) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= ix.config.MaxRetries; attempt++ {
		if attempt > 0 {
			ix.logger.Warn("Retrying fetch",
				zap.String("what", what),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", ix.config.MaxRetries),
			)
			if !ix.sleep(ctx, ix.config.RetryDelay) {
				return ctx.Err()
			}
		}

		if err = fn(); err == nil {
			return nil
		}
		fetchErrorsTotal.Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to %s after %d attempts: %w", what, ix.config.MaxRetries+1, err)
}

// sleep waits for d and reports false when ctx ended first
func (ix *Indexer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// txSigner returns the signer used to recover transaction senders
func (ix *Indexer) txSigner(ctx context.Context) (types.Signer, error) {
	ix.signerMu.Lock()
	defer ix.signerMu.Unlock()

	if ix.signer != nil {
		return ix.signer, nil
	}
	chainID, err := ix.chain.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	ix.signer = types.LatestSignerForChainID(chainID)
	return ix.signer, nil
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
