package indexer

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/storage"
)

// WatchContract adds or updates a watched contract. It is picked up at the next batch.
func (ix *Indexer) WatchContract(ctx context.Context, address, kind string, checkpoint bool, startingBlock uint64) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid contract address %q", address)
	}
	if _, err := ix.registry.Kind(kind); err != nil {
		return err
	}

	c := &storage.Contract{
		Address:       strings.ToLower(common.HexToAddress(address).Hex()),
		Kind:          kind,
		Checkpoint:    checkpoint,
		StartingBlock: startingBlock,
	}
	if err := ix.store.UpsertContract(ctx, c); err != nil {
		return err
	}

	ix.logger.Info("watching contract",
		zap.String("address", c.Address),
		zap.String("kind", kind),
		zap.Bool("checkpoint", checkpoint),
		zap.Uint64("starting_block", startingBlock),
	)
	return nil
}

// Reset rewinds the watcher to blockNumber. Events, blocks, state and cached calls above it
// are deleted and the sync status points at it.
func (ix *Indexer) Reset(ctx context.Context, blockNumber uint64) error {
	if err := ix.store.ResetTo(ctx, blockNumber); err != nil {
		return fmt.Errorf("failed to reset to block %d: %w", blockNumber, err)
	}

	if ix.pruner != nil {
		if _, err := ix.pruner.PruneCalls(ctx, blockNumber); err != nil {
			return fmt.Errorf("failed to prune call cache: %w", err)
		}
	}

	latestIndexedBlock.Set(float64(blockNumber))
	return nil
}
