package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deep-stack/azimuth-watcher/events"
	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
	"github.com/deep-stack/azimuth-watcher/storage"
)

// blockData is a fetched block header with the logs of watched contracts
type blockData struct {
	header *types.Header
	logs   []types.Log
}

// extraInfo is stored with every event so that the raw log can be re-decoded
type extraInfo struct {
	Topics []common.Hash `json:"topics"`
	Data   hexutil.Bytes `json:"data"`
	Kind   string        `json:"kind"`
	Height uint64        `json:"blockNumber"`
}

// fetchBatch fetches headers and logs for a block range using up to Workers goroutines.
// The result is ordered by height.
func (ix *Indexer) fetchBatch(ctx context.Context, start, end uint64, addresses []common.Address) ([]*blockData, error) {
	total := int(end - start + 1)
	numbers := make([]uint64, total)
	for i := range numbers {
		numbers[i] = start + uint64(i)
	}

	chunkSize := (total + ix.config.Workers - 1) / ix.config.Workers
	blocks := make([]*blockData, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.Workers)

	for lo := 0; lo < total; lo += chunkSize {
		hi := lo + chunkSize
		if hi > total {
			hi = total
		}

		g.Go(func() error {
			var headers []*types.Header
			err := ix.retry(gctx, fmt.Sprintf("fetch headers %d-%d", numbers[lo], numbers[hi-1]), func() error {
				var err error
				headers, err = ix.chain.BatchGetHeaders(gctx, numbers[lo:hi])
				return err
			})
			if err != nil {
				return err
			}

			for i, header := range headers {
				bd := &blockData{header: header}
				if len(addresses) > 0 {
					hash := header.Hash()
					err := ix.retry(gctx, fmt.Sprintf("fetch logs of block %d", header.Number.Uint64()), func() error {
						logs, err := ix.chain.FilterLogs(gctx, ethereum.FilterQuery{
							BlockHash: &hash,
							Addresses: addresses,
						})
						bd.logs = logs
						return err
					})
					if err != nil {
						return err
					}
				}
				blocks[lo+i] = bd
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// processBlock decodes and stores one block and publishes its events.
// It returns the number of events indexed.
func (ix *Indexer) processBlock(ctx context.Context, b *blockData, set *watchSet, head *types.Header) (int, error) {
	started := time.Now()
	header := b.header
	number := header.Number.Uint64()
	blockHash := header.Hash().Hex()

	rows, published, err := ix.decodeEvents(ctx, b, set)
	if err != nil {
		return 0, err
	}

	status, err := ix.store.GetSyncStatus(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	if status == nil {
		status = &storage.SyncStatus{
			InitialIndexedBlockHash:   blockHash,
			InitialIndexedBlockNumber: number,
		}
	}
	status.ChainHeadBlockHash = head.Hash().Hex()
	status.ChainHeadBlockNumber = head.Number.Uint64()
	status.LatestIndexedBlockHash = blockHash
	status.LatestIndexedBlockNumber = number
	status.LatestProcessedBlockHash = blockHash
	status.LatestProcessedBlockNumber = number
	status.LatestCanonicalBlockHash = blockHash
	status.LatestCanonicalBlockNumber = number

	stateStatus, err := ix.store.GetStateSyncStatus(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	if stateStatus == nil {
		stateStatus = &storage.StateSyncStatus{}
	}
	stateStatus.LatestIndexedBlockNumber = number

	err = ix.store.RunInTx(ctx, func(tx *sqlx.Tx) error {
		err := ix.store.SaveBlockProgress(ctx, tx, &storage.BlockProgress{
			BlockHash:          blockHash,
			BlockNumber:        number,
			ParentHash:         header.ParentHash.Hex(),
			BlockTimestamp:     header.Time,
			NumEvents:          uint64(len(rows)),
			NumProcessedEvents: uint64(len(rows)),
			IsComplete:         true,
		})
		if err != nil {
			return err
		}
		if err := ix.store.SaveEvents(ctx, tx, rows); err != nil {
			return err
		}
		if _, err := ix.saveDiffStates(ctx, tx, blockHash, number, rows, set); err != nil {
			return err
		}
		if err := ix.store.SaveSyncStatus(ctx, tx, status); err != nil {
			return err
		}
		return ix.store.SaveStateSyncStatus(ctx, tx, stateStatus)
	})
	if err != nil {
		return 0, err
	}

	blocksProcessedTotal.Inc()
	latestIndexedBlock.Set(float64(number))
	blockDuration.Observe(time.Since(started).Seconds())

	if ix.bus != nil {
		for _, ev := range published {
			eventsIndexedTotal.WithLabelValues(ev.Kind, ev.EventName).Inc()
			if !ix.bus.Publish(ev) {
				ix.logger.Warn("event bus full, dropped event",
					zap.Uint64("block_number", number),
					zap.String("event", ev.EventName),
				)
			}
		}
		ix.bus.Publish(&events.BlockProcessedEvent{
			BlockHash:   blockHash,
			BlockNumber: number,
			NumEvents:   len(rows),
			CreatedAt:   time.Now(),
		})
	} else {
		for _, ev := range published {
			eventsIndexedTotal.WithLabelValues(ev.Kind, ev.EventName).Inc()
		}
	}

	if len(rows) > 0 {
		ix.logger.Debug("Stored block",
			zap.Uint64("height", number),
			zap.String("hash", blockHash),
			zap.Int("events", len(rows)),
		)
	}
	return len(rows), nil
}

// decodeEvents turns the logs of a block into event rows and bus events.
// Logs of contracts not yet at their starting block and logs of unknown events are skipped.
func (ix *Indexer) decodeEvents(ctx context.Context, b *blockData, set *watchSet) ([]*storage.Event, []*events.ContractEvent, error) {
	if len(b.logs) == 0 {
		return nil, nil, nil
	}

	header := b.header
	number := header.Number.Uint64()

	var (
		block *types.Block
		txs   map[common.Hash]*types.Transaction
	)

	rows := make([]*storage.Event, 0, len(b.logs))
	published := make([]*events.ContractEvent, 0, len(b.logs))
	for i := range b.logs {
		log := &b.logs[i]

		contract, ok := set.contracts[log.Address]
		if !ok || number < contract.StartingBlock {
			continue
		}

		decoded, err := set.decoder.DecodeLog(log)
		if err != nil {
			ix.logger.Warn("skipping undecodable log",
				zap.Uint64("block_number", number),
				zap.String("contract", log.Address.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err),
			)
			continue
		}

		if block == nil {
			hash := header.Hash()
			err := ix.retry(ctx, fmt.Sprintf("fetch block %d", number), func() error {
				var err error
				block, err = ix.chain.GetBlockByHash(ctx, hash)
				return err
			})
			if err != nil {
				return nil, nil, err
			}
			txs = make(map[common.Hash]*types.Transaction, len(block.Transactions()))
			for _, tx := range block.Transactions() {
				txs[tx.Hash()] = tx
			}
		}

		txFrom, txTo, err := ix.txParties(ctx, txs[log.TxHash])
		if err != nil {
			return nil, nil, err
		}

		eventInfo, err := jsonbig.MarshalString(decoded.Args)
		if err != nil {
			return nil, nil, err
		}
		extra, err := jsonbig.MarshalString(extraInfo{
			Topics: log.Topics,
			Data:   log.Data,
			Kind:   decoded.Kind,
			Height: number,
		})
		if err != nil {
			return nil, nil, err
		}
		proof, err := eventProof(log)
		if err != nil {
			return nil, nil, err
		}

		address := lowerHex(log.Address)
		rows = append(rows, &storage.Event{
			BlockHash:   log.BlockHash.Hex(),
			BlockNumber: number,
			TxHash:      log.TxHash.Hex(),
			TxIndex:     uint64(log.TxIndex),
			TxFrom:      txFrom,
			TxTo:        txTo,
			EventIndex:  uint64(log.Index),
			Contract:    address,
			EventName:   decoded.EventName,
			EventInfo:   eventInfo,
			ExtraInfo:   extra,
			Proof:       proof,
		})
		published = append(published, &events.ContractEvent{
			BlockHash:       log.BlockHash.Hex(),
			BlockNumber:     number,
			BlockParentHash: header.ParentHash.Hex(),
			BlockTimestamp:  header.Time,
			TxHash:          log.TxHash.Hex(),
			TxIndex:         uint64(log.TxIndex),
			TxFrom:          txFrom,
			TxTo:            txTo,
			Contract:        address,
			Kind:            decoded.Kind,
			EventIndex:      uint64(log.Index),
			EventName:       decoded.EventName,
			Args:            decoded.Args,
			CreatedAt:       time.Now(),
		})
	}
	return rows, published, nil
}

// txParties returns the lower-case sender and recipient of a transaction
func (ix *Indexer) txParties(ctx context.Context, tx *types.Transaction) (string, string, error) {
	if tx == nil {
		return "", "", nil
	}

	signer, err := ix.txSigner(ctx)
	if err != nil {
		return "", "", err
	}

	var from, to string
	if sender, err := types.Sender(signer, tx); err == nil {
		from = lowerHex(sender)
	} else {
		ix.logger.Warn("failed to recover tx sender", zap.String("tx", tx.Hash().Hex()), zap.Error(err))
	}
	if tx.To() != nil {
		to = lowerHex(*tx.To())
	}
	return from, to, nil
}

// eventProof serializes the location of a log as the event's proof
func eventProof(log *types.Log) (string, error) {
	data, err := jsonbig.MarshalString(map[string]interface{}{
		"blockHash": log.BlockHash.Hex(),
		"txHash":    log.TxHash.Hex(),
		"logIndex":  log.Index,
	})
	if err != nil {
		return "", err
	}
	return jsonbig.MarshalString(map[string]string{"data": data})
}
