package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// UpsertContract inserts or replaces a watched contract
func (s *SQLStore) UpsertContract(ctx context.Context, c *Contract) error {
	return s.RunInTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.engineQuery(map[Engine]string{
			EnginePgsql: `
				INSERT INTO contract (address, kind, checkpoint, starting_block)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (address) DO UPDATE SET
					kind = excluded.kind,
					checkpoint = excluded.checkpoint,
					starting_block = excluded.starting_block`,
			EngineSqlite: `
				INSERT OR REPLACE INTO contract (address, kind, checkpoint, starting_block)
				VALUES ($1, $2, $3, $4)`,
		}), c.Address, c.Kind, c.Checkpoint, c.StartingBlock)
		if err != nil {
			return fmt.Errorf("failed to upsert contract %s: %w", c.Address, err)
		}
		return nil
	})
}

// GetContracts returns all watched contracts
func (s *SQLStore) GetContracts(ctx context.Context) ([]*Contract, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	contracts := []*Contract{}
	err := s.db.SelectContext(ctx, &contracts, `
		SELECT address, kind, checkpoint, starting_block
		FROM contract
		ORDER BY address ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get contracts: %w", err)
	}
	return contracts, nil
}

// GetContract returns a watched contract by address
func (s *SQLStore) GetContract(ctx context.Context, address string) (*Contract, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	c := &Contract{}
	err := s.db.GetContext(ctx, c, `
		SELECT address, kind, checkpoint, starting_block
		FROM contract
		WHERE address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract %s: %w", address, err)
	}
	return c, nil
}

// SaveBlockProgress inserts or replaces a block progress row
func (s *SQLStore) SaveBlockProgress(ctx context.Context, tx *sqlx.Tx, bp *BlockProgress) error {
	_, err := tx.ExecContext(ctx, s.engineQuery(map[Engine]string{
		EnginePgsql: `
			INSERT INTO block_progress (
				block_hash, block_number, parent_hash, block_timestamp,
				num_events, num_processed_events, is_complete, is_pruned
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (block_hash) DO UPDATE SET
				num_events = excluded.num_events,
				num_processed_events = excluded.num_processed_events,
				is_complete = excluded.is_complete,
				is_pruned = excluded.is_pruned`,
		EngineSqlite: `
			INSERT OR REPLACE INTO block_progress (
				block_hash, block_number, parent_hash, block_timestamp,
				num_events, num_processed_events, is_complete, is_pruned
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	}),
		bp.BlockHash, bp.BlockNumber, bp.ParentHash, bp.BlockTimestamp,
		bp.NumEvents, bp.NumProcessedEvents, bp.IsComplete, bp.IsPruned)
	if err != nil {
		return fmt.Errorf("failed to save block progress %d: %w", bp.BlockNumber, err)
	}
	return nil
}

const selectBlockProgress = `
	SELECT block_hash, block_number, parent_hash, block_timestamp,
		num_events, num_processed_events, is_complete, is_pruned
	FROM block_progress`

// GetBlockProgress returns the progress row of a block
func (s *SQLStore) GetBlockProgress(ctx context.Context, blockHash string) (*BlockProgress, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	bp := &BlockProgress{}
	err := s.db.GetContext(ctx, bp, selectBlockProgress+` WHERE block_hash = $1`, blockHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block progress %s: %w", blockHash, err)
	}
	return bp, nil
}

// GetBlocksInRange returns the non-pruned progress rows between two heights, ascending
func (s *SQLStore) GetBlocksInRange(ctx context.Context, from, to uint64) ([]*BlockProgress, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	blocks := []*BlockProgress{}
	err := s.db.SelectContext(ctx, &blocks, selectBlockProgress+`
		WHERE block_number >= $1 AND block_number <= $2 AND is_pruned = $3
		ORDER BY block_number ASC`, from, to, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get blocks in range %d-%d: %w", from, to, err)
	}
	return blocks, nil
}

// eventInsertBatch bounds the rows of one INSERT so a busy block stays under the
// bind parameter limits of both engines
const eventInsertBatch = 500

// SaveEvents inserts events, skipping ones already stored for the same block and log index
func (s *SQLStore) SaveEvents(ctx context.Context, tx *sqlx.Tx, events []*Event) error {
	for start := 0; start < len(events); start += eventInsertBatch {
		end := start + eventInsertBatch
		if end > len(events) {
			end = len(events)
		}
		if err := s.insertEvents(ctx, tx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) insertEvents(ctx context.Context, tx *sqlx.Tx, events []*Event) error {
	var query strings.Builder
	fmt.Fprint(&query, s.engineQuery(map[Engine]string{
		EnginePgsql:  "INSERT INTO event ",
		EngineSqlite: "INSERT OR IGNORE INTO event ",
	}),
		"(block_hash, block_number, tx_hash, tx_index, tx_from, tx_to, event_index, contract, event_name, event_info, extra_info, proof)",
		" VALUES ",
	)

	const fieldCount = 12
	args := make([]any, 0, len(events)*fieldCount)
	for i, e := range events {
		if i > 0 {
			fmt.Fprint(&query, ", ")
		}
		fmt.Fprint(&query, "(")
		for f := 0; f < fieldCount; f++ {
			if f > 0 {
				fmt.Fprint(&query, ", ")
			}
			fmt.Fprintf(&query, "$%d", i*fieldCount+f+1)
		}
		fmt.Fprint(&query, ")")

		args = append(args,
			e.BlockHash, e.BlockNumber, e.TxHash, e.TxIndex, e.TxFrom, e.TxTo,
			e.EventIndex, e.Contract, e.EventName, e.EventInfo, e.ExtraInfo, e.Proof)
	}
	fmt.Fprint(&query, s.engineQuery(map[Engine]string{
		EnginePgsql:  " ON CONFLICT (block_hash, event_index) DO NOTHING",
		EngineSqlite: "",
	}))

	if _, err := tx.ExecContext(ctx, query.String(), args...); err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(events), err)
	}
	return nil
}

const selectEvent = `
	SELECT id, block_hash, block_number, tx_hash, tx_index, tx_from, tx_to,
		event_index, contract, event_name, event_info, extra_info, proof
	FROM event`

// GetEvents returns the events of a block, optionally filtered by contract and event name
func (s *SQLStore) GetEvents(ctx context.Context, blockHash, contract, name string) ([]*Event, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var query strings.Builder
	args := []any{blockHash}
	fmt.Fprint(&query, selectEvent, ` WHERE block_hash = $1`)
	if contract != "" {
		args = append(args, contract)
		fmt.Fprintf(&query, ` AND contract = $%d`, len(args))
	}
	if name != "" {
		args = append(args, name)
		fmt.Fprintf(&query, ` AND event_name = $%d`, len(args))
	}
	fmt.Fprint(&query, ` ORDER BY event_index ASC`)

	events := []*Event{}
	if err := s.db.SelectContext(ctx, &events, query.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to get events for block %s: %w", blockHash, err)
	}
	return events, nil
}

// GetEventsInRange returns the events between two heights, ordered by block and log index
func (s *SQLStore) GetEventsInRange(ctx context.Context, from, to uint64) ([]*Event, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	events := []*Event{}
	err := s.db.SelectContext(ctx, &events, selectEvent+`
		WHERE block_number >= $1 AND block_number <= $2
		ORDER BY block_number ASC, event_index ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get events in range %d-%d: %w", from, to, err)
	}
	return events, nil
}

// GetSyncStatus returns the indexer sync status, or ErrNotFound before the first block
func (s *SQLStore) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	status := &SyncStatus{}
	err := s.db.GetContext(ctx, status, `
		SELECT chain_head_block_hash, chain_head_block_number,
			latest_indexed_block_hash, latest_indexed_block_number,
			latest_processed_block_hash, latest_processed_block_number,
			latest_canonical_block_hash, latest_canonical_block_number,
			initial_indexed_block_hash, initial_indexed_block_number
		FROM sync_status
		WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	return status, nil
}

// SaveSyncStatus writes the single sync status row
func (s *SQLStore) SaveSyncStatus(ctx context.Context, tx *sqlx.Tx, status *SyncStatus) error {
	_, err := tx.ExecContext(ctx, s.engineQuery(map[Engine]string{
		EnginePgsql: `
			INSERT INTO sync_status (
				id, chain_head_block_hash, chain_head_block_number,
				latest_indexed_block_hash, latest_indexed_block_number,
				latest_processed_block_hash, latest_processed_block_number,
				latest_canonical_block_hash, latest_canonical_block_number,
				initial_indexed_block_hash, initial_indexed_block_number
			) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				chain_head_block_hash = excluded.chain_head_block_hash,
				chain_head_block_number = excluded.chain_head_block_number,
				latest_indexed_block_hash = excluded.latest_indexed_block_hash,
				latest_indexed_block_number = excluded.latest_indexed_block_number,
				latest_processed_block_hash = excluded.latest_processed_block_hash,
				latest_processed_block_number = excluded.latest_processed_block_number,
				latest_canonical_block_hash = excluded.latest_canonical_block_hash,
				latest_canonical_block_number = excluded.latest_canonical_block_number,
				initial_indexed_block_hash = excluded.initial_indexed_block_hash,
				initial_indexed_block_number = excluded.initial_indexed_block_number`,
		EngineSqlite: `
			INSERT OR REPLACE INTO sync_status (
				id, chain_head_block_hash, chain_head_block_number,
				latest_indexed_block_hash, latest_indexed_block_number,
				latest_processed_block_hash, latest_processed_block_number,
				latest_canonical_block_hash, latest_canonical_block_number,
				initial_indexed_block_hash, initial_indexed_block_number
			) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	}),
		status.ChainHeadBlockHash, status.ChainHeadBlockNumber,
		status.LatestIndexedBlockHash, status.LatestIndexedBlockNumber,
		status.LatestProcessedBlockHash, status.LatestProcessedBlockNumber,
		status.LatestCanonicalBlockHash, status.LatestCanonicalBlockNumber,
		status.InitialIndexedBlockHash, status.InitialIndexedBlockNumber)
	if err != nil {
		return fmt.Errorf("failed to save sync status: %w", err)
	}
	return nil
}

// SaveState inserts a state row. An identical CID already stored is not an error.
func (s *SQLStore) SaveState(ctx context.Context, tx *sqlx.Tx, st *State) error {
	_, err := tx.ExecContext(ctx, s.engineQuery(map[Engine]string{
		EnginePgsql: `
			INSERT INTO state (block_hash, block_number, contract_address, cid, kind, data)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (block_hash, contract_address, kind) DO UPDATE SET
				cid = excluded.cid,
				data = excluded.data`,
		EngineSqlite: `
			INSERT OR REPLACE INTO state (block_hash, block_number, contract_address, cid, kind, data)
			VALUES ($1, $2, $3, $4, $5, $6)`,
	}), st.BlockHash, st.BlockNumber, st.ContractAddress, st.CID, st.Kind, st.Data)
	if err != nil {
		return fmt.Errorf("failed to save %s state for %s: %w", st.Kind, st.ContractAddress, err)
	}
	return nil
}

const selectState = `
	SELECT id, block_hash, block_number, contract_address, cid, kind, data
	FROM state`

// GetState returns the state row of a contract at a block
func (s *SQLStore) GetState(ctx context.Context, blockHash, contract, kind string) (*State, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	st := &State{}
	err := s.db.GetContext(ctx, st, selectState+`
		WHERE block_hash = $1 AND contract_address = $2 AND kind = $3`, blockHash, contract, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return st, nil
}

// GetStateByCID returns a state row by content id
func (s *SQLStore) GetStateByCID(ctx context.Context, cid string) (*State, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	st := &State{}
	err := s.db.GetContext(ctx, st, selectState+` WHERE cid = $1`, cid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state by cid: %w", err)
	}
	return st, nil
}

// GetStateSyncStatus returns the state sync status, or ErrNotFound
func (s *SQLStore) GetStateSyncStatus(ctx context.Context) (*StateSyncStatus, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	status := &StateSyncStatus{}
	err := s.db.GetContext(ctx, status, `
		SELECT latest_indexed_block_number, latest_checkpoint_block_number
		FROM state_sync_status
		WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state sync status: %w", err)
	}
	return status, nil
}

// SaveStateSyncStatus writes the single state sync status row
func (s *SQLStore) SaveStateSyncStatus(ctx context.Context, tx *sqlx.Tx, status *StateSyncStatus) error {
	_, err := tx.ExecContext(ctx, s.engineQuery(map[Engine]string{
		EnginePgsql: `
			INSERT INTO state_sync_status (id, latest_indexed_block_number, latest_checkpoint_block_number)
			VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET
				latest_indexed_block_number = excluded.latest_indexed_block_number,
				latest_checkpoint_block_number = excluded.latest_checkpoint_block_number`,
		EngineSqlite: `
			INSERT OR REPLACE INTO state_sync_status (id, latest_indexed_block_number, latest_checkpoint_block_number)
			VALUES (1, $1, $2)`,
	}), status.LatestIndexedBlockNumber, status.LatestCheckpointBlockNumber)
	if err != nil {
		return fmt.Errorf("failed to save state sync status: %w", err)
	}
	return nil
}

// ResetTo deletes everything indexed above blockNumber and rewinds the status rows to it.
// The block must have a progress row.
func (s *SQLStore) ResetTo(ctx context.Context, blockNumber uint64) error {
	return s.RunInTx(ctx, func(tx *sqlx.Tx) error {
		target := &BlockProgress{}
		err := tx.GetContext(ctx, target, selectBlockProgress+`
			WHERE block_number = $1 AND is_pruned = $2
			LIMIT 1`, blockNumber, false)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("block %d not found in block progress: %w", blockNumber, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get block %d: %w", blockNumber, err)
		}

		deleted := make(map[string]int64, 4)
		for _, table := range []string{"event", "block_progress", "state"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE block_number > $1`, blockNumber)
			if err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
			deleted[table], _ = res.RowsAffected()
		}
		calls, err := deleteCallsAbove(ctx, tx, blockNumber)
		if err != nil {
			return err
		}
		deleted["call_cache"] = calls

		status := &SyncStatus{}
		err = tx.GetContext(ctx, status, `
			SELECT chain_head_block_hash, chain_head_block_number,
				latest_indexed_block_hash, latest_indexed_block_number,
				latest_processed_block_hash, latest_processed_block_number,
				latest_canonical_block_hash, latest_canonical_block_number,
				initial_indexed_block_hash, initial_indexed_block_number
			FROM sync_status
			WHERE id = 1`)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get sync status: %w", err)
		}
		if err == nil {
			if status.LatestIndexedBlockNumber > blockNumber {
				status.LatestIndexedBlockHash = target.BlockHash
				status.LatestIndexedBlockNumber = blockNumber
			}
			if status.LatestProcessedBlockNumber > blockNumber {
				status.LatestProcessedBlockHash = target.BlockHash
				status.LatestProcessedBlockNumber = blockNumber
			}
			if status.LatestCanonicalBlockNumber > blockNumber {
				status.LatestCanonicalBlockHash = target.BlockHash
				status.LatestCanonicalBlockNumber = blockNumber
			}
			if err := s.SaveSyncStatus(ctx, tx, status); err != nil {
				return err
			}
		}

		stateStatus := &StateSyncStatus{}
		err = tx.GetContext(ctx, stateStatus, `
			SELECT latest_indexed_block_number, latest_checkpoint_block_number
			FROM state_sync_status
			WHERE id = 1`)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get state sync status: %w", err)
		}
		if err == nil {
			if stateStatus.LatestIndexedBlockNumber > blockNumber {
				stateStatus.LatestIndexedBlockNumber = blockNumber
			}
			if stateStatus.LatestCheckpointBlockNumber > blockNumber {
				stateStatus.LatestCheckpointBlockNumber = blockNumber
			}
			if err := s.SaveStateSyncStatus(ctx, tx, stateStatus); err != nil {
				return err
			}
		}

		s.logger.Info("reset to block",
			zap.Uint64("blockNumber", blockNumber),
			zap.String("blockHash", target.BlockHash),
			zap.Int64("events", deleted["event"]),
			zap.Int64("blocks", deleted["block_progress"]),
			zap.Int64("states", deleted["state"]),
			zap.Int64("calls", deleted["call_cache"]),
		)
		return nil
	})
}

// LatestStateBefore returns the newest state row of a contract below blockNumber, or ErrNotFound
func (s *SQLStore) LatestStateBefore(ctx context.Context, tx *sqlx.Tx, contract string, blockNumber uint64) (*State, error) {
	st := &State{}
	err := tx.GetContext(ctx, st, selectState+`
		WHERE contract_address = $1 AND block_number < $2
		ORDER BY block_number DESC, id DESC
		LIMIT 1`, contract, blockNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest state of %s: %w", contract, err)
	}
	return st, nil
}
