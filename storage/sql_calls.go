package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const selectCallRow = `
	SELECT block_hash, contract_address, method, args_key, args, block_number, value, proof
	FROM call_cache
	WHERE block_hash = $1 AND contract_address = $2 AND method = $3 AND args_key = $4`

// GetCall returns the cached call for key
func (s *SQLStore) GetCall(ctx context.Context, key CallKey) (*CallRow, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	row := &CallRow{}
	err := s.db.GetContext(ctx, row, selectCallRow, key.BlockHash, key.ContractAddress, key.Method, key.ArgsKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached call %s: %w", key.Method, err)
	}
	return row, nil
}

// PutIfAbsent inserts row unless the key already exists and returns the surviving row.
// A concurrent writer of the same key makes this a no-op, never an error.
func (s *SQLStore) PutIfAbsent(ctx context.Context, row *CallRow) (*CallRow, error) {
	if row == nil {
		return nil, fmt.Errorf("row cannot be nil")
	}

	var stored *CallRow
	err := s.RunInTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.engineQuery(map[Engine]string{
			EnginePgsql: `
				INSERT INTO call_cache (
					block_hash, contract_address, method, args_key, args, block_number, value, proof
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (block_hash, contract_address, method, args_key) DO NOTHING`,
			EngineSqlite: `
				INSERT OR IGNORE INTO call_cache (
					block_hash, contract_address, method, args_key, args, block_number, value, proof
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		}),
			row.BlockHash, row.ContractAddress, row.Method, row.ArgsKey, row.Args, row.BlockNumber, row.Value, row.Proof)
		if err != nil {
			return fmt.Errorf("failed to insert cached call %s: %w", row.Method, err)
		}

		stored = &CallRow{}
		key := row.Key()
		if err := tx.GetContext(ctx, stored, selectCallRow, key.BlockHash, key.ContractAddress, key.Method, key.ArgsKey); err != nil {
			return fmt.Errorf("failed to read back cached call %s: %w", row.Method, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func deleteCallsAbove(ctx context.Context, tx *sqlx.Tx, blockNumber uint64) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM call_cache WHERE block_number > $1`, blockNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cached calls: %w", err)
	}
	return res.RowsAffected()
}
