package storage

import (
	"context"
	"errors"
)

// Common errors
var (
	// ErrNotFound is returned when a row or key is not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned when a key format is invalid
	ErrInvalidKey = errors.New("invalid key")

	// ErrClosed is returned when operating on a closed storage
	ErrClosed = errors.New("storage closed")

	// ErrReadOnly is returned when attempting to write to a read-only storage
	ErrReadOnly = errors.New("storage is read-only")
)

// CallKey identifies one cached view-call result
type CallKey struct {
	BlockHash       string
	ContractAddress string
	Method          string
	ArgsKey         string
}

// CallRow is a cached view-call result. Value and Proof hold JSON text.
type CallRow struct {
	BlockHash       string  `db:"block_hash"`
	ContractAddress string  `db:"contract_address"`
	Method          string  `db:"method"`
	ArgsKey         string  `db:"args_key"`
	Args            string  `db:"args"`
	BlockNumber     uint64  `db:"block_number"`
	Value           string  `db:"value"`
	Proof           *string `db:"proof"`
}

// Key returns the row's cache key
func (r *CallRow) Key() CallKey {
	return CallKey{
		BlockHash:       r.BlockHash,
		ContractAddress: r.ContractAddress,
		Method:          r.Method,
		ArgsKey:         r.ArgsKey,
	}
}

// CallStore persists cached view-call results.
// Rows are append-only: PutIfAbsent never overwrites an existing row.
type CallStore interface {
	// GetCall returns ErrNotFound when no row exists for key
	GetCall(ctx context.Context, key CallKey) (*CallRow, error)

	// PutIfAbsent inserts row unless a row with the same key exists, and returns the stored row
	PutIfAbsent(ctx context.Context, row *CallRow) (*CallRow, error)
}

// CallPruner deletes cached calls above a block number
type CallPruner interface {
	PruneCalls(ctx context.Context, aboveBlock uint64) (int, error)
}

// Contract is a watched contract
type Contract struct {
	Address       string `db:"address"`
	Kind          string `db:"kind"`
	Checkpoint    bool   `db:"checkpoint"`
	StartingBlock uint64 `db:"starting_block"`
}

// BlockProgress records the processing state of a block
type BlockProgress struct {
	BlockHash          string `db:"block_hash"`
	BlockNumber        uint64 `db:"block_number"`
	ParentHash         string `db:"parent_hash"`
	BlockTimestamp     uint64 `db:"block_timestamp"`
	NumEvents          uint64 `db:"num_events"`
	NumProcessedEvents uint64 `db:"num_processed_events"`
	IsComplete         bool   `db:"is_complete"`
	IsPruned           bool   `db:"is_pruned"`
}

// Event is a decoded contract event. EventInfo, ExtraInfo and Proof hold JSON text.
type Event struct {
	ID          uint64 `db:"id"`
	BlockHash   string `db:"block_hash"`
	BlockNumber uint64 `db:"block_number"`
	TxHash      string `db:"tx_hash"`
	TxIndex     uint64 `db:"tx_index"`
	TxFrom      string `db:"tx_from"`
	TxTo        string `db:"tx_to"`
	EventIndex  uint64 `db:"event_index"`
	Contract    string `db:"contract"`
	EventName   string `db:"event_name"`
	EventInfo   string `db:"event_info"`
	ExtraInfo   string `db:"extra_info"`
	Proof       string `db:"proof"`
}

// SyncStatus is the single-row indexer status
type SyncStatus struct {
	ChainHeadBlockHash         string `db:"chain_head_block_hash"`
	ChainHeadBlockNumber       uint64 `db:"chain_head_block_number"`
	LatestIndexedBlockHash     string `db:"latest_indexed_block_hash"`
	LatestIndexedBlockNumber   uint64 `db:"latest_indexed_block_number"`
	LatestProcessedBlockHash   string `db:"latest_processed_block_hash"`
	LatestProcessedBlockNumber uint64 `db:"latest_processed_block_number"`
	LatestCanonicalBlockHash   string `db:"latest_canonical_block_hash"`
	LatestCanonicalBlockNumber uint64 `db:"latest_canonical_block_number"`
	InitialIndexedBlockHash    string `db:"initial_indexed_block_hash"`
	InitialIndexedBlockNumber  uint64 `db:"initial_indexed_block_number"`
}

// State is a content-addressed state snapshot of a contract at a block
type State struct {
	ID              uint64 `db:"id"`
	BlockHash       string `db:"block_hash"`
	BlockNumber     uint64 `db:"block_number"`
	ContractAddress string `db:"contract_address"`
	CID             string `db:"cid"`
	Kind            string `db:"kind"`
	Data            string `db:"data"`
}

// State kinds
const (
	StateKindDiff       = "diff"
	StateKindCheckpoint = "checkpoint"
	StateKindInit       = "init"
)

// StateSyncStatus tracks state row generation
type StateSyncStatus struct {
	LatestIndexedBlockNumber    uint64 `db:"latest_indexed_block_number"`
	LatestCheckpointBlockNumber uint64 `db:"latest_checkpoint_block_number"`
}
