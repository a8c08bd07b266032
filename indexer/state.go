package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	"github.com/jmoiron/sqlx"
	"github.com/multiformats/go-multihash"
	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
	"github.com/deep-stack/azimuth-watcher/storage"
)

// dagJSONCodec is the multicodec code of dag-json
const dagJSONCodec = 0x0129

var cidBuilder = cid.V1Builder{Codec: dagJSONCodec, MhType: multihash.SHA2_256, MhLength: -1}

// stateLink is a dag-json link to another state block
type stateLink struct {
	CID string `json:"/"`
}

type stateMeta struct {
	ID       string     `json:"id"`
	Kind     string     `json:"kind"`
	Parent   *stateLink `json:"parent"`
	EthBlock struct {
		Hash   string `json:"hash"`
		Number uint64 `json:"num"`
	} `json:"ethBlock"`
}

type stateEvent struct {
	EventIndex uint64          `json:"eventIndex"`
	EventName  string          `json:"eventName"`
	TxHash     string          `json:"txHash"`
	Args       json.RawMessage `json:"args"`
}

// stateData is the body of a diff state row, hashed in canonical dag-json form
type stateData struct {
	Meta  stateMeta `json:"meta"`
	State struct {
		Events []stateEvent `json:"events"`
	} `json:"state"`
}

// buildDiffState encodes the events of one contract at one block and computes its CID.
// The parent link points at the contract's previous state row.
func buildDiffState(contract, blockHash string, blockNumber uint64, parent string, evs []*storage.Event) (*storage.State, error) {
	var d stateData
	d.Meta.ID = contract
	d.Meta.Kind = storage.StateKindDiff
	if parent != "" {
		d.Meta.Parent = &stateLink{CID: parent}
	}
	d.Meta.EthBlock.Hash = blockHash
	d.Meta.EthBlock.Number = blockNumber
	d.State.Events = make([]stateEvent, 0, len(evs))
	for _, e := range evs {
		d.State.Events = append(d.State.Events, stateEvent{
			EventIndex: e.EventIndex,
			EventName:  e.EventName,
			TxHash:     e.TxHash,
			Args:       json.RawMessage(e.EventInfo),
		})
	}

	data, err := jsonbig.MarshalCanonical(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	c, err := cidBuilder.Sum(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compute state cid: %w", err)
	}

	return &storage.State{
		BlockHash:       blockHash,
		BlockNumber:     blockNumber,
		ContractAddress: contract,
		CID:             c.String(),
		Kind:            storage.StateKindDiff,
		Data:            string(data),
	}, nil
}

// saveDiffStates writes one diff state row per checkpoint-enabled contract with events in rows.
// rows must belong to a single block.
func (ix *Indexer) saveDiffStates(ctx context.Context, tx *sqlx.Tx, blockHash string, blockNumber uint64, rows []*storage.Event, set *watchSet) (int, error) {
	byContract := make(map[string][]*storage.Event)
	var order []string
	for _, e := range rows {
		c, ok := set.contracts[common.HexToAddress(e.Contract)]
		if !ok || !c.Checkpoint {
			continue
		}
		if _, seen := byContract[e.Contract]; !seen {
			order = append(order, e.Contract)
		}
		byContract[e.Contract] = append(byContract[e.Contract], e)
	}

	for _, contract := range order {
		var parent string
		prev, err := ix.store.LatestStateBefore(ctx, tx, contract, blockNumber)
		switch {
		case err == nil:
			parent = prev.CID
		case !errors.Is(err, storage.ErrNotFound):
			return 0, err
		}

		st, err := buildDiffState(contract, blockHash, blockNumber, parent, byContract[contract])
		if err != nil {
			return 0, err
		}
		if err := ix.store.SaveState(ctx, tx, st); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

// FillState rebuilds the diff state rows of a block range from stored events
// and returns how many rows were written
func (ix *Indexer) FillState(ctx context.Context, from, to uint64) (int, error) {
	if from > to {
		return 0, fmt.Errorf("invalid range: start %d > end %d", from, to)
	}

	set, err := ix.loadContracts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load contracts: %w", err)
	}

	stored, err := ix.store.GetEventsInRange(ctx, from, to)
	if err != nil {
		return 0, err
	}

	// events are ordered by block, so each block is a contiguous run
	total := 0
	for i := 0; i < len(stored); {
		j := i
		for j < len(stored) && stored[j].BlockHash == stored[i].BlockHash {
			j++
		}
		blockRows := stored[i:j]
		blockHash, blockNumber := blockRows[0].BlockHash, blockRows[0].BlockNumber

		err := ix.store.RunInTx(ctx, func(tx *sqlx.Tx) error {
			n, err := ix.saveDiffStates(ctx, tx, blockHash, blockNumber, blockRows, set)
			total += n
			return err
		})
		if err != nil {
			return total, fmt.Errorf("failed to fill state of block %d: %w", blockNumber, err)
		}
		i = j
	}

	status, err := ix.store.GetStateSyncStatus(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return total, err
	}
	if status == nil {
		status = &storage.StateSyncStatus{}
	}
	if to > status.LatestIndexedBlockNumber {
		status.LatestIndexedBlockNumber = to
		err := ix.store.RunInTx(ctx, func(tx *sqlx.Tx) error {
			return ix.store.SaveStateSyncStatus(ctx, tx, status)
		})
		if err != nil {
			return total, err
		}
	}

	ix.logger.Info("filled state",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("states", total),
	)
	return total, nil
}
