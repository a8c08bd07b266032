package abi

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/deep-stack/azimuth-watcher/registry"
)

// DecodedLog is an event log of a watched contract with its arguments normalized
type DecodedLog struct {
	Address     common.Address `json:"address"`
	BlockNumber uint64         `json:"blockNumber"`
	BlockHash   common.Hash    `json:"blockHash"`
	TxHash      common.Hash    `json:"txHash"`
	TxIndex     uint           `json:"txIndex"`
	LogIndex    uint           `json:"logIndex"`

	Kind      string                 `json:"kind"`
	EventName string                 `json:"eventName"`
	Args      map[string]interface{} `json:"args"`
	// Topics and Data are kept for the event's extra info column
	Topics []common.Hash `json:"topics"`
	Data   []byte        `json:"data"`
}

// Decoder decodes logs of watched contracts using the ABI of each contract's kind
type Decoder struct {
	mu        sync.RWMutex
	contracts map[common.Address]*registry.Kind
}

// NewDecoder creates a new ABI decoder
func NewDecoder() *Decoder {
	return &Decoder{
		contracts: make(map[common.Address]*registry.Kind),
	}
}

// Watch registers the kind of a contract address
func (d *Decoder) Watch(address common.Address, kind *registry.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contracts[address] = kind
}

// Unwatch removes a contract address
func (d *Decoder) Unwatch(address common.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contracts, address)
}

// Addresses returns the watched addresses
func (d *Decoder) Addresses() []common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()

	addrs := make([]common.Address, 0, len(d.contracts))
	for addr := range d.contracts {
		addrs = append(addrs, addr)
	}
	return addrs
}

// KindOf returns the kind of a watched contract
func (d *Decoder) KindOf(address common.Address) (*registry.Kind, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kind, ok := d.contracts[address]
	return kind, ok
}

// DecodeLog decodes an event log using the ABI of the contract's kind
func (d *Decoder) DecodeLog(log *types.Log) (*DecodedLog, error) {
	kind, ok := d.KindOf(log.Address)
	if !ok {
		return nil, fmt.Errorf("contract %s is not watched", log.Address.Hex())
	}

	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	event, err := kind.ABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("event not found for topic %s: %w", log.Topics[0].Hex(), err)
	}

	args, err := DecodeEventArgs(event, log.Topics[1:], log.Data)
	if err != nil {
		return nil, err
	}

	return &DecodedLog{
		Address:     log.Address,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
		TxHash:      log.TxHash,
		TxIndex:     log.TxIndex,
		LogIndex:    log.Index,
		Kind:        kind.Name,
		EventName:   event.RawName,
		Args:        args,
		Topics:      log.Topics,
		Data:        log.Data,
	}, nil
}

// DecodeEventArgs unpacks indexed arguments from topics and the rest from data, then normalizes them
func DecodeEventArgs(event *abi.Event, topics []common.Hash, data []byte) (map[string]interface{}, error) {
	raw := make(map[string]interface{})

	var indexed, nonIndexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		} else {
			nonIndexed = append(nonIndexed, input)
		}
	}

	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(raw, indexed, topics); err != nil {
			return nil, fmt.Errorf("failed to parse indexed parameters: %w", err)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(raw, data); err != nil {
			return nil, fmt.Errorf("failed to parse non-indexed parameters: %w", err)
		}
	}

	args := make(map[string]interface{}, len(event.Inputs))
	for _, input := range event.Inputs {
		args[input.Name] = Normalize(raw[input.Name])
	}
	return args, nil
}
