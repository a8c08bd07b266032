package events

import (
	"time"
)

// EventType represents the type of watcher event
type EventType string

const (
	// EventTypeContractEvent is a decoded event of a watched contract
	EventTypeContractEvent EventType = "contract_event"

	// EventTypeBlockProcessed signals that a block was fully indexed
	EventTypeBlockProcessed EventType = "block_processed"
)

// Event is the base interface for all watcher events
type Event interface {
	// Type returns the event type
	Type() EventType

	// Timestamp returns when the event was created
	Timestamp() time.Time
}

// ContractEvent is a decoded log of a watched contract, published after its block commits
type ContractEvent struct {
	// Block the log was emitted in
	BlockHash       string `json:"blockHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	BlockParentHash string `json:"blockParentHash"`
	BlockTimestamp  uint64 `json:"blockTimestamp"`

	// Transaction that emitted the log
	TxHash  string `json:"txHash"`
	TxIndex uint64 `json:"txIndex"`
	TxFrom  string `json:"txFrom"`
	TxTo    string `json:"txTo"`

	// Contract is the lower-case emitting address
	Contract   string `json:"contract"`
	Kind       string `json:"kind"`
	EventIndex uint64 `json:"eventIndex"`
	EventName  string `json:"eventName"`

	// Args holds the normalized event arguments
	Args map[string]interface{} `json:"args"`

	// Origin is the relay node the event came from, empty when indexed locally
	Origin string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// Type implements Event interface
func (e *ContractEvent) Type() EventType {
	return EventTypeContractEvent
}

// Timestamp implements Event interface
func (e *ContractEvent) Timestamp() time.Time {
	return e.CreatedAt
}

// BlockProcessedEvent signals that a block and its events were committed
type BlockProcessedEvent struct {
	BlockHash   string `json:"blockHash"`
	BlockNumber uint64 `json:"blockNumber"`
	NumEvents   int    `json:"numEvents"`

	Origin string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// Type implements Event interface
func (e *BlockProcessedEvent) Type() EventType {
	return EventTypeBlockProcessed
}

// Timestamp implements Event interface
func (e *BlockProcessedEvent) Timestamp() time.Time {
	return e.CreatedAt
}

// origin returns the relay node an event came from
func origin(event Event) string {
	switch e := event.(type) {
	case *ContractEvent:
		return e.Origin
	case *BlockProcessedEvent:
		return e.Origin
	}
	return ""
}
