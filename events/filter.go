package events

import (
	"fmt"
	"strings"
)

// Filter defines subscription filter conditions
type Filter struct {
	// Contracts filters by emitting contract address, compared case-insensitively.
	// Empty means no filtering on contracts.
	Contracts []string

	// EventNames filters contract events by name.
	// Empty means no filtering on names.
	EventNames []string

	// FromBlock filters events from this block number (inclusive)
	// 0 means no minimum block filtering
	FromBlock uint64

	// ToBlock filters events up to this block number (inclusive)
	// 0 means no maximum block filtering
	ToBlock uint64
}

// NewFilter creates a new empty filter
func NewFilter() *Filter {
	return &Filter{
		Contracts:  make([]string, 0),
		EventNames: make([]string, 0),
	}
}

// Validate checks if the filter configuration is valid
func (f *Filter) Validate() error {
	if f.FromBlock > 0 && f.ToBlock > 0 {
		if f.FromBlock > f.ToBlock {
			return fmt.Errorf("fromBlock (%d) cannot be greater than toBlock (%d)",
				f.FromBlock, f.ToBlock)
		}
	}
	for _, c := range f.Contracts {
		if c == "" {
			return fmt.Errorf("contract address cannot be empty")
		}
	}
	return nil
}

func (f *Filter) matchBlockNumber(number uint64) bool {
	if f.FromBlock > 0 && number < f.FromBlock {
		return false
	}
	if f.ToBlock > 0 && number > f.ToBlock {
		return false
	}
	return true
}

// MatchContractEvent checks if a contract event matches this filter
func (f *Filter) MatchContractEvent(event *ContractEvent) bool {
	if !f.matchBlockNumber(event.BlockNumber) {
		return false
	}

	if len(f.Contracts) > 0 {
		matched := false
		for _, c := range f.Contracts {
			if strings.EqualFold(c, event.Contract) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(f.EventNames) > 0 {
		matched := false
		for _, name := range f.EventNames {
			if name == event.EventName {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// Match checks if an event matches this filter
func (f *Filter) Match(event Event) bool {
	switch e := event.(type) {
	case *ContractEvent:
		return f.MatchContractEvent(e)
	case *BlockProcessedEvent:
		return f.matchBlockNumber(e.BlockNumber)
	default:
		return false
	}
}

// IsEmpty returns true if the filter has no conditions set
func (f *Filter) IsEmpty() bool {
	return len(f.Contracts) == 0 &&
		len(f.EventNames) == 0 &&
		f.FromBlock == 0 &&
		f.ToBlock == 0
}

// Clone creates a deep copy of the filter
func (f *Filter) Clone() *Filter {
	clone := &Filter{
		Contracts:  make([]string, len(f.Contracts)),
		EventNames: make([]string, len(f.EventNames)),
		FromBlock:  f.FromBlock,
		ToBlock:    f.ToBlock,
	}

	copy(clone.Contracts, f.Contracts)
	copy(clone.EventNames, f.EventNames)

	return clone
}
