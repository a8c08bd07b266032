package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/graphql-go/graphql"
	"go.uber.org/zap"

	watcherabi "github.com/deep-stack/azimuth-watcher/abi"
	"github.com/deep-stack/azimuth-watcher/events"
	"github.com/deep-stack/azimuth-watcher/internal/constants"
	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
	"github.com/deep-stack/azimuth-watcher/storage"
)

// typenameKey tags an event value with the raw event name its union member is resolved by
const typenameKey = "__typename"

// viewResolver answers a view function through the call cache
func (s *Schema) viewResolver(m abi.Method, argNames []string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		blockHash, _ := p.Args["blockHash"].(string)
		contractAddress, _ := p.Args["contractAddress"].(string)

		args := make([]interface{}, len(argNames))
		for i, name := range argNames {
			args[i] = p.Args[name]
		}

		res, err := s.caller.Call(p.Context, blockHash, contractAddress, m.Name, args...)
		if err != nil {
			return nil, err
		}

		value, err := outputValue(m, res.Value)
		if err != nil {
			return nil, err
		}

		var proof interface{}
		if res.Proof != nil {
			proof = map[string]interface{}{"data": res.Proof.Data}
		}
		return map[string]interface{}{
			"value": value,
			"proof": proof,
		}, nil
	}
}

// outputValue converts a normalized call result to the method's GraphQL value
func outputValue(m abi.Method, value interface{}) (interface{}, error) {
	if len(m.Outputs) == 1 {
		return toGraphQL(m.Outputs[0].Type, value)
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected %s result %T", m.Name, value)
	}
	out := make(map[string]interface{}, len(m.Outputs))
	for i, o := range m.Outputs {
		key := watcherabi.OutputKey(i)
		v, err := toGraphQL(o.Type, obj[key])
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// resolveEvents returns the events of a processed block
func (s *Schema) resolveEvents(p graphql.ResolveParams) (interface{}, error) {
	ctx := p.Context
	blockHash, _ := p.Args["blockHash"].(string)
	contractAddress, _ := p.Args["contractAddress"].(string)
	name, _ := p.Args["name"].(string)

	blockHash = strings.ToLower(blockHash)
	bp, err := s.store.GetBlockProgress(ctx, blockHash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("Block hash %s not processed yet", blockHash)
	}
	if err != nil {
		return nil, err
	}
	if !bp.IsComplete {
		return nil, fmt.Errorf("Block hash %s number %d not processed yet", blockHash, bp.BlockNumber)
	}

	rows, err := s.store.GetEvents(ctx, blockHash, strings.ToLower(contractAddress), name)
	if err != nil {
		return nil, err
	}

	block := blockResult(bp.BlockHash, bp.BlockNumber, bp.BlockTimestamp, bp.ParentHash)
	results := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		results = append(results, s.eventResult(row, block))
	}
	return results, nil
}

// resolveEventsInRange returns the events between two processed heights
func (s *Schema) resolveEventsInRange(p graphql.ResolveParams) (interface{}, error) {
	ctx := p.Context
	from, okFrom := intArg(p.Args, "fromBlockNumber")
	to, okTo := intArg(p.Args, "toBlockNumber")
	if !okFrom || !okTo {
		return nil, errors.New("block numbers cannot be negative")
	}

	status, err := s.store.GetSyncStatus(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.New("No blocks processed yet")
	}
	if err != nil {
		return nil, err
	}

	if from < status.InitialIndexedBlockNumber || to > status.LatestProcessedBlockNumber {
		return nil, fmt.Errorf("Block range should be between %d and %d",
			status.InitialIndexedBlockNumber, status.LatestProcessedBlockNumber)
	}
	if from > to {
		return nil, fmt.Errorf("fromBlockNumber %d is greater than toBlockNumber %d", from, to)
	}
	if s.maxEventsBlockRange > 0 && to-from > s.maxEventsBlockRange {
		return nil, fmt.Errorf("Block range %d exceeds the maximum of %d blocks", to-from, s.maxEventsBlockRange)
	}

	rows, err := s.store.GetEventsInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	blocks, err := s.store.GetBlocksInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	byHash := make(map[string]map[string]interface{}, len(blocks))
	for _, bp := range blocks {
		byHash[bp.BlockHash] = blockResult(bp.BlockHash, bp.BlockNumber, bp.BlockTimestamp, bp.ParentHash)
	}

	results := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		block, ok := byHash[row.BlockHash]
		if !ok {
			block = blockResult(row.BlockHash, row.BlockNumber, 0, "")
		}
		results = append(results, s.eventResult(row, block))
	}
	return results, nil
}

// eventResult maps a stored event to ResultEvent
func (s *Schema) eventResult(row *storage.Event, block map[string]interface{}) map[string]interface{} {
	var args map[string]interface{}
	if decoded, err := jsonbig.UnmarshalString(row.EventInfo); err != nil {
		s.logger.Warn("failed to decode event info", zap.Uint64("id", row.ID), zap.Error(err))
	} else {
		args, _ = decoded.(map[string]interface{})
	}

	return map[string]interface{}{
		"block": block,
		"tx": map[string]interface{}{
			"hash":  row.TxHash,
			"index": int(row.TxIndex),
			"from":  row.TxFrom,
			"to":    row.TxTo,
		},
		"contract":   row.Contract,
		"eventIndex": int(row.EventIndex),
		"event":      s.eventValue(row.EventName, args),
		"proof":      parseProof(row.Proof),
	}
}

// contractEventResult maps a bus event to ResultEvent
func (s *Schema) contractEventResult(e *events.ContractEvent) map[string]interface{} {
	return map[string]interface{}{
		"block": blockResult(e.BlockHash, e.BlockNumber, e.BlockTimestamp, e.BlockParentHash),
		"tx": map[string]interface{}{
			"hash":  e.TxHash,
			"index": int(e.TxIndex),
			"from":  e.TxFrom,
			"to":    e.TxTo,
		},
		"contract":   e.Contract,
		"eventIndex": int(e.EventIndex),
		"event":      s.eventValue(e.EventName, e.Args),
		"proof":      nil,
	}
}

// eventValue shapes event arguments for the Event union. Events the served kind does not
// declare, or whose arguments do not match its declaration, become GenericEvent.
func (s *Schema) eventValue(name string, args map[string]interface{}) map[string]interface{} {
	if ev, ok := s.eventABIs[name]; ok {
		out := map[string]interface{}{typenameKey: name}
		matched := true
		for _, input := range ev.Inputs {
			if input.Name == "" {
				continue
			}
			v, err := toGraphQL(input.Type, args[input.Name])
			if err != nil || v == nil {
				matched = false
				break
			}
			out[input.Name] = v
		}
		if matched {
			return out
		}
	}

	text, err := jsonbig.MarshalString(args)
	if err != nil {
		text = "{}"
	}
	return map[string]interface{}{
		"eventName": name,
		"args":      text,
	}
}

// parseProof decodes a stored {"data": ...} proof
func parseProof(text string) interface{} {
	if text == "" || text == "null" {
		return nil
	}
	var proof struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &proof); err != nil {
		return nil
	}
	return map[string]interface{}{"data": proof.Data}
}

// resolveGetState returns a state snapshot, or null when none exists
func (s *Schema) resolveGetState(p graphql.ResolveParams) (interface{}, error) {
	blockHash, _ := p.Args["blockHash"].(string)
	contractAddress, _ := p.Args["contractAddress"].(string)
	kind, _ := p.Args["kind"].(string)
	if kind == "" {
		kind = storage.StateKindDiff
	}

	st, err := s.store.GetState(p.Context, strings.ToLower(blockHash), strings.ToLower(contractAddress), kind)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.stateResult(p, st)
}

// resolveGetStateByCID returns the state with a content id, or null
func (s *Schema) resolveGetStateByCID(p graphql.ResolveParams) (interface{}, error) {
	cid, _ := p.Args["cid"].(string)

	st, err := s.store.GetStateByCID(p.Context, cid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.stateResult(p, st)
}

func (s *Schema) stateResult(p graphql.ResolveParams, st *storage.State) (interface{}, error) {
	block := blockResult(st.BlockHash, st.BlockNumber, 0, "")
	bp, err := s.store.GetBlockProgress(p.Context, st.BlockHash)
	switch {
	case err == nil:
		block = blockResult(bp.BlockHash, bp.BlockNumber, bp.BlockTimestamp, bp.ParentHash)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	return map[string]interface{}{
		"block":           block,
		"contractAddress": st.ContractAddress,
		"cid":             st.CID,
		"kind":            st.Kind,
		"data":            st.Data,
	}, nil
}

// resolveGetSyncStatus returns the indexer status, or null before the first block
func (s *Schema) resolveGetSyncStatus(p graphql.ResolveParams) (interface{}, error) {
	status, err := s.store.GetSyncStatus(p.Context)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"chainHeadBlockHash":         status.ChainHeadBlockHash,
		"chainHeadBlockNumber":       int(status.ChainHeadBlockNumber),
		"latestIndexedBlockHash":     status.LatestIndexedBlockHash,
		"latestIndexedBlockNumber":   int(status.LatestIndexedBlockNumber),
		"latestProcessedBlockHash":   status.LatestProcessedBlockHash,
		"latestProcessedBlockNumber": int(status.LatestProcessedBlockNumber),
		"latestCanonicalBlockHash":   status.LatestCanonicalBlockHash,
		"latestCanonicalBlockNumber": int(status.LatestCanonicalBlockNumber),
		"initialIndexedBlockHash":    status.InitialIndexedBlockHash,
		"initialIndexedBlockNumber":  int(status.InitialIndexedBlockNumber),
	}, nil
}

// resolveWatchContract adds a contract to the watched set
func (s *Schema) resolveWatchContract(p graphql.ResolveParams) (interface{}, error) {
	address, _ := p.Args["address"].(string)
	kind, _ := p.Args["kind"].(string)
	checkpoint, _ := p.Args["checkpoint"].(bool)
	startingBlock, ok := intArg(p.Args, "startingBlock")
	if !ok {
		return nil, errors.New("startingBlock cannot be negative")
	}

	if err := s.watcher.WatchContract(p.Context, address, kind, checkpoint, startingBlock); err != nil {
		return false, err
	}
	return true, nil
}

// subscribeOnEvent streams contract events from the bus until the subscription context ends
func (s *Schema) subscribeOnEvent(p graphql.ResolveParams) (interface{}, error) {
	if s.bus == nil {
		return nil, errors.New("event bus not available")
	}

	var filter *events.Filter
	contractAddress, _ := p.Args["contractAddress"].(string)
	name, _ := p.Args["name"].(string)
	if contractAddress != "" || name != "" {
		filter = events.NewFilter()
		if contractAddress != "" {
			filter.Contracts = append(filter.Contracts, contractAddress)
		}
		if name != "" {
			filter.EventNames = append(filter.EventNames, name)
		}
	}

	id := events.SubscriptionID(fmt.Sprintf("graphql-%d", s.subSeq.Add(1)))
	sub := s.bus.Subscribe(id, []events.EventType{events.EventTypeContractEvent}, filter, constants.DefaultSubscriptionChannelSize)
	if sub == nil {
		return nil, errors.New("failed to create subscription")
	}

	ctx := p.Context
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan interface{})
	go func() {
		defer close(out)
		defer s.bus.Unsubscribe(id)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Channel:
				if !ok {
					return
				}
				ce, ok := event.(*events.ContractEvent)
				if !ok {
					continue
				}
				select {
				case out <- s.contractEventResult(ce):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	s.logger.Debug("event subscription started", zap.String("id", string(id)))
	return out, nil
}
