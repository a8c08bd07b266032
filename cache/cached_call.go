// Package cache implements the read-through accessor for contract view calls.
//
// A result is addressed by block hash, contract, method and arguments. Because a
// block hash pins the chain state, a stored result never changes and is computed
// at most once: later lookups are answered from the memory tier or the CallStore
// without touching the chain.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coocood/freecache"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	watcherabi "github.com/deep-stack/azimuth-watcher/abi"
	"github.com/deep-stack/azimuth-watcher/internal/constants"
	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
	"github.com/deep-stack/azimuth-watcher/registry"
	"github.com/deep-stack/azimuth-watcher/storage"
)

// Chain is the upstream the accessor calls on a miss
type Chain interface {
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	CallContractAtHash(ctx context.Context, msg ethereum.CallMsg, blockHash common.Hash) ([]byte, error)
	GetProof(ctx context.Context, account common.Address, storageKeys []string, blockHash common.Hash) (json.RawMessage, error)
}

// Proof carries the serialized proof of a result
type Proof struct {
	Data string `json:"data"`
}

// Result is a normalized call result
type Result struct {
	Value interface{}
	Proof *Proof
}

// Config holds CachedCall settings
type Config struct {
	// MemoryMB sizes the in-memory tier. 0 disables it.
	MemoryMB int

	// WithProof fetches an eth_getProof account proof on every miss
	WithProof bool
}

// CachedCall answers view calls for one contract kind through the call cache
type CachedCall struct {
	kind      *registry.Kind
	chain     Chain
	store     storage.CallStore
	mem       *freecache.Cache
	withProof bool
	group     singleflight.Group
	logger    *zap.Logger
}

// New creates a CachedCall. cfg may be nil.
func New(kind *registry.Kind, chain Chain, store storage.CallStore, cfg *Config, logger *zap.Logger) (*CachedCall, error) {
	if kind == nil {
		return nil, fmt.Errorf("kind cannot be nil")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CachedCall{
		kind:      kind,
		chain:     chain,
		store:     store,
		withProof: cfg.WithProof,
		logger:    logger.With(zap.String("component", "cache"), zap.String("kind", kind.Name)),
	}
	if cfg.MemoryMB > 0 {
		size := cfg.MemoryMB * constants.BytesPerMB
		if size < constants.MinFreecacheSize {
			size = constants.MinFreecacheSize
		}
		c.mem = freecache.NewCache(size)
	}
	return c, nil
}

// Kind returns the contract kind served by c
func (c *CachedCall) Kind() *registry.Kind {
	return c.kind
}

// Call returns the result of method(args...) on contractAddress at blockHash.
// Uncached methods always go upstream and are never stored.
func (c *CachedCall) Call(ctx context.Context, blockHash, contractAddress, method string, args ...interface{}) (*Result, error) {
	m, err := c.kind.Method(method)
	if err != nil {
		return nil, err
	}
	req, err := newCall(blockHash, contractAddress, m, args)
	if err != nil {
		return nil, err
	}

	if !c.kind.IsCached(method) {
		lookupsTotal.WithLabelValues(method, resultUncached).Inc()
		value, err := c.invoke(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Value: value}, nil
	}

	if res, ok := c.getMemory(req); ok {
		lookupsTotal.WithLabelValues(method, resultHit).Inc()
		return res, nil
	}

	row, err := c.store.GetCall(ctx, req.key)
	if err == nil {
		lookupsTotal.WithLabelValues(method, resultHit).Inc()
		c.setMemory(req, row)
		return decodeRow(row)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up cached %s: %w", method, err)
	}

	lookupsTotal.WithLabelValues(method, resultMiss).Inc()
	// the fill is not bound to any one caller; each waiter returns on its own ctx
	ch := c.group.DoChan(req.id(), func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultQueryTimeout)
		defer cancel()
		return c.fill(fillCtx, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("shared upstream call", zap.String("method", method))
		}
		return decodeRow(res.Val.(*storage.CallRow))
	}
}

// fill computes a missing result and stores it, returning the surviving row
func (c *CachedCall) fill(ctx context.Context, req *call) (*storage.CallRow, error) {
	header, err := c.chain.HeaderByHash(ctx, req.blockHash)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve block %s: %w", req.blockHash.Hex(), err)
	}

	value, err := c.invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	valueText, err := jsonbig.MarshalString(value)
	if err != nil {
		return nil, err
	}

	row := &storage.CallRow{
		BlockHash:       req.key.BlockHash,
		ContractAddress: req.key.ContractAddress,
		Method:          req.key.Method,
		ArgsKey:         req.key.ArgsKey,
		Args:            req.args,
		BlockNumber:     header.Number.Uint64(),
		Value:           valueText,
	}

	if c.withProof {
		raw, err := c.chain.GetProof(ctx, req.contract, nil, req.blockHash)
		if err != nil {
			return nil, fmt.Errorf("failed to get proof for %s: %w", req.method.Name, err)
		}
		proofText, err := jsonbig.MarshalString(&Proof{Data: string(raw)})
		if err != nil {
			return nil, err
		}
		row.Proof = &proofText
	}

	stored, err := c.store.PutIfAbsent(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("failed to store cached %s: %w", req.method.Name, err)
	}

	c.logger.Debug("cached call result",
		zap.String("method", req.method.Name),
		zap.String("contract", req.key.ContractAddress),
		zap.Uint64("block", stored.BlockNumber),
		zap.String("args", req.args),
	)
	c.setMemory(req, stored)
	return stored, nil
}

// invoke packs, calls and normalizes without touching the cache
func (c *CachedCall) invoke(ctx context.Context, req *call) (interface{}, error) {
	data, err := c.kind.ABI.Pack(req.method.Name, req.packed...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	upstreamCallsTotal.WithLabelValues(req.method.Name).Inc()
	start := time.Now()
	out, err := c.chain.CallContractAtHash(ctx, ethereum.CallMsg{To: &req.contract, Data: data}, req.blockHash)
	upstreamDuration.WithLabelValues(req.method.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", req.method.Name, err)
	}

	outputs, err := req.method.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", req.method.Name, err)
	}
	return watcherabi.NormalizeOutputs(outputs), nil
}

type memoryEntry struct {
	Value string  `json:"v"`
	Proof *string `json:"p,omitempty"`
}

func (c *CachedCall) getMemory(req *call) (*Result, bool) {
	if c.mem == nil {
		return nil, false
	}
	data, err := c.mem.Get([]byte(req.id()))
	if err != nil {
		return nil, false
	}

	var entry memoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	res, err := decodeRow(&storage.CallRow{Value: entry.Value, Proof: entry.Proof})
	if err != nil {
		return nil, false
	}
	return res, true
}

func (c *CachedCall) setMemory(req *call, row *storage.CallRow) {
	if c.mem == nil {
		return
	}
	data, err := json.Marshal(memoryEntry{Value: row.Value, Proof: row.Proof})
	if err != nil {
		return
	}
	if err := c.mem.Set([]byte(req.id()), data, 0); err != nil {
		c.logger.Debug("memory tier rejected entry", zap.String("method", row.Method), zap.Error(err))
	}
}

// decodeRow turns stored JSON text back into a Result
func decodeRow(row *storage.CallRow) (*Result, error) {
	value, err := jsonbig.UnmarshalString(row.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cached value: %w", err)
	}

	res := &Result{Value: value}
	if row.Proof != nil && *row.Proof != "" && *row.Proof != "null" {
		proof := &Proof{}
		if err := json.Unmarshal([]byte(*row.Proof), proof); err != nil {
			return nil, fmt.Errorf("failed to decode cached proof: %w", err)
		}
		res.Proof = proof
	}
	return res, nil
}
