package testutil

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakeChainID is the chain id FakeChain signs with
var FakeChainID = big.NewInt(1337)

// FakeChain is an in-memory chain for tests. It answers the subset of JSON-RPC the
// watcher uses: headers, blocks, logs, eth_call results and proofs.
type FakeChain struct {
	mu sync.Mutex

	key     *ecdsa.PrivateKey
	nonce   uint64
	headers []*types.Header
	byHash  map[common.Hash]*types.Header
	txs     map[common.Hash][]*types.Transaction
	logs    map[common.Hash][]types.Log
	results map[string][]byte
	calls   map[string]int
	abis    []abi.ABI

	// CallErr, when set, fails every eth_call
	CallErr error
}

// NewFakeChain creates a chain with a genesis block and numBlocks empty blocks after it
func NewFakeChain(numBlocks int) *FakeChain {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}

	c := &FakeChain{
		key:     key,
		byHash:  make(map[common.Hash]*types.Header),
		txs:     make(map[common.Hash][]*types.Transaction),
		logs:    make(map[common.Hash][]types.Log),
		results: make(map[string][]byte),
		calls:   make(map[string]int),
	}
	for i := 0; i <= numBlocks; i++ {
		c.AddBlock()
	}
	return c
}

// AddBlock appends an empty block and returns its header
func (c *FakeChain) AddBlock() *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()

	number := uint64(len(c.headers))
	header := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Time:       1700000000 + number*12,
		Difficulty: big.NewInt(1),
		GasLimit:   30000000,
		Extra:      []byte{},
	}
	if number > 0 {
		header.ParentHash = c.headers[number-1].Hash()
	}
	c.headers = append(c.headers, header)
	c.byHash[header.Hash()] = header
	return header
}

// Header returns the header at number
func (c *FakeChain) Header(number uint64) *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[number]
}

// From returns the address that signs FakeChain transactions
func (c *FakeChain) From() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// AddLog emits a log from contract in a new signed transaction of block number.
// The event is packed from the ABI: indexed inputs go to topics, the rest to data.
func (c *FakeChain) AddLog(number uint64, contract common.Address, contractABI abi.ABI, event string, args ...interface{}) (*types.Log, error) {
	ev, ok := contractABI.Events[event]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", event)
	}
	if len(args) != len(ev.Inputs) {
		return nil, fmt.Errorf("event %s expects %d arguments, got %d", event, len(ev.Inputs), len(args))
	}

	topics := []common.Hash{ev.ID}
	var dataArgs []interface{}
	var dataInputs abi.Arguments
	for i, input := range ev.Inputs {
		if !input.Indexed {
			dataArgs = append(dataArgs, args[i])
			dataInputs = append(dataInputs, input)
			continue
		}
		t, err := abi.MakeTopics([]interface{}{args[i]})
		if err != nil {
			return nil, fmt.Errorf("failed to make topic for %s: %w", input.Name, err)
		}
		topics = append(topics, t[0][0])
	}
	data, err := dataInputs.Pack(dataArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s data: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	header := c.headers[number]
	blockHash := header.Hash()

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    c.nonce,
		To:       &contract,
		Gas:      100000,
		GasPrice: big.NewInt(1),
	}), types.LatestSignerForChainID(FakeChainID), c.key)
	if err != nil {
		return nil, err
	}
	c.nonce++

	txIndex := uint(len(c.txs[blockHash]))
	c.txs[blockHash] = append(c.txs[blockHash], tx)

	log := types.Log{
		Address:     contract,
		Topics:      topics,
		Data:        data,
		BlockNumber: number,
		BlockHash:   blockHash,
		TxHash:      tx.Hash(),
		TxIndex:     txIndex,
		Index:       uint(len(c.logs[blockHash])),
	}
	c.logs[blockHash] = append(c.logs[blockHash], log)
	return &log, nil
}

func resultKey(contract common.Address, selector []byte) string {
	return strings.ToLower(contract.Hex()) + common.Bytes2Hex(selector)
}

// SetCallResult makes eth_call of method on contract return outputs, at any block
func (c *FakeChain) SetCallResult(contract common.Address, contractABI abi.ABI, method string, outputs ...interface{}) error {
	m, ok := contractABI.Methods[method]
	if !ok {
		return fmt.Errorf("unknown method %s", method)
	}
	data, err := m.Outputs.Pack(outputs...)
	if err != nil {
		return fmt.Errorf("failed to pack %s outputs: %w", method, err)
	}

	c.mu.Lock()
	c.results[resultKey(contract, m.ID)] = data
	c.mu.Unlock()
	return nil
}

// CallCount returns how many eth_calls reached method
func (c *FakeChain) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// TotalCalls returns the number of eth_calls made
func (c *FakeChain) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// countCall records an eth_call by method name, or by selector for unknown ABIs
func (c *FakeChain) countCall(selector []byte, abis ...abi.ABI) {
	name := common.Bytes2Hex(selector)
	for _, a := range abis {
		if m, err := a.MethodById(selector); err == nil {
			name = m.Name
		}
	}
	c.calls[name]++
}

// RegisterABI lets CallCount report method names instead of selectors
func (c *FakeChain) RegisterABI(a abi.ABI) {
	c.mu.Lock()
	c.abis = append(c.abis, a)
	c.mu.Unlock()
}

// HeaderByHash implements the chain client method
func (c *FakeChain) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header, ok := c.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("failed to get header %s: %w", hash.Hex(), ethereum.NotFound)
	}
	return types.CopyHeader(header), nil
}

// HeaderByNumber implements the chain client method
func (c *FakeChain) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if number >= uint64(len(c.headers)) {
		return nil, fmt.Errorf("failed to get header %d: %w", number, ethereum.NotFound)
	}
	return types.CopyHeader(c.headers[number]), nil
}

// BatchGetHeaders implements the chain client method
func (c *FakeChain) BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error) {
	headers := make([]*types.Header, len(numbers))
	for i, n := range numbers {
		h, err := c.HeaderByNumber(ctx, n)
		if err != nil {
			return nil, err
		}
		headers[i] = h
	}
	return headers, nil
}

// GetLatestBlockNumber implements the chain client method
func (c *FakeChain) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.headers) - 1), nil
}

// GetChainID implements the chain client method
func (c *FakeChain) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(FakeChainID), nil
}

// GetBlockByHash implements the chain client method
func (c *FakeChain) GetBlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header, ok := c.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("failed to get block %s: %w", hash.Hex(), ethereum.NotFound)
	}
	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: c.txs[hash]}), nil
}

// FilterLogs implements the chain client method for block hash and range queries
func (c *FakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hashes []common.Hash
	switch {
	case q.BlockHash != nil:
		hashes = []common.Hash{*q.BlockHash}
	case q.FromBlock != nil && q.ToBlock != nil:
		for n := q.FromBlock.Uint64(); n <= q.ToBlock.Uint64() && n < uint64(len(c.headers)); n++ {
			hashes = append(hashes, c.headers[n].Hash())
		}
	default:
		return nil, errors.New("unsupported filter query")
	}

	addresses := make(map[common.Address]bool, len(q.Addresses))
	for _, a := range q.Addresses {
		addresses[a] = true
	}

	var out []types.Log
	for _, h := range hashes {
		for _, log := range c.logs[h] {
			if len(addresses) > 0 && !addresses[log.Address] {
				continue
			}
			out = append(out, log)
		}
	}
	return out, nil
}

// CallContractAtHash implements the chain client method
func (c *FakeChain) CallContractAtHash(ctx context.Context, msg ethereum.CallMsg, blockHash common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(msg.Data) < 4 || msg.To == nil {
		return nil, errors.New("invalid call")
	}
	c.countCall(msg.Data[:4], c.abis...)

	if c.CallErr != nil {
		return nil, c.CallErr
	}
	if _, ok := c.byHash[blockHash]; !ok {
		return nil, fmt.Errorf("header for hash %s not found", blockHash.Hex())
	}
	out, ok := c.results[resultKey(*msg.To, msg.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

// GetProof implements the chain client method with an empty account proof
func (c *FakeChain) GetProof(ctx context.Context, account common.Address, storageKeys []string, blockHash common.Hash) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byHash[blockHash]; !ok {
		return nil, fmt.Errorf("failed to get proof at %s: %w", blockHash.Hex(), ethereum.NotFound)
	}
	return json.Marshal(map[string]interface{}{
		"address":      account.Hex(),
		"accountProof": []string{},
		"balance":      "0x0",
		"nonce":        "0x0",
		"storageProof": []interface{}{},
	})
}
