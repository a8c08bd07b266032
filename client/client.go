package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Client wraps the Ethereum JSON-RPC client with the calls the watcher needs
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	logger    *zap.Logger
}

// Config holds client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// NewClient creates a new Ethereum client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client := &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		endpoint:  cfg.Endpoint,
		logger:    logger.With(zap.String("component", "client")),
	}

	if err := client.Ping(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	logger.Info("connected to Ethereum RPC",
		zap.String("endpoint", cfg.Endpoint))

	return client, nil
}

// Ping verifies the connection to the RPC endpoint
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ethClient.ChainID(ctx)
	return err
}

// Close closes the client connection
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// GetLatestBlockNumber returns the latest block number
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	blockNumber, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return blockNumber, nil
}

// HeaderByHash fetches a block header by its hash
func (c *Client) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	header, err := c.ethClient.HeaderByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get header %s: %w", hash.Hex(), err)
	}
	return header, nil
}

// HeaderByNumber fetches a block header by its number
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to get header %d: %w", number, err)
	}
	return header, nil
}

// GetBlockByHash fetches a block with its transactions by hash
func (c *Client) GetBlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	block, err := c.ethClient.BlockByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash.Hex(), err)
	}
	return block, nil
}

// GetChainID returns the chain ID
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return chainID, nil
}

// CallContractAtHash executes eth_call pinned to a block hash (EIP-1898).
// Reverts are returned as errors.
func (c *Client) CallContractAtHash(ctx context.Context, msg ethereum.CallMsg, blockHash common.Hash) ([]byte, error) {
	out, err := c.ethClient.CallContractAtHash(ctx, msg, blockHash)
	if err != nil {
		return nil, fmt.Errorf("eth_call to %s at %s failed: %w", msg.To.Hex(), blockHash.Hex(), err)
	}
	return out, nil
}

// GetProof returns the raw eth_getProof response for account at blockHash
func (c *Client) GetProof(ctx context.Context, account common.Address, storageKeys []string, blockHash common.Hash) (json.RawMessage, error) {
	if storageKeys == nil {
		storageKeys = []string{}
	}

	var result json.RawMessage
	err := c.rpcClient.CallContext(ctx, &result, "eth_getProof",
		account, storageKeys, rpc.BlockNumberOrHashWithHash(blockHash, false))
	if err != nil {
		return nil, fmt.Errorf("failed to get proof for %s at %s: %w", account.Hex(), blockHash.Hex(), err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("failed to get proof for %s at %s: %w", account.Hex(), blockHash.Hex(), ethereum.NotFound)
	}
	return result, nil
}

// FilterLogs returns the logs matching query
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.ethClient.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	return logs, nil
}

// BatchGetHeaders fetches multiple headers in a single batch request
func (c *Client) BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error) {
	if len(numbers) == 0 {
		return nil, nil
	}

	headers := make([]*types.Header, len(numbers))
	batch := make([]rpc.BatchElem, len(numbers))

	for i, num := range numbers {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{fmt.Sprintf("0x%x", num), false}, // false: hashes only
			Result: &headers[i],
		}
	}

	if err := c.rpcClient.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("batch call failed: %w", err)
	}

	for i, elem := range batch {
		if elem.Error != nil {
			c.logger.Error("failed to fetch header in batch",
				zap.Uint64("block_number", numbers[i]),
				zap.Error(elem.Error))
			return nil, fmt.Errorf("failed to fetch header %d: %w", numbers[i], elem.Error)
		}
		if headers[i] == nil {
			return nil, fmt.Errorf("failed to fetch header %d: %w", numbers[i], ethereum.NotFound)
		}
	}

	return headers, nil
}
