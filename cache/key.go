package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	watcherabi "github.com/deep-stack/azimuth-watcher/abi"
	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
	"github.com/deep-stack/azimuth-watcher/storage"
)

// ErrInvalidArgument is returned when call arguments do not match the method inputs
var ErrInvalidArgument = errors.New("invalid argument")

// call is a validated request: typed arguments for packing plus the cache key
type call struct {
	blockHash common.Hash
	contract  common.Address
	method    abi.Method
	packed    []interface{}
	args      string
	key       storage.CallKey
}

// newCall validates the request and builds its cache key.
// The args key is the JSON of the normalized arguments, so 42, "42" and big.NewInt(42)
// address the same row.
func newCall(blockHash, contractAddress string, method abi.Method, args []interface{}) (*call, error) {
	hashBytes, err := hexutil.Decode(blockHash)
	if err != nil || len(hashBytes) != common.HashLength {
		return nil, fmt.Errorf("%w: block hash %q", ErrInvalidArgument, blockHash)
	}
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("%w: contract address %q", ErrInvalidArgument, contractAddress)
	}
	if len(args) != len(method.Inputs) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrInvalidArgument, method.Name, len(method.Inputs), len(args))
	}

	packed := make([]interface{}, len(args))
	normalized := make([]interface{}, len(args))
	for i, input := range method.Inputs {
		v, err := watcherabi.ConvertArg(input.Type, args[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %v", ErrInvalidArgument, method.Name, i, err)
		}
		packed[i] = v
		normalized[i] = watcherabi.Normalize(v)
	}

	argsKey, err := jsonbig.MarshalString(normalized)
	if err != nil {
		return nil, err
	}

	hash := common.BytesToHash(hashBytes)
	contract := common.HexToAddress(contractAddress)
	return &call{
		blockHash: hash,
		contract:  contract,
		method:    method,
		packed:    packed,
		args:      argsKey,
		key: storage.CallKey{
			BlockHash:       hash.Hex(),
			ContractAddress: strings.ToLower(contract.Hex()),
			Method:          method.Name,
			ArgsKey:         argsKey,
		},
	}, nil
}

// id returns the key as a single string for the memory tier and singleflight
func (c *call) id() string {
	k := c.key
	return k.BlockHash + "|" + k.ContractAddress + "|" + k.Method + "|" + k.ArgsKey
}
