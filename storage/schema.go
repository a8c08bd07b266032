package storage

import (
	"fmt"
	"strings"
)

// Key prefixes for the pebble call cache
const (
	prefixCall    = "/call/"
	prefixCallNum = "/callnum/"
)

// CallKeyBytes returns the primary key of a cached call
// Format: /call/{blockHash}/{contract}/{method}/{argsKey}
func CallKeyBytes(key CallKey) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s/%s", prefixCall, key.BlockHash, key.ContractAddress, key.Method, key.ArgsKey))
}

// CallNumberIndexKey returns the block number index key of a cached call.
// Heights are zero padded so that keys sort numerically.
// Format: /callnum/{blockNumber:020}/{blockHash}/{contract}/{method}/{argsKey}
func CallNumberIndexKey(blockNumber uint64, key CallKey) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s/%s/%s/%s", prefixCallNum, blockNumber, key.BlockHash, key.ContractAddress, key.Method, key.ArgsKey))
}

// CallNumberLowerBound returns the first index key for heights >= blockNumber
func CallNumberLowerBound(blockNumber uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", prefixCallNum, blockNumber))
}

// CallNumberUpperBound returns the key just past the whole number index
func CallNumberUpperBound() []byte {
	return prefixUpperBound([]byte(prefixCallNum))
}

// ValidateCallKey rejects keys whose parts would make the pebble key ambiguous
func ValidateCallKey(key CallKey) error {
	for _, part := range []string{key.BlockHash, key.ContractAddress, key.Method} {
		if part == "" || strings.Contains(part, "/") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, part)
		}
	}
	return nil
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
