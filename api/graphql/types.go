package graphql

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/graphql-go/graphql"

	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
)

var (
	proofType = graphql.NewObject(graphql.ObjectConfig{
		Name: "Proof",
		Fields: graphql.Fields{
			"data": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})

	blockType = graphql.NewObject(graphql.ObjectConfig{
		Name: "_Block_",
		Fields: graphql.Fields{
			"hash":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"number":     &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"timestamp":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"parentHash": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})

	transactionType = graphql.NewObject(graphql.ObjectConfig{
		Name: "_Transaction_",
		Fields: graphql.Fields{
			"hash":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"index": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"from":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"to":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})

	syncStatusType = graphql.NewObject(graphql.ObjectConfig{
		Name: "SyncStatus",
		Fields: graphql.Fields{
			"chainHeadBlockHash":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"chainHeadBlockNumber":       &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"latestIndexedBlockHash":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"latestIndexedBlockNumber":   &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"latestProcessedBlockHash":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"latestProcessedBlockNumber": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"latestCanonicalBlockHash":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"latestCanonicalBlockNumber": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"initialIndexedBlockHash":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"initialIndexedBlockNumber":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		},
	})

	stateType = graphql.NewObject(graphql.ObjectConfig{
		Name: "ResultState",
		Fields: graphql.Fields{
			"block":           &graphql.Field{Type: graphql.NewNonNull(blockType)},
			"contractAddress": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"cid":             &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"kind":            &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"data":            &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})

	// genericEventType carries events of kinds other than the served one
	genericEventType = graphql.NewObject(graphql.ObjectConfig{
		Name: "GenericEvent",
		Fields: graphql.Fields{
			"eventName": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"args":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})
)

// fitsInt reports whether every value of an integer ABI type fits a GraphQL Int (signed 32-bit)
func fitsInt(typ abi.Type) bool {
	switch typ.T {
	case abi.IntTy:
		return typ.Size <= 32
	case abi.UintTy:
		return typ.Size < 32
	}
	return false
}

// graphqlType maps an ABI type to the GraphQL type it is exposed as
func graphqlType(typ abi.Type) graphql.Type {
	switch typ.T {
	case abi.BoolTy:
		return graphql.Boolean
	case abi.IntTy, abi.UintTy:
		if fitsInt(typ) {
			return graphql.Int
		}
		return BigInt
	case abi.FixedPointTy:
		return BigDecimal
	case abi.SliceTy, abi.ArrayTy:
		return graphql.NewList(graphql.NewNonNull(graphqlType(*typ.Elem)))
	default:
		// address, string, bytes, fixed bytes, hash, function and tuples
		return graphql.String
	}
}

// typeName names a GraphQL type for use in generated object names, e.g. BigIntArray
func typeName(t graphql.Type) string {
	switch v := t.(type) {
	case *graphql.List:
		return typeName(v.OfType) + "Array"
	case *graphql.NonNull:
		return typeName(v.OfType)
	}
	return t.Name()
}

// toGraphQL converts a normalized ABI value to the shape its GraphQL type serializes.
// Integers that fit an Int become int, tuples become JSON text.
func toGraphQL(typ abi.Type, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch typ.T {
	case abi.IntTy, abi.UintTy:
		if !fitsInt(typ) {
			return value, nil
		}
		n := parseBigInt(value)
		if n == nil || !n.IsInt64() {
			return nil, fmt.Errorf("invalid %s value %v", typ.String(), value)
		}
		return int(n.Int64()), nil

	case abi.SliceTy, abi.ArrayTy:
		items, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected list for %s, got %T", typ.String(), value)
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			v, err := toGraphQL(*typ.Elem, item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case abi.TupleTy:
		return jsonbig.MarshalString(value)
	}

	return value, nil
}

// exportedName capitalizes the first letter, for type names built from method names
func exportedName(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// blockResult maps block fields to the _Block_ type
func blockResult(hash string, number, timestamp uint64, parentHash string) map[string]interface{} {
	return map[string]interface{}{
		"hash":       hash,
		"number":     int(number),
		"timestamp":  int(timestamp),
		"parentHash": parentHash,
	}
}

// intArg reads a non-negative Int argument
func intArg(args map[string]interface{}, name string) (uint64, bool) {
	v, ok := args[name].(int)
	if !ok || v < 0 {
		return 0, false
	}
	return uint64(v), true
}
