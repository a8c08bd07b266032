package graphql

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/shopspring/decimal"
)

// BigInt is an arbitrary precision integer, serialized as a decimal string.
// Inputs accept int literals, decimal strings and 0x-prefixed hex strings.
var BigInt = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "BigInt",
	Description: "Arbitrary precision integer, serialized as a decimal string",
	Serialize:   serializeBigInt,
	ParseValue: func(value interface{}) interface{} {
		if n := parseBigInt(value); n != nil {
			return n
		}
		return nil
	},
	ParseLiteral: func(valueAST ast.Value) interface{} {
		switch v := valueAST.(type) {
		case *ast.IntValue:
			if n := parseBigInt(v.Value); n != nil {
				return n
			}
		case *ast.StringValue:
			if n := parseBigInt(v.Value); n != nil {
				return n
			}
		}
		return nil
	},
})

// BigDecimal is an arbitrary precision decimal, serialized as a string
var BigDecimal = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "BigDecimal",
	Description: "Arbitrary precision decimal, serialized as a string",
	Serialize:   serializeBigDecimal,
	ParseValue: func(value interface{}) interface{} {
		if d, ok := parseBigDecimal(value); ok {
			return d
		}
		return nil
	},
	ParseLiteral: func(valueAST ast.Value) interface{} {
		var raw string
		switch v := valueAST.(type) {
		case *ast.IntValue:
			raw = v.Value
		case *ast.FloatValue:
			raw = v.Value
		case *ast.StringValue:
			raw = v.Value
		default:
			return nil
		}
		if d, ok := parseBigDecimal(raw); ok {
			return d
		}
		return nil
	},
})

func parseBigInt(value interface{}) *big.Int {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil
		}
		return new(big.Int).Set(v)
	case big.Int:
		return new(big.Int).Set(&v)
	case int:
		return big.NewInt(int64(v))
	case int32:
		return big.NewInt(int64(v))
	case int64:
		return big.NewInt(v)
	case uint32:
		return new(big.Int).SetUint64(uint64(v))
	case uint64:
		return new(big.Int).SetUint64(v)
	case float64:
		if v != float64(int64(v)) {
			return nil
		}
		return big.NewInt(int64(v))
	case json.Number:
		return parseBigInt(v.String())
	case string:
		s := strings.TrimSpace(v)
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s, base = s[2:], 16
		}
		if s == "" {
			return nil
		}
		n, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil
		}
		return n
	}
	return nil
}

func serializeBigInt(value interface{}) interface{} {
	if n := parseBigInt(value); n != nil {
		return n.String()
	}
	return nil
}

func parseBigDecimal(value interface{}) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, true
	case *big.Int:
		if v == nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromBigInt(v, 0), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case float64:
		return decimal.NewFromFloat(v), true
	case json.Number:
		return parseBigDecimal(v.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}

func serializeBigDecimal(value interface{}) interface{} {
	if d, ok := parseBigDecimal(value); ok {
		return d.String()
	}
	return nil
}
