package abi

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// Normalize converts an unpacked ABI value to its stored form:
// integers become *big.Int, addresses checksummed hex, byte values 0x-hex,
// slices and arrays []interface{}, tuples map[string]interface{}.
func Normalize(value interface{}) interface{} {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v)
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case string, bool:
		return v
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint())
	case reflect.Array:
		// fixed bytes
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		return normalizeList(rv)
	case reflect.Slice:
		return normalizeList(rv)
	case reflect.Struct:
		out := make(map[string]interface{}, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			out[lowerFirst(field.Name)] = Normalize(rv.Field(i).Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}

	return value
}

func normalizeList(rv reflect.Value) []interface{} {
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = Normalize(rv.Index(i).Interface())
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// NormalizeOutputs normalizes the unpacked results of a method call.
// A single output is returned as is; multiple outputs become value0..valueN.
func NormalizeOutputs(outputs []interface{}) interface{} {
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		return Normalize(outputs[0])
	}

	out := make(map[string]interface{}, len(outputs))
	for i, o := range outputs {
		out[OutputKey(i)] = Normalize(o)
	}
	return out
}

// OutputKey names the i-th output of a multi-output method
func OutputKey(i int) string {
	return "value" + strconv.Itoa(i)
}

// ConvertArg converts a loosely typed argument (GraphQL input, JSON) into the Go type
// go-ethereum packs for typ.
func ConvertArg(typ abi.Type, value interface{}) (interface{}, error) {
	switch typ.T {
	case abi.BoolTy:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool for %s, got %T", typ.String(), value)
		}
		return b, nil

	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", typ.String(), err)
		}
		return fitInt(typ, n)

	case abi.AddressTy:
		s, ok := value.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %v", value)
		}
		return common.HexToAddress(s), nil

	case abi.StringTy:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil

	case abi.BytesTy:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex string for bytes, got %T", value)
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bytes %q: %w", s, err)
		}
		return b, nil

	case abi.FixedBytesTy:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex string for %s, got %T", typ.String(), value)
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", typ.String(), s, err)
		}
		if len(b) > typ.Size {
			return nil, fmt.Errorf("%s value too long: %d bytes", typ.String(), len(b))
		}
		arr := reflect.New(typ.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		items, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected list for %s, got %T", typ.String(), value)
		}
		if typ.T == abi.ArrayTy && len(items) != typ.Size {
			return nil, fmt.Errorf("expected %d items for %s, got %d", typ.Size, typ.String(), len(items))
		}

		var out reflect.Value
		if typ.T == abi.SliceTy {
			out = reflect.MakeSlice(typ.GetType(), len(items), len(items))
		} else {
			out = reflect.New(typ.GetType()).Elem()
		}
		for i, item := range items {
			v, err := ConvertArg(*typ.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(v))
		}
		return out.Interface(), nil
	}

	return nil, fmt.Errorf("unsupported argument type %s", typ.String())
}

func toBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("not an integer: %v", v)
		}
		return big.NewInt(int64(v)), nil
	case string:
		n, ok := new(big.Int).SetString(v, 0)
		if !ok {
			return nil, fmt.Errorf("not an integer: %q", v)
		}
		return n, nil
	}
	return nil, fmt.Errorf("unsupported integer value %T", value)
}

// fitInt range-checks n against typ and converts it to the Go type go-ethereum expects
func fitInt(typ abi.Type, n *big.Int) (interface{}, error) {
	if typ.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("negative value for %s", typ.String())
	}

	bits := typ.Size
	if typ.T == abi.IntTy {
		bits--
	}
	magnitude := n
	if n.Sign() < 0 {
		// two's complement: -2^(bits) still fits
		magnitude = new(big.Int).Add(n, big.NewInt(1))
	}
	if magnitude.BitLen() > bits {
		return nil, fmt.Errorf("value %s overflows %s", n.String(), typ.String())
	}

	goType := typ.GetType()
	if goType == bigIntType {
		return n, nil
	}

	v := reflect.New(goType).Elem()
	if typ.T == abi.UintTy {
		v.SetUint(n.Uint64())
	} else {
		v.SetInt(n.Int64())
	}
	return v.Interface(), nil
}
