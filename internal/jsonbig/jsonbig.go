// Package jsonbig encodes and decodes JSON without losing integer precision.
//
// Integers of any width round-trip through *big.Int. encoding/json already
// writes *big.Int as a bare JSON number; the decoder side keeps numbers as
// json.Number and converts integral ones back to *big.Int.
package jsonbig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Marshal returns the JSON encoding of v. Big integers are written as bare numbers.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return data, nil
}

// MarshalString is Marshal returning a string, the form stored in text columns.
func MarshalString(v interface{}) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MarshalCanonical returns the dag-json form of v: object keys sorted bytewise at
// every depth, no insignificant whitespace and no HTML escaping of strings.
func MarshalCanonical(v interface{}) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	tree, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}

	// maps encode with sorted keys
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal decodes data into a generic value. Integral numbers become *big.Int,
// other numbers stay json.Number, objects become map[string]interface{} and
// arrays []interface{}.
func Unmarshal(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode json: trailing data")
	}
	return convert(v), nil
}

// UnmarshalString decodes a stored text column. An empty string or "null" decodes to nil.
func UnmarshalString(s string) (interface{}, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	return Unmarshal([]byte(s))
}

func convert(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		return number(t)
	case []interface{}:
		for i := range t {
			t[i] = convert(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = convert(t[k])
		}
		return t
	default:
		return v
	}
}

func number(n json.Number) interface{} {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return n
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return n
	}
	return i
}
