package jsonbig

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripPreservesWideIntegers(t *testing.T) {
	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)

	in := map[string]interface{}{
		"value0": huge,
		"value1": []interface{}{big.NewInt(1), big.NewInt(-2)},
		"value2": "0x223c067F8CF28ae173EE5CafEa60cA44C335fecB",
		"value3": true,
	}

	s, err := MarshalString(in)
	require.NoError(t, err)
	assert.Contains(t, s, huge.String())

	out, err := UnmarshalString(s)
	require.NoError(t, err)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0, huge.Cmp(m["value0"].(*big.Int)))

	list := m["value1"].([]interface{})
	assert.Equal(t, int64(1), list[0].(*big.Int).Int64())
	assert.Equal(t, int64(-2), list[1].(*big.Int).Int64())
	assert.Equal(t, "0x223c067F8CF28ae173EE5CafEa60cA44C335fecB", m["value2"])
	assert.Equal(t, true, m["value3"])
}

func TestUnmarshalScalars(t *testing.T) {
	v, err := Unmarshal([]byte("true"))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Unmarshal([]byte("12345678901234567890123"))
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890123", v.(*big.Int).String())

	v, err = Unmarshal([]byte("1.5"))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1.5"), v)
}

func TestUnmarshalStringNull(t *testing.T) {
	for _, s := range []string{"", "null"} {
		v, err := UnmarshalString(s)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	_, err := Unmarshal([]byte("{"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte("1 2"))
	assert.Error(t, err)
}

func TestMarshalCanonical(t *testing.T) {
	v := struct {
		Zeta  string          `json:"zeta"`
		Alpha json.RawMessage `json:"alpha"`
		Big   *big.Int        `json:"big"`
	}{
		Zeta:  "<tag>&",
		Alpha: json.RawMessage(`{"y": 1, "b": [ {"d":2,"c":3} ]}`),
		Big:   new(big.Int).Lsh(big.NewInt(1), 100),
	}

	data, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t,
		`{"alpha":{"b":[{"c":3,"d":2}],"y":1},"big":1267650600228229401496703205376,"zeta":"<tag>&"}`,
		string(data))
}
