package abi

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-stack/azimuth-watcher/registry"
)

var azimuthAddress = common.HexToAddress("0x223c067F8CF28ae173EE5CafEa60cA44C335fecB")

func newAzimuthDecoder(t *testing.T) (*Decoder, *registry.Kind) {
	t.Helper()
	r, err := registry.New()
	require.NoError(t, err)
	kind, err := r.Kind(registry.KindAzimuth)
	require.NoError(t, err)

	d := NewDecoder()
	d.Watch(azimuthAddress, kind)
	return d, kind
}

func TestDecodeLog_IndexedOnly(t *testing.T) {
	d, kind := newAzimuthDecoder(t)

	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	log := &types.Log{
		Address: azimuthAddress,
		Topics: []common.Hash{
			kind.ABI.Events["OwnerChanged"].ID,
			common.BigToHash(big.NewInt(42)),
			common.BytesToHash(owner.Bytes()),
		},
		BlockNumber: 100,
		Index:       3,
	}

	decoded, err := d.DecodeLog(log)
	require.NoError(t, err)

	assert.Equal(t, "OwnerChanged", decoded.EventName)
	assert.Equal(t, registry.KindAzimuth, decoded.Kind)
	assert.Equal(t, uint64(100), decoded.BlockNumber)
	assert.Equal(t, uint(3), decoded.LogIndex)
	assert.Equal(t, int64(42), decoded.Args["point"].(*big.Int).Int64())
	assert.Equal(t, owner.Hex(), decoded.Args["owner"])
}

func TestDecodeLog_WithData(t *testing.T) {
	d, kind := newAzimuthDecoder(t)

	event := kind.ABI.Events["ChangedKeys"]
	var nonIndexed = event.Inputs.NonIndexed()
	crypt := [32]byte{0x01}
	auth := [32]byte{0x02}
	data, err := nonIndexed.Pack(crypt, auth, uint32(1), uint32(7))
	require.NoError(t, err)

	log := &types.Log{
		Address: azimuthAddress,
		Topics:  []common.Hash{event.ID, common.BigToHash(big.NewInt(256))},
		Data:    data,
	}

	decoded, err := d.DecodeLog(log)
	require.NoError(t, err)

	assert.Equal(t, "ChangedKeys", decoded.EventName)
	assert.Equal(t, int64(256), decoded.Args["point"].(*big.Int).Int64())
	assert.Equal(t, "0x0100000000000000000000000000000000000000000000000000000000000000", decoded.Args["encryptionKey"])
	assert.Equal(t, int64(7), decoded.Args["keyRevisionNumber"].(*big.Int).Int64())
}

func TestDecodeLog_Errors(t *testing.T) {
	d, _ := newAzimuthDecoder(t)

	_, err := d.DecodeLog(&types.Log{Address: common.HexToAddress("0x01")})
	assert.Error(t, err)

	_, err = d.DecodeLog(&types.Log{Address: azimuthAddress})
	assert.Error(t, err)

	_, err = d.DecodeLog(&types.Log{Address: azimuthAddress, Topics: []common.Hash{{0xff}}})
	assert.Error(t, err)
}

func TestWatchUnwatch(t *testing.T) {
	d, _ := newAzimuthDecoder(t)
	assert.Equal(t, []common.Address{azimuthAddress}, d.Addresses())

	d.Unwatch(azimuthAddress)
	assert.Empty(t, d.Addresses())
	_, ok := d.KindOf(azimuthAddress)
	assert.False(t, ok)
}
