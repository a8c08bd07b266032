package testutil

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testABI = `[
	{"type":"function","name":"isActive","stateMutability":"view","inputs":[{"name":"_point","type":"uint32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Activated","inputs":[{"name":"point","type":"uint32","indexed":true}]}
]`

func TestNewTestLogger(t *testing.T) {
	if NewTestLogger(t) == nil {
		t.Fatal("NewTestLogger() returned nil")
	}
}

func TestNewTestSQLStore(t *testing.T) {
	store := NewTestSQLStore(t)
	if _, err := store.GetContracts(context.Background()); err != nil {
		t.Fatalf("GetContracts() error = %v", err)
	}
}

func TestFakeChainHeaders(t *testing.T) {
	chain := NewFakeChain(3)
	ctx := context.Background()

	head, err := chain.GetLatestBlockNumber(ctx)
	if err != nil || head != 3 {
		t.Fatalf("GetLatestBlockNumber() = %d, %v; want 3", head, err)
	}

	h2 := chain.Header(2)
	if h2.ParentHash != chain.Header(1).Hash() {
		t.Error("block 2 parent hash does not link to block 1")
	}

	got, err := chain.HeaderByHash(ctx, h2.Hash())
	if err != nil {
		t.Fatalf("HeaderByHash() error = %v", err)
	}
	if got.Number.Uint64() != 2 {
		t.Errorf("HeaderByHash() number = %d, want 2", got.Number.Uint64())
	}

	if _, err := chain.HeaderByHash(ctx, common.HexToHash("0xdead")); err == nil {
		t.Error("HeaderByHash() of unknown hash should fail")
	}
}

func TestFakeChainCallsAndLogs(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(testABI))
	if err != nil {
		t.Fatal(err)
	}

	chain := NewFakeChain(2)
	chain.RegisterABI(parsed)
	contract := common.HexToAddress("0x01")
	ctx := context.Background()

	if err := chain.SetCallResult(contract, parsed, "isActive", true); err != nil {
		t.Fatal(err)
	}
	data, _ := parsed.Pack("isActive", uint32(1))
	out, err := chain.CallContractAtHash(ctx, ethereum.CallMsg{To: &contract, Data: data}, chain.Header(1).Hash())
	if err != nil {
		t.Fatalf("CallContractAtHash() error = %v", err)
	}
	if out[31] != 1 {
		t.Errorf("CallContractAtHash() = %x, want true", out)
	}
	if chain.CallCount("isActive") != 1 {
		t.Errorf("CallCount() = %d, want 1", chain.CallCount("isActive"))
	}

	log, err := chain.AddLog(2, contract, parsed, "Activated", uint32(5))
	if err != nil {
		t.Fatal(err)
	}
	blockHash := chain.Header(2).Hash()
	logs, err := chain.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &blockHash, Addresses: []common.Address{contract}})
	if err != nil || len(logs) != 1 {
		t.Fatalf("FilterLogs() = %d logs, %v; want 1", len(logs), err)
	}

	block, err := chain.GetBlockByHash(ctx, blockHash)
	if err != nil {
		t.Fatal(err)
	}
	tx := block.Transactions()[log.TxIndex]
	from, err := types.Sender(types.LatestSignerForChainID(FakeChainID), tx)
	if err != nil {
		t.Fatal(err)
	}
	if from != chain.From() {
		t.Errorf("Sender() = %s, want %s", from.Hex(), chain.From().Hex())
	}
}
