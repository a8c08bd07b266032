package graphql

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-stack/azimuth-watcher/events"
	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
	"github.com/deep-stack/azimuth-watcher/registry"
	"github.com/deep-stack/azimuth-watcher/storage"
)

const eventFields = `
	block { hash number timestamp parentHash }
	tx { hash index from to }
	contract
	eventIndex
	event {
		__typename
		... on ActivatedEvent { point }
		... on OwnerChangedEvent { point owner }
		... on SpawnedEvent { prefix child }
		... on GenericEvent { eventName args }
	}
	proof { data }`

func TestEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	// hashes and addresses match regardless of case
	data := f.data(t, fmt.Sprintf(`{ events(blockHash: %q, contractAddress: %q) { %s } }`,
		strings.ToUpper(f.blockHash(7)), azimuthAddress.Hex(), eventFields))

	list := data["events"].([]interface{})
	require.Len(t, list, 2)

	first := list[0].(map[string]interface{})
	block := first["block"].(map[string]interface{})
	assert.Equal(t, f.blockHash(7), block["hash"])
	assert.EqualValues(t, 7, block["number"])
	assert.EqualValues(t, f.chain.Header(7).Time, block["timestamp"])
	assert.Equal(t, f.blockHash(6), block["parentHash"])
	assert.Equal(t, strings.ToLower(azimuthAddress.Hex()), first["contract"])
	assert.EqualValues(t, 0, first["eventIndex"])

	tx := first["tx"].(map[string]interface{})
	assert.Equal(t, strings.ToLower(f.chain.From().Hex()), tx["from"])
	assert.Equal(t, strings.ToLower(azimuthAddress.Hex()), tx["to"])

	activated := first["event"].(map[string]interface{})
	assert.Equal(t, "ActivatedEvent", activated["__typename"])
	assert.Equal(t, "42", activated["point"])

	owner := list[1].(map[string]interface{})["event"].(map[string]interface{})
	assert.Equal(t, "OwnerChangedEvent", owner["__typename"])
	assert.Equal(t, "42", owner["point"])
	assert.Equal(t, ownerAddress.Hex(), owner["owner"])

	data = f.data(t, fmt.Sprintf(`{ events(blockHash: %q, contractAddress: %q, name: "OwnerChanged") { eventIndex } }`,
		f.blockHash(7), azimuthAddress.Hex()))
	assert.Len(t, data["events"].([]interface{}), 1)

	data = f.data(t, fmt.Sprintf(`{ events(blockHash: %q, contractAddress: %q) { eventIndex } }`,
		f.blockHash(8), azimuthAddress.Hex()))
	assert.Empty(t, data["events"])
}

func TestEventsBlockNotProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknown := "0x" + strings.Repeat("ab", 32)
	res := f.do(t, fmt.Sprintf(`{ events(blockHash: %q, contractAddress: %q) { eventIndex } }`,
		unknown, azimuthAddress.Hex()))
	require.True(t, res.HasErrors())
	assert.Equal(t, fmt.Sprintf("Block hash %s not processed yet", unknown), errorMessages(res))

	partial := f.blockHash(3)
	require.NoError(t, f.store.RunInTx(ctx, func(tx *sqlx.Tx) error {
		return f.store.SaveBlockProgress(ctx, tx, &storage.BlockProgress{
			BlockHash:   partial,
			BlockNumber: 3,
			ParentHash:  f.blockHash(2),
			NumEvents:   2,
			IsComplete:  false,
		})
	}))

	res = f.do(t, fmt.Sprintf(`{ events(blockHash: %q, contractAddress: %q) { eventIndex } }`,
		partial, azimuthAddress.Hex()))
	require.True(t, res.HasErrors())
	assert.Equal(t, fmt.Sprintf("Block hash %s number 3 not processed yet", partial), errorMessages(res))
}

func TestEventsInRange(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, `{ eventsInRange(fromBlockNumber: 0, toBlockNumber: 10) { eventIndex } }`)
	require.True(t, res.HasErrors())
	assert.Equal(t, "No blocks processed yet", errorMessages(res))

	f.seed(t)

	data := f.data(t, `{ eventsInRange(fromBlockNumber: 0, toBlockNumber: 20) { block { number } eventIndex event { __typename } } }`)
	list := data["eventsInRange"].([]interface{})
	require.Len(t, list, 3)

	numbers := make([]int, 0, len(list))
	for _, item := range list {
		numbers = append(numbers, item.(map[string]interface{})["block"].(map[string]interface{})["number"].(int))
	}
	assert.Equal(t, []int{7, 7, 12}, numbers)

	spawned := list[2].(map[string]interface{})["event"].(map[string]interface{})
	assert.Equal(t, "SpawnedEvent", spawned["__typename"])

	data = f.data(t, `{ eventsInRange(fromBlockNumber: 8, toBlockNumber: 11) { eventIndex } }`)
	assert.Empty(t, data["eventsInRange"])
}

func TestEventsInRangeErrors(t *testing.T) {
	f := newFixture(t, WithMaxEventsBlockRange(5))
	f.seed(t)

	tests := []struct {
		name     string
		from, to int
		want     string
	}{
		{"above latest processed", 0, 21, "Block range should be between 0 and 20"},
		{"negative", -1, 5, "block numbers cannot be negative"},
		{"reversed", 9, 4, "fromBlockNumber 9 is greater than toBlockNumber 4"},
		{"too wide", 0, 10, "Block range 10 exceeds the maximum of 5 blocks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.do(t, fmt.Sprintf(`{ eventsInRange(fromBlockNumber: %d, toBlockNumber: %d) { eventIndex } }`, tt.from, tt.to))
			require.True(t, res.HasErrors())
			assert.Equal(t, tt.want, errorMessages(res))
		})
	}

	data := f.data(t, `{ eventsInRange(fromBlockNumber: 7, toBlockNumber: 12) { eventIndex } }`)
	assert.Len(t, data["eventsInRange"], 3)
}

func TestGetState(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	contract := strings.ToLower(azimuthAddress.Hex())
	stored, err := f.store.GetState(ctx, f.blockHash(7), contract, storage.StateKindDiff)
	require.NoError(t, err)

	data := f.data(t, fmt.Sprintf(`{ getState(blockHash: %q, contractAddress: %q) { block { hash number timestamp } contractAddress cid kind data } }`,
		f.blockHash(7), azimuthAddress.Hex()))
	state := data["getState"].(map[string]interface{})
	assert.Equal(t, stored.CID, state["cid"])
	assert.Equal(t, storage.StateKindDiff, state["kind"])
	assert.Equal(t, contract, state["contractAddress"])
	assert.Equal(t, stored.Data, state["data"])
	block := state["block"].(map[string]interface{})
	assert.Equal(t, f.blockHash(7), block["hash"])
	assert.EqualValues(t, 7, block["number"])
	assert.EqualValues(t, f.chain.Header(7).Time, block["timestamp"])

	decoded, err := jsonbig.UnmarshalString(state["data"].(string))
	require.NoError(t, err)
	assert.Contains(t, decoded.(map[string]interface{}), "meta")

	data = f.data(t, fmt.Sprintf(`{ getStateByCID(cid: %q) { block { number } cid } }`, stored.CID))
	byCID := data["getStateByCID"].(map[string]interface{})
	assert.Equal(t, stored.CID, byCID["cid"])

	data = f.data(t, fmt.Sprintf(`{ getState(blockHash: %q, contractAddress: %q) { cid } }`,
		f.blockHash(8), azimuthAddress.Hex()))
	assert.Nil(t, data["getState"])

	data = f.data(t, fmt.Sprintf(`{ getState(blockHash: %q, contractAddress: %q, kind: "checkpoint") { cid } }`,
		f.blockHash(7), azimuthAddress.Hex()))
	assert.Nil(t, data["getState"])

	data = f.data(t, `{ getStateByCID(cid: "bafyunknown") { cid } }`)
	assert.Nil(t, data["getStateByCID"])
}

func TestGetSyncStatus(t *testing.T) {
	f := newFixture(t)

	data := f.data(t, `{ getSyncStatus { latestIndexedBlockNumber } }`)
	assert.Nil(t, data["getSyncStatus"])

	f.seed(t)

	data = f.data(t, `{ getSyncStatus {
		chainHeadBlockHash chainHeadBlockNumber
		latestIndexedBlockHash latestIndexedBlockNumber
		latestProcessedBlockNumber initialIndexedBlockNumber
	} }`)
	status := data["getSyncStatus"].(map[string]interface{})
	assert.EqualValues(t, 20, status["latestIndexedBlockNumber"])
	assert.EqualValues(t, 20, status["latestProcessedBlockNumber"])
	assert.EqualValues(t, 0, status["initialIndexedBlockNumber"])
	assert.Equal(t, f.blockHash(20), status["latestIndexedBlockHash"])
	assert.EqualValues(t, 100, status["chainHeadBlockNumber"])
}

func TestWatchContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := f.data(t, fmt.Sprintf(`mutation { watchContract(address: %q, kind: %q, checkpoint: true, startingBlock: 12) }`,
		azimuthAddress.Hex(), registry.KindAzimuth))
	assert.Equal(t, true, data["watchContract"])

	c, err := f.store.GetContract(ctx, strings.ToLower(azimuthAddress.Hex()))
	require.NoError(t, err)
	assert.Equal(t, registry.KindAzimuth, c.Kind)
	assert.True(t, c.Checkpoint)
	assert.Equal(t, uint64(12), c.StartingBlock)

	res := f.do(t, fmt.Sprintf(`mutation { watchContract(address: %q, kind: "Nope", checkpoint: false) }`,
		ownerAddress.Hex()))
	require.True(t, res.HasErrors())
	assert.Contains(t, errorMessages(res), `unknown contract kind "Nope"`)

	res = f.do(t, fmt.Sprintf(`mutation { watchContract(address: %q, kind: %q, checkpoint: false, startingBlock: -1) }`,
		ownerAddress.Hex(), registry.KindAzimuth))
	assert.True(t, res.HasErrors())
}

func TestEventValue(t *testing.T) {
	f := newFixture(t)

	v := f.schema.eventValue("Activated", map[string]interface{}{"point": big.NewInt(7)})
	assert.Equal(t, "Activated", v[typenameKey])
	assert.Equal(t, big.NewInt(7), v["point"])

	// missing arguments fall back to the generic shape
	v = f.schema.eventValue("OwnerChanged", map[string]interface{}{"point": big.NewInt(7)})
	assert.Equal(t, "OwnerChanged", v["eventName"])
	assert.JSONEq(t, `{"point":7}`, v["args"].(string))

	v = f.schema.eventValue("Transfer", map[string]interface{}{"value": big.NewInt(1)})
	assert.Equal(t, "Transfer", v["eventName"])
	assert.JSONEq(t, `{"value":1}`, v["args"].(string))
}

func TestParseProof(t *testing.T) {
	assert.Nil(t, parseProof(""))
	assert.Nil(t, parseProof("null"))
	assert.Nil(t, parseProof("{not json"))
	assert.Equal(t, map[string]interface{}{"data": "0x01"}, parseProof(`{"data":"0x01"}`))
}

func TestSubscribeOnEventWithoutBus(t *testing.T) {
	f := newFixture(t)

	_, err := f.schema.subscribeOnEvent(graphqlResolveParams(context.Background(), nil))
	assert.EqualError(t, err, "event bus not available")
}

func TestSubscribeOnEvent(t *testing.T) {
	bus := events.NewEventBus(10, 10)
	go bus.Run()
	defer bus.Stop()

	f := newFixture(t, WithEventBus(bus))
	ctx, cancel := context.WithCancel(context.Background())

	out, err := f.schema.subscribeOnEvent(graphqlResolveParams(ctx, map[string]interface{}{
		"contractAddress": azimuthAddress.Hex(),
		"name":            "Activated",
	}))
	require.NoError(t, err)
	results := out.(chan interface{})
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	contract := strings.ToLower(azimuthAddress.Hex())
	require.True(t, bus.Publish(&events.ContractEvent{Contract: contract, EventName: "Spawned", CreatedAt: time.Now()}))
	require.True(t, bus.Publish(&events.ContractEvent{
		BlockHash:   f.blockHash(9),
		BlockNumber: 9,
		Contract:    contract,
		Kind:        registry.KindAzimuth,
		EventIndex:  4,
		EventName:   "Activated",
		Args:        map[string]interface{}{"point": big.NewInt(42)},
		CreatedAt:   time.Now(),
	}))

	select {
	case item := <-results:
		result := item.(map[string]interface{})
		assert.Equal(t, contract, result["contract"])
		assert.Equal(t, 4, result["eventIndex"])
		assert.Equal(t, "Activated", result["event"].(map[string]interface{})[typenameKey])
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-results:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func graphqlResolveParams(ctx context.Context, args map[string]interface{}) graphql.ResolveParams {
	if args == nil {
		args = map[string]interface{}{}
	}
	return graphql.ResolveParams{Context: ctx, Args: args}
}
