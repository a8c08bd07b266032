package indexer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-stack/azimuth-watcher/events"
	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
	"github.com/deep-stack/azimuth-watcher/internal/testutil"
	"github.com/deep-stack/azimuth-watcher/registry"
	"github.com/deep-stack/azimuth-watcher/storage"
)

var (
	azimuthAddress = common.HexToAddress("0x223c067F8CF28ae173EE5CafEa60cA44C335fecB")
	otherAddress   = common.HexToAddress("0x6ac07B7C4601B5CE11de8Dfe6335B871C7C4dd4d")
	ownerAddress   = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

func testConfig() *Config {
	return &Config{
		BatchSize:    5,
		Workers:      3,
		MaxRetries:   1,
		RetryDelay:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

type fixture struct {
	chain *testutil.FakeChain
	store *storage.SQLStore
	kind  *registry.Kind
	ix    *Indexer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	reg, err := registry.New()
	require.NoError(t, err)
	kind, err := reg.Kind(registry.KindAzimuth)
	require.NoError(t, err)

	chain := testutil.NewFakeChain(20)
	store := testutil.NewTestSQLStore(t)

	ix, err := New(chain, store, reg, testConfig(), testutil.NewTestLogger(t), opts...)
	require.NoError(t, err)

	return &fixture{chain: chain, store: store, kind: kind, ix: ix}
}

// seed watches Azimuth from block 5 and emits logs at blocks 3, 7 and 12
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.ix.WatchContract(ctx, azimuthAddress.Hex(), registry.KindAzimuth, true, 5))

	_, err := f.chain.AddLog(3, azimuthAddress, f.kind.ABI, "Activated", uint32(1))
	require.NoError(t, err)
	_, err = f.chain.AddLog(7, azimuthAddress, f.kind.ABI, "Activated", uint32(42))
	require.NoError(t, err)
	_, err = f.chain.AddLog(7, otherAddress, f.kind.ABI, "Activated", uint32(43))
	require.NoError(t, err)
	_, err = f.chain.AddLog(7, azimuthAddress, f.kind.ABI, "OwnerChanged", uint32(42), ownerAddress)
	require.NoError(t, err)
	_, err = f.chain.AddLog(12, azimuthAddress, f.kind.ABI, "Spawned", uint32(1), uint32(65537))
	require.NoError(t, err)
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().Get(&n, `SELECT COUNT(*) FROM `+table))
	return n
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"zero retry delay", func(c *Config) { c.RetryDelay = 0 }, true},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	chain := testutil.NewFakeChain(1)
	store := testutil.NewTestSQLStore(t)

	_, err = New(nil, store, reg, testConfig(), nil)
	assert.Error(t, err)
	_, err = New(chain, nil, reg, testConfig(), nil)
	assert.Error(t, err)
	_, err = New(chain, store, nil, testConfig(), nil)
	assert.Error(t, err)
	_, err = New(chain, store, reg, nil, nil)
	assert.Error(t, err)
	_, err = New(chain, store, reg, &Config{}, nil)
	assert.Error(t, err)

	ix, err := New(chain, store, reg, testConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, ix)
}

func TestWatchContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ix.WatchContract(ctx, azimuthAddress.Hex(), registry.KindAzimuth, false, 10))

	c, err := f.store.GetContract(ctx, strings.ToLower(azimuthAddress.Hex()))
	require.NoError(t, err)
	assert.Equal(t, registry.KindAzimuth, c.Kind)
	assert.Equal(t, uint64(10), c.StartingBlock)
	assert.False(t, c.Checkpoint)

	// watching again updates the row
	require.NoError(t, f.ix.WatchContract(ctx, azimuthAddress.Hex(), registry.KindAzimuth, true, 12))
	c, err = f.store.GetContract(ctx, strings.ToLower(azimuthAddress.Hex()))
	require.NoError(t, err)
	assert.True(t, c.Checkpoint)
	assert.Equal(t, uint64(12), c.StartingBlock)

	err = f.ix.WatchContract(ctx, azimuthAddress.Hex(), "Unknown", false, 0)
	assert.True(t, errors.Is(err, registry.ErrUnknownKind))
	assert.Contains(t, err.Error(), `unknown contract kind "Unknown"`)

	assert.Error(t, f.ix.WatchContract(ctx, "0x1234", registry.KindAzimuth, false, 0))
}

func TestGetNextHeight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	next, err := f.ix.GetNextHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)

	f.seed(t)
	next, err = f.ix.GetNextHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next, "starts at the first contract block")

	require.NoError(t, f.ix.ProcessRange(ctx, 5, 9))
	next, err = f.ix.GetNextHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), next)
}

func TestProcessRange(t *testing.T) {
	bus := events.NewEventBus(100, 10)
	go bus.Run()
	defer bus.Stop()

	sub := bus.Subscribe("test", []events.EventType{events.EventTypeContractEvent, events.EventTypeBlockProcessed}, nil, 100)
	require.NotNil(t, sub)

	f := newFixture(t, WithEventBus(bus))
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.ix.ProcessRange(ctx, 0, 20))

	assert.Equal(t, 21, f.count(t, "block_progress"))
	assert.Equal(t, 3, f.count(t, "event"), "the log before the starting block and the unwatched contract are skipped")

	block7 := f.chain.Header(7).Hash().Hex()
	bp, err := f.store.GetBlockProgress(ctx, block7)
	require.NoError(t, err)
	assert.True(t, bp.IsComplete)
	assert.Equal(t, uint64(2), bp.NumEvents)
	assert.Equal(t, f.chain.Header(6).Hash().Hex(), bp.ParentHash)
	assert.Equal(t, f.chain.Header(7).Time, bp.BlockTimestamp)

	evs, err := f.store.GetEvents(ctx, block7, "", "")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "Activated", evs[0].EventName)
	assert.Equal(t, "OwnerChanged", evs[1].EventName)
	assert.Equal(t, strings.ToLower(azimuthAddress.Hex()), evs[0].Contract)
	assert.Equal(t, strings.ToLower(f.chain.From().Hex()), evs[0].TxFrom)
	assert.Equal(t, strings.ToLower(azimuthAddress.Hex()), evs[0].TxTo)
	assert.Equal(t, uint64(0), evs[0].EventIndex)
	assert.Equal(t, uint64(2), evs[1].EventIndex)

	info, err := jsonbig.UnmarshalString(evs[1].EventInfo)
	require.NoError(t, err)
	args := info.(map[string]interface{})
	assert.Equal(t, int64(42), args["point"].(*big.Int).Int64())
	assert.Equal(t, ownerAddress.Hex(), args["owner"])

	status, err := f.store.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), status.InitialIndexedBlockNumber)
	assert.Equal(t, uint64(20), status.LatestIndexedBlockNumber)
	assert.Equal(t, uint64(20), status.LatestProcessedBlockNumber)
	assert.Equal(t, uint64(20), status.ChainHeadBlockNumber)
	assert.Equal(t, f.chain.Header(20).Hash().Hex(), status.ChainHeadBlockHash)

	stateStatus, err := f.store.GetStateSyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), stateStatus.LatestIndexedBlockNumber)

	var contractEvents, blockEvents int
	timeout := time.After(2 * time.Second)
	for contractEvents+blockEvents < 3+21 {
		select {
		case ev := <-sub.Channel:
			switch e := ev.(type) {
			case *events.ContractEvent:
				contractEvents++
				assert.Equal(t, registry.KindAzimuth, e.Kind)
				assert.Empty(t, e.Origin)
			case *events.BlockProcessedEvent:
				blockEvents++
			}
		case <-timeout:
			t.Fatalf("received %d contract and %d block events", contractEvents, blockEvents)
		}
	}
	assert.Equal(t, 3, contractEvents)
	assert.Equal(t, 21, blockEvents)
}

func TestProcessRangeInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Error(t, f.ix.ProcessRange(ctx, 5, 4))
	assert.Error(t, f.ix.ProcessRange(ctx, 0, 21))
}

func TestDiffState(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.ix.ProcessRange(ctx, 0, 20))
	assert.Equal(t, 2, f.count(t, "state"))

	contract := strings.ToLower(azimuthAddress.Hex())
	first, err := f.store.GetState(ctx, f.chain.Header(7).Hash().Hex(), contract, storage.StateKindDiff)
	require.NoError(t, err)
	second, err := f.store.GetState(ctx, f.chain.Header(12).Hash().Hex(), contract, storage.StateKindDiff)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first.CID, "b"), "CIDv1 in base32")
	assert.NotEqual(t, first.CID, second.CID)

	data, err := jsonbig.UnmarshalString(second.Data)
	require.NoError(t, err)
	meta := data.(map[string]interface{})["meta"].(map[string]interface{})
	assert.Equal(t, first.CID, meta["parent"].(map[string]interface{})["/"])

	byCID, err := f.store.GetStateByCID(ctx, first.CID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), byCID.BlockNumber)
}

func TestDiffStateSkipsNonCheckpointContracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ix.WatchContract(ctx, azimuthAddress.Hex(), registry.KindAzimuth, false, 0))
	_, err := f.chain.AddLog(4, azimuthAddress, f.kind.ABI, "Activated", uint32(1))
	require.NoError(t, err)

	require.NoError(t, f.ix.ProcessRange(ctx, 0, 10))
	assert.Equal(t, 1, f.count(t, "event"))
	assert.Equal(t, 0, f.count(t, "state"))
}

func TestFillState(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.ix.ProcessRange(ctx, 0, 20))

	var before []string
	require.NoError(t, f.store.DB().Select(&before, `SELECT cid FROM state ORDER BY block_number`))
	_, err := f.store.DB().Exec(`DELETE FROM state`)
	require.NoError(t, err)

	n, err := f.ix.FillState(ctx, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var after []string
	require.NoError(t, f.store.DB().Select(&after, `SELECT cid FROM state ORDER BY block_number`))
	assert.Equal(t, before, after, "rebuilt state has the same content ids")

	_, err = f.ix.FillState(ctx, 10, 5)
	assert.Error(t, err)
}

type recordingPruner struct {
	above []uint64
}

func (p *recordingPruner) PruneCalls(ctx context.Context, aboveBlock uint64) (int, error) {
	p.above = append(p.above, aboveBlock)
	return 0, nil
}

func TestReset(t *testing.T) {
	pruner := &recordingPruner{}
	f := newFixture(t, WithCallPruner(pruner))
	f.seed(t)
	ctx := context.Background()

	require.NoError(t, f.ix.ProcessRange(ctx, 0, 20))
	require.NoError(t, f.ix.Reset(ctx, 10))

	assert.Equal(t, 11, f.count(t, "block_progress"))
	assert.Equal(t, 2, f.count(t, "event"))
	assert.Equal(t, 1, f.count(t, "state"))
	assert.Equal(t, []uint64{10}, pruner.above)

	status, err := f.store.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), status.LatestIndexedBlockNumber)
	assert.Equal(t, f.chain.Header(10).Hash().Hex(), status.LatestIndexedBlockHash)

	next, err := f.ix.GetNextHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), next)

	// reindexing after reset restores the rows
	require.NoError(t, f.ix.ProcessRange(ctx, 11, 20))
	assert.Equal(t, 3, f.count(t, "event"))
	assert.Equal(t, 2, f.count(t, "state"))

	assert.ErrorIs(t, f.ix.Reset(ctx, 500), storage.ErrNotFound)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ix.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, err := f.store.GetSyncStatus(context.Background())
		return err == nil && status.LatestIndexedBlockNumber == 20
	}, 5*time.Second, 10*time.Millisecond)

	// new blocks are picked up after catching up
	f.chain.AddBlock()
	_, err := f.chain.AddLog(21, azimuthAddress, f.kind.ABI, "Activated", uint32(7))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := f.store.GetSyncStatus(context.Background())
		return err == nil && status.LatestIndexedBlockNumber == 21
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, f.count(t, "event"))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// flakyChain fails the first failures log queries
type flakyChain struct {
	*testutil.FakeChain
	failures atomic.Int32
}

func (c *flakyChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if c.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return c.FakeChain.FilterLogs(ctx, q)
}

func TestFetchRetries(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	kind, err := reg.Kind(registry.KindAzimuth)
	require.NoError(t, err)

	chain := &flakyChain{FakeChain: testutil.NewFakeChain(4)}
	store := testutil.NewTestSQLStore(t)
	ix, err := New(chain, store, reg, testConfig(), testutil.NewTestLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ix.WatchContract(ctx, azimuthAddress.Hex(), registry.KindAzimuth, false, 0))
	_, err = chain.AddLog(2, azimuthAddress, kind.ABI, "Activated", uint32(1))
	require.NoError(t, err)

	// one failure is absorbed by the retry
	chain.failures.Store(1)
	require.NoError(t, ix.ProcessRange(ctx, 0, 2))

	var n int
	require.NoError(t, store.DB().Get(&n, `SELECT COUNT(*) FROM event`))
	assert.Equal(t, 1, n)

	// persistent failures fail the batch without writing blocks
	chain.failures.Store(100)
	assert.Error(t, ix.ProcessRange(ctx, 3, 4))
	require.NoError(t, store.DB().Get(&n, `SELECT COUNT(*) FROM block_progress`))
	assert.Equal(t, 3, n)
}

func TestBuildDiffStateCanonical(t *testing.T) {
	evs := []*storage.Event{{
		EventIndex: 3,
		EventName:  "Activated",
		TxHash:     "0xt",
		EventInfo:  `{"point":"1","kind":"<star>"}`,
	}}

	st, err := buildDiffState("0xc", "0xab", 7, "bagparent", evs)
	require.NoError(t, err)

	want := `{"meta":{"ethBlock":{"hash":"0xab","num":7},"id":"0xc","kind":"diff","parent":{"/":"bagparent"}},` +
		`"state":{"events":[{"args":{"kind":"<star>","point":"1"},"eventIndex":3,"eventName":"Activated","txHash":"0xt"}]}}`
	assert.Equal(t, want, st.Data)

	c, err := cidBuilder.Sum([]byte(want))
	require.NoError(t, err)
	assert.Equal(t, c.String(), st.CID)
	assert.Equal(t, uint64(dagJSONCodec), c.Prefix().Codec)
}
