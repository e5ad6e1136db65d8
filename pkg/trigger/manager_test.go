package trigger

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavs-labs/wavs/pkg/config"
	"github.com/wavs-labs/wavs/pkg/trigger/cosmosstream"
	"github.com/wavs-labs/wavs/pkg/trigger/evmstream"
	"github.com/wavs-labs/wavs/pkg/types"
)

type fakeEVMStream struct {
	mu        sync.Mutex
	blocks    chan evmstream.BlockRecord
	logs      chan ethtypes.Log
	enables   [][2]int // (addresses, topics) cardinality per EnableLogs
	lastAddrs []common.Address
	lastTopics []common.Hash
	disabled  int
	watching  bool
}

func newFakeEVMStream() *fakeEVMStream {
	return &fakeEVMStream{
		blocks: make(chan evmstream.BlockRecord, 64),
		logs:   make(chan ethtypes.Log, 64),
	}
}

func (f *fakeEVMStream) Blocks() <-chan evmstream.BlockRecord { return f.blocks }
func (f *fakeEVMStream) Logs() <-chan ethtypes.Log            { return f.logs }

func (f *fakeEVMStream) EnableLogs(addresses []common.Address, topics []common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables = append(f.enables, [2]int{len(addresses), len(topics)})
	f.lastAddrs = addresses
	f.lastTopics = topics
}

func (f *fakeEVMStream) DisableLogs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled++
}

func (f *fakeEVMStream) WatchBlocks(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watching = enabled
}

func (f *fakeEVMStream) Close() {
	close(f.blocks)
	close(f.logs)
}

type fakeCosmosStream struct {
	mu     sync.Mutex
	events chan cosmosstream.EventRecord
	added  []string
	removed []string
}

func newFakeCosmosStream() *fakeCosmosStream {
	return &fakeCosmosStream{events: make(chan cosmosstream.EventRecord, 64)}
}

func (f *fakeCosmosStream) Events() <-chan cosmosstream.EventRecord { return f.events }

func (f *fakeCosmosStream) AddEventType(eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, eventType)
}

func (f *fakeCosmosStream) RemoveEventType(eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, eventType)
}

func (f *fakeCosmosStream) Close() { close(f.events) }

type fakeFactory struct {
	evm    *fakeEVMStream
	cosmos *fakeCosmosStream
}

func (f *fakeFactory) OpenEVM(types.ChainName, config.ChainConfig) (EVMStream, error) {
	return f.evm, nil
}

func (f *fakeFactory) OpenCosmos(types.ChainName, config.ChainConfig) (CosmosStream, error) {
	return f.cosmos, nil
}

type actionRecorder struct {
	mu      sync.Mutex
	actions []types.TriggerAction
}

func (r *actionRecorder) sink(a types.TriggerAction) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
}

func (r *actionRecorder) wait(t *testing.T, n int) []types.TriggerAction {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.actions) >= n {
			out := append([]types.TriggerAction(nil), r.actions...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d actions", n)
	return nil
}

var testChains = map[types.ChainName]config.ChainConfig{
	"evm:local":    {WSEndpoints: []string{"ws://test"}},
	"cosmos:local": {WSEndpoints: []string{"ws://test"}},
}

func testManager(t *testing.T) (*Manager, *fakeFactory, *actionRecorder) {
	t.Helper()
	factory := &fakeFactory{evm: newFakeEVMStream(), cosmos: newFakeCosmosStream()}
	rec := &actionRecorder{}
	m := NewManager(testChains, factory, rec.sink, slog.Default())
	t.Cleanup(m.Close)
	return m, factory, rec
}

func evmService(t *testing.T, name string, addr common.Address, topic common.Hash) *types.Service {
	t.Helper()
	id, err := types.DeriveServiceID(map[string]any{"name": name})
	require.NoError(t, err)
	return &types.Service{
		ID:     id,
		Name:   name,
		Status: types.ServiceActive,
		Workflows: map[types.WorkflowID]*types.Workflow{
			"wf": {
				Trigger: types.Trigger{EVMEvent: &types.EVMEventTrigger{
					Chain:   "evm:local",
					Address: addr,
					Topic:   topic,
				}},
				Component: types.Component{Source: types.DigestOf([]byte(name))},
				Submit:    types.Submit{Kind: types.SubmitNone},
			},
		},
	}
}

func TestLogMatchEmitsAction(t *testing.T) {
	m, factory, rec := testManager(t)

	addr := common.HexToAddress("0xAAA")
	topic := common.HexToHash("0xEEEE")
	require.NoError(t, m.AddService(evmService(t, "svc", addr, topic)))

	blockHash := common.HexToHash("0xb10c")
	factory.evm.logs <- ethtypes.Log{
		Address:     addr,
		Topics:      []common.Hash{topic},
		Data:        []byte{0x01, 0x02, 0x03, 0x04},
		BlockHash:   blockHash,
		BlockNumber: 10,
		Index:       2,
	}

	actions := rec.wait(t, 1)
	action := actions[0]
	assert.Equal(t, types.WorkflowID("wf"), action.WorkflowID)
	assert.Equal(t, types.EVMEventID(blockHash, 2), action.EventID)
	require.NotNil(t, action.Data.EVMLog)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, []byte(action.Data.EVMLog.Data))
}

func TestUnmatchedLogIgnored(t *testing.T) {
	m, factory, rec := testManager(t)

	require.NoError(t, m.AddService(evmService(t, "svc", common.HexToAddress("0xAAA"), common.HexToHash("0xEEEE"))))

	factory.evm.logs <- ethtypes.Log{
		Address: common.HexToAddress("0xBBB"),
		Topics:  []common.Hash{common.HexToHash("0xEEEE")},
	}
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.actions)
}

func TestReplayedLogKeepsEventID(t *testing.T) {
	m, factory, rec := testManager(t)

	addr := common.HexToAddress("0xAAA")
	topic := common.HexToHash("0xEEEE")
	require.NoError(t, m.AddService(evmService(t, "svc", addr, topic)))

	logRecord := ethtypes.Log{
		Address:   addr,
		Topics:    []common.Hash{topic},
		BlockHash: common.HexToHash("0xb10c"),
		Index:     5,
	}
	// The provider replays the same log after a reconnect.
	factory.evm.logs <- logRecord
	factory.evm.logs <- logRecord

	actions := rec.wait(t, 2)
	assert.Equal(t, actions[0].EventID, actions[1].EventID,
		"replays carry the same event id for downstream deduplication")
}

func TestFilterUnionAcrossServices(t *testing.T) {
	m, factory, _ := testManager(t)

	addrA := common.HexToAddress("0x01")
	addrB := common.HexToAddress("0x02")
	topicA := common.HexToHash("0x0a")
	topicB := common.HexToHash("0x0b")

	svcA := evmService(t, "svc-a", addrA, topicA)
	svcB := evmService(t, "svc-b", addrB, topicB)
	require.NoError(t, m.AddService(svcA))
	require.NoError(t, m.AddService(svcB))

	factory.evm.mu.Lock()
	assert.ElementsMatch(t, []common.Address{addrA, addrB}, factory.evm.lastAddrs)
	assert.ElementsMatch(t, []common.Hash{topicA, topicB}, factory.evm.lastTopics)
	factory.evm.mu.Unlock()

	// Removing one service shrinks the union.
	m.RemoveService(svcB.ID)
	factory.evm.mu.Lock()
	assert.Equal(t, []common.Address{addrA}, factory.evm.lastAddrs)
	assert.Equal(t, []common.Hash{topicA}, factory.evm.lastTopics)
	factory.evm.mu.Unlock()

	// Removing the last disables logs.
	m.RemoveService(svcA.ID)
	factory.evm.mu.Lock()
	assert.Equal(t, 1, factory.evm.disabled)
	factory.evm.mu.Unlock()
}

func TestBlockCadence(t *testing.T) {
	m, factory, rec := testManager(t)

	id, err := types.DeriveServiceID(map[string]any{"name": "cadence"})
	require.NoError(t, err)
	svc := &types.Service{
		ID:     id,
		Status: types.ServiceActive,
		Workflows: map[types.WorkflowID]*types.Workflow{
			"every-3": {
				Trigger: types.Trigger{BlockInterval: &types.BlockIntervalTrigger{
					Chain:   "evm:local",
					NBlocks: 3,
				}},
				Component: types.Component{Source: types.DigestOf([]byte("c"))},
				Submit:    types.Submit{Kind: types.SubmitNone},
			},
		},
	}
	require.NoError(t, m.AddService(svc))

	factory.evm.mu.Lock()
	assert.True(t, factory.evm.watching, "cadence trigger enables the head stream")
	factory.evm.mu.Unlock()

	for h := uint64(1); h <= 7; h++ {
		factory.evm.blocks <- evmstream.BlockRecord{Chain: "evm:local", Height: h}
	}

	actions := rec.wait(t, 2)
	require.Len(t, actions, 2, "heights 3 and 6 fire")
	assert.Equal(t, uint64(3), actions[0].Data.BlockHeight.Height)
	assert.Equal(t, uint64(6), actions[1].Data.BlockHeight.Height)
	assert.NotEqual(t, actions[0].EventID, actions[1].EventID)
}

func TestCronEmitsTicks(t *testing.T) {
	m, _, rec := testManager(t)

	id, err := types.DeriveServiceID(map[string]any{"name": "cron"})
	require.NoError(t, err)
	svc := &types.Service{
		ID:     id,
		Status: types.ServiceActive,
		Workflows: map[types.WorkflowID]*types.Workflow{
			"ticker": {
				Trigger:   types.Trigger{Cron: &types.CronTrigger{IntervalMs: 10}},
				Component: types.Component{Source: types.DigestOf([]byte("c"))},
				Submit:    types.Submit{Kind: types.SubmitNone},
			},
		},
	}
	require.NoError(t, m.AddService(svc))

	actions := rec.wait(t, 2)
	require.NotNil(t, actions[0].Data.Tick)
	assert.NotEqual(t, actions[0].EventID, actions[1].EventID, "ticks have distinct event ids")

	// Removal stops the scheduler.
	m.RemoveService(svc.ID)
	time.Sleep(30 * time.Millisecond)
	rec.mu.Lock()
	count := len(rec.actions)
	rec.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, count, len(rec.actions), "no ticks after removal")
}

func TestCosmosEventMatch(t *testing.T) {
	m, factory, rec := testManager(t)

	id, err := types.DeriveServiceID(map[string]any{"name": "cosmos"})
	require.NoError(t, err)
	svc := &types.Service{
		ID:     id,
		Status: types.ServiceActive,
		Workflows: map[types.WorkflowID]*types.Workflow{
			"wasm-watch": {
				Trigger: types.Trigger{CosmosEvent: &types.CosmosEventTrigger{
					Chain:     "cosmos:local",
					EventType: "wasm",
				}},
				Component: types.Component{Source: types.DigestOf([]byte("c"))},
				Submit:    types.Submit{Kind: types.SubmitNone},
			},
		},
	}
	require.NoError(t, m.AddService(svc))

	factory.cosmos.mu.Lock()
	assert.Equal(t, []string{"wasm"}, factory.cosmos.added)
	factory.cosmos.mu.Unlock()

	factory.cosmos.events <- cosmosstream.EventRecord{
		Chain:      "cosmos:local",
		Type:       "wasm",
		Attributes: map[string]string{"action": "execute"},
		TxHash:     []byte{1, 2, 3},
		EventIndex: 0,
		Height:     9,
	}

	actions := rec.wait(t, 1)
	require.NotNil(t, actions[0].Data.CosmosEvent)
	assert.Equal(t, types.CosmosEventID([]byte{1, 2, 3}, 0), actions[0].EventID)
}
