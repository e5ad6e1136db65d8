package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveServiceIDCanonical(t *testing.T) {
	a := map[string]any{"name": "oracle", "version": 1, "owner": "alice"}
	b := map[string]any{"owner": "alice", "version": 1, "name": "oracle"}

	idA, err := DeriveServiceID(a)
	require.NoError(t, err)
	idB, err := DeriveServiceID(b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB, "key order must not change the id")
	require.NoError(t, idA.Validate())

	c := map[string]any{"name": "oracle", "version": 2, "owner": "alice"}
	idC, err := DeriveServiceID(c)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idC)
}

func TestDigestOf(t *testing.T) {
	d := DigestOf([]byte("wasm bytes"))
	require.NoError(t, d.Validate())
	assert.Equal(t, d, DigestOf([]byte("wasm bytes")))
	assert.NotEqual(t, d, DigestOf([]byte("other bytes")))

	assert.Error(t, Digest("md5:abc").Validate())
	assert.Error(t, Digest("sha256:zz").Validate())
}

func TestWorkflowIDValidate(t *testing.T) {
	assert.NoError(t, WorkflowID("my-workflow-1").Validate())
	assert.Error(t, WorkflowID("").Validate())
	assert.Error(t, WorkflowID("Upper").Validate())
	assert.Error(t, WorkflowID("-leading").Validate())
}

func TestEventIDDerivations(t *testing.T) {
	blockHash := common.HexToHash("0xdeadbeef")

	evm := EVMEventID(blockHash, 7)
	assert.Equal(t, evm, EVMEventID(blockHash, 7), "derivation is deterministic")
	assert.NotEqual(t, evm, EVMEventID(blockHash, 8))
	assert.NotEqual(t, evm, EVMEventID(common.HexToHash("0xfeed"), 7))

	cosmos := CosmosEventID([]byte{1, 2, 3}, 0)
	assert.NotEqual(t, cosmos, CosmosEventID([]byte{1, 2, 3}, 1))

	assert.NotEqual(t, BlockEventID("evm:one", 10), BlockEventID("evm:two", 10))
	assert.NotEqual(t, TickEventID("svc/wf-a", 3), TickEventID("svc/wf-b", 3))
}

func TestEventIDTextRoundTrip(t *testing.T) {
	id := EVMEventID(common.HexToHash("0x01"), 1)
	text, err := id.MarshalText()
	require.NoError(t, err)

	var back EventID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)

	assert.Error(t, back.UnmarshalText([]byte("0x1234")))
	assert.Error(t, back.UnmarshalText([]byte("not-hex")))
}

func TestTriggerValidate(t *testing.T) {
	ok := Trigger{EVMEvent: &EVMEventTrigger{Chain: "evm:local", Address: common.HexToAddress("0xaa"), Topic: common.HexToHash("0xee")}}
	assert.NoError(t, ok.Validate())

	assert.Error(t, Trigger{}.Validate(), "no variant")

	two := ok
	two.Cron = &CronTrigger{IntervalMs: 100}
	assert.Error(t, two.Validate(), "two variants")

	assert.Error(t, Trigger{EVMEvent: &EVMEventTrigger{Chain: "cosmos:x"}}.Validate())
	assert.Error(t, Trigger{BlockInterval: &BlockIntervalTrigger{Chain: "evm:x", NBlocks: 0}}.Validate())
	assert.Error(t, Trigger{Cron: &CronTrigger{IntervalMs: 0}}.Validate())
}
