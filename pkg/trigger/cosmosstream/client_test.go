package cosmosstream

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	// No endpoints: the run loop idles while parsing is driven
	// directly.
	c := New("cosmos:test", nil, slog.Default())
	t.Cleanup(c.Close)
	return c
}

func txFrame(t *testing.T, height string, tx []byte, events ...map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"value": map[string]any{
				"TxResult": map[string]any{
					"height": height,
					"tx":     base64.StdEncoding.EncodeToString(tx),
					"result": map[string]any{"events": events},
				},
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func wasmEvent(contract string) map[string]any {
	return map[string]any{
		"type": "wasm",
		"attributes": []map[string]any{
			{"key": "_contract_address", "value": contract},
			{"key": "action", "value": "execute"},
		},
	}
}

func TestParseTxResultFiltersByType(t *testing.T) {
	c := testClient(t)
	c.AddEventType("wasm")

	tx := []byte("signed tx bytes")
	records := c.parseTxResult(txFrame(t, "42", tx,
		wasmEvent("cosmos1abc"),
		map[string]any{"type": "transfer", "attributes": []map[string]any{}},
		wasmEvent("cosmos1def"),
	))

	require.Len(t, records, 2, "only wasm events pass the filter")
	expectedHash := sha256.Sum256(tx)
	for _, r := range records {
		assert.Equal(t, "wasm", r.Type)
		assert.Equal(t, uint64(42), r.Height)
		assert.Equal(t, expectedHash[:], r.TxHash)
	}
	assert.Equal(t, "cosmos1abc", records[0].Attributes["_contract_address"])
	assert.Equal(t, uint64(0), records[0].EventIndex)
	assert.Equal(t, uint64(2), records[1].EventIndex, "index positions are preserved")
}

func TestRemoveEventTypeStopsMatching(t *testing.T) {
	c := testClient(t)
	c.AddEventType("wasm")
	c.RemoveEventType("wasm")

	records := c.parseTxResult(txFrame(t, "1", []byte("tx"), wasmEvent("cosmos1abc")))
	assert.Empty(t, records)
}

func TestMalformedFramesAreDiscarded(t *testing.T) {
	c := testClient(t)
	c.AddEventType("wasm")

	// None of these panic or emit records.
	c.handleFrame([]byte(`not json`))
	c.handleFrame([]byte(`{"error":{"message":"bad subscription"}}`))
	c.handleFrame([]byte(`{}`))
	c.handleFrame([]byte(`{"result":{"data":{"value":{"TxResult":{"height":"nope"}}}}}`))

	assert.Empty(t, c.parseTxResult([]byte(`{"data":`)))
	assert.Empty(t, c.parseTxResult(txFrame(t, "bad-height", []byte("tx"), wasmEvent("x"))))
}

func TestEventRecordsFlowToStream(t *testing.T) {
	c := testClient(t)
	c.AddEventType("wasm")

	c.handleFrame([]byte(fmt.Sprintf(`{"result":%s}`, txFrame(t, "7", []byte("tx"), wasmEvent("cosmos1abc")))))

	record := <-c.Events()
	assert.Equal(t, "wasm", record.Type)
	assert.Equal(t, uint64(7), record.Height)
}
