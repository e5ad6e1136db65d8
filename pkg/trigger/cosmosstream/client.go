// Package cosmosstream subscribes to CometBFT transaction events over
// WebSocket for a single Cosmos chain, normalizing ABCI events into
// typed records. One subscription per client; event-type filtering
// happens locally so filter changes never touch the provider.
package cosmosstream

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wavs-labs/wavs/pkg/types"
	"github.com/wavs-labs/wavs/pkg/util/backoff"
	"github.com/wavs-labs/wavs/pkg/util/chanx"
)

// EventRecord is one normalized ABCI event occurrence.
type EventRecord struct {
	Chain      types.ChainName
	Type       string
	Attributes map[string]string
	TxHash     []byte
	EventIndex uint64
	Height     uint64
}

// Client streams transaction events for one chain.
type Client struct {
	chain     types.ChainName
	endpoints []string
	logger    *slog.Logger

	mu        sync.RWMutex
	eventSet  map[string]struct{}

	out    *chanx.Unbounded[EventRecord]
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the connection loop.
func New(chain types.ChainName, endpoints []string, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		chain:     chain,
		endpoints: endpoints,
		logger:    logger.With("component", "trigger", "chain", chain),
		eventSet:  make(map[string]struct{}),
		out:       chanx.NewUnbounded[EventRecord](),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Events is the normalized event stream.
func (c *Client) Events() <-chan EventRecord { return c.out.Out() }

// AddEventType registers interest in an ABCI event type.
func (c *Client) AddEventType(eventType string) {
	c.mu.Lock()
	c.eventSet[eventType] = struct{}{}
	c.mu.Unlock()
}

// RemoveEventType drops interest in an event type.
func (c *Client) RemoveEventType(eventType string) {
	c.mu.Lock()
	delete(c.eventSet, eventType)
	c.mu.Unlock()
}

func (c *Client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.eventSet[eventType]
	return ok
}

// Close terminates the connection and ends the stream.
func (c *Client) Close() {
	c.cancel()
	<-c.done
	c.out.Close()
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	bo := backoff.Default()
	for {
		if ctx.Err() != nil {
			return
		}
		connected := false
		for _, endpoint := range c.endpoints {
			if c.serve(ctx, endpoint) {
				connected = true
				bo.Reset()
			}
			if ctx.Err() != nil {
				return
			}
		}
		if !connected {
			if err := bo.Sleep(ctx); err != nil {
				return
			}
		}
	}
}

// subscribeRequest is the CometBFT JSON-RPC subscription frame.
type subscribeRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	ID      int            `json:"id"`
	Params  map[string]any `json:"params"`
}

type rpcFrame struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type txResultFrame struct {
	Data struct {
		Value struct {
			TxResult struct {
				Height string `json:"height"`
				Tx     string `json:"tx"`
				Result struct {
					Events []struct {
						Type       string `json:"type"`
						Attributes []struct {
							Key   string `json:"key"`
							Value string `json:"value"`
						} `json:"attributes"`
					} `json:"events"`
				} `json:"result"`
			} `json:"TxResult"`
		} `json:"value"`
	} `json:"data"`
}

// serve runs one connection to completion. Returns true if a
// subscription was established before the connection ended.
func (c *Client) serve(ctx context.Context, endpoint string) bool {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.logger.Debug("dial failed", "endpoint", endpoint, "error", err)
		return false
	}
	defer func() { _ = conn.Close() }()

	sub := subscribeRequest{
		JSONRPC: "2.0",
		Method:  "subscribe",
		ID:      1,
		Params:  map[string]any{"query": "tm.event='Tx'"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		c.logger.Warn("subscribe failed", "endpoint", endpoint, "error", err)
		return false
	}
	c.logger.Info("connected", "endpoint", endpoint)

	// Close the socket when ctx ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("read failed", "endpoint", endpoint, "error", err)
			}
			return true
		}
		c.handleFrame(raw)
	}
}

// handleFrame parses one message. Parse errors are logged and the
// frame discarded; no message is fatal to the stream.
func (c *Client) handleFrame(raw []byte) {
	var frame rpcFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug("discarding unparseable frame", "error", err)
		return
	}
	if frame.Error != nil {
		c.logger.Warn("provider error frame", "message", frame.Error.Message)
		return
	}
	if len(frame.Result) == 0 {
		return // subscribe ack
	}
	for _, record := range c.parseTxResult(frame.Result) {
		c.out.Send(record)
	}
}

// parseTxResult extracts the events of interest from one TxResult.
func (c *Client) parseTxResult(result json.RawMessage) []EventRecord {
	var tx txResultFrame
	if err := json.Unmarshal(result, &tx); err != nil {
		c.logger.Debug("discarding unparseable tx result", "error", err)
		return nil
	}
	txResult := tx.Data.Value.TxResult
	if len(txResult.Result.Events) == 0 {
		return nil
	}
	height, err := strconv.ParseUint(txResult.Height, 10, 64)
	if err != nil {
		c.logger.Debug("discarding tx result with bad height", "height", txResult.Height)
		return nil
	}
	txBytes, err := base64.StdEncoding.DecodeString(txResult.Tx)
	if err != nil {
		c.logger.Debug("discarding tx result with bad tx bytes", "error", err)
		return nil
	}
	txHash := sha256.Sum256(txBytes)

	var records []EventRecord
	for i, event := range txResult.Result.Events {
		if !c.wants(event.Type) {
			continue
		}
		attrs := make(map[string]string, len(event.Attributes))
		for _, attr := range event.Attributes {
			attrs[attr.Key] = attr.Value
		}
		records = append(records, EventRecord{
			Chain:      c.chain,
			Type:       event.Type,
			Attributes: attrs,
			TxHash:     txHash[:],
			EventIndex: uint64(i),
			Height:     height,
		})
	}
	return records
}
