package types

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Trigger configures what fires a workflow. Exactly one variant is set.
type Trigger struct {
	EVMEvent      *EVMEventTrigger      `json:"evm_contract_event,omitempty"`
	CosmosEvent   *CosmosEventTrigger   `json:"cosmos_contract_event,omitempty"`
	BlockInterval *BlockIntervalTrigger `json:"block_interval,omitempty"`
	Cron          *CronTrigger          `json:"cron,omitempty"`
}

// EVMEventTrigger matches logs emitted by a contract on an EVM chain.
type EVMEventTrigger struct {
	Chain   ChainName      `json:"chain"`
	Address common.Address `json:"address"`
	Topic   common.Hash    `json:"event_hash"`
}

// CosmosEventTrigger matches events by type on a Cosmos chain.
type CosmosEventTrigger struct {
	Chain     ChainName `json:"chain"`
	EventType string    `json:"event_type"`
}

// BlockIntervalTrigger fires every NBlocks confirmed blocks on a chain,
// optionally bounded to a height window.
type BlockIntervalTrigger struct {
	Chain       ChainName `json:"chain"`
	NBlocks     uint64    `json:"n_blocks"`
	StartHeight uint64    `json:"start_height,omitempty"`
	EndHeight   uint64    `json:"end_height,omitempty"`
}

// CronTrigger fires on a fixed wall-clock interval.
type CronTrigger struct {
	IntervalMs int64 `json:"interval_ms"`
}

// Interval returns the cadence as a Duration.
func (c CronTrigger) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Validate checks that exactly one variant is configured and that the
// variant's own fields are sane.
func (t Trigger) Validate() error {
	n := 0
	if t.EVMEvent != nil {
		n++
		if !t.EVMEvent.Chain.IsEVM() {
			return fmt.Errorf("evm trigger on non-evm chain %q", t.EVMEvent.Chain)
		}
	}
	if t.CosmosEvent != nil {
		n++
		if !t.CosmosEvent.Chain.IsCosmos() {
			return fmt.Errorf("cosmos trigger on non-cosmos chain %q", t.CosmosEvent.Chain)
		}
		if t.CosmosEvent.EventType == "" {
			return fmt.Errorf("cosmos trigger missing event type")
		}
	}
	if t.BlockInterval != nil {
		n++
		if t.BlockInterval.NBlocks == 0 {
			return fmt.Errorf("block interval must be >= 1")
		}
		if t.BlockInterval.EndHeight != 0 && t.BlockInterval.EndHeight < t.BlockInterval.StartHeight {
			return fmt.Errorf("block interval window ends before it starts")
		}
	}
	if t.Cron != nil {
		n++
		if t.Cron.IntervalMs <= 0 {
			return fmt.Errorf("cron interval must be positive")
		}
	}
	if n != 1 {
		return fmt.Errorf("trigger must set exactly one variant, got %d", n)
	}
	return nil
}

// TriggerData carries the source-specific facts of one occurrence.
// Exactly one variant is set, mirroring the trigger that matched.
type TriggerData struct {
	EVMLog      *EVMLogData      `json:"evm_log,omitempty"`
	CosmosEvent *CosmosEventData `json:"cosmos_event,omitempty"`
	BlockHeight *BlockHeightData `json:"block_height,omitempty"`
	Tick        *TickData        `json:"tick,omitempty"`
}

// EVMLogData is the normalized form of one matched EVM log record.
type EVMLogData struct {
	Chain       ChainName      `json:"chain"`
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockHash   common.Hash    `json:"block_hash"`
	BlockHeight uint64         `json:"block_height"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint64         `json:"log_index"`
}

// CosmosEventData is the normalized form of one matched Cosmos event.
type CosmosEventData struct {
	Chain      ChainName         `json:"chain"`
	EventType  string            `json:"event_type"`
	Attributes map[string]string `json:"attributes"`
	TxHash     hexutil.Bytes     `json:"tx_hash"`
	EventIndex uint64            `json:"event_index"`
}

// BlockHeightData marks a block-cadence occurrence.
type BlockHeightData struct {
	Chain  ChainName `json:"chain"`
	Height uint64    `json:"height"`
}

// TickData marks a wall-clock cadence occurrence.
type TickData struct {
	Index uint64 `json:"index"`
}

// TriggerAction is the normalized record dispatched to the engine.
type TriggerAction struct {
	ServiceID  ServiceID  `json:"service_id"`
	WorkflowID WorkflowID `json:"workflow_id"`
	Data       TriggerData `json:"data"`
	EventID    EventID    `json:"event_id"`
}
