// Package evmstream maintains a resilient WebSocket subscription client
// for a single EVM chain: one active connection across an ordered
// endpoint list, one consolidated log subscription at a time, and
// subscription state that survives reconnects.
package evmstream

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/wavs-labs/wavs/pkg/types"
	"github.com/wavs-labs/wavs/pkg/util/backoff"
	"github.com/wavs-labs/wavs/pkg/util/chanx"
)

// BlockRecord is one confirmed head.
type BlockRecord struct {
	Chain  types.ChainName
	Height uint64
	Hash   common.Hash
}

// Subscription is one live provider-side subscription.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Conn is one WebSocket connection to a provider. The production
// implementation wraps go-ethereum's rpc client; tests substitute a
// fake to observe subscription lifecycles.
type Conn interface {
	SubscribeNewHeads(ctx context.Context, ch chan<- *ethtypes.Header) (Subscription, error)
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (Subscription, error)
	SubscribePendingTxs(ctx context.Context, ch chan<- common.Hash) (Subscription, error)
	Close()
}

// Dialer opens connections to endpoints.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Client is the stream controller for one chain. All mutators are safe
// for concurrent use and never block on the network: they update the
// desired state and kick the connection loop to reconcile.
type Client struct {
	chain     types.ChainName
	endpoints []string
	dialer    Dialer
	logger    *slog.Logger

	mu           sync.RWMutex
	addresses    map[common.Address]struct{}
	topics       map[common.Hash]struct{}
	watchBlocks  bool
	watchPending bool

	// commands carries one desired-state snapshot per mutation so
	// every filter change is applied to the provider in order, never
	// coalesced.
	commands *chanx.Unbounded[snapshot]
	cancel   context.CancelFunc
	done     chan struct{}

	blocks  *chanx.Unbounded[BlockRecord]
	logs    *chanx.Unbounded[ethtypes.Log]
	pending *chanx.Unbounded[common.Hash]
}

// New starts the connection loop. Dropping the client via Close ends
// every stream.
func New(chain types.ChainName, endpoints []string, dialer Dialer, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		chain:     chain,
		endpoints: endpoints,
		dialer:    dialer,
		logger:    logger.With("component", "trigger", "chain", chain),
		addresses: make(map[common.Address]struct{}),
		topics:    make(map[common.Hash]struct{}),
		commands:  chanx.NewUnbounded[snapshot](),
		cancel:    cancel,
		done:      make(chan struct{}),
		blocks:    chanx.NewUnbounded[BlockRecord](),
		logs:      chanx.NewUnbounded[ethtypes.Log](),
		pending:   chanx.NewUnbounded[common.Hash](),
	}
	go c.run(ctx)
	return c
}

// Blocks is the confirmed-head stream.
func (c *Client) Blocks() <-chan BlockRecord { return c.blocks.Out() }

// Logs is the consolidated log stream.
func (c *Client) Logs() <-chan ethtypes.Log { return c.logs.Out() }

// PendingTxs is the pending transaction hash stream.
func (c *Client) PendingTxs() <-chan common.Hash { return c.pending.Out() }

// Close terminates the connection and ends all exposed streams.
func (c *Client) Close() {
	c.cancel()
	<-c.done
	// Drain any snapshots the loop never consumed.
	go func() {
		for range c.commands.Out() {
		}
	}()
	c.commands.Close()
	c.blocks.Close()
	c.logs.Close()
	c.pending.Close()
}

// WatchBlocks toggles the head stream.
func (c *Client) WatchBlocks(enabled bool) {
	c.mu.Lock()
	c.watchBlocks = enabled
	c.mu.Unlock()
	c.kick()
}

// WatchPendingTxs toggles the pending transaction stream.
func (c *Client) WatchPendingTxs(enabled bool) {
	c.mu.Lock()
	c.watchPending = enabled
	c.mu.Unlock()
	c.kick()
}

// EnableLogs replaces the log filter with exactly the given sets.
func (c *Client) EnableLogs(addresses []common.Address, topics []common.Hash) {
	c.mu.Lock()
	c.addresses = make(map[common.Address]struct{}, len(addresses))
	for _, a := range addresses {
		c.addresses[a] = struct{}{}
	}
	c.topics = make(map[common.Hash]struct{}, len(topics))
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.mu.Unlock()
	c.kick()
}

// AddLogFilter accumulates addresses and topics into the filter sets.
func (c *Client) AddLogFilter(addresses []common.Address, topics []common.Hash) {
	c.mu.Lock()
	for _, a := range addresses {
		c.addresses[a] = struct{}{}
	}
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.mu.Unlock()
	c.kick()
}

// RemoveLogFilter subtracts addresses and topics from the filter sets.
// Removing the last entries converges to no active log subscription.
func (c *Client) RemoveLogFilter(addresses []common.Address, topics []common.Hash) {
	c.mu.Lock()
	for _, a := range addresses {
		delete(c.addresses, a)
	}
	for _, t := range topics {
		delete(c.topics, t)
	}
	c.mu.Unlock()
	c.kick()
}

// DisableLogs clears both filter sets and drops the log subscription.
func (c *Client) DisableLogs() {
	c.mu.Lock()
	c.addresses = make(map[common.Address]struct{})
	c.topics = make(map[common.Hash]struct{})
	c.mu.Unlock()
	c.kick()
}

// snapshot is the desired subscription state at one mutation point.
type snapshot struct {
	filter     ethereum.FilterQuery
	logsActive bool
	blocks     bool
	pending    bool
}

// kick snapshots the desired state and enqueues it for the connection
// loop. Every mutation produces its own provider-side lifecycle event.
func (c *Client) kick() {
	c.commands.Send(c.currentSnapshot())
}

// currentSnapshot renders the filter with OR semantics on both
// dimensions: addresses as a flat list, topics nested one level so the
// provider treats them as a disjunction, not positional conjunction.
// Both sets empty means logs are disabled.
func (c *Client) currentSnapshot() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := snapshot{blocks: c.watchBlocks, pending: c.watchPending}
	if len(c.addresses) == 0 && len(c.topics) == 0 {
		return s
	}
	s.logsActive = true
	for a := range c.addresses {
		s.filter.Addresses = append(s.filter.Addresses, a)
	}
	sort.Slice(s.filter.Addresses, func(i, j int) bool {
		return s.filter.Addresses[i].Cmp(s.filter.Addresses[j]) < 0
	})
	if len(c.topics) > 0 {
		level := make([]common.Hash, 0, len(c.topics))
		for t := range c.topics {
			level = append(level, t)
		}
		sort.Slice(level, func(i, j int) bool {
			return level[i].Cmp(level[j]) < 0
		})
		s.filter.Topics = [][]common.Hash{level}
	}
	return s
}

// run is the connection loop: dial endpoints in order, reconcile
// subscriptions, and reconnect with doubling backoff on any failure.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	bo := backoff.Default()
	for {
		conn := c.dial(ctx, bo)
		if conn == nil {
			return // ctx canceled
		}
		bo.Reset()

		disconnected := c.serve(ctx, conn)
		conn.Close()
		if !disconnected {
			return // ctx canceled
		}
		c.logger.Warn("connection lost, reconnecting")
		if err := bo.Sleep(ctx); err != nil {
			return
		}
	}
}

// dial tries every endpoint in order, backing off when the whole list
// fails. Returns nil only when ctx ends.
func (c *Client) dial(ctx context.Context, bo *backoff.Backoff) Conn {
	for {
		for _, endpoint := range c.endpoints {
			if ctx.Err() != nil {
				return nil
			}
			conn, err := c.dialer.Dial(ctx, endpoint)
			if err != nil {
				c.logger.Debug("dial failed", "endpoint", endpoint, "error", err)
				continue
			}
			c.logger.Info("connected", "endpoint", endpoint)
			return conn
		}
		if err := bo.Sleep(ctx); err != nil {
			return nil
		}
	}
}

// session tracks the subscriptions held on one connection.
type session struct {
	heads     Subscription
	pending   Subscription
	logs      Subscription
	logFilter ethereum.FilterQuery
	hasLogs   bool
	errs      chan error
}

// serve reconciles desired state onto one connection until it fails
// (returns true) or ctx ends (returns false). The first reconcile
// restores the latest desired state after a reconnect; afterwards each
// queued snapshot is applied in mutation order.
func (c *Client) serve(ctx context.Context, conn Conn) bool {
	s := &session{errs: make(chan error, 8)}
	defer func() {
		if s.heads != nil {
			s.heads.Unsubscribe()
		}
		if s.pending != nil {
			s.pending.Unsubscribe()
		}
		if s.logs != nil {
			s.logs.Unsubscribe()
		}
	}()

	if err := c.reconcile(ctx, conn, s, c.currentSnapshot()); err != nil {
		c.logger.Warn("subscription setup failed", "error", err)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-s.errs:
			c.logger.Warn("subscription error", "error", err)
			return true
		case want := <-c.commands.Out():
			if err := c.reconcile(ctx, conn, s, want); err != nil {
				c.logger.Warn("reconcile failed", "error", err)
				return true
			}
		}
	}
}

func (c *Client) reconcile(ctx context.Context, conn Conn, s *session, want snapshot) error {
	wantBlocks, wantPending := want.blocks, want.pending

	if wantBlocks && s.heads == nil {
		ch := make(chan *ethtypes.Header, 16)
		sub, err := conn.SubscribeNewHeads(ctx, ch)
		if err != nil {
			return err
		}
		s.heads = sub
		go c.pumpHeads(ch, sub, s.errs)
	}
	if !wantBlocks && s.heads != nil {
		s.heads.Unsubscribe()
		s.heads = nil
	}

	if wantPending && s.pending == nil {
		ch := make(chan common.Hash, 64)
		sub, err := conn.SubscribePendingTxs(ctx, ch)
		if err != nil {
			return err
		}
		s.pending = sub
		go c.pumpPending(ch, sub, s.errs)
	}
	if !wantPending && s.pending != nil {
		s.pending.Unsubscribe()
		s.pending = nil
	}

	switch {
	case !want.logsActive && s.hasLogs:
		s.logs.Unsubscribe()
		s.logs = nil
		s.hasLogs = false
	case want.logsActive && (!s.hasLogs || !sameFilter(s.logFilter, want.filter)):
		// Unsubscribe-then-subscribe keeps at most one log
		// subscription active per client.
		if s.hasLogs {
			s.logs.Unsubscribe()
			s.logs = nil
			s.hasLogs = false
		}
		ch := make(chan ethtypes.Log, 64)
		sub, err := conn.SubscribeLogs(ctx, want.filter, ch)
		if err != nil {
			return err
		}
		s.logs = sub
		s.logFilter = want.filter
		s.hasLogs = true
		go c.pumpLogs(ch, sub, s.errs)
	}
	return nil
}

func (c *Client) pumpHeads(ch <-chan *ethtypes.Header, sub Subscription, errs chan<- error) {
	for {
		select {
		case head, ok := <-ch:
			if !ok {
				return
			}
			c.blocks.Send(BlockRecord{
				Chain:  c.chain,
				Height: head.Number.Uint64(),
				Hash:   head.Hash(),
			})
		case err := <-sub.Err():
			if err != nil {
				select {
				case errs <- err:
				default:
				}
			}
			return
		}
	}
}

func (c *Client) pumpLogs(ch <-chan ethtypes.Log, sub Subscription, errs chan<- error) {
	for {
		select {
		case logRecord, ok := <-ch:
			if !ok {
				return
			}
			c.logs.Send(logRecord)
		case err := <-sub.Err():
			if err != nil {
				select {
				case errs <- err:
				default:
				}
			}
			return
		}
	}
}

func (c *Client) pumpPending(ch <-chan common.Hash, sub Subscription, errs chan<- error) {
	for {
		select {
		case txHash, ok := <-ch:
			if !ok {
				return
			}
			c.pending.Send(txHash)
		case err := <-sub.Err():
			if err != nil {
				select {
				case errs <- err:
				default:
				}
			}
			return
		}
	}
}

func sameFilter(a, b ethereum.FilterQuery) bool {
	if len(a.Addresses) != len(b.Addresses) || len(a.Topics) != len(b.Topics) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	for i := range a.Topics {
		if len(a.Topics[i]) != len(b.Topics[i]) {
			return false
		}
		for j := range a.Topics[i] {
			if a.Topics[i][j] != b.Topics[i][j] {
				return false
			}
		}
	}
	return true
}
