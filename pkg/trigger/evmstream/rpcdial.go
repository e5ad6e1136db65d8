package evmstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCDialer opens go-ethereum rpc connections over WebSocket.
type RPCDialer struct{}

// Dial satisfies Dialer.
func (RPCDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		return nil, fmt.Errorf("endpoint %q is not a websocket url", endpoint)
	}
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &rpcConn{client: client}, nil
}

type rpcConn struct {
	client *rpc.Client
}

func (c *rpcConn) SubscribeNewHeads(ctx context.Context, ch chan<- *ethtypes.Header) (Subscription, error) {
	return c.client.EthSubscribe(ctx, ch, "newHeads")
}

func (c *rpcConn) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (Subscription, error) {
	return c.client.EthSubscribe(ctx, ch, "logs", filterArg(q))
}

func (c *rpcConn) SubscribePendingTxs(ctx context.Context, ch chan<- common.Hash) (Subscription, error) {
	return c.client.EthSubscribe(ctx, ch, "newPendingTransactions")
}

func (c *rpcConn) Close() {
	c.client.Close()
}

// filterArg renders the wire form of a log filter: a flat address list
// and topics nested one level for OR matching.
func filterArg(q ethereum.FilterQuery) map[string]any {
	arg := map[string]any{}
	if len(q.Addresses) > 0 {
		arg["address"] = q.Addresses
	}
	if len(q.Topics) > 0 {
		arg["topics"] = q.Topics
	}
	return arg
}
