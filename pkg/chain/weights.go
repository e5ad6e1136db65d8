package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wavs-labs/wavs/pkg/types"
)

// Weights adapts the client pool to the aggregator's weight-source
// boundary: every read goes to the chain at call time.
type Weights struct {
	Clients *Clients
}

// OperatorWeight reads one operator's live stake weight.
func (w Weights) OperatorWeight(ctx context.Context, manager types.ServiceManagerRef, operator common.Address) (*big.Int, error) {
	client, err := w.Clients.Get(ctx, manager.Chain)
	if err != nil {
		return nil, err
	}
	return client.OperatorWeight(ctx, manager.Address, operator)
}

// ThresholdWeight reads the live quorum threshold.
func (w Weights) ThresholdWeight(ctx context.Context, manager types.ServiceManagerRef) (*big.Int, error) {
	client, err := w.Clients.Get(ctx, manager.Chain)
	if err != nil {
		return nil, err
	}
	return client.ThresholdWeight(ctx, manager.Address)
}

// BlockNumber reads the chain head used for the reference block check.
func (w Weights) BlockNumber(ctx context.Context, chainName types.ChainName) (uint64, error) {
	client, err := w.Clients.Get(ctx, chainName)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}
