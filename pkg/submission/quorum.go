package submission

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wavs-labs/wavs/pkg/chain"
	"github.com/wavs-labs/wavs/pkg/types"
)

// HandlerResolver maps a service manager to the service-handler
// contract the combined envelope is delivered to.
type HandlerResolver func(manager types.ServiceManagerRef) (types.ChainName, common.Address, error)

// QuorumSender submits aggregated envelopes on-chain. It reuses the
// per-wallet serialization and gas policy of the submission subsystem,
// signing with the aggregator's operator wallet.
type QuorumSender struct {
	s        *Submission
	handlers HandlerResolver
	hdIndex  uint32
}

// QuorumSender builds the aggregator-facing sender. hdIndex selects
// the wallet used for quorum transactions.
func (s *Submission) QuorumSender(handlers HandlerResolver, hdIndex uint32) *QuorumSender {
	return &QuorumSender{s: s, handlers: handlers, hdIndex: hdIndex}
}

// SubmitEnvelope satisfies the aggregator's Submitter interface.
func (q *QuorumSender) SubmitEnvelope(ctx context.Context, manager types.ServiceManagerRef, env types.Envelope, sigData types.SignatureData) error {
	chainName, handler, err := q.handlers(manager)
	if err != nil {
		return fmt.Errorf("resolve handler for %s: %w", manager.Key(), err)
	}
	backend, err := q.s.backends(ctx, chainName)
	if err != nil {
		return err
	}
	signer, err := q.s.keys.Signer(q.hdIndex)
	if err != nil {
		return fmt.Errorf("derive quorum wallet: %w", err)
	}
	calldata, err := chain.PackHandleSignedEnvelope(env, sigData)
	if err != nil {
		return fmt.Errorf("pack calldata: %w", err)
	}

	lock := q.s.walletLock(q.hdIndex)
	lock.Lock()
	defer lock.Unlock()
	return q.s.sendOnce(ctx, backend, signer, handler, calldata)
}
