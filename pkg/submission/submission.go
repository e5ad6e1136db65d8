// Package submission signs engine results with the service's derived
// key and delivers them: directly on-chain with per-wallet nonce
// serialization, or as a partial-signature packet to an aggregator.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/wavs-labs/wavs/pkg/chain"
	"github.com/wavs-labs/wavs/pkg/keys"
	"github.com/wavs-labs/wavs/pkg/telemetry"
	"github.com/wavs-labs/wavs/pkg/types"
	"github.com/wavs-labs/wavs/pkg/util/backoff"
)

// Backend is the slice of an EVM client the sender needs. Implemented
// by chain.EVMClient via evmBackend; faked in tests.
type Backend interface {
	ChainID() *big.Int
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// BackendResolver returns the backend for a chain.
type BackendResolver func(ctx context.Context, chainName types.ChainName) (Backend, error)

// Config tunes retry and gas behavior.
type Config struct {
	Gas     GasPolicy
	Retries int
}

// Submission is the signing and sending subsystem.
type Submission struct {
	cfg      Config
	keys     *keys.Store
	backends BackendResolver
	httpc    *http.Client
	tel      *telemetry.Provider
	logger   *slog.Logger

	// One asynchronous lock per HD index serializes transaction
	// construction and send for submissions sharing a key. Unrelated
	// wallets proceed in parallel.
	walletMu sync.Mutex
	wallets  map[uint32]*sync.Mutex

	wg sync.WaitGroup
}

// New builds the subsystem.
func New(cfg Config, keyStore *keys.Store, backends BackendResolver, tel *telemetry.Provider, logger *slog.Logger) *Submission {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &Submission{
		cfg:      cfg,
		keys:     keyStore,
		backends: backends,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		tel:      tel,
		logger:   logger.With("component", "submission"),
		wallets:  make(map[uint32]*sync.Mutex),
	}
}

// EVMBackends adapts the chain client pool into a BackendResolver.
func EVMBackends(clients *chain.Clients) BackendResolver {
	return func(ctx context.Context, chainName types.ChainName) (Backend, error) {
		c, err := clients.Get(ctx, chainName)
		if err != nil {
			return nil, err
		}
		return &evmBackend{c}, nil
	}
}

type evmBackend struct {
	client *chain.EVMClient
}

func (b *evmBackend) ChainID() *big.Int { return b.client.ChainID }
func (b *evmBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return b.client.Eth.BlockNumber(ctx)
}
func (b *evmBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return b.client.Eth.PendingNonceAt(ctx, account)
}
func (b *evmBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return b.client.Eth.SuggestGasPrice(ctx)
}
func (b *evmBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return b.client.Eth.EstimateGas(ctx, call)
}
func (b *evmBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return b.client.Eth.SendTransaction(ctx, tx)
}

// Submit spawns a task that signs and delivers one engine result. The
// caller never blocks on transport.
func (s *Submission) Submit(ctx context.Context, msg types.ChainMessage) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.deliver(ctx, msg); err != nil {
			s.logger.Error("submission failed",
				"service_id", msg.ServiceID,
				"workflow_id", msg.WorkflowID,
				"event_id", msg.Envelope.EventID,
				"kind", msg.Submit.Kind,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every spawned submission task finishes.
func (s *Submission) Wait() {
	s.wg.Wait()
}

func (s *Submission) deliver(ctx context.Context, msg types.ChainMessage) error {
	signer, err := s.keys.Signer(msg.HDIndex)
	if err != nil {
		return fmt.Errorf("derive signing key: %w", err)
	}
	digest, err := msg.Envelope.SigningHash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}

	switch msg.Submit.Kind {
	case types.SubmitChain:
		return s.sendDirect(ctx, msg, signer, sig)
	case types.SubmitAggregator:
		return s.postPacket(ctx, msg, signer, sig)
	default:
		return fmt.Errorf("unsubmittable kind %q", msg.Submit.Kind)
	}
}

func (s *Submission) sendDirect(ctx context.Context, msg types.ChainMessage, signer *keys.Signer, sig []byte) error {
	backend, err := s.backends(ctx, msg.Submit.Chain)
	if err != nil {
		return err
	}
	head, err := backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	sigData, err := types.SortedSignatureData(
		map[common.Address][]byte{signer.Address: sig}, uint32(head))
	if err != nil {
		return err
	}
	calldata, err := chain.PackHandleSignedEnvelope(msg.Envelope, sigData)
	if err != nil {
		return fmt.Errorf("pack calldata: %w", err)
	}

	// Hold the wallet lock through construction and send; release as
	// soon as the mempool accepts, not at confirmation.
	lock := s.walletLock(msg.HDIndex)
	lock.Lock()
	defer lock.Unlock()

	err = backoff.Retry(ctx, s.cfg.Retries, backoff.Default(), func() error {
		return s.sendOnce(ctx, backend, signer, msg.Submit.Address, calldata)
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.tel != nil {
		s.tel.RecordSubmission(ctx, "chain", outcome)
	}
	return err
}

func (s *Submission) sendOnce(ctx context.Context, backend Backend, signer *keys.Signer, to common.Address, calldata []byte) error {
	nonce, err := backend.PendingNonceAt(ctx, signer.Address)
	if err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	estimate, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From: signer.Address,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit, err := s.cfg.Gas.Apply(estimate)
	if err != nil {
		return err
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	ethSigner := ethtypes.LatestSignerForChainID(backend.ChainID())
	txSig, err := signer.Sign(ethSigner.Hash(tx).Bytes())
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	signed, err := tx.WithSignature(ethSigner, txSig)
	if err != nil {
		return fmt.Errorf("attach signature: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	s.logger.Info("transaction accepted",
		"tx_hash", signed.Hash(),
		"nonce", nonce,
		"gas", gasLimit,
	)
	return nil
}

func (s *Submission) postPacket(ctx context.Context, msg types.ChainMessage, signer *keys.Signer, sig []byte) error {
	packet := types.Packet{
		ServiceManager: msg.Manager,
		Envelope:       msg.Envelope,
		Signer:         signer.Address,
		Signature:      sig,
	}
	body, err := json.Marshal(packet)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}

	url := msg.Submit.AggregatorURL + "/packets"
	err = backoff.Retry(ctx, s.cfg.Retries, backoff.Default(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("aggregator returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Validation rejections are not retryable.
			s.logger.Warn("aggregator rejected packet",
				"status", resp.StatusCode, "event_id", msg.Envelope.EventID)
		}
		return nil
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.tel != nil {
		s.tel.RecordSubmission(ctx, "aggregator", outcome)
	}
	return err
}

func (s *Submission) walletLock(index uint32) *sync.Mutex {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()
	lock, ok := s.wallets[index]
	if !ok {
		lock = &sync.Mutex{}
		s.wallets[index] = lock
	}
	return lock
}
