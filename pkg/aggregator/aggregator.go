// Package aggregator accumulates partial signatures from operator
// nodes and submits a single combined envelope once signed weight
// crosses the service manager's threshold. Quorum is always checked
// against live chain state because stake can move between packets.
package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wavs-labs/wavs/pkg/telemetry"
	"github.com/wavs-labs/wavs/pkg/types"
	"github.com/wavs-labs/wavs/pkg/util/backoff"
)

// Validation errors surface to the ingress caller as 4xx-equivalents.
var (
	ErrEnvelopeTooLarge  = errors.New("envelope exceeds the size cap")
	ErrPayloadConflict   = errors.New("payload disagrees with the stored envelope for this event")
	ErrSignatureConflict = errors.New("signer already present with a different signature")
	ErrRateLimited       = errors.New("packet rate limit exceeded")
)

// WeightSource reads operator stake state from a service manager.
type WeightSource interface {
	OperatorWeight(ctx context.Context, manager types.ServiceManagerRef, operator common.Address) (*big.Int, error)
	ThresholdWeight(ctx context.Context, manager types.ServiceManagerRef) (*big.Int, error)
	BlockNumber(ctx context.Context, chain types.ChainName) (uint64, error)
}

// Submitter delivers a quorum envelope on-chain.
type Submitter interface {
	SubmitEnvelope(ctx context.Context, manager types.ServiceManagerRef, env types.Envelope, sigData types.SignatureData) error
}

// Config tunes limits and retention.
type Config struct {
	// MaxEnvelopeBytes caps the ABI-encoded envelope size.
	MaxEnvelopeBytes int
	// RatePerSec and Burst limit packets per source (signer address).
	RatePerSec float64
	Burst      int
	// DedupWindow keeps terminal records around to absorb replays.
	DedupWindow time.Duration
	// SubmitRetries bounds the on-chain submission retry loop.
	SubmitRetries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEnvelopeBytes: 1 << 20,
		RatePerSec:       50,
		Burst:            100,
		DedupWindow:      15 * time.Minute,
		SubmitRetries:    3,
	}
}

type recordState int

const (
	stateCollecting recordState = iota
	stateSubmitted
	stateFailed
)

// record accumulates packets for one (service_manager, event_id).
type record struct {
	mu       sync.Mutex
	envelope types.Envelope
	sigs     map[common.Address][]byte
	state    recordState
}

// Aggregator is the accumulation subsystem.
type Aggregator struct {
	cfg       Config
	weights   WeightSource
	submitter Submitter
	tel       *telemetry.Provider
	logger    *slog.Logger

	mu      sync.Mutex
	records map[string]*record
	// terminal keeps finished records for the dedup window, then
	// evicts them.
	terminal *gocache.Cache

	limitMu  sync.Mutex
	limiters map[common.Address]*rate.Limiter

	wg sync.WaitGroup
}

// New builds the aggregator.
func New(cfg Config, weights WeightSource, submitter Submitter, tel *telemetry.Provider, logger *slog.Logger) *Aggregator {
	if cfg.MaxEnvelopeBytes <= 0 {
		cfg.MaxEnvelopeBytes = DefaultConfig().MaxEnvelopeBytes
	}
	if cfg.SubmitRetries < 1 {
		cfg.SubmitRetries = 1
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	return &Aggregator{
		cfg:       cfg,
		weights:   weights,
		submitter: submitter,
		tel:       tel,
		logger:    logger.With("component", "aggregator"),
		records:   make(map[string]*record),
		terminal:  gocache.New(cfg.DedupWindow, cfg.DedupWindow/2),
		limiters:  make(map[common.Address]*rate.Limiter),
	}
}

func recordKey(manager types.ServiceManagerRef, eventID types.EventID) string {
	return manager.Key() + "/" + eventID.String()
}

// Ingest validates and absorbs one packet. Replays are idempotent;
// conflicting payloads or signatures are rejected. When the packet
// completes quorum, the combined submission is enqueued exactly once.
func (a *Aggregator) Ingest(ctx context.Context, packet types.Packet) error {
	encoded, err := packet.Envelope.ABIEncode()
	if err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	if len(encoded) > a.cfg.MaxEnvelopeBytes {
		return ErrEnvelopeTooLarge
	}
	if err := packet.Validate(); err != nil {
		return fmt.Errorf("invalid packet: %w", err)
	}

	key := recordKey(packet.ServiceManager, packet.Envelope.EventID)

	// Replays of finished events are absorbed without side effect.
	if _, done := a.terminal.Get(key); done {
		return nil
	}

	a.mu.Lock()
	rec, ok := a.records[key]
	if !ok {
		rec = &record{
			envelope: packet.Envelope,
			sigs:     make(map[common.Address][]byte),
		}
		a.records[key] = rec
	}
	a.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != stateCollecting {
		return nil
	}
	if !bytes.Equal(rec.envelope.Payload, packet.Envelope.Payload) {
		return ErrPayloadConflict
	}
	if existing, ok := rec.sigs[packet.Signer]; ok {
		if !bytes.Equal(existing, packet.Signature) {
			return ErrSignatureConflict
		}
		// Identical replay: no new signature, but re-run the quorum
		// check so a replay can recover from an earlier failed chain
		// read. Replays are exempt from rate limiting so idempotent
		// success is never turned into a 429.
	} else {
		// Only packets that add a signature spend rate budget.
		if a.cfg.RatePerSec > 0 && !a.limiter(packet.Signer).Allow() {
			return ErrRateLimited
		}
		rec.sigs[packet.Signer] = append([]byte(nil), packet.Signature...)
	}

	reached, sigData, err := a.checkQuorum(ctx, packet.ServiceManager, rec)
	if err != nil {
		// Quorum reads are transient chain I/O; the packet is kept and
		// the next packet retries the check.
		a.logger.Warn("quorum check failed",
			"event_id", packet.Envelope.EventID, "error", err)
		return nil
	}
	if !reached {
		return nil
	}

	// Terminal before the task spawns: concurrent replays of the same
	// event are discarded from here on.
	rec.state = stateSubmitted
	env := rec.envelope

	// The submission task outlives the ingest call. Callers hand in
	// request-scoped contexts (the HTTP ingress cancels them the
	// moment the response is written), so only values carry over.
	submitCtx := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.submit(submitCtx, packet.ServiceManager, env, sigData)
	}()
	return nil
}

// checkQuorum sums live weights over the accumulated signers. Called
// with the record lock held.
func (a *Aggregator) checkQuorum(ctx context.Context, manager types.ServiceManagerRef, rec *record) (bool, types.SignatureData, error) {
	threshold, err := a.weights.ThresholdWeight(ctx, manager)
	if err != nil {
		return false, types.SignatureData{}, fmt.Errorf("read threshold: %w", err)
	}
	signed := new(big.Int)
	for signer := range rec.sigs {
		weight, err := a.weights.OperatorWeight(ctx, manager, signer)
		if err != nil {
			return false, types.SignatureData{}, fmt.Errorf("read weight of %s: %w", signer, err)
		}
		signed.Add(signed, weight)
	}
	if signed.Cmp(threshold) < 0 {
		return false, types.SignatureData{}, nil
	}

	head, err := a.weights.BlockNumber(ctx, manager.Chain)
	if err != nil {
		return false, types.SignatureData{}, fmt.Errorf("read head: %w", err)
	}
	if head == 0 {
		return false, types.SignatureData{}, fmt.Errorf("chain reports zero head")
	}
	// The reference block must already be final relative to the head.
	sigData, err := types.SortedSignatureData(rec.sigs, uint32(head-1))
	if err != nil {
		return false, types.SignatureData{}, err
	}
	return true, sigData, nil
}

func (a *Aggregator) submit(ctx context.Context, manager types.ServiceManagerRef, env types.Envelope, sigData types.SignatureData) {
	err := backoff.Retry(ctx, a.cfg.SubmitRetries, backoff.Default(), func() error {
		return a.submitter.SubmitEnvelope(ctx, manager, env, sigData)
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
		a.logger.Error("quorum submission failed",
			"event_id", env.EventID, "signers", len(sigData.Signers), "error", err)
		a.fail(recordKey(manager, env.EventID))
	} else {
		a.logger.Info("quorum submitted",
			"event_id", env.EventID, "signers", len(sigData.Signers),
			"reference_block", sigData.ReferenceBlock)
		a.finish(recordKey(manager, env.EventID))
	}
	if a.tel != nil {
		a.tel.RecordSubmission(ctx, "quorum", outcome)
	}
}

// finish moves a record into the dedup window and out of the live map.
func (a *Aggregator) finish(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminal.SetDefault(key, struct{}{})
	delete(a.records, key)
}

// fail evicts a persistently unsubmittable record into the dedup
// window: replays are absorbed rather than restarting the broken
// submission, and the entry ages out instead of living in the record
// map forever.
func (a *Aggregator) fail(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.records[key]; ok {
		rec.mu.Lock()
		rec.state = stateFailed
		rec.mu.Unlock()
		delete(a.records, key)
	}
	a.terminal.SetDefault(key, struct{}{})
}

// Wait blocks until in-flight submission tasks finish.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

// Pending reports how many events are still collecting signatures.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func (a *Aggregator) limiter(source common.Address) *rate.Limiter {
	a.limitMu.Lock()
	defer a.limitMu.Unlock()
	l, ok := a.limiters[source]
	if !ok {
		l = rate.NewLimiter(rate.Limit(a.cfg.RatePerSec), a.cfg.Burst)
		a.limiters[source] = l
	}
	return l
}
