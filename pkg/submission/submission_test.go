package submission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavs-labs/wavs/pkg/keys"
	"github.com/wavs-labs/wavs/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func jsonDecode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// fakeBackend records sends and asserts no two transactions from the
// same wallet are in flight concurrently.
type fakeBackend struct {
	mu        sync.Mutex
	nonce     uint64
	inFlight  int
	maxSeen   int
	sent      []*ethtypes.Transaction
	sendDelay time.Duration
	estimate  uint64
	sendErr   error
}

func (b *fakeBackend) ChainID() *big.Int { return big.NewInt(31337) }

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if b.estimate == 0 {
		return 21_000, nil
	}
	return b.estimate, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	b.mu.Lock()
	b.inFlight++
	if b.inFlight > b.maxSeen {
		b.maxSeen = b.inFlight
	}
	b.mu.Unlock()

	if b.sendDelay > 0 {
		time.Sleep(b.sendDelay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func testSubmission(t *testing.T, cfg Config, backend Backend) (*Submission, *keys.Store) {
	t.Helper()
	keyStore, err := keys.NewStore(testMnemonic, "")
	require.NoError(t, err)
	t.Cleanup(keyStore.Close)

	resolver := func(context.Context, types.ChainName) (Backend, error) {
		return backend, nil
	}
	return New(cfg, keyStore, resolver, nil, slog.Default()), keyStore
}

func chainMessage(hdIndex uint32, payload []byte) types.ChainMessage {
	return types.ChainMessage{
		ServiceID:  "svc",
		WorkflowID: "wf",
		Envelope: types.Envelope{
			EventID: types.TickEventID("t", uint64(hdIndex)),
			Payload: payload,
		},
		Manager: types.ServiceManagerRef{Chain: "evm:local", Address: common.HexToAddress("0x01")},
		Submit: types.Submit{
			Kind:    types.SubmitChain,
			Chain:   "evm:local",
			Address: common.HexToAddress("0x02"),
		},
		HDIndex: hdIndex,
	}
}

func TestDirectSubmitSendsSignedTransaction(t *testing.T) {
	backend := &fakeBackend{}
	s, keyStore := testSubmission(t, Config{Gas: GasPolicy{Multiplier: 1.2, Max: 1_000_000}}, backend)

	s.Submit(context.Background(), chainMessage(0, []byte{1, 2, 3}))
	s.Wait()

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, uint64(25_200), tx.Gas(), "estimate padded by multiplier")

	signer, err := keyStore.Signer(0)
	require.NoError(t, err)
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(backend.ChainID()), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address, from, "signed by the derived service key")
}

func TestGasCapRejects(t *testing.T) {
	backend := &fakeBackend{estimate: 2_000_000}
	s, _ := testSubmission(t, Config{Gas: GasPolicy{Multiplier: 1.5, Max: 1_000_000}}, backend)

	s.Submit(context.Background(), chainMessage(0, []byte("x")))
	s.Wait()

	assert.Empty(t, backend.sent, "capped estimate never sends")
}

func TestGasPolicyApply(t *testing.T) {
	p := GasPolicy{Multiplier: 2, Max: 100}

	padded, err := p.Apply(40)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), padded)

	_, err = p.Apply(60)
	var gasErr *GasError
	require.True(t, errors.As(err, &gasErr))
	assert.Equal(t, uint64(120), gasErr.Padded)
}

func TestSameWalletSerialized(t *testing.T) {
	backend := &fakeBackend{sendDelay: 30 * time.Millisecond}
	s, _ := testSubmission(t, Config{Gas: GasPolicy{Multiplier: 1, Max: 10_000_000}}, backend)

	for i := 0; i < 4; i++ {
		s.Submit(context.Background(), chainMessage(0, []byte{byte(i)}))
	}
	s.Wait()

	require.Len(t, backend.sent, 4)
	assert.Equal(t, 1, backend.maxSeen, "one in-flight send per wallet")

	nonces := map[uint64]bool{}
	for _, tx := range backend.sent {
		assert.False(t, nonces[tx.Nonce()], "nonce %d reused", tx.Nonce())
		nonces[tx.Nonce()] = true
	}
}

func TestDifferentWalletsParallel(t *testing.T) {
	backend := &fakeBackend{sendDelay: 50 * time.Millisecond}
	s, _ := testSubmission(t, Config{Gas: GasPolicy{Multiplier: 1, Max: 10_000_000}}, backend)

	start := time.Now()
	for i := uint32(0); i < 4; i++ {
		s.Submit(context.Background(), chainMessage(i, []byte{byte(i)}))
	}
	s.Wait()
	elapsed := time.Since(start)

	require.Len(t, backend.sent, 4)
	assert.Less(t, elapsed, 150*time.Millisecond,
		"four distinct wallets must not serialize (took %v)", elapsed)
}

func TestAggregatorPost(t *testing.T) {
	var received types.Packet
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		require.Equal(t, "/packets", r.URL.Path)
		require.NoError(t, jsonDecode(r, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, keyStore := testSubmission(t, Config{}, &fakeBackend{})
	msg := chainMessage(3, []byte("partial"))
	msg.Submit = types.Submit{Kind: types.SubmitAggregator, AggregatorURL: server.URL}

	s.Submit(context.Background(), msg)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)

	signer, err := keyStore.Signer(3)
	require.NoError(t, err)
	assert.Equal(t, signer.Address, received.Signer)
	require.NoError(t, received.Validate(), "posted packet carries a valid signature")
}
