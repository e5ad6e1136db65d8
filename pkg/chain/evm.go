// Package chain is the boundary to on-chain contracts: the
// service-manager queries (operator weight, threshold, validate) and
// the service-handler submission call. ABIs are fixed here; contract
// sources live with the contracts collaborator.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/wavs-labs/wavs/pkg/config"
	"github.com/wavs-labs/wavs/pkg/types"
)

const serviceManagerABI = `[
	{"type":"function","name":"getOperatorWeight","stateMutability":"view",
	 "inputs":[{"name":"operator","type":"address"}],
	 "outputs":[{"name":"weight","type":"uint256"}]},
	{"type":"function","name":"getThresholdWeight","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"threshold","type":"uint256"}]},
	{"type":"function","name":"validate","stateMutability":"view",
	 "inputs":[
		{"name":"envelope","type":"tuple","components":[
			{"name":"eventId","type":"bytes20"},
			{"name":"ordering","type":"bytes12"},
			{"name":"payload","type":"bytes"}]},
		{"name":"signatureData","type":"tuple","components":[
			{"name":"signers","type":"address[]"},
			{"name":"signatures","type":"bytes[]"},
			{"name":"referenceBlock","type":"uint32"}]}],
	 "outputs":[]}
]`

const serviceHandlerABI = `[
	{"type":"function","name":"handleSignedEnvelope","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"envelope","type":"tuple","components":[
			{"name":"eventId","type":"bytes20"},
			{"name":"ordering","type":"bytes12"},
			{"name":"payload","type":"bytes"}]},
		{"name":"signatureData","type":"tuple","components":[
			{"name":"signers","type":"address[]"},
			{"name":"signatures","type":"bytes[]"},
			{"name":"referenceBlock","type":"uint32"}]}],
	 "outputs":[]}
]`

var (
	managerABI abi.ABI
	handlerABI abi.ABI
)

func init() {
	var err error
	managerABI, err = abi.JSON(strings.NewReader(serviceManagerABI))
	if err != nil {
		panic(err)
	}
	handlerABI, err = abi.JSON(strings.NewReader(serviceHandlerABI))
	if err != nil {
		panic(err)
	}
}

// abiEnvelope mirrors the Solidity envelope tuple.
type abiEnvelope struct {
	EventId  [20]byte
	Ordering [12]byte
	Payload  []byte
}

// abiSignatureData mirrors the Solidity signature-data tuple.
type abiSignatureData struct {
	Signers        []common.Address
	Signatures     [][]byte
	ReferenceBlock uint32
}

func toABIEnvelope(e types.Envelope) abiEnvelope {
	return abiEnvelope{
		EventId:  [20]byte(e.EventID),
		Ordering: [12]byte(e.Ordering),
		Payload:  []byte(e.Payload),
	}
}

func toABISignatureData(s types.SignatureData) abiSignatureData {
	sigs := make([][]byte, len(s.Signatures))
	for i, sig := range s.Signatures {
		sigs[i] = []byte(sig)
	}
	return abiSignatureData{
		Signers:        s.Signers,
		Signatures:     sigs,
		ReferenceBlock: s.ReferenceBlock,
	}
}

// PackHandleSignedEnvelope builds the calldata for the service-handler
// submission call.
func PackHandleSignedEnvelope(env types.Envelope, sigData types.SignatureData) ([]byte, error) {
	return handlerABI.Pack("handleSignedEnvelope", toABIEnvelope(env), toABISignatureData(sigData))
}

// EVMClient wraps one chain's RPC connection.
type EVMClient struct {
	Chain   types.ChainName
	ChainID *big.Int
	Eth     *ethclient.Client
}

// OperatorWeight reads an operator's current stake weight from a
// service manager. Read at call time, never cached: stake can move
// between packets.
func (c *EVMClient) OperatorWeight(ctx context.Context, manager common.Address, operator common.Address) (*big.Int, error) {
	data, err := managerABI.Pack("getOperatorWeight", operator)
	if err != nil {
		return nil, fmt.Errorf("pack getOperatorWeight: %w", err)
	}
	out, err := c.call(ctx, manager, data)
	if err != nil {
		return nil, fmt.Errorf("getOperatorWeight(%s): %w", operator, err)
	}
	values, err := managerABI.Unpack("getOperatorWeight", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getOperatorWeight: %w", err)
	}
	return values[0].(*big.Int), nil
}

// ThresholdWeight reads the current quorum threshold.
func (c *EVMClient) ThresholdWeight(ctx context.Context, manager common.Address) (*big.Int, error) {
	data, err := managerABI.Pack("getThresholdWeight")
	if err != nil {
		return nil, fmt.Errorf("pack getThresholdWeight: %w", err)
	}
	out, err := c.call(ctx, manager, data)
	if err != nil {
		return nil, fmt.Errorf("getThresholdWeight: %w", err)
	}
	values, err := managerABI.Unpack("getThresholdWeight", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getThresholdWeight: %w", err)
	}
	return values[0].(*big.Int), nil
}

// Validate runs the manager's pure validation view over an envelope and
// its signature data. A revert surfaces as an error.
func (c *EVMClient) Validate(ctx context.Context, manager common.Address, env types.Envelope, sigData types.SignatureData) error {
	data, err := managerABI.Pack("validate", toABIEnvelope(env), toABISignatureData(sigData))
	if err != nil {
		return fmt.Errorf("pack validate: %w", err)
	}
	if _, err := c.call(ctx, manager, data); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// BlockNumber returns the current head height.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.Eth.BlockNumber(ctx)
}

func (c *EVMClient) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.Eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// Clients lazily dials and caches one EVMClient per configured chain.
type Clients struct {
	mu      sync.Mutex
	chains  map[types.ChainName]config.ChainConfig
	clients map[types.ChainName]*EVMClient
}

// NewClients builds the pool from chain configuration.
func NewClients(chains map[types.ChainName]config.ChainConfig) *Clients {
	return &Clients{
		chains:  chains,
		clients: make(map[types.ChainName]*EVMClient),
	}
}

// Get dials the chain's HTTP endpoint on first use.
func (p *Clients) Get(ctx context.Context, chain types.ChainName) (*EVMClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[chain]; ok {
		return c, nil
	}
	cfg, ok := p.chains[chain]
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", chain)
	}
	if cfg.HTTPEndpoint == "" {
		return nil, fmt.Errorf("chain %s has no http endpoint", chain)
	}
	eth, err := ethclient.DialContext(ctx, cfg.HTTPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", chain, err)
	}
	c := &EVMClient{
		Chain:   chain,
		ChainID: big.NewInt(cfg.ChainID),
		Eth:     eth,
	}
	p.clients[chain] = c
	return c, nil
}

// Close hangs up every dialed connection.
func (p *Clients) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Eth.Close()
	}
}
