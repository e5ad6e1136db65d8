package types

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Envelope is the signed artifact handed to the chain: the component's
// payload plus the event id and the reserved ordering field.
//
// The wire layout is the ABI encoding of
// (bytes20 eventId, bytes12 ordering, bytes payload).
type Envelope struct {
	EventID  EventID       `json:"event_id"`
	Ordering Ordering      `json:"ordering"`
	Payload  hexutil.Bytes `json:"payload"`
}

// SignatureData accompanies an envelope on submission. Signers are
// sorted ascending by byte value; Signatures is parallel to Signers.
type SignatureData struct {
	Signers        []common.Address `json:"signers"`
	Signatures     []hexutil.Bytes  `json:"signatures"`
	ReferenceBlock uint32           `json:"reference_block"`
}

var envelopeArgs = abi.Arguments{
	{Name: "eventId", Type: mustABIType("bytes20")},
	{Name: "ordering", Type: mustABIType("bytes12")},
	{Name: "payload", Type: mustABIType("bytes")},
}

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// ABIEncode returns the Solidity ABI encoding of the envelope.
func (e Envelope) ABIEncode() ([]byte, error) {
	return envelopeArgs.Pack([20]byte(e.EventID), [12]byte(e.Ordering), []byte(e.Payload))
}

// SigningHash returns the EIP-191 digest signed by operators:
// the keccak-256 of the ABI-encoded envelope, wrapped in the
// "\x19Ethereum Signed Message" prefix. The ordering field is included
// in the preimage even while reserved.
func (e Envelope) SigningHash() ([]byte, error) {
	encoded, err := e.ABIEncode()
	if err != nil {
		return nil, fmt.Errorf("abi-encode envelope: %w", err)
	}
	return accounts.TextHash(crypto.Keccak256(encoded)), nil
}

// RecoverSigner returns the address that produced a 65-byte
// [R || S || V] signature over the envelope's signing hash. V may be
// 27/28 or 0/1.
func (e Envelope) RecoverSigner(sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	digest, err := e.SigningHash()
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SortedSignatureData pairs signers with signatures and orders them
// strictly ascending by signer byte value, as the on-chain validator
// requires. Duplicate signers are rejected.
func SortedSignatureData(pairs map[common.Address][]byte, referenceBlock uint32) (SignatureData, error) {
	signers := make([]common.Address, 0, len(pairs))
	for addr := range pairs {
		signers = append(signers, addr)
	}
	sort.Slice(signers, func(i, j int) bool {
		return bytes.Compare(signers[i][:], signers[j][:]) < 0
	})
	for i := 1; i < len(signers); i++ {
		if signers[i] == signers[i-1] {
			return SignatureData{}, fmt.Errorf("duplicate signer %s", signers[i])
		}
	}
	sigs := make([]hexutil.Bytes, len(signers))
	for i, addr := range signers {
		sigs[i] = hexutil.Bytes(pairs[addr])
	}
	return SignatureData{
		Signers:        signers,
		Signatures:     sigs,
		ReferenceBlock: referenceBlock,
	}, nil
}

// Validate checks the strict signer ordering and pairing invariants.
func (s SignatureData) Validate() error {
	if len(s.Signers) == 0 {
		return fmt.Errorf("signature data has no signers")
	}
	if len(s.Signers) != len(s.Signatures) {
		return fmt.Errorf("signers (%d) and signatures (%d) must be parallel", len(s.Signers), len(s.Signatures))
	}
	for i := 1; i < len(s.Signers); i++ {
		if bytes.Compare(s.Signers[i-1][:], s.Signers[i][:]) >= 0 {
			return fmt.Errorf("signers must be strictly ascending at index %d", i)
		}
	}
	return nil
}
