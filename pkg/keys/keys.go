// Package keys derives per-service signing keys from the operator
// mnemonic. Each registered service owns one HD index; derivation is
// injective because indexes are allocated, never hashed. Key material
// is zeroed when the store closes.
package keys

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"
)

// Signer holds one derived service key.
type Signer struct {
	Index   uint32
	Address common.Address

	priv *ecdsa.PrivateKey
}

// Sign produces a 65-byte [R || S || V] signature over a 32-byte digest.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, fmt.Errorf("signer %d is closed", s.Index)
	}
	return crypto.Sign(digest, s.priv)
}

func (s *Signer) zero() {
	if s.priv != nil {
		b := s.priv.D.Bits()
		for i := range b {
			b[i] = 0
		}
		s.priv = nil
	}
}

// Store materializes signers lazily by HD index and caches them under a
// reader/writer lock.
type Store struct {
	mu      sync.RWMutex
	master  *hdkeychain.ExtendedKey
	signers map[uint32]*Signer
	closed  bool
}

// NewStore builds the store from a BIP-39 mnemonic. The passphrase may
// be empty.
func NewStore(mnemonic, passphrase string) (*Store, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	defer zeroBytes(seed)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &Store{
		master:  master,
		signers: make(map[uint32]*Signer),
	}, nil
}

// hdPath is m/44'/60'/0'/0/<index>, the Ethereum account path with the
// service's allocated index in the address position.
var hdPath = []uint32{
	44 + hdkeychain.HardenedKeyStart,
	60 + hdkeychain.HardenedKeyStart,
	0 + hdkeychain.HardenedKeyStart,
	0,
}

// Signer returns the signer for an HD index, deriving it on first use.
func (s *Store) Signer(index uint32) (*Signer, error) {
	s.mu.RLock()
	signer, ok := s.signers[index]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("key store is closed")
	}
	if ok {
		return signer, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("key store is closed")
	}
	if signer, ok := s.signers[index]; ok {
		return signer, nil
	}

	key := s.master
	for _, step := range append(append([]uint32(nil), hdPath...), index) {
		child, err := key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive index %d: %w", index, err)
		}
		if key != s.master {
			key.Zero()
		}
		key = child
	}
	ecPriv, err := key.ECPrivKey()
	if err != nil {
		key.Zero()
		return nil, fmt.Errorf("materialize index %d: %w", index, err)
	}
	raw := ecPriv.Serialize()
	priv, err := crypto.ToECDSA(raw)
	zeroBytes(raw)
	key.Zero()
	if err != nil {
		return nil, fmt.Errorf("materialize index %d: %w", index, err)
	}

	signer = &Signer{
		Index:   index,
		Address: crypto.PubkeyToAddress(priv.PublicKey),
		priv:    priv,
	}
	s.signers[index] = signer
	return signer, nil
}

// Close zeroes every cached key and the master key. Signers handed out
// earlier stop signing.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, signer := range s.signers {
		signer.zero()
	}
	s.master.Zero()
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
