package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// EventID is the 20-byte stable identifier of one logical trigger
// occurrence. It is the deduplication handle for every downstream
// consumer: replays carrying the same EventID must be absorbed.
type EventID [20]byte

// Ordering is the 12-byte reserved ordering field of the envelope.
// All zeros in this version; it is still part of the signed preimage.
type Ordering [12]byte

func keccakTruncate20(parts ...[]byte) EventID {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var id EventID
	copy(id[:], h.Sum(nil)[:20])
	return id
}

func u64be(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// EVMEventID derives the event id of an EVM log occurrence from the
// block hash and the log index within that block.
func EVMEventID(blockHash common.Hash, logIndex uint64) EventID {
	return keccakTruncate20(blockHash[:], u64be(logIndex))
}

// CosmosEventID derives the event id of a Cosmos event occurrence from
// the transaction hash and the event index within that transaction.
func CosmosEventID(txHash []byte, eventIndex uint64) EventID {
	return keccakTruncate20(txHash, u64be(eventIndex))
}

// BlockEventID derives the event id of a block-cadence occurrence.
func BlockEventID(chain ChainName, height uint64) EventID {
	return keccakTruncate20([]byte(chain), u64be(height))
}

// TickEventID derives the event id of a wall-clock cadence occurrence.
// Wall-clock triggers have no chain, so the workflow scope string keeps
// tick ids distinct between cron workflows.
func TickEventID(scope string, tick uint64) EventID {
	return keccakTruncate20([]byte(scope), u64be(tick))
}

func (e EventID) String() string { return "0x" + hex.EncodeToString(e[:]) }

// Bytes returns a copy of the raw 20 bytes.
func (e EventID) Bytes() []byte { return append([]byte(nil), e[:]...) }

// MarshalText renders the id as 0x-prefixed hex.
func (e EventID) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses 0x-prefixed or bare hex.
func (e *EventID) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(string(text), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("event id is not hex: %w", err)
	}
	if len(raw) != len(e) {
		return fmt.Errorf("event id must be %d bytes, got %d", len(e), len(raw))
	}
	copy(e[:], raw)
	return nil
}

func (o Ordering) String() string { return "0x" + hex.EncodeToString(o[:]) }

// MarshalText renders the ordering field as 0x-prefixed hex.
func (o Ordering) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses 0x-prefixed or bare hex.
func (o *Ordering) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(string(text), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("ordering is not hex: %w", err)
	}
	if len(raw) != len(o) {
		return fmt.Errorf("ordering must be %d bytes, got %d", len(o), len(raw))
	}
	copy(o[:], raw)
	return nil
}
