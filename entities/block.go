package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// BlockStatus is the persisted lifecycle status of an owned slot. The three
// values form a strictly ordered lattice: schedule < mint < finality.
type BlockStatus string

const (
	StatusScheduled BlockStatus = "schedule"
	StatusMinted    BlockStatus = "mint"
	StatusFinalized BlockStatus = "finality"
)

func (s BlockStatus) Rank() int {
	switch s {
	case StatusScheduled:
		return 0
	case StatusMinted:
		return 1
	case StatusFinalized:
		return 2
	}
	return -1
}

// PublicKey is a 32 byte Aura (sr25519) public key.
type PublicKey [32]byte

func (k PublicKey) Hex() string {
	return "0x" + hex.EncodeToString(k[:])
}

func ParsePublicKey(s string) (PublicKey, error) {
	var key PublicKey
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"))
	if err != nil {
		return key, errors.Wrap(err, "decoding public key hex")
	}
	if len(raw) != len(key) {
		return key, errors.Errorf("expected 32 byte public key, got %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// AuthoritySet is the ordered list of authorities governing one epoch. The
// order is significant: it defines the round robin slot assignment.
type AuthoritySet struct {
	Epoch       uint64
	StartSlot   uint64
	EndSlot     uint64
	Authorities []PublicKey
}

// Hash returns the sha256 over the concatenated authority keys, used to
// detect authority set changes and to pin an epoch's set in the store.
func (s AuthoritySet) Hash() string {
	hasher := sha256.New()
	for _, a := range s.Authorities {
		hasher.Write(a[:])
	}
	return "0x" + hex.EncodeToString(hasher.Sum(nil))
}

// IndexOf returns the position of the given key in the ordered authority
// list. The second return value is false if the key is not an authority.
func (s AuthoritySet) IndexOf(key PublicKey) (int, bool) {
	for i, a := range s.Authorities {
		if a == key {
			return i, true
		}
	}
	return 0, false
}

// EpochInfo is the persisted projection of an authority set. Only the hash
// and length of the set are stored, not the keys themselves.
type EpochInfo struct {
	Epoch            uint64 `json:"epoch"`
	StartSlot        uint64 `json:"start_slot"`
	EndSlot          uint64 `json:"end_slot"`
	AuthoritySetHash string `json:"authority_set_hash"`
	AuthoritySetLen  int    `json:"authority_set_len"`
	CreatedAtUTC     string `json:"created_at_utc"`
}

// Matches reports whether two epoch rows describe the same immutable history.
// CreatedAtUTC is bookkeeping and not part of the comparison.
func (e EpochInfo) Matches(other EpochInfo) bool {
	return e.Epoch == other.Epoch &&
		e.StartSlot == other.StartSlot &&
		e.EndSlot == other.EndSlot &&
		e.AuthoritySetHash == other.AuthoritySetHash &&
		e.AuthoritySetLen == other.AuthoritySetLen
}

// BlockRecord is one owned slot and its outcome. Zero values of BlockNumber,
// BlockHash and ProducedTimeUTC represent the nullable columns of a slot that
// has not been observed minted yet.
type BlockRecord struct {
	Slot            uint64      `json:"slot"`
	Epoch           uint64      `json:"epoch"`
	PlannedTimeUTC  string      `json:"planned_time_utc"`
	BlockNumber     uint64      `json:"block_number,omitempty"`
	BlockHash       string      `json:"block_hash,omitempty"`
	ProducedTimeUTC string      `json:"produced_time_utc,omitempty"`
	Status          BlockStatus `json:"status"`
}

// ScheduleEntry is one computed slot assignment of the identity.
type ScheduleEntry struct {
	Slot        uint64    `json:"slot"`
	PlannedTime time.Time `json:"planned_time"`
}

// Registration is the sidechain registry's view of the identity. Known is
// false when the registry could not be reached, which is never an error.
type Registration struct {
	Known      bool
	Registered bool
	Stake      float64
}
