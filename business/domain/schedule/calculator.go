package schedule

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
)

// Params are the chain constants needed to turn a slot number into a wall
// clock time. They are read from the node, never hard coded: SlotDuration is
// the Aura SlotDuration runtime constant, the reference point is the current
// best head's slot and on-chain timestamp.
type Params struct {
	SlotDuration  time.Duration
	ReferenceSlot uint64
	ReferenceTime time.Time
}

// SlotTime converts a slot number to its planned production time. The
// conversion is integer exact and strictly monotonic in the slot number.
func (p Params) SlotTime(slot uint64) time.Time {
	delta := int64(slot) - int64(p.ReferenceSlot)
	return p.ReferenceTime.Add(time.Duration(delta) * p.SlotDuration)
}

// EpochWindow maps a slot to its epoch index and inclusive slot range.
func EpochWindow(slot, epochSize uint64) (epoch, startSlot, endSlot uint64) {
	epoch = slot / epochSize
	startSlot = epoch * epochSize
	endSlot = startSlot + epochSize - 1
	return epoch, startSlot, endSlot
}

// Compute returns the identity's assigned slots over the authority set's slot
// range, ascending. A slot belongs to the identity when slot mod
// len(authorities) equals the identity's position in the ordered set. An
// identity that is not in the set gets an empty schedule; that is a valid
// state, not an error. Repeated calls with the same inputs return identical
// results.
func Compute(set entities.AuthoritySet, identity entities.PublicKey, params Params) []entities.ScheduleEntry {
	ownIndex, ok := set.IndexOf(identity)
	if !ok || len(set.Authorities) == 0 {
		return nil
	}

	count := uint64(len(set.Authorities))
	entries := make([]entities.ScheduleEntry, 0, (set.EndSlot-set.StartSlot)/count+1)
	for slot := set.StartSlot; slot <= set.EndSlot; slot++ {
		if slot%count != uint64(ownIndex) {
			continue
		}
		entries = append(entries, entities.ScheduleEntry{
			Slot:        slot,
			PlannedTime: params.SlotTime(slot).UTC(),
		})
	}
	return entries
}

// Hash fingerprints a computed schedule for change detection across epochs.
func Hash(entries []entities.ScheduleEntry) string {
	hasher := sha256.New()
	var buf [8]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[:], e.Slot)
		hasher.Write(buf[:])
	}
	return "0x" + hex.EncodeToString(hasher.Sum(nil))
}
