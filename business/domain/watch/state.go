package watch

import (
	"sort"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
)

// State is the watcher's view of the active epoch: the authority set, the
// identity's block records keyed by slot and the highest chain heads seen.
// It is owned by the single consumer loop and replaced wholesale at every
// epoch boundary, never merged. Pending holds minted records of earlier
// epochs still awaiting finality; finality can lag past a boundary, so these
// are handed over to the replacement state until resolved.
type State struct {
	Epoch           uint64
	Set             entities.AuthoritySet
	Own             map[uint64]entities.BlockRecord
	Pending         map[uint64]entities.BlockRecord
	BestNumber      uint64
	FinalizedNumber uint64
}

// Change is one status transition to persist. Empty fields mean "keep the
// stored value".
type Change struct {
	Slot            uint64
	Status          entities.BlockStatus
	BlockNumber     uint64
	BlockHash       string
	ProducedTimeUTC string
}

// ApplyBestHead folds one best head event into the state and returns the
// resulting status change, if any. A scheduled own slot becomes minted; a
// minted own slot seen again with a different hash is a pre-finality reorg
// and has its block data corrected, latest observation wins; a finalized
// slot ignores the event entirely.
func (s *State) ApplyBestHead(ev entities.HeadEvent) (Change, bool) {
	if ev.Number > s.BestNumber {
		s.BestNumber = ev.Number
	}

	record, ok := s.Own[ev.Slot]
	if !ok {
		return Change{}, false
	}

	switch record.Status {
	case entities.StatusScheduled:
		return Change{
			Slot:            ev.Slot,
			Status:          entities.StatusMinted,
			BlockNumber:     ev.Number,
			BlockHash:       ev.Hash,
			ProducedTimeUTC: ev.Timestamp.UTC().Format(time.RFC3339),
		}, true
	case entities.StatusMinted:
		if record.BlockHash == ev.Hash {
			return Change{}, false
		}
		return Change{
			Slot:            ev.Slot,
			Status:          entities.StatusMinted,
			BlockNumber:     ev.Number,
			BlockHash:       ev.Hash,
			ProducedTimeUTC: ev.Timestamp.UTC().Format(time.RFC3339),
		}, true
	default:
		// finality is the chain's irreversible judgment
		return Change{}, false
	}
}

// ApplyFinalized folds one finalized head event into the state and returns
// the slots to finalize, ascending. A minted slot whose block number is at or
// below the finalized height becomes finalized, whether it belongs to the
// active epoch or was carried over from an earlier one. A slot still
// scheduled at that height was simply missed; it stays scheduled forever,
// which is a historical fact and not an error.
func (s *State) ApplyFinalized(ev entities.FinalityEvent) []Change {
	if ev.Number > s.FinalizedNumber {
		s.FinalizedNumber = ev.Number
	}

	var slots []uint64
	collect := func(records map[uint64]entities.BlockRecord) {
		for slot, record := range records {
			if record.Status == entities.StatusMinted && record.BlockNumber > 0 && record.BlockNumber <= ev.Number {
				slots = append(slots, slot)
			}
		}
	}
	collect(s.Own)
	collect(s.Pending)
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	changes := make([]Change, 0, len(slots))
	for _, slot := range slots {
		changes = append(changes, Change{
			Slot:   slot,
			Status: entities.StatusFinalized,
		})
	}
	return changes
}

// Commit records the persisted outcome of a change back into the state. A
// carried over record leaves the pending set once finalized.
func (s *State) Commit(record entities.BlockRecord) {
	if _, ok := s.Own[record.Slot]; ok {
		s.Own[record.Slot] = record
		return
	}
	if _, ok := s.Pending[record.Slot]; ok {
		if record.Status == entities.StatusFinalized {
			delete(s.Pending, record.Slot)
			return
		}
		s.Pending[record.Slot] = record
	}
}

// CarryUnfinalized returns the minted records still awaiting finality, for
// handing over to the replacement state at an epoch boundary.
func (s *State) CarryUnfinalized() map[uint64]entities.BlockRecord {
	carry := make(map[uint64]entities.BlockRecord)
	for slot, record := range s.Pending {
		carry[slot] = record
	}
	for slot, record := range s.Own {
		if record.Status == entities.StatusMinted && record.BlockNumber > 0 {
			carry[slot] = record
		}
	}
	return carry
}

// CrossedBoundary reports whether an observed slot lies beyond the active
// epoch's end slot.
func (s *State) CrossedBoundary(slot uint64) bool {
	return slot > s.Set.EndSlot
}

// StatusCounts returns the number of own slots per status.
func (s *State) StatusCounts() (scheduled, minted, finalized int) {
	for _, record := range s.Own {
		switch record.Status {
		case entities.StatusScheduled:
			scheduled++
		case entities.StatusMinted:
			minted++
		case entities.StatusFinalized:
			finalized++
		}
	}
	return scheduled, minted, finalized
}
