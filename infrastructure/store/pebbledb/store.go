package pebbledb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

var ErrNotFound = entities.ErrStoreEntityNotFound

// Key space. Epoch rows and block rows carry a one byte prefix followed by
// the big endian epoch number respectively slot number, so iteration order is
// numeric order.
const epochInfoKeyPrefix = 0x00
const blockKeyPrefix = 0x01

type Store struct {
	db *pebble.DB
}

func NewStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "blocklog-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	return &Store{db: db}, nil
}

func epochInfoKey(epoch uint64) []byte {
	key := []byte{epochInfoKeyPrefix}
	return binary.BigEndian.AppendUint64(key, epoch)
}

func blockKey(slot uint64) []byte {
	key := []byte{blockKeyPrefix}
	return binary.BigEndian.AppendUint64(key, slot)
}

// CommitEpoch writes an epoch row together with its schedule rows as one
// atomic batch. Schedule rows that already exist are left untouched, so the
// call is idempotent across restarts. An existing epoch row with differing
// values is kept as is: an epoch's authority set is immutable history, the
// conflict is logged and the fresh values are dropped. Returns the number of
// schedule rows inserted.
func (s *Store) CommitEpoch(info entities.EpochInfo, planned []entities.BlockRecord) (int, error) {
	existing, err := s.GetEpochInfo(info.Epoch)
	switch {
	case err == nil && !existing.Matches(info):
		log.Printf("[WARN] epoch [%d] info mismatch, keeping persisted row (stored hash %s, observed %s)",
			info.Epoch, existing.AuthoritySetHash, info.AuthoritySetHash)
	case err != nil && !errors.Is(err, ErrNotFound):
		return 0, errors.Wrapf(err, "reading epoch [%d] info", info.Epoch)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if errors.Is(err, ErrNotFound) {
		value, err := json.Marshal(info)
		if err != nil {
			return 0, errors.Wrap(err, "encoding epoch info")
		}
		if err := batch.Set(epochInfoKey(info.Epoch), value, nil); err != nil {
			return 0, errors.Wrap(err, "staging epoch info")
		}
	}

	inserted := 0
	for _, record := range planned {
		_, err := s.GetBlock(record.Slot)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, errors.Wrapf(err, "reading block for slot [%d]", record.Slot)
		}
		value, err := json.Marshal(record)
		if err != nil {
			return 0, errors.Wrapf(err, "encoding block for slot [%d]", record.Slot)
		}
		if err := batch.Set(blockKey(record.Slot), value, nil); err != nil {
			return 0, errors.Wrapf(err, "staging block for slot [%d]", record.Slot)
		}
		inserted++
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "committing epoch [%d]", info.Epoch)
	}
	return inserted, nil
}

// AdvanceStatus moves a block record forward on the schedule -> mint ->
// finality lattice. Regressions are ignored and reported through the applied
// return value, never as an error: under restart races a stale update must
// not demote a finalized slot. A repeated mint with a different hash is a
// reorg correction and overwrites the block data while keeping the status.
// Zero valued blockNumber, blockHash and producedTimeUTC leave the stored
// fields untouched.
func (s *Store) AdvanceStatus(slot uint64, status entities.BlockStatus, blockNumber uint64, blockHash string, producedTimeUTC string) (entities.BlockRecord, bool, error) {
	record, err := s.GetBlock(slot)
	if err != nil {
		return entities.BlockRecord{}, false, err
	}

	newRank := status.Rank()
	storedRank := record.Status.Rank()
	if newRank < 0 {
		return record, false, errors.Errorf("unknown status [%s]", status)
	}
	if newRank < storedRank {
		return record, false, nil
	}
	if newRank == storedRank && status != entities.StatusMinted {
		return record, false, nil
	}

	record.Status = status
	if blockNumber != 0 {
		record.BlockNumber = blockNumber
	}
	if blockHash != "" {
		record.BlockHash = blockHash
	}
	if producedTimeUTC != "" {
		record.ProducedTimeUTC = producedTimeUTC
	}

	value, err := json.Marshal(record)
	if err != nil {
		return record, false, errors.Wrapf(err, "encoding block for slot [%d]", slot)
	}
	if err := s.db.Set(blockKey(slot), value, pebble.Sync); err != nil {
		return record, false, errors.Wrapf(err, "updating block for slot [%d]", slot)
	}
	return record, true, nil
}

func (s *Store) GetEpochInfo(epoch uint64) (entities.EpochInfo, error) {
	var info entities.EpochInfo
	value, closer, err := s.db.Get(epochInfoKey(epoch))
	if errors.Is(err, pebble.ErrNotFound) {
		return info, ErrNotFound
	}
	if err != nil {
		return info, errors.Wrapf(err, "getting epoch [%d] info", epoch)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, &info); err != nil {
		return info, errors.Wrapf(err, "decoding epoch [%d] info", epoch)
	}
	return info, nil
}

// GetLatestEpoch returns the highest epoch number with a persisted row.
func (s *Store) GetLatestEpoch() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{epochInfoKeyPrefix},
		UpperBound: []byte{epochInfoKeyPrefix + 1},
	})
	if err != nil {
		return 0, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, ErrNotFound
	}
	return binary.BigEndian.Uint64(iter.Key()[1:]), nil
}

func (s *Store) GetBlock(slot uint64) (entities.BlockRecord, error) {
	var record entities.BlockRecord
	value, closer, err := s.db.Get(blockKey(slot))
	if errors.Is(err, pebble.ErrNotFound) {
		return record, ErrNotFound
	}
	if err != nil {
		return record, errors.Wrapf(err, "getting block for slot [%d]", slot)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, &record); err != nil {
		return record, errors.Wrapf(err, "decoding block for slot [%d]", slot)
	}
	return record, nil
}

// GetEpochBlocks returns all block records of an epoch in ascending slot
// order. The scan is bounded by the epoch row's slot range, so reads stay
// proportional to one epoch. An epoch without a persisted row has no blocks.
func (s *Store) GetEpochBlocks(epoch uint64) ([]entities.BlockRecord, error) {
	info, err := s.GetEpochInfo(epoch)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: blockKey(info.StartSlot),
		UpperBound: blockKey(info.EndSlot + 1),
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var records []entities.BlockRecord
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var record entities.BlockRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return nil, errors.Wrap(err, "decoding block record")
		}
		if record.Epoch == epoch {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
