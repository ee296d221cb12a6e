package watch

import (
	"context"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/business/domain/schedule"
	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ChainReader interface {
	BestHead(ctx context.Context) (entities.HeadEvent, error)
	Authorities(ctx context.Context) ([]entities.PublicKey, error)
	SlotDuration(ctx context.Context) (time.Duration, error)
}

type ScheduleStore interface {
	CommitEpoch(info entities.EpochInfo, planned []entities.BlockRecord) (int, error)
	GetEpochInfo(epoch uint64) (entities.EpochInfo, error)
	GetEpochBlocks(epoch uint64) ([]entities.BlockRecord, error)
	GetLatestEpoch() (uint64, error)
}

// Coordinator glues resolver output, calculator and store together at startup
// and at every epoch boundary. The epoch index is always recomputed from the
// slot observed on the node, never extrapolated locally: if the node reports
// a boundary at a slightly different slot than predicted, the watcher
// resynchronizes to the node's view.
type Coordinator struct {
	chain     ChainReader
	store     ScheduleStore
	identity  entities.PublicKey
	epochSize uint64
	logger    *zap.SugaredLogger
}

func NewCoordinator(chain ChainReader, store ScheduleStore, identity entities.PublicKey, epochSize uint64, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		chain:     chain,
		store:     store,
		identity:  identity,
		epochSize: epochSize,
		logger:    logger,
	}
}

// observe queries the node for its current view: best head, slot duration
// and the live authority set, mapped onto the epoch window of the observed
// slot.
func (c *Coordinator) observe(ctx context.Context) (entities.AuthoritySet, schedule.Params, entities.HeadEvent, error) {
	head, err := c.chain.BestHead(ctx)
	if err != nil {
		return entities.AuthoritySet{}, schedule.Params{}, head, errors.Wrap(err, "getting best head")
	}
	duration, err := c.chain.SlotDuration(ctx)
	if err != nil {
		return entities.AuthoritySet{}, schedule.Params{}, head, errors.Wrap(err, "getting slot duration")
	}
	authorities, err := c.chain.Authorities(ctx)
	if err != nil {
		return entities.AuthoritySet{}, schedule.Params{}, head, errors.Wrap(err, "getting authorities")
	}

	epoch, startSlot, endSlot := schedule.EpochWindow(head.Slot, c.epochSize)
	set := entities.AuthoritySet{
		Epoch:       epoch,
		StartSlot:   startSlot,
		EndSlot:     endSlot,
		Authorities: authorities,
	}
	params := schedule.Params{
		SlotDuration:  duration,
		ReferenceSlot: head.Slot,
		ReferenceTime: head.Timestamp,
	}
	return set, params, head, nil
}

// BootstrapOrResume builds the watch state for the epoch the node currently
// lives in. When the store already holds matching rows for that epoch they
// are reused verbatim, without recomputation or duplicate writes. Otherwise
// the schedule is computed fresh and persisted atomically together with the
// epoch row. The same routine serves process startup and every live epoch
// boundary.
func (c *Coordinator) BootstrapOrResume(ctx context.Context) (*State, error) {
	set, params, head, err := c.observe(ctx)
	if err != nil {
		return nil, err
	}

	info := entities.EpochInfo{
		Epoch:            set.Epoch,
		StartSlot:        set.StartSlot,
		EndSlot:          set.EndSlot,
		AuthoritySetHash: set.Hash(),
		AuthoritySetLen:  len(set.Authorities),
		CreatedAtUTC:     time.Now().UTC().Format(time.RFC3339),
	}

	latest, err := c.store.GetLatestEpoch()
	switch {
	case err == nil && latest == set.Epoch:
		stored, err := c.store.GetEpochInfo(latest)
		if err != nil {
			return nil, errors.Wrapf(err, "reading epoch [%d] info", latest)
		}
		if stored.Matches(info) {
			c.logger.Infow("resuming from persisted epoch", "epoch", latest)
			return c.loadState(set, head)
		}
		c.logger.Warnw("persisted epoch diverges from live authority set, recomputing",
			"epoch", latest, "storedHash", stored.AuthoritySetHash, "liveHash", info.AuthoritySetHash)
	case err != nil && !errors.Is(err, entities.ErrStoreEntityNotFound):
		return nil, errors.Wrap(err, "reading latest epoch")
	}

	entries := schedule.Compute(set, c.identity, params)
	if len(entries) == 0 {
		c.logger.Infow("identity not in current authority set, empty schedule",
			"epoch", set.Epoch, "authorities", len(set.Authorities))
	}

	planned := make([]entities.BlockRecord, 0, len(entries))
	for _, entry := range entries {
		planned = append(planned, entities.BlockRecord{
			Slot:           entry.Slot,
			Epoch:          set.Epoch,
			PlannedTimeUTC: entry.PlannedTime.Format(time.RFC3339),
			Status:         entities.StatusScheduled,
		})
	}

	inserted, err := c.store.CommitEpoch(info, planned)
	if err != nil {
		return nil, errors.Wrapf(err, "committing epoch [%d]", set.Epoch)
	}
	c.logger.Infow("persisted epoch schedule",
		"epoch", set.Epoch, "startSlot", set.StartSlot, "endSlot", set.EndSlot,
		"ownSlots", len(planned), "inserted", inserted)

	return c.loadState(set, head)
}

// loadState reads the epoch's rows back from the store so that the in-memory
// state always mirrors what is durable, including rows a conflicting commit
// left untouched.
func (c *Coordinator) loadState(set entities.AuthoritySet, head entities.HeadEvent) (*State, error) {
	records, err := c.store.GetEpochBlocks(set.Epoch)
	if err != nil {
		return nil, errors.Wrapf(err, "reading epoch [%d] blocks", set.Epoch)
	}

	own := make(map[uint64]entities.BlockRecord, len(records))
	for _, record := range records {
		own[record.Slot] = record
	}

	// minted rows of the previous epoch may still be waiting for finality
	// after a restart
	pending := make(map[uint64]entities.BlockRecord)
	if set.Epoch > 0 {
		previous, err := c.store.GetEpochBlocks(set.Epoch - 1)
		if err != nil {
			return nil, errors.Wrapf(err, "reading epoch [%d] blocks", set.Epoch-1)
		}
		for _, record := range previous {
			if record.Status == entities.StatusMinted && record.BlockNumber > 0 {
				pending[record.Slot] = record
			}
		}
	}

	return &State{
		Epoch:      set.Epoch,
		Set:        set,
		Own:        own,
		Pending:    pending,
		BestNumber: head.Number,
	}, nil
}

// ScheduleSnapshot is the point-in-time query result for the current or next
// epoch. It is computed from live chain data only and never touches the
// store.
type ScheduleSnapshot struct {
	Epoch uint64                   `json:"epoch"`
	Slots []entities.ScheduleEntry `json:"slots"`
}

func (c *Coordinator) Snapshot(ctx context.Context, next bool) (ScheduleSnapshot, error) {
	set, params, _, err := c.observe(ctx)
	if err != nil {
		return ScheduleSnapshot{}, err
	}
	epoch := set.Epoch
	if next {
		epoch++
	}
	return c.snapshotAt(set, params, epoch), nil
}

// SnapshotEpoch computes the schedule for an arbitrary epoch index, using the
// live authority set and chain constants.
func (c *Coordinator) SnapshotEpoch(ctx context.Context, epoch uint64) (ScheduleSnapshot, error) {
	set, params, _, err := c.observe(ctx)
	if err != nil {
		return ScheduleSnapshot{}, err
	}
	return c.snapshotAt(set, params, epoch), nil
}

func (c *Coordinator) snapshotAt(set entities.AuthoritySet, params schedule.Params, epoch uint64) ScheduleSnapshot {
	set.Epoch = epoch
	set.StartSlot = epoch * c.epochSize
	set.EndSlot = set.StartSlot + c.epochSize - 1

	entries := schedule.Compute(set, c.identity, params)
	if entries == nil {
		entries = []entities.ScheduleEntry{}
	}
	return ScheduleSnapshot{Epoch: set.Epoch, Slots: entries}
}
