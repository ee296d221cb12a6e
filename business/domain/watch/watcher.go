package watch

import (
	"context"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/Midnight-Scripts/Midnight-blocklog/infrastructure/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type NodeClient interface {
	ChainReader
	SubscribeBestHeads(ctx context.Context) (<-chan entities.HeadEvent, <-chan error, error)
	SubscribeFinalizedHeads(ctx context.Context) (<-chan entities.FinalityEvent, <-chan error, error)
}

type BlockStore interface {
	ScheduleStore
	AdvanceStatus(slot uint64, status entities.BlockStatus, blockNumber uint64, blockHash string, producedTimeUTC string) (entities.BlockRecord, bool, error)
}

type StatusPublisher interface {
	PublishStatusChange(ctx context.Context, record entities.BlockRecord) error
}

type Config struct {
	ReconnectWait    time.Duration
	ReconnectWaitMax time.Duration
	MaxReconnects    int
}

// Watcher drives the watch state from live chain events. Both head
// subscriptions feed the single consumer loop in watch, so every state
// mutation and every store write is serialized through one goroutine and an
// epoch boundary can never interleave with a stale-epoch status update.
type Watcher struct {
	node         NodeClient
	store        BlockStore
	coordinator  *Coordinator
	publisher    StatusPublisher
	watchMetrics *metrics.Metrics
	cfg          Config
	logger       *zap.SugaredLogger
}

func NewWatcher(node NodeClient, store BlockStore, coordinator *Coordinator, publisher StatusPublisher, m *metrics.Metrics, cfg Config, logger *zap.SugaredLogger) *Watcher {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ReconnectWaitMax <= 0 {
		cfg.ReconnectWaitMax = time.Minute
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 10
	}
	return &Watcher{
		node:         node,
		store:        store,
		coordinator:  coordinator,
		publisher:    publisher,
		watchMetrics: m,
		cfg:          cfg,
		logger:       logger,
	}
}

// Run watches until the context is cancelled. Subscription failures are
// retried with capped exponential backoff; the schedule and all statuses are
// durable, so a reconnect resumes without loss or duplication. Exceeding the
// consecutive failure budget or failing a store write ends the run with an
// error.
func (w *Watcher) Run(ctx context.Context) error {
	state, err := w.coordinator.BootstrapOrResume(ctx)
	if err != nil {
		return errors.Wrap(err, "bootstrapping watch state")
	}
	w.watchMetrics.SetEpoch(state.Epoch)
	w.updateSlotMetrics(state)

	failures := 0
	wait := w.cfg.ReconnectWait
	for {
		processed, recoverable, err := w.watch(ctx, state)
		if ctx.Err() != nil {
			w.logger.Info("shutting down watcher")
			return nil
		}
		if !recoverable {
			return err
		}
		if processed {
			failures = 0
			wait = w.cfg.ReconnectWait
		}
		failures++
		if failures > w.cfg.MaxReconnects {
			return errors.Wrapf(err, "giving up after %d consecutive subscription failures", failures-1)
		}

		w.watchMetrics.IncReconnects()
		w.logger.Warnw("subscription lost, reconnecting", "attempt", failures, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, w.cfg.ReconnectWaitMax)
	}
}

func (w *Watcher) watch(ctx context.Context, state *State) (processed bool, recoverable bool, err error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bestHeads, bestErrs, err := w.node.SubscribeBestHeads(subCtx)
	if err != nil {
		return false, true, errors.Wrap(err, "subscribing to best heads")
	}
	finalizedHeads, finalizedErrs, err := w.node.SubscribeFinalizedHeads(subCtx)
	if err != nil {
		return false, true, errors.Wrap(err, "subscribing to finalized heads")
	}
	w.logger.Infow("watching chain heads", "epoch", state.Epoch, "ownSlots", len(state.Own))

	for {
		select {
		case <-ctx.Done():
			return processed, false, ctx.Err()
		case err := <-bestErrs:
			return processed, true, errors.Wrap(err, "best head subscription")
		case err := <-finalizedErrs:
			return processed, true, errors.Wrap(err, "finalized head subscription")
		case ev := <-bestHeads:
			processed = true
			if state.CrossedBoundary(ev.Slot) {
				w.logger.Infow("epoch boundary crossed",
					"epoch", state.Epoch, "endSlot", state.Set.EndSlot, "observedSlot", ev.Slot)
				// the next epoch's schedule is persisted before the event is
				// processed against any schedule at all
				next, err := w.coordinator.BootstrapOrResume(ctx)
				if err != nil {
					return processed, true, errors.Wrap(err, "resolving next epoch")
				}
				// minted slots of the old epoch stay tracked until finalized
				for slot, record := range state.CarryUnfinalized() {
					next.Pending[slot] = record
				}
				*state = *next
				w.watchMetrics.SetEpoch(state.Epoch)
				w.updateSlotMetrics(state)
			}
			if err := w.handleBestHead(ctx, state, ev); err != nil {
				return processed, false, err
			}
		case ev := <-finalizedHeads:
			processed = true
			if err := w.handleFinalized(ctx, state, ev); err != nil {
				return processed, false, err
			}
		}
	}
}

func (w *Watcher) handleBestHead(ctx context.Context, state *State, ev entities.HeadEvent) error {
	change, ok := state.ApplyBestHead(ev)
	w.watchMetrics.SetChainHeads(state.BestNumber, state.FinalizedNumber)
	if !ok {
		return nil
	}
	return w.applyChange(ctx, state, change)
}

func (w *Watcher) handleFinalized(ctx context.Context, state *State, ev entities.FinalityEvent) error {
	changes := state.ApplyFinalized(ev)
	w.watchMetrics.SetChainHeads(state.BestNumber, state.FinalizedNumber)
	for _, change := range changes {
		if err := w.applyChange(ctx, state, change); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) applyChange(ctx context.Context, state *State, change Change) error {
	record, applied, err := w.store.AdvanceStatus(change.Slot, change.Status, change.BlockNumber, change.BlockHash, change.ProducedTimeUTC)
	if errors.Is(err, entities.ErrStoreEntityNotFound) {
		w.logger.Warnw("no stored row for own slot", "slot", change.Slot)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "advancing slot [%d] to [%s]", change.Slot, change.Status)
	}
	if !applied {
		w.logger.Debugw("ignoring status regression", "slot", change.Slot, "status", change.Status)
		return nil
	}

	state.Commit(record)
	w.updateSlotMetrics(state)
	w.logger.Infow("slot status advanced",
		"slot", record.Slot, "status", record.Status, "block", record.BlockNumber, "hash", record.BlockHash)

	if w.publisher != nil {
		if err := w.publisher.PublishStatusChange(ctx, record); err != nil {
			w.logger.Warnw("publishing status change failed", "slot", record.Slot, "error", err)
		}
	}
	return nil
}

func (w *Watcher) updateSlotMetrics(state *State) {
	scheduled, minted, finalized := state.StatusCounts()
	w.watchMetrics.SetSlotCounts(scheduled, minted, finalized)
}
