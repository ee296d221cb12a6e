package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/Midnight-Scripts/Midnight-blocklog/infrastructure/store/pebbledb"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var refTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func authority(b byte) entities.PublicKey {
	var key entities.PublicKey
	key[0] = b
	return key
}

type fakeChain struct {
	mu           sync.Mutex
	head         entities.HeadEvent
	authorities  []entities.PublicKey
	slotDuration time.Duration
}

func (f *fakeChain) BestHead(_ context.Context) (entities.HeadEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) Authorities(_ context.Context) ([]entities.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorities, nil
}

func (f *fakeChain) SlotDuration(_ context.Context) (time.Duration, error) {
	return f.slotDuration, nil
}

func (f *fakeChain) setHead(head entities.HeadEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

func (f *fakeChain) setAuthorities(authorities []entities.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorities = authorities
}

func testStore(t *testing.T) *pebbledb.Store {
	t.Helper()
	store, err := pebbledb.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// chain at slot 25, 6s slots, authorities [A, B], epoch size 10. Identity A
// owns the even slots of window 20..29.
func testChain() *fakeChain {
	return &fakeChain{
		head:         entities.HeadEvent{Number: 500, Hash: "0xhead", Slot: 25, Timestamp: refTime},
		authorities:  []entities.PublicKey{authority(0xaa), authority(0xbb)},
		slotDuration: 6 * time.Second,
	}
}

func TestBootstrapPersistsSchedule(t *testing.T) {
	chain := testChain()
	store := testStore(t)
	coordinator := NewCoordinator(chain, store, authority(0xaa), 10, zap.NewNop().Sugar())

	state, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(2), state.Epoch)
	assert.Equal(t, uint64(500), state.BestNumber)

	info, err := store.GetEpochInfo(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), info.StartSlot)
	assert.Equal(t, uint64(29), info.EndSlot)
	assert.Equal(t, 2, info.AuthoritySetLen)

	records, err := store.GetEpochBlocks(2)
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, uint64(20), records[0].Slot)
	assert.Equal(t, entities.StatusScheduled, records[0].Status)
	// slot 20 is 5 slots before the reference slot 25
	assert.Equal(t, refTime.Add(-30*time.Second).Format(time.RFC3339), records[0].PlannedTimeUTC)
	assert.Equal(t, uint64(28), records[4].Slot)
}

func TestBootstrapIdentityNotInSet(t *testing.T) {
	chain := testChain()
	store := testStore(t)
	coordinator := NewCoordinator(chain, store, authority(0xcc), 10, zap.NewNop().Sugar())

	state, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Own)

	// the epoch row is still persisted
	_, err = store.GetEpochInfo(2)
	require.NoError(t, err)
}

func TestResumeEquivalence(t *testing.T) {
	chain := testChain()
	store := testStore(t)
	coordinator := NewCoordinator(chain, store, authority(0xaa), 10, zap.NewNop().Sugar())

	first, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)
	infoBefore, err := store.GetEpochInfo(2)
	require.NoError(t, err)

	second, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("states diverged across bootstraps: %s", diff)
	}

	// the resume path writes nothing, not even the epoch row's timestamp
	infoAfter, err := store.GetEpochInfo(2)
	require.NoError(t, err)
	assert.Equal(t, infoBefore, infoAfter)

	records, err := store.GetEpochBlocks(2)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestResumePreservesAdvancedStatuses(t *testing.T) {
	chain := testChain()
	store := testStore(t)
	coordinator := NewCoordinator(chain, store, authority(0xaa), 10, zap.NewNop().Sugar())

	_, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)

	_, applied, err := store.AdvanceStatus(22, entities.StatusMinted, 777, "0xminted", "2025-01-02T03:04:11Z")
	require.NoError(t, err)
	require.True(t, applied)

	state, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)

	assert.Equal(t, entities.StatusMinted, state.Own[22].Status)
	assert.Equal(t, uint64(777), state.Own[22].BlockNumber)
	assert.Equal(t, entities.StatusScheduled, state.Own[20].Status)
}

func TestBootstrapCarriesUnfinalizedRows(t *testing.T) {
	chain := &fakeChain{
		head:         entities.HeadEvent{Number: 6, Hash: "0xhead", Slot: 5, Timestamp: refTime},
		authorities:  []entities.PublicKey{authority(0xaa), authority(0xbb)},
		slotDuration: 6 * time.Second,
	}
	store := testStore(t)
	coordinator := NewCoordinator(chain, store, authority(0xaa), 10, zap.NewNop().Sugar())

	_, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)
	_, applied, err := store.AdvanceStatus(8, entities.StatusMinted, 9, "0xe0", "2025-01-02T03:04:53Z")
	require.NoError(t, err)
	require.True(t, applied)

	// a restart lands in the next epoch before slot 8's block is finalized
	chain.setHead(entities.HeadEvent{Number: 13, Hash: "0xh13", Slot: 12, Timestamp: refTime.Add(42 * time.Second)})

	state, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), state.Epoch)
	require.Contains(t, state.Pending, uint64(8))
	assert.Equal(t, uint64(9), state.Pending[8].BlockNumber)
	assert.NotContains(t, state.Own, uint64(8))
}

func TestAuthoritySetDivergenceRecomputes(t *testing.T) {
	chain := testChain()
	store := testStore(t)
	coordinator := NewCoordinator(chain, store, authority(0xaa), 10, zap.NewNop().Sugar())

	_, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)

	// the live set grows mid-epoch; identity A now owns slots 21, 24, 27
	chain.setAuthorities([]entities.PublicKey{authority(0xaa), authority(0xbb), authority(0xcc)})

	state, err := coordinator.BootstrapOrResume(context.Background())
	require.NoError(t, err)

	// existing rows stay, the newly owned slots are added
	records, err := store.GetEpochBlocks(2)
	require.NoError(t, err)
	assert.Len(t, records, 7)
	assert.Len(t, state.Own, 7)
	assert.Contains(t, state.Own, uint64(21))
	assert.Contains(t, state.Own, uint64(27))

	// the persisted epoch row keeps the original authority set hash
	info, err := store.GetEpochInfo(2)
	require.NoError(t, err)
	assert.Equal(t, 2, info.AuthoritySetLen)
}

func TestSnapshot(t *testing.T) {
	chain := testChain()
	coordinator := NewCoordinator(chain, nil, authority(0xbb), 10, zap.NewNop().Sugar())

	current, err := coordinator.Snapshot(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Epoch)
	require.Len(t, current.Slots, 5)
	assert.Equal(t, uint64(21), current.Slots[0].Slot)
	assert.Equal(t, refTime.Add(-24*time.Second), current.Slots[0].PlannedTime)

	next, err := coordinator.Snapshot(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Epoch)
	require.Len(t, next.Slots, 5)
	assert.Equal(t, uint64(31), next.Slots[0].Slot)
	assert.Equal(t, uint64(39), next.Slots[4].Slot)

	// snapshots are pure reads and must be repeatable
	again, err := coordinator.Snapshot(context.Background(), true)
	require.NoError(t, err)
	if diff := cmp.Diff(next, again); diff != "" {
		t.Fatalf("snapshot not deterministic: %s", diff)
	}
}

func TestSnapshotEpochOverride(t *testing.T) {
	chain := testChain()
	coordinator := NewCoordinator(chain, nil, authority(0xaa), 10, zap.NewNop().Sugar())

	snapshot, err := coordinator.SnapshotEpoch(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snapshot.Epoch)
	require.Len(t, snapshot.Slots, 5)
	assert.Equal(t, uint64(70), snapshot.Slots[0].Slot)
	assert.Equal(t, uint64(78), snapshot.Slots[4].Slot)
}

func TestSnapshotIdentityNotInSet(t *testing.T) {
	chain := testChain()
	coordinator := NewCoordinator(chain, nil, authority(0xee), 10, zap.NewNop().Sugar())

	snapshot, err := coordinator.Snapshot(context.Background(), false)
	require.NoError(t, err)
	assert.NotNil(t, snapshot.Slots)
	assert.Empty(t, snapshot.Slots)
}
