package sessions

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dvlabs/dkg/dkg"
	"github.com/dvlabs/dkg/dkg/vss"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/storage/basedb"
	"github.com/dvlabs/dkg/storage/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := kv.NewInMemory(logging.TestLogger(t), basedb.Options{Ctx: context.Background()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return NewStore(logging.TestLogger(t), db)
}

func testState(era uint64) *dkg.SessionState {
	addr := common.HexToAddress("0xd000000000000000000000000000000000000001")
	return &dkg.SessionState{
		State: dkg.StateRound1Pending,
		Era:   era,
		Identifiers: map[common.Address]vss.Identifier{
			addr: {0xaa, 0xbb},
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.GetSnapshot(nil, 7)
	require.NoError(t, err)
	require.False(t, found)

	state := testState(7)
	require.NoError(t, store.SaveSnapshot(nil, state))

	got, found, err := store.GetSnapshot(nil, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, state, got)

	// A later snapshot of the same era replaces the previous one.
	state.State = dkg.StateRound2Pending
	require.NoError(t, store.SaveSnapshot(nil, state))

	got, found, err = store.GetSnapshot(nil, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, dkg.StateRound2Pending, got.State)

	// Other eras stay independent.
	_, found, err = store.GetSnapshot(nil, 8)
	require.NoError(t, err)
	require.False(t, found)
}

func TestResultRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.GetResult(nil, 7)
	require.NoError(t, err)
	require.False(t, found)

	failed := &dkg.Result{Reason: "Round1 timeout"}
	require.NoError(t, store.SaveResult(nil, 7, failed))

	got, found, err := store.GetResult(nil, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.Failed())
	require.Equal(t, failed, got)

	completed := &dkg.Result{
		Completed: &dkg.Completed{
			Share: &dkg.Share{
				Era:            8,
				ValidatorIndex: 2,
				SigningShare:   []byte{1, 2, 3},
				Threshold:      2,
			},
			VSSCommitment: [][]byte{{4, 5, 6}},
		},
	}
	require.NoError(t, store.SaveResult(nil, 8, completed))

	got, found, err = store.GetResult(nil, 8)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, got.Failed())
	require.Equal(t, completed, got)
}

func TestSaveOutcome(t *testing.T) {
	store := newTestStore(t)

	state := testState(9)
	state.State = dkg.StateCompleted
	state.Completed = true
	result := &dkg.Result{
		Completed: &dkg.Completed{
			Share:         &dkg.Share{Era: 9, ValidatorIndex: 1, Threshold: 2},
			VSSCommitment: [][]byte{{7}},
		},
	}
	require.NoError(t, store.SaveOutcome(9, state, result))

	gotState, found, err := store.GetSnapshot(nil, 9)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, state, gotState)

	gotResult, found, err := store.GetResult(nil, 9)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, result, gotResult)
}

func TestResultCount(t *testing.T) {
	store := newTestStore(t)

	n, err := store.ResultCount()
	require.NoError(t, err)
	require.Zero(t, n)

	for era := uint64(1); era <= 3; era++ {
		require.NoError(t, store.SaveResult(nil, era, &dkg.Result{Reason: "Round1 timeout"}))
	}
	// Snapshots must not count as results.
	require.NoError(t, store.SaveSnapshot(nil, testState(1)))

	n, err = store.ResultCount()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}
