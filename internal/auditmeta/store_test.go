package auditmeta

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-audit/internal/keyrange"
	"github.com/dreamware/torua-audit/internal/storage"
)

const testOwner = "dd-1"

func newTestStore(t *testing.T) (*Store, *storage.MemoryDB, LockToken) {
	t.Helper()
	db := storage.NewMemoryDB()
	lock, err := TakeLock(context.Background(), db, testOwner)
	require.NoError(t, err)
	s := NewStore(db)
	s.SetCheckCompleteRetry(3, time.Millisecond)
	return s, db, lock
}

func newRunning(t Type, r keyrange.Range) State {
	return State{Type: t, Range: r, Phase: PhaseRunning, OwnerID: testOwner}
}

// launch persists a new running audit and returns its record.
func launch(t *testing.T, s *Store, lock LockToken, typ Type, r keyrange.Range) State {
	t.Helper()
	st := newRunning(typ, r)
	id, err := s.PersistNewAuditState(context.Background(), st, lock)
	require.NoError(t, err)
	st.ID = id
	return st
}

func progressKeyCount(t *testing.T, db storage.DB, typ Type, id uint64) int {
	t.Helper()
	n := 0
	require.NoError(t, storage.Run(context.Background(), db, func(tx storage.Txn) error {
		res, err := tx.GetRange(context.Background(), progressKeys(typ, id), storage.RangeOptions{})
		n = len(res.KVs)
		return err
	}))
	return n
}

func TestPersistNewAuditStateAllocatesPerType(t *testing.T) {
	ctx := context.Background()
	s, _, lock := newTestStore(t)

	for want := uint64(1); want <= 3; want++ {
		id, err := s.PersistNewAuditState(ctx, newRunning(TypeReplica, keyrange.New("a", "z")), lock)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	id, err := s.PersistNewAuditState(ctx, newRunning(TypeHA, keyrange.New("a", "z")), lock)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id, "ids are allocated per type")

	st, err := s.GetAuditState(ctx, TypeReplica, 2)
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, st.Phase)
	assert.Equal(t, keyrange.New("a", "z"), st.Range)
	assert.False(t, st.UpdatedAt.IsZero())

	_, err = s.PersistNewAuditState(ctx, State{ID: 7, Type: TypeHA}, lock)
	assert.ErrorIs(t, err, ErrPersistAudit)
}

func TestPersistNewAuditStateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, db, lock := newTestStore(t)

	// The first commit lands but reports an unknown result, so the
	// transaction body runs again.
	db.FailCommits(1, storage.ErrCommitUnknown, true)

	st := newRunning(TypeReplica, keyrange.New("a", "z"))
	st.Generation = "gen-1"
	id, err := s.PersistNewAuditState(ctx, st, lock)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	again, err := s.PersistNewAuditState(ctx, st, lock)
	require.NoError(t, err)
	assert.Equal(t, id, again, "same generation yields the same id")

	states, err := s.GetAuditStates(ctx, TypeReplica, StatesQuery{})
	require.NoError(t, err)
	assert.Len(t, states, 1, "exactly one record is created")
}

func TestLockConflict(t *testing.T) {
	ctx := context.Background()
	s, db, lock := newTestStore(t)

	launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))

	// A second orchestrator takes over the lock.
	other, err := TakeLock(ctx, db, "dd-2")
	require.NoError(t, err)
	_, err = s.PersistNewAuditState(ctx, newRunning(TypeHA, keyrange.New("a", "z")), other)
	require.NoError(t, err)

	_, err = s.PersistNewAuditState(ctx, newRunning(TypeHA, keyrange.New("a", "z")), lock)
	assert.ErrorIs(t, err, ErrLockConflict)

	err = s.PersistAuditState(ctx, State{Type: TypeReplica, ID: 1, Phase: PhaseComplete}, lock)
	assert.ErrorIs(t, err, ErrLockConflict)

	_, err = s.InitAuditMetadata(ctx, lock, testOwner, 10)
	assert.ErrorIs(t, err, ErrLockConflict)
}

func TestPersistAuditState(t *testing.T) {
	ctx := context.Background()

	t.Run("complete clears progress", func(t *testing.T) {
		s, db, lock := newTestStore(t)
		st := launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))

		done := st
		done.Range = keyrange.New("a", "m")
		done.Phase = PhaseComplete
		require.NoError(t, s.PersistRangeProgress(ctx, done))
		require.NotZero(t, progressKeyCount(t, db, TypeReplica, st.ID))

		st.Phase = PhaseComplete
		require.NoError(t, s.PersistAuditState(ctx, st, lock))
		assert.Zero(t, progressKeyCount(t, db, TypeReplica, st.ID))

		got, err := s.GetAuditState(ctx, TypeReplica, st.ID)
		require.NoError(t, err)
		assert.Equal(t, PhaseComplete, got.Phase)
	})

	t.Run("error keeps progress", func(t *testing.T) {
		s, db, lock := newTestStore(t)
		st := launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))

		bad := st
		bad.Range = keyrange.New("c", "d")
		bad.Phase = PhaseError
		require.NoError(t, s.PersistRangeProgress(ctx, bad))

		st.Phase = PhaseError
		require.NoError(t, s.PersistAuditState(ctx, st, lock))
		assert.NotZero(t, progressKeyCount(t, db, TypeReplica, st.ID))
	})

	t.Run("cancelled audit cannot complete", func(t *testing.T) {
		s, _, lock := newTestStore(t)
		st := launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))
		require.NoError(t, s.CancelAuditMetadata(ctx, TypeReplica, st.ID))

		st.Phase = PhaseComplete
		assert.ErrorIs(t, s.PersistAuditState(ctx, st, lock), ErrAuditCancelled)
	})

	t.Run("missing audit cannot complete", func(t *testing.T) {
		s, _, lock := newTestStore(t)
		err := s.PersistAuditState(ctx, State{Type: TypeHA, ID: 9, Phase: PhaseComplete}, lock)
		assert.ErrorIs(t, err, ErrAuditCancelled)
	})

	t.Run("running is not a terminal phase", func(t *testing.T) {
		s, _, lock := newTestStore(t)
		st := launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))
		assert.ErrorIs(t, s.PersistAuditState(ctx, st, lock), ErrInvalidRequest)
	})
}

func TestGetAuditState(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.GetAuditState(context.Background(), TypeReplica, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAuditStates(t *testing.T) {
	ctx := context.Background()
	s, _, lock := newTestStore(t)
	s.SetPageSize(2)

	for i := 0; i < 5; i++ {
		launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))
	}
	launch(t, s, lock, TypeHA, keyrange.New("a", "z"))

	for _, id := range []uint64{2, 4} {
		st, err := s.GetAuditState(ctx, TypeReplica, id)
		require.NoError(t, err)
		st.Phase = PhaseComplete
		require.NoError(t, s.PersistAuditState(ctx, st, lock))
	}

	ids := func(states []State) []uint64 {
		var out []uint64
		for _, st := range states {
			out = append(out, st.ID)
		}
		return out
	}

	tests := []struct {
		name string
		q    StatesQuery
		want []uint64
	}{
		{name: "all oldest first", q: StatesQuery{}, want: []uint64{1, 2, 3, 4, 5}},
		{name: "all newest first", q: StatesQuery{NewestFirst: true}, want: []uint64{5, 4, 3, 2, 1}},
		{name: "recent three", q: StatesQuery{NewestFirst: true, Limit: 3}, want: []uint64{5, 4, 3}},
		{name: "complete only", q: StatesQuery{Phase: PhaseComplete}, want: []uint64{2, 4}},
		{name: "latest running", q: StatesQuery{NewestFirst: true, Phase: PhaseRunning, Limit: 1}, want: []uint64{5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states, err := s.GetAuditStates(ctx, TypeReplica, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(states))
		})
	}
}

func TestClearAuditMetadataForType(t *testing.T) {
	ctx := context.Background()
	s, db, lock := newTestStore(t)

	// 1..6: ids 1,2,3 complete, 4 failed (with leftover progress), 5 error, 6 running.
	for i := 0; i < 6; i++ {
		launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))
	}
	finish := func(id uint64, phase Phase) {
		st, err := s.GetAuditState(ctx, TypeReplica, id)
		require.NoError(t, err)
		st.Phase = phase
		require.NoError(t, s.PersistAuditState(ctx, st, lock))
	}
	finish(1, PhaseComplete)
	finish(2, PhaseComplete)
	finish(3, PhaseComplete)

	st4, err := s.GetAuditState(ctx, TypeReplica, 4)
	require.NoError(t, err)
	partial := st4
	partial.Range = keyrange.New("a", "b")
	partial.Phase = PhaseComplete
	require.NoError(t, s.PersistRangeProgress(ctx, partial))
	require.NoError(t, s.CancelAuditMetadata(ctx, TypeReplica, 4))
	finish(5, PhaseError)

	// Leave one finished audit below id 5.
	s.ClearAuditMetadataForType(ctx, TypeReplica, 5, 1)

	states, err := s.GetAuditStates(ctx, TypeReplica, StatesQuery{})
	require.NoError(t, err)
	var remaining []uint64
	for _, st := range states {
		remaining = append(remaining, st.ID)
	}
	assert.Equal(t, []uint64{4, 5, 6}, remaining, "oldest finished records go first, error and running stay")

	s.ClearAuditMetadataForType(ctx, TypeReplica, 5, 0)
	_, err = s.GetAuditState(ctx, TypeReplica, 4)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, progressKeyCount(t, db, TypeReplica, 4))
}

func TestCancelAuditMetadata(t *testing.T) {
	ctx := context.Background()
	s, db, lock := newTestStore(t)
	st := launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))

	done := st
	done.Range = keyrange.New("a", "c")
	done.Phase = PhaseComplete
	require.NoError(t, s.PersistRangeProgress(ctx, done))

	require.NoError(t, s.CancelAuditMetadata(ctx, TypeReplica, st.ID))
	got, err := s.GetAuditState(ctx, TypeReplica, st.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, got.Phase)
	assert.Zero(t, progressKeyCount(t, db, TypeReplica, st.ID))

	// Idempotent, and absent audits are a no-op.
	require.NoError(t, s.CancelAuditMetadata(ctx, TypeReplica, st.ID))
	require.NoError(t, s.CancelAuditMetadata(ctx, TypeReplica, 42))

	// Cancellation is absorbing: later progress writes are refused.
	assert.ErrorIs(t, s.PersistRangeProgress(ctx, done), ErrAuditCancelled)
	assert.Zero(t, progressKeyCount(t, db, TypeReplica, st.ID))
}

func TestInitAuditMetadata(t *testing.T) {
	ctx := context.Background()
	s, db, lock := newTestStore(t)

	for i := 0; i < 4; i++ {
		launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))
	}
	ha := launch(t, s, lock, TypeHA, keyrange.New("a", "z"))
	for _, id := range []uint64{1, 2} {
		st, err := s.GetAuditState(ctx, TypeReplica, id)
		require.NoError(t, err)
		st.Phase = PhaseComplete
		require.NoError(t, s.PersistAuditState(ctx, st, lock))
	}

	// A new orchestrator takes over.
	next, err := TakeLock(ctx, db, "dd-2")
	require.NoError(t, err)
	running, err := s.InitAuditMetadata(ctx, next, "dd-2", 1)
	require.NoError(t, err)

	require.Len(t, running, 3)
	assert.Equal(t, TypeHA, running[0].Type)
	assert.Equal(t, ha.ID, running[0].ID)
	assert.Equal(t, []uint64{3, 4}, []uint64{running[1].ID, running[2].ID})
	for _, st := range running {
		assert.Equal(t, "dd-2", st.OwnerID)
		stored, err := s.GetAuditState(ctx, st.Type, st.ID)
		require.NoError(t, err)
		assert.Equal(t, "dd-2", stored.OwnerID, "running records are re-owned")
	}

	_, err = s.GetAuditState(ctx, TypeReplica, 1)
	assert.ErrorIs(t, err, ErrNotFound, "oldest complete record beyond retention is deleted")
	_, err = s.GetAuditState(ctx, TypeReplica, 2)
	assert.NoError(t, err)

	// Progress from the previous owner is now rejected.
	stale := running[1]
	stale.OwnerID = testOwner
	stale.Range = keyrange.New("a", "b")
	stale.Phase = PhaseComplete
	assert.ErrorIs(t, s.PersistRangeProgress(ctx, stale), ErrAuditStorageFailed)
}

// flakyDB fails Begin for the first n calls.
type flakyDB struct {
	storage.DB
	failures atomic.Int32
}

var errFlaky = errors.New("flaky")

func (f *flakyDB) Begin(ctx context.Context) (storage.Tx, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errFlaky
	}
	return f.DB.Begin(ctx)
}

func TestCheckCompleteRetries(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryDB()
	flaky := &flakyDB{DB: mem}

	lock, err := TakeLock(ctx, mem, testOwner)
	require.NoError(t, err)
	s := NewStore(flaky)
	s.SetCheckCompleteRetry(3, time.Millisecond)

	st := launch(t, s, lock, TypeReplica, keyrange.New("a", "z"))
	done := st
	done.Phase = PhaseComplete
	require.NoError(t, s.PersistRangeProgress(ctx, done))

	flaky.failures.Store(2)
	ok, err := s.CheckComplete(ctx, TypeReplica, st.ID, st.Range)
	require.NoError(t, err)
	assert.True(t, ok)

	flaky.failures.Store(10)
	_, err = s.CheckComplete(ctx, TypeReplica, st.ID, st.Range)
	assert.ErrorIs(t, err, ErrAuditStorageFailed)
}
