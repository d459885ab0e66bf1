package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/record"
)

func TestFindOrCreateIdempotent(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()
	id := item.NewID([]byte("one"))

	first, err := l.FindOrCreate(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, item.StatePending, first.State)

	second, err := l.FindOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.RecordID, second.RecordID)
}

func TestGetRecordExpiryDestroys(t *testing.T) {
	l := NewLedger(time.Minute)
	ctx := context.Background()
	id := item.NewID([]byte("short-lived"))

	base := time.Now()
	l.SetClock(func() time.Time { return base })
	_, err := l.FindOrCreate(ctx, id)
	require.NoError(t, err)

	l.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	r, err := l.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r, "expired record must read as absent")

	// A later FindOrCreate starts a fresh pending record.
	fresh, err := l.FindOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, item.StatePending, fresh.State)
}

func TestCreateOutputLockRecordExclusive(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()
	newID := item.NewID([]byte("unborn"))

	lock, err := l.CreateOutputLockRecord(ctx, 7, newID)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, item.StateLockedForCreation, lock.State)
	assert.Equal(t, int64(7), lock.LockedByRecordID)

	t.Run("same creator re-locks", func(t *testing.T) {
		again, err := l.CreateOutputLockRecord(ctx, 7, newID)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, lock.RecordID, again.RecordID)
	})

	t.Run("other creator refused", func(t *testing.T) {
		other, err := l.CreateOutputLockRecord(ctx, 9, newID)
		require.NoError(t, err)
		assert.Nil(t, other)
	})
}

func TestLockToRevokeRequiresApproved(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()
	target := item.NewID([]byte("target"))

	t.Run("unknown target refused", func(t *testing.T) {
		lock, err := l.LockToRevoke(ctx, 3, target)
		require.NoError(t, err)
		assert.Nil(t, lock)
	})

	rec, err := l.FindOrCreate(ctx, target)
	require.NoError(t, err)

	t.Run("pending target refused", func(t *testing.T) {
		lock, err := l.LockToRevoke(ctx, 3, target)
		require.NoError(t, err)
		assert.Nil(t, lock)
	})

	rec.State = item.StateApproved
	require.NoError(t, l.Save(ctx, rec))

	lock, err := l.LockToRevoke(ctx, 3, target)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, item.StateLocked, lock.State)

	t.Run("same revoker re-locks", func(t *testing.T) {
		again, err := l.LockToRevoke(ctx, 3, target)
		require.NoError(t, err)
		require.NotNil(t, again)
	})

	t.Run("competing revoker refused", func(t *testing.T) {
		other, err := l.LockToRevoke(ctx, 4, target)
		require.NoError(t, err)
		assert.Nil(t, other)
	})
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()
	id := item.NewID([]byte("tx"))

	boom := errors.New("boom")
	err := l.InTransaction(ctx, func(tx record.Ledger) error {
		rec, err := tx.FindOrCreate(ctx, id)
		require.NoError(t, err)
		rec.State = item.StateApproved
		require.NoError(t, tx.Save(ctx, rec))
		return boom
	})
	require.ErrorIs(t, err, boom)

	r, err := l.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r, "writes must not survive a failed transaction")
}

func TestInTransactionRollbackOnly(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()
	id := item.NewID([]byte("rollback-only"))

	err := l.InTransaction(ctx, func(tx record.Ledger) error {
		_, err := tx.FindOrCreate(ctx, id)
		require.NoError(t, err)
		return record.ErrRollbackOnly
	})
	require.NoError(t, err, "rollback-only must not surface an error")

	r, err := l.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestReloadGoneRecord(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()
	id := item.NewID([]byte("gone"))

	rec, err := l.FindOrCreate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, l.Destroy(ctx, rec))

	err = l.Reload(ctx, rec)
	require.ErrorIs(t, err, record.ErrRecordGone)
}

func TestFindBadReferences(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()

	approved := item.NewID([]byte("approved"))
	pending := item.NewID([]byte("pending"))
	missing := item.NewID([]byte("missing"))

	rec, err := l.FindOrCreate(ctx, approved)
	require.NoError(t, err)
	rec.State = item.StateApproved
	require.NoError(t, l.Save(ctx, rec))
	_, err = l.FindOrCreate(ctx, pending)
	require.NoError(t, err)

	bad, err := l.FindBadReferencesOf(ctx, []item.ID{approved, pending, missing})
	require.NoError(t, err)
	assert.ElementsMatch(t, []item.ID{pending, missing}, bad)
}

func TestSavePaymentAccumulates(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.SavePayment(ctx, day, 20))
	require.NoError(t, l.SavePayment(ctx, day, 5))
	assert.Equal(t, 25, l.PaymentsOn(day))
}
