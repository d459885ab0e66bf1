// Package memory provides an in-memory Ledger used by tests and the
// ephemeral single-process mode.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/record"
)

// Ledger keeps all state records in process memory. Row operations are
// atomic under one mutex; transactions are serialized and roll back by
// restoring a snapshot.
type Ledger struct {
	mu   sync.Mutex
	txMu sync.Mutex

	rows     map[item.ID]record.StateRecord
	tests    map[item.ID]bool
	payments map[string]int
	nextID   int64
	ttl      time.Duration
	now      func() time.Time
}

func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		rows:     map[item.ID]record.StateRecord{},
		tests:    map[item.ID]bool{},
		payments: map[string]int{},
		nextID:   1,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the time source; tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) FindOrCreate(ctx context.Context, id item.ID) (*record.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[id]; ok && !r.Expired(l.now()) {
		return &r, nil
	}
	now := l.now()
	r := record.StateRecord{
		RecordID:  l.nextID,
		ID:        id,
		State:     item.StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	l.nextID++
	l.rows[id] = r
	return &r, nil
}

func (l *Ledger) GetRecord(ctx context.Context, id item.ID) (*record.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok {
		return nil, nil
	}
	if r.Expired(l.now()) {
		delete(l.rows, id)
		return nil, nil
	}
	return &r, nil
}

func (l *Ledger) CreateOutputLockRecord(ctx context.Context, creatorRecordID int64, newItemID item.ID) (*record.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[newItemID]; ok && !r.Expired(l.now()) {
		if r.State == item.StateLockedForCreation && r.LockedByRecordID == creatorRecordID {
			return &r, nil
		}
		return nil, nil
	}
	now := l.now()
	r := record.StateRecord{
		RecordID:         l.nextID,
		ID:               newItemID,
		State:            item.StateLockedForCreation,
		LockedByRecordID: creatorRecordID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(l.ttl),
	}
	l.nextID++
	l.rows[newItemID] = r
	return &r, nil
}

func (l *Ledger) LockToRevoke(ctx context.Context, revokerRecordID int64, targetID item.ID) (*record.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[targetID]
	if !ok || r.Expired(l.now()) {
		return nil, nil
	}
	if r.State == item.StateLocked && r.LockedByRecordID == revokerRecordID {
		return &r, nil
	}
	if r.State != item.StateApproved || r.LockedByRecordID != 0 {
		return nil, nil
	}
	r.State = item.StateLocked
	r.LockedByRecordID = revokerRecordID
	l.rows[targetID] = r
	return &r, nil
}

func (l *Ledger) Save(ctx context.Context, r *record.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.RecordID == 0 {
		r.RecordID = l.nextID
		l.nextID++
	}
	l.rows[r.ID] = *r
	return nil
}

func (l *Ledger) Destroy(ctx context.Context, r *record.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, r.ID)
	delete(l.tests, r.ID)
	return nil
}

func (l *Ledger) Reload(ctx context.Context, r *record.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.rows[r.ID]
	if !ok {
		return record.ErrRecordGone
	}
	*r = stored
	return nil
}

// InTransaction serializes transactions and restores a snapshot on failure.
// The snapshot spans the whole store, so a rollback also reverts unrelated
// Save calls that landed while fn ran. Callers needing row-level isolation
// under concurrent writers belong on the SQL ledger.
func (l *Ledger) InTransaction(ctx context.Context, fn func(tx record.Ledger) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	snapRows, snapTests, snapPayments, snapNext := l.snapshot()
	err := fn(l)
	if err == nil {
		return nil
	}
	l.restore(snapRows, snapTests, snapPayments, snapNext)
	if errors.Is(err, record.ErrRollbackOnly) {
		return nil
	}
	return err
}

func (l *Ledger) snapshot() (map[item.ID]record.StateRecord, map[item.ID]bool, map[string]int, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := make(map[item.ID]record.StateRecord, len(l.rows))
	for k, v := range l.rows {
		rows[k] = v
	}
	tests := make(map[item.ID]bool, len(l.tests))
	for k, v := range l.tests {
		tests[k] = v
	}
	payments := make(map[string]int, len(l.payments))
	for k, v := range l.payments {
		payments[k] = v
	}
	return rows, tests, payments, l.nextID
}

func (l *Ledger) restore(rows map[item.ID]record.StateRecord, tests map[item.ID]bool, payments map[string]int, nextID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = rows
	l.tests = tests
	l.payments = payments
	l.nextID = nextID
}

func (l *Ledger) MarkTestRecord(ctx context.Context, id item.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tests[id] = true
	return nil
}

func (l *Ledger) IsTestRecord(ctx context.Context, id item.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tests[id], nil
}

func (l *Ledger) Size(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.rows)), nil
}

func (l *Ledger) SavePayment(ctx context.Context, day time.Time, units int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments[day.UTC().Format("2006-01-02")] += units
	return nil
}

// PaymentsOn returns the units accumulated for one day.
func (l *Ledger) PaymentsOn(day time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payments[day.UTC().Format("2006-01-02")]
}

func (l *Ledger) FindBadReferencesOf(ctx context.Context, ids []item.ID) ([]item.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var bad []item.ID
	for _, id := range ids {
		r, ok := l.rows[id]
		if !ok || r.Expired(l.now()) || !r.State.IsApproved() {
			bad = append(bad, id)
		}
	}
	return bad, nil
}

var _ record.Ledger = (*Ledger)(nil)
