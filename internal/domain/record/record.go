// Package record holds the ledger's persistent view of item consensus state.
package record

import (
	"time"

	"github.com/notary-node/notary-node/internal/domain/item"
)

// StateRecord is one ledger row: the durable consensus state of an item and
// any lock it participates in. State and LockedByRecordID describe together
// whether the row is free, tentatively created, or locked for revocation;
// they must only change inside a single ledger transaction.
type StateRecord struct {
	// RecordID is the surrogate key, 0 until the first save.
	RecordID int64
	ID       item.ID
	State    item.State
	// LockedByRecordID is 0 when unlocked, else the RecordID of the locker.
	LockedByRecordID int64
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Expired reports whether the record's TTL has passed.
func (r *StateRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// Result snapshots the record as an item result.
func (r *StateRecord) Result(errs []item.ErrorRecord) item.Result {
	return item.Result{
		State:     r.State,
		Errors:    errs,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}
