package record

import (
	"context"
	"errors"
	"time"

	"github.com/notary-node/notary-node/internal/domain/item"
)

// ErrRollbackOnly aborts a transaction block without surfacing an error:
// nothing commits and InTransaction returns nil.
var ErrRollbackOnly = errors.New("transaction rollback requested")

// Ledger is the durable store of per-item consensus state. All operations
// are safe under concurrent callers; connection failures surface as errors
// and are never retried inside the ledger itself.
type Ledger interface {
	// FindOrCreate atomically returns the record for id, creating it in
	// PENDING state with a fresh TTL when absent. Race-free under
	// concurrent callers for the same id.
	FindOrCreate(ctx context.Context, id item.ID) (*StateRecord, error)

	// GetRecord fetches a record, treating expired rows as absent and
	// destroying them opportunistically. Returns (nil, nil) when absent.
	GetRecord(ctx context.Context, id item.ID) (*StateRecord, error)

	// CreateOutputLockRecord creates a LOCKED_FOR_CREATION record for a new
	// item attributed to the creator. Returns (nil, nil) when a record for
	// newItemID already exists.
	CreateOutputLockRecord(ctx context.Context, creatorRecordID int64, newItemID item.ID) (*StateRecord, error)

	// LockToRevoke transitions the target to LOCKED attributed to the
	// revoker iff it is APPROVED and not locked by anyone else. Returns
	// (nil, nil) on conflict.
	LockToRevoke(ctx context.Context, revokerRecordID int64, targetID item.ID) (*StateRecord, error)

	// Save inserts (RecordID == 0, assigning the id) or updates a record.
	Save(ctx context.Context, r *StateRecord) error

	// Destroy hard-deletes a record.
	Destroy(ctx context.Context, r *StateRecord) error

	// Reload refreshes a record in place; returns (nil, nil) semantics via
	// ErrRecordGone when the row no longer exists.
	Reload(ctx context.Context, r *StateRecord) error

	// InTransaction runs fn with a transactional ledger view. Any error
	// rolls back every write made through that view; ErrRollbackOnly rolls
	// back and returns nil.
	InTransaction(ctx context.Context, fn func(tx Ledger) error) error

	// MarkTestRecord flags a record as testnet-limited.
	MarkTestRecord(ctx context.Context, id item.ID) error
	// IsTestRecord reports the testnet flag.
	IsTestRecord(ctx context.Context, id item.ID) (bool, error)

	// Size returns the number of live records.
	Size(ctx context.Context) (int64, error)

	// SavePayment accumulates spent payment units for the given day.
	SavePayment(ctx context.Context, day time.Time, units int) error

	// FindBadReferencesOf returns the subset of ids that are missing or not
	// approved in this ledger.
	FindBadReferencesOf(ctx context.Context, ids []item.ID) ([]item.ID, error)
}

// ErrRecordGone reports that a reloaded record no longer exists.
var ErrRecordGone = errors.New("state record no longer exists")
