package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/record"
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = "record_id, id, state, locked_by_id, created_at, expires_at"

// LedgerRepository implements record.Ledger on Postgres. Lock transitions
// are conditional UPDATEs, atomic at the row level under the pool's
// concurrency.
type LedgerRepository struct {
	db      querier
	pool    *pgxpool.Pool
	ttl     time.Duration
	batcher *findOrCreateBatcher
}

// NewLedgerRepository creates the repository. batchSize > 1 enables the
// write-behind FindOrCreate batcher with the given flush delay; batching is
// an optimization only and keeps the operation's observable atomicity.
func NewLedgerRepository(pool *pgxpool.Pool, ttl time.Duration, batchSize int, batchDelay time.Duration) *LedgerRepository {
	r := &LedgerRepository{db: pool, pool: pool, ttl: ttl}
	if batchSize > 1 {
		r.batcher = newFindOrCreateBatcher(batchSize, batchDelay, r.groupedFindOrCreate)
	}
	return r
}

func (r *LedgerRepository) FindOrCreate(ctx context.Context, id item.ID) (*record.StateRecord, error) {
	if r.batcher != nil {
		return r.batcher.Do(ctx, id)
	}
	recs, err := r.groupedFindOrCreate(ctx, []item.ID{id})
	if err != nil {
		return nil, err
	}
	return recs[id], nil
}

// groupedFindOrCreate inserts all missing ids in one statement and reads the
// resulting rows back in one query.
func (r *LedgerRepository) groupedFindOrCreate(ctx context.Context, ids []item.ID) (map[item.ID]*record.StateRecord, error) {
	raw := make([][]byte, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.Bytes())
	}
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO ledger (id, state, locked_by_id, created_at, expires_at)
		SELECT unnest($1::bytea[]), $2, 0, $3, $4
		ON CONFLICT (id) DO NOTHING
	`, raw, int(item.StatePending), now, now.Add(r.ttl))
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+` FROM ledger WHERE id = ANY($1::bytea[])
	`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[item.ID]*record.StateRecord, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

func (r *LedgerRepository) GetRecord(ctx context.Context, id item.ID) (*record.StateRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM ledger WHERE id=$1
	`, id.Bytes()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if rec.Expired(time.Now().UTC()) {
		_, _ = r.db.Exec(ctx, `DELETE FROM ledger WHERE record_id=$1`, rec.RecordID)
		return nil, nil
	}
	return rec, nil
}

func (r *LedgerRepository) CreateOutputLockRecord(ctx context.Context, creatorRecordID int64, newItemID item.ID) (*record.StateRecord, error) {
	now := time.Now().UTC()
	rec, err := scanRecord(r.db.QueryRow(ctx, `
		INSERT INTO ledger (id, state, locked_by_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+recordColumns+`
	`, newItemID.Bytes(), int(item.StateLockedForCreation), creatorRecordID, now, now.Add(r.ttl)))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	// A record exists; only our own prior lock makes this call idempotent.
	existing, err := r.GetRecord(ctx, newItemID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State == item.StateLockedForCreation && existing.LockedByRecordID == creatorRecordID {
		return existing, nil
	}
	return nil, nil
}

func (r *LedgerRepository) LockToRevoke(ctx context.Context, revokerRecordID int64, targetID item.ID) (*record.StateRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `
		UPDATE ledger SET state=$1, locked_by_id=$2
		WHERE id=$3 AND (
			(state=$4 AND locked_by_id=0) OR (state=$1 AND locked_by_id=$2)
		)
		RETURNING `+recordColumns+`
	`, int(item.StateLocked), revokerRecordID, targetID.Bytes(), int(item.StateApproved)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *LedgerRepository) Save(ctx context.Context, rec *record.StateRecord) error {
	if rec.RecordID == 0 {
		return r.db.QueryRow(ctx, `
			INSERT INTO ledger (id, state, locked_by_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING record_id
		`, rec.ID.Bytes(), int(rec.State), rec.LockedByRecordID, rec.CreatedAt, rec.ExpiresAt).Scan(&rec.RecordID)
	}
	_, err := r.db.Exec(ctx, `
		UPDATE ledger SET state=$1, locked_by_id=$2, created_at=$3, expires_at=$4
		WHERE record_id=$5
	`, int(rec.State), rec.LockedByRecordID, rec.CreatedAt, rec.ExpiresAt, rec.RecordID)
	return err
}

func (r *LedgerRepository) Destroy(ctx context.Context, rec *record.StateRecord) error {
	_, err := r.db.Exec(ctx, `DELETE FROM ledger WHERE record_id=$1`, rec.RecordID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `DELETE FROM ledger_testrecords WHERE id=$1`, rec.ID.Bytes())
	return err
}

func (r *LedgerRepository) Reload(ctx context.Context, rec *record.StateRecord) error {
	stored, err := scanRecord(r.db.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM ledger WHERE record_id=$1
	`, rec.RecordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return record.ErrRecordGone
		}
		return err
	}
	*rec = *stored
	return nil
}

// InTransaction wraps fn in one database transaction. The transactional view
// shares the repository's TTL but never batches.
func (r *LedgerRepository) InTransaction(ctx context.Context, fn func(tx record.Ledger) error) error {
	if r.pool == nil {
		// Nested transaction: reuse the current one.
		return fn(r)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	view := &LedgerRepository{db: tx, ttl: r.ttl}
	if err := fn(view); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, record.ErrRollbackOnly) {
			return nil
		}
		return err
	}
	return tx.Commit(ctx)
}

func (r *LedgerRepository) MarkTestRecord(ctx context.Context, id item.ID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ledger_testrecords (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, id.Bytes())
	return err
}

func (r *LedgerRepository) IsTestRecord(ctx context.Context, id item.ID) (bool, error) {
	var found bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_testrecords WHERE id=$1)
	`, id.Bytes()).Scan(&found)
	return found, err
}

func (r *LedgerRepository) Size(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM ledger`).Scan(&n)
	return n, err
}

func (r *LedgerRepository) SavePayment(ctx context.Context, day time.Time, units int) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payments_summary (date, amount) VALUES ($1, $2)
		ON CONFLICT (date) DO UPDATE SET amount = payments_summary.amount + EXCLUDED.amount
	`, day.UTC().Truncate(24*time.Hour), units)
	return err
}

func (r *LedgerRepository) FindBadReferencesOf(ctx context.Context, ids []item.ID) ([]item.ID, error) {
	raw := make([][]byte, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.Bytes())
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, state FROM ledger WHERE id = ANY($1::bytea[])
	`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	good := map[item.ID]bool{}
	for rows.Next() {
		var rawID []byte
		var state int
		if err := rows.Scan(&rawID, &state); err != nil {
			return nil, err
		}
		id, err := item.IDFromBytes(rawID)
		if err != nil {
			return nil, err
		}
		good[id] = item.State(state).IsApproved()
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var bad []item.ID
	for _, id := range ids {
		if !good[id] {
			bad = append(bad, id)
		}
	}
	return bad, nil
}

// Close flushes and stops the batcher.
func (r *LedgerRepository) Close() {
	if r.batcher != nil {
		r.batcher.Close()
	}
}

func scanRecord(row pgx.Row) (*record.StateRecord, error) {
	var rec record.StateRecord
	var rawID []byte
	if err := row.Scan(&rec.RecordID, &rawID, &rec.State, &rec.LockedByRecordID, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	id, err := item.IDFromBytes(rawID)
	if err != nil {
		return nil, err
	}
	rec.ID = id
	return &rec, nil
}

var _ record.Ledger = (*LedgerRepository)(nil)
