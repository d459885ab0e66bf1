package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/record"
)

var errBatcherClosed = errors.New("ledger batcher closed")

// flushFunc resolves a batch of ids to their (created or existing) records.
type flushFunc func(ctx context.Context, ids []item.ID) (map[item.ID]*record.StateRecord, error)

type findOrCreateWaiter struct {
	id item.ID
	ch chan findOrCreateResult
}

type findOrCreateResult struct {
	rec *record.StateRecord
	err error
}

// findOrCreateBatcher groups concurrent FindOrCreate calls into one INSERT
// and one SELECT. Bounded by batch size and flush delay; a full batch
// flushes immediately, otherwise the first waiter arms the timer.
type findOrCreateBatcher struct {
	maxSize  int
	maxDelay time.Duration
	flush    flushFunc

	mu      sync.Mutex
	pending []findOrCreateWaiter
	timer   *time.Timer
	closed  bool
}

func newFindOrCreateBatcher(maxSize int, maxDelay time.Duration, flush flushFunc) *findOrCreateBatcher {
	if maxSize < 1 {
		maxSize = 1
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Millisecond
	}
	return &findOrCreateBatcher{maxSize: maxSize, maxDelay: maxDelay, flush: flush}
}

// Do enqueues one id and waits for its record.
func (b *findOrCreateBatcher) Do(ctx context.Context, id item.ID) (*record.StateRecord, error) {
	w := findOrCreateWaiter{id: id, ch: make(chan findOrCreateResult, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errBatcherClosed
	}
	b.pending = append(b.pending, w)
	full := len(b.pending) >= b.maxSize
	if full {
		batch := b.take()
		b.mu.Unlock()
		b.run(batch)
	} else {
		if b.timer == nil {
			b.timer = time.AfterFunc(b.maxDelay, b.flushDeadline)
		}
		b.mu.Unlock()
	}

	select {
	case res := <-w.ch:
		return res.rec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *findOrCreateBatcher) flushDeadline() {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()
	b.run(batch)
}

// take detaches the current batch; caller holds the mutex.
func (b *findOrCreateBatcher) take() []findOrCreateWaiter {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *findOrCreateBatcher) run(batch []findOrCreateWaiter) {
	if len(batch) == 0 {
		return
	}
	seen := map[item.ID]bool{}
	ids := make([]item.ID, 0, len(batch))
	for _, w := range batch {
		if !seen[w.id] {
			seen[w.id] = true
			ids = append(ids, w.id)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recs, err := b.flush(ctx, ids)
	for _, w := range batch {
		if err != nil {
			w.ch <- findOrCreateResult{err: err}
			continue
		}
		// Each waiter gets its own copy so callers never share mutable rows.
		if rec := recs[w.id]; rec != nil {
			c := *rec
			w.ch <- findOrCreateResult{rec: &c}
		} else {
			w.ch <- findOrCreateResult{}
		}
	}
}

// Close flushes pending waiters and rejects new ones.
func (b *findOrCreateBatcher) Close() {
	b.mu.Lock()
	b.closed = true
	batch := b.take()
	b.mu.Unlock()
	b.run(batch)
}
