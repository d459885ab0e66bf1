package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/record"
)

func recordingFlush(calls *int32) flushFunc {
	var nextID int64
	return func(ctx context.Context, ids []item.ID) (map[item.ID]*record.StateRecord, error) {
		atomic.AddInt32(calls, 1)
		out := make(map[item.ID]*record.StateRecord, len(ids))
		for _, id := range ids {
			nextID++
			out[id] = &record.StateRecord{RecordID: nextID, ID: id, State: item.StatePending}
		}
		return out, nil
	}
}

func TestBatcherSizeOnePassesThrough(t *testing.T) {
	var calls int32
	b := newFindOrCreateBatcher(1, 50*time.Millisecond, recordingFlush(&calls))
	defer b.Close()

	rec, err := b.Do(context.Background(), item.NewID([]byte("a")))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBatcherGroupsConcurrentCalls(t *testing.T) {
	var calls int32
	b := newFindOrCreateBatcher(4, 500*time.Millisecond, recordingFlush(&calls))
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i byte) {
			defer wg.Done()
			rec, err := b.Do(context.Background(), item.NewID([]byte{i}))
			require.NoError(t, err)
			require.NotNil(t, rec)
		}(byte(i))
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a full batch flushes once")
}

func TestBatcherDuplicateIDsGetCopies(t *testing.T) {
	var calls int32
	b := newFindOrCreateBatcher(2, 500*time.Millisecond, recordingFlush(&calls))
	defer b.Close()

	id := item.NewID([]byte("dup"))
	results := make(chan *record.StateRecord, 2)
	for i := 0; i < 2; i++ {
		go func() {
			rec, err := b.Do(context.Background(), id)
			require.NoError(t, err)
			results <- rec
		}()
	}
	first := <-results
	second := <-results
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.NotSame(t, first, second, "waiters must not share one row")
}

func TestBatcherDeadlineFlush(t *testing.T) {
	var calls int32
	b := newFindOrCreateBatcher(10, 20*time.Millisecond, recordingFlush(&calls))
	defer b.Close()

	start := time.Now()
	rec, err := b.Do(context.Background(), item.NewID([]byte("slow")))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "partial batch waits for the delay")
}

func TestBatcherFlushErrorFansOut(t *testing.T) {
	boom := errors.New("db down")
	b := newFindOrCreateBatcher(1, 10*time.Millisecond, func(ctx context.Context, ids []item.ID) (map[item.ID]*record.StateRecord, error) {
		return nil, boom
	})
	defer b.Close()

	_, err := b.Do(context.Background(), item.NewID([]byte("x")))
	require.ErrorIs(t, err, boom)
}

func TestBatcherClosedRejects(t *testing.T) {
	var calls int32
	b := newFindOrCreateBatcher(1, 10*time.Millisecond, recordingFlush(&calls))
	b.Close()

	_, err := b.Do(context.Background(), item.NewID([]byte("late")))
	require.ErrorIs(t, err, errBatcherClosed)
}
