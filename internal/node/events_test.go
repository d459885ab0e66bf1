package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncEventFiresOnce(t *testing.T) {
	e := NewAsyncEvent[int]()
	assert.False(t, e.Fired())

	e.Fire(42)
	e.Fire(99) // ignored

	assert.True(t, e.Fired())
	assert.Equal(t, 42, e.Value())

	got, err := e.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestAsyncEventWakesAllWaiters(t *testing.T) {
	e := NewAsyncEvent[string]()
	var wg sync.WaitGroup
	results := make(chan string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Wait(context.Background())
			require.NoError(t, err)
			results <- v
		}()
	}
	e.Fire("done")
	wg.Wait()
	close(results)
	for v := range results {
		assert.Equal(t, "done", v)
	}
}

func TestAsyncEventWaitTimeout(t *testing.T) {
	e := NewAsyncEvent[int]()

	_, ok, err := e.WaitTimeout(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "timeout without a fire reports not-ok")

	e.Fire(7)
	v, ok, err := e.WaitTimeout(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestAsyncEventWaitCancelled(t *testing.T) {
	e := NewAsyncEvent[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()
	var counter int

	unlock := km.Lock("a")
	done := make(chan struct{})
	go func() {
		u := km.Lock("a")
		counter++
		u()
		close(done)
	}()

	// Different key is not blocked.
	u := km.Lock("b")
	u()

	select {
	case <-done:
		t.Fatal("second locker ran before first unlock")
	case <-time.After(20 * time.Millisecond):
	}
	counter++
	unlock()
	<-done
	assert.Equal(t, 2, counter)
}
