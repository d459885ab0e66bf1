package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/parcel"
)

type fakeHandler struct {
	mu       sync.Mutex
	items    map[item.ID]item.Item
	parcels  map[parcel.ID]*parcel.Parcel
	received []Notification
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		items:   map[item.ID]item.Item{},
		parcels: map[parcel.ID]*parcel.Parcel{},
	}
}

func (h *fakeHandler) OnNotification(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, n)
}

func (h *fakeHandler) FindItem(id item.ID) item.Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.items[id]
}

func (h *fakeHandler) FindParcel(id parcel.ID) *parcel.Parcel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.parcels[id]
}

func (h *fakeHandler) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, len(h.received))
	copy(out, h.received)
	return out
}

func testItem(t *testing.T, rev int) *item.BasicItem {
	t.Helper()
	it := &item.BasicItem{Rev: rev, StateVars: map[string]any{"rev": rev}}
	_, err := it.Pack()
	require.NoError(t, err)
	return it
}

func TestBusGetItem(t *testing.T) {
	bus := NewBus()
	a := newFakeHandler()
	b := newFakeHandler()
	clientA := bus.Join(NodeInfo{Number: 1, Name: "a"}, a)
	bus.Join(NodeInfo{Number: 2, Name: "b"}, b)

	it := testItem(t, 1)
	b.mu.Lock()
	b.items[it.ID()] = it
	b.mu.Unlock()

	got, err := clientA.GetItem(context.Background(), it.ID(), NodeInfo{Number: 2}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, it.ID(), got.ID())

	_, err = clientA.GetItem(context.Background(), testItem(t, 2).ID(), NodeInfo{Number: 2}, time.Second)
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, err = clientA.GetItem(context.Background(), it.ID(), NodeInfo{Number: 99}, time.Second)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestBusGetParcel(t *testing.T) {
	bus := NewBus()
	a := newFakeHandler()
	b := newFakeHandler()
	clientA := bus.Join(NodeInfo{Number: 1, Name: "a"}, a)
	bus.Join(NodeInfo{Number: 2, Name: "b"}, b)

	pcl := &parcel.Parcel{Payment: testItem(t, 1), Payload: testItem(t, 2)}
	pcl.Payment.IsU = true
	b.mu.Lock()
	b.parcels[pcl.ID()] = pcl
	b.mu.Unlock()

	got, err := clientA.GetParcel(context.Background(), pcl.ID(), NodeInfo{Number: 2}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, pcl.ID(), got.ID())

	_, err = clientA.GetParcel(context.Background(), testItem(t, 3).ID(), NodeInfo{Number: 2}, time.Second)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestBusBroadcastSkipsSender(t *testing.T) {
	bus := NewBus()
	handlers := make([]*fakeHandler, 3)
	clients := make([]Client, 3)
	for i := range handlers {
		handlers[i] = newFakeHandler()
		clients[i] = bus.Join(NodeInfo{Number: i + 1, Name: "n"}, handlers[i])
	}

	it := testItem(t, 1)
	n := ItemNotification{
		From:   NodeInfo{Number: 1, Name: "n"},
		ItemID: it.ID(),
		Result: item.Result{State: item.StatePendingPositive},
	}
	require.NoError(t, clients[0].Broadcast(n))

	require.Eventually(t, func() bool {
		return len(handlers[1].notifications()) == 1 && len(handlers[2].notifications()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, handlers[0].notifications())

	got, ok := handlers[1].notifications()[0].(ItemNotification)
	require.True(t, ok)
	assert.Equal(t, it.ID(), got.ItemID)
	assert.Equal(t, 1, got.Sender().Number)
}

func TestBusDeliver(t *testing.T) {
	bus := NewBus()
	a := newFakeHandler()
	b := newFakeHandler()
	clientA := bus.Join(NodeInfo{Number: 1, Name: "a"}, a)
	bus.Join(NodeInfo{Number: 2, Name: "b"}, b)

	n := ResyncNotification{From: NodeInfo{Number: 1, Name: "a"}, ItemID: testItem(t, 1).ID()}
	require.NoError(t, clientA.Deliver(NodeInfo{Number: 2}, n))

	require.Eventually(t, func() bool {
		return len(b.notifications()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, a.notifications())

	err := clientA.Deliver(NodeInfo{Number: 42}, n)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestBusNodes(t *testing.T) {
	bus := NewBus()
	var client Client
	for i := 3; i >= 1; i-- {
		c := bus.Join(NodeInfo{Number: i, Name: "n"}, newFakeHandler())
		if i == 2 {
			client = c
		}
	}

	assert.Equal(t, 3, client.NodesCount())
	nodes := client.Nodes()
	require.Len(t, nodes, 3)
	for i, n := range nodes {
		assert.Equal(t, i+1, n.Number)
	}
}
