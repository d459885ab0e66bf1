package network

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/parcel"
)

var (
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrItemNotFound = errors.New("peer has no such item")
)

// Bus is an in-process transport connecting several nodes in one binary.
// Delivery runs on the receiver's goroutine pool so a slow handler never
// blocks the sender.
type Bus struct {
	mu    sync.RWMutex
	peers map[int]*busPeer
}

type busPeer struct {
	info    NodeInfo
	handler Handler
}

func NewBus() *Bus {
	return &Bus{peers: map[int]*busPeer{}}
}

// Join registers a node on the bus and returns its transport client.
func (b *Bus) Join(info NodeInfo, h Handler) Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[info.Number] = &busPeer{info: info, handler: h}
	return &busClient{bus: b, self: info}
}

func (b *Bus) peer(number int) *busPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.peers[number]
}

func (b *Bus) all() []*busPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*busPeer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].info.Number < out[j].info.Number })
	return out
}

type busClient struct {
	bus  *Bus
	self NodeInfo
}

func (c *busClient) GetItem(ctx context.Context, id item.ID, source NodeInfo, timeout time.Duration) (item.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p := c.bus.peer(source.Number)
	if p == nil {
		return nil, ErrUnknownPeer
	}
	type reply struct{ it item.Item }
	ch := make(chan reply, 1)
	go func() { ch <- reply{p.handler.FindItem(id)} }()
	select {
	case r := <-ch:
		if r.it == nil {
			return nil, ErrItemNotFound
		}
		// Round-trip through the wire encoding so each node owns its copy.
		if p, ok := r.it.(interface{ Pack() ([]byte, error) }); ok {
			data, err := p.Pack()
			if err != nil {
				return nil, err
			}
			return item.UnpackBasic(data)
		}
		return r.it, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *busClient) GetParcel(ctx context.Context, id parcel.ID, source NodeInfo, timeout time.Duration) (*parcel.Parcel, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p := c.bus.peer(source.Number)
	if p == nil {
		return nil, ErrUnknownPeer
	}
	ch := make(chan *parcel.Parcel, 1)
	go func() { ch <- p.handler.FindParcel(id) }()
	select {
	case found := <-ch:
		if found == nil {
			return nil, ErrItemNotFound
		}
		data, err := found.Pack()
		if err != nil {
			return nil, err
		}
		return parcel.Unpack(data)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *busClient) Broadcast(n Notification) error {
	for _, p := range c.bus.all() {
		if p.info.Number == c.self.Number {
			continue
		}
		go p.handler.OnNotification(n)
	}
	return nil
}

func (c *busClient) Deliver(to NodeInfo, n Notification) error {
	p := c.bus.peer(to.Number)
	if p == nil {
		return ErrUnknownPeer
	}
	go p.handler.OnNotification(n)
	return nil
}

func (c *busClient) NodesCount() int {
	return len(c.bus.all())
}

func (c *busClient) Nodes() []NodeInfo {
	peers := c.bus.all()
	out := make([]NodeInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.info)
	}
	return out
}
