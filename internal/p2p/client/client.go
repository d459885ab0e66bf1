// Package client implements the network.Client transport over the peer HTTP
// API, with signed notification envelopes.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/parcel"
	"github.com/notary-node/notary-node/internal/network"
	"github.com/notary-node/notary-node/internal/p2p/protocol"
)

// Peer is a remote node's identity and base URL.
type Peer struct {
	Info    network.NodeInfo
	BaseURL string
}

// Client talks to peers over HTTP. Broadcast is best effort: a failed
// delivery is logged and retried by the processors' own pulsing.
type Client struct {
	self       network.NodeInfo
	privateKey ed25519.PrivateKey
	http       *http.Client
	log        zerolog.Logger

	mu    sync.RWMutex
	peers map[int]Peer
}

func New(self network.NodeInfo, privateKey ed25519.PrivateKey, peers []Peer, log zerolog.Logger) *Client {
	byNumber := make(map[int]Peer, len(peers))
	for _, p := range peers {
		byNumber[p.Info.Number] = p
	}
	return &Client{
		self:       self,
		privateKey: privateKey,
		http:       &http.Client{},
		peers:      byNumber,
		log:        log.With().Str("service", "p2p-client").Logger(),
	}
}

// AddPeer registers or replaces a peer address.
func (c *Client) AddPeer(p Peer) {
	c.mu.Lock()
	c.peers[p.Info.Number] = p
	c.mu.Unlock()
}

func (c *Client) GetItem(ctx context.Context, id item.ID, source network.NodeInfo, timeout time.Duration) (item.Item, error) {
	body, err := c.get(ctx, source, "/p2p/v1/items/"+id.String(), timeout)
	if err != nil {
		return nil, err
	}
	return item.UnpackBasic(body)
}

func (c *Client) GetParcel(ctx context.Context, id parcel.ID, source network.NodeInfo, timeout time.Duration) (*parcel.Parcel, error) {
	body, err := c.get(ctx, source, "/p2p/v1/parcels/"+id.String(), timeout)
	if err != nil {
		return nil, err
	}
	return parcel.Unpack(body)
}

func (c *Client) Broadcast(n network.Notification) error {
	env, err := c.signedEnvelope(n)
	if err != nil {
		return err
	}
	c.mu.RLock()
	peers := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.Info.Number != c.self.Number {
			peers = append(peers, p)
		}
	}
	c.mu.RUnlock()
	for _, p := range peers {
		go func(p Peer) {
			if err := c.post(context.Background(), p, env); err != nil {
				c.log.Debug().Err(err).Int("peer", p.Info.Number).Msg("broadcast delivery failed")
			}
		}(p)
	}
	return nil
}

func (c *Client) Deliver(to network.NodeInfo, n network.Notification) error {
	env, err := c.signedEnvelope(n)
	if err != nil {
		return err
	}
	c.mu.RLock()
	p, ok := c.peers[to.Number]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", to.Number)
	}
	return c.post(context.Background(), p, env)
}

func (c *Client) NodesCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.peers)
	if _, ok := c.peers[c.self.Number]; !ok {
		n++
	}
	return n
}

func (c *Client) Nodes() []network.NodeInfo {
	c.mu.RLock()
	out := make([]network.NodeInfo, 0, len(c.peers)+1)
	seen := false
	for _, p := range c.peers {
		if p.Info.Number == c.self.Number {
			seen = true
		}
		out = append(out, p.Info)
	}
	c.mu.RUnlock()
	if !seen {
		out = append(out, c.self)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (c *Client) signedEnvelope(n network.Notification) (*protocol.Envelope, error) {
	env, err := protocol.Encode(n)
	if err != nil {
		return nil, err
	}
	if err := env.Sign(c.privateKey); err != nil {
		return nil, err
	}
	return env, nil
}

func (c *Client) get(ctx context.Context, source network.NodeInfo, path string, timeout time.Duration) ([]byte, error) {
	c.mu.RLock()
	p, ok := c.peers[source.Number]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown peer %d", source.Number)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %d returned %d for %s", source.Number, resp.StatusCode, path)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, p Peer, env *protocol.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/p2p/v1/notify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %d returned %d for notify", p.Info.Number, resp.StatusCode)
	}
	return nil
}
