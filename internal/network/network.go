// Package network defines the peer communication surface the consensus core
// consumes. Wire adapters live behind the Client interface; the in-process
// Bus connects nodes directly for tests and single-binary clusters.
package network

import (
	"context"
	"time"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/parcel"
)

// NodeInfo identifies one peer in the network.
type NodeInfo struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
}

// Notification is a consensus message between nodes. Exactly one of the
// concrete types below is sent at a time.
type Notification interface {
	Sender() NodeInfo
}

// ItemNotification announces a node's verdict for an item.
type ItemNotification struct {
	From          NodeInfo
	ItemID        item.ID
	Result        item.Result
	RequestResult bool
}

func (n ItemNotification) Sender() NodeInfo { return n.From }

// ParcelNotification routes a verdict for one half of a parcel; IsU selects
// the payment item.
type ParcelNotification struct {
	From          NodeInfo
	ParcelID      parcel.ID
	ItemID        item.ID
	Result        item.Result
	RequestResult bool
	IsU           bool
}

func (n ParcelNotification) Sender() NodeInfo { return n.From }

// ResyncNotification queries (or answers) a peer's ledger state for an item.
type ResyncNotification struct {
	From      NodeInfo
	ItemID    item.ID
	IsAnswer  bool
	State     item.State
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (n ResyncNotification) Sender() NodeInfo { return n.From }

// Handler is what a node exposes to the transport.
type Handler interface {
	// OnNotification processes one incoming consensus message.
	OnNotification(n Notification)
	// FindItem serves an item from the node's cache, nil when unknown.
	FindItem(id item.ID) item.Item
	// FindParcel serves a parcel from the node's cache, nil when unknown.
	FindParcel(id parcel.ID) *parcel.Parcel
}

// Client is the transport capability handed to a node.
type Client interface {
	// GetItem downloads an item from one peer with a timeout.
	GetItem(ctx context.Context, id item.ID, source NodeInfo, timeout time.Duration) (item.Item, error)
	// GetParcel downloads a parcel from one peer with a timeout.
	GetParcel(ctx context.Context, id parcel.ID, source NodeInfo, timeout time.Duration) (*parcel.Parcel, error)
	// Broadcast delivers a notification to every other node.
	Broadcast(n Notification) error
	// Deliver sends a notification to one node.
	Deliver(to NodeInfo, n Notification) error
	// NodesCount is the total network size, including this node.
	NodesCount() int
	// Nodes lists all known peers, including this node.
	Nodes() []NodeInfo
}
