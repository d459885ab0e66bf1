// Package node hosts the consensus engine: per-item processors, parcel
// coordinators, and the resync repair path, all registered on a single Node
// that speaks to peers through a network.Client.
package node

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/notary-node/notary-node/internal/config"
	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/parcel"
	"github.com/notary-node/notary-node/internal/domain/record"
	"github.com/notary-node/notary-node/internal/metrics"
	"github.com/notary-node/notary-node/internal/network"
)

// ErrUnknownParcel reports a wait on a parcel this node never registered.
var ErrUnknownParcel = errors.New("unknown parcel")

// IssuerKeys is the subset of the keystore the engine needs.
type IssuerKeys interface {
	IssuerKeyIDs() []string
}

// Node is one consensus participant. All processor registries are guarded by
// a single mutex; processors run on their own goroutines.
type Node struct {
	cfg     *config.Config
	log     zerolog.Logger
	myInfo  network.NodeInfo
	net     network.Client
	ledger  record.Ledger
	keys    IssuerKeys
	metrics *metrics.Metrics
	policy  consensusPolicy

	rootCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	itemProcs   map[item.ID]*ItemProcessor
	parcelProcs map[parcel.ID]*ParcelProcessor
	resyncs     map[item.ID]*resyncProcessor
	itemCache   map[item.ID]item.Item
	parcelCache map[parcel.ID]*parcel.Parcel

	parcelLocks *keyedMutex
}

// New assembles a node; Close releases its background work.
func New(cfg *config.Config, info network.NodeInfo, net network.Client, ledger record.Ledger, keys IssuerKeys, m *metrics.Metrics, log zerolog.Logger) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:    cfg,
		myInfo: info,
		net:    net,
		ledger: ledger,
		keys:   keys,
		metrics: func() *metrics.Metrics {
			if m == nil {
				return metrics.NewNop()
			}
			return m
		}(),
		policy: consensusPolicy{
			positiveRatio:    cfg.PositiveConsensusRatio,
			negativeRatio:    cfg.NegativeConsensusRatio,
			resyncBreakRatio: cfg.ResyncBreakRatio,
		},
		rootCtx:     ctx,
		cancel:      cancel,
		itemProcs:   map[item.ID]*ItemProcessor{},
		parcelProcs: map[parcel.ID]*ParcelProcessor{},
		resyncs:     map[item.ID]*resyncProcessor{},
		itemCache:   map[item.ID]item.Item{},
		parcelCache: map[parcel.ID]*parcel.Parcel{},
		parcelLocks: newKeyedMutex(),
		log: log.With().
			Str("service", "node").
			Int("node", info.Number).
			Logger(),
	}
}

// Info returns this node's network identity.
func (n *Node) Info() network.NodeInfo { return n.myInfo }

// Close cancels every running processor's context.
func (n *Node) Close() {
	n.cancel()
}

// LedgerSize reports the number of live ledger records.
func (n *Node) LedgerSize(ctx context.Context) (int64, error) {
	return n.ledger.Size(ctx)
}

// RegisterItem submits a locally-known item for consensus and returns its
// processor. Idempotent per item id while a processor is active.
func (n *Node) RegisterItem(ctx context.Context, it item.Item) *ItemProcessor {
	return n.checkItemInternal(ctx, it.ID(), nil, it, true, false, 0)
}

// CheckItem reports or initiates processing for an item known only by id.
// Without an item body the processor waits for sources before downloading.
func (n *Node) CheckItem(ctx context.Context, id item.ID) *ItemProcessor {
	return n.checkItemInternal(ctx, id, nil, nil, true, false, 0)
}

// WaitItem blocks until the item's processor completes or ctx expires.
func (n *Node) WaitItem(ctx context.Context, id item.ID) (item.Result, error) {
	// A verdict may already be durable with no processor alive.
	n.mu.Lock()
	proc, ok := n.itemProcs[id]
	n.mu.Unlock()
	if !ok {
		rec, err := n.ledger.GetRecord(ctx, id)
		if err != nil {
			return item.ResultUndefined, err
		}
		if rec != nil && rec.State.IsConsensusFound() {
			return rec.Result(nil), nil
		}
		proc = n.CheckItem(ctx, id)
	}
	return proc.doneEvent.Wait(ctx)
}

// RegisterParcel submits a parcel for two-phase consensus.
func (n *Node) RegisterParcel(ctx context.Context, pcl *parcel.Parcel) *ParcelProcessor {
	return n.checkParcelInternal(ctx, pcl.ID(), pcl)
}

// WaitParcel blocks until the parcel coordinator completes or ctx expires.
func (n *Node) WaitParcel(ctx context.Context, id parcel.ID) (ParcelResult, error) {
	n.mu.Lock()
	proc, ok := n.parcelProcs[id]
	n.mu.Unlock()
	if !ok {
		return ParcelResult{}, ErrUnknownParcel
	}
	return proc.doneEvent.Wait(ctx)
}

// Resync queries peers for an item's state and repairs the local ledger.
func (n *Node) Resync(ctx context.Context, id item.ID) (item.Result, error) {
	return n.resyncInternal(ctx, id).Wait(ctx)
}

// ItemProcessor returns the active processor for id, nil when none runs.
func (n *Node) ItemProcessor(id item.ID) *ItemProcessor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.itemProcs[id]
}

// ParcelProcessor returns the active coordinator for id, nil when none runs.
func (n *Node) ParcelProcessor(id parcel.ID) *ParcelProcessor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parcelProcs[id]
}

// checkItemInternal returns the active processor for id, creating and
// starting one when absent. The force flag freezes parcel payloads until the
// payment outcome is known.
func (n *Node) checkItemInternal(ctx context.Context, id item.ID, parcelID *parcel.ID, it item.Item, force, isPayment bool, quantaLimit int) *ItemProcessor {
	n.mu.Lock()
	if proc, ok := n.itemProcs[id]; ok {
		n.mu.Unlock()
		if it != nil {
			n.cacheItem(it)
		}
		return proc
	}
	if it == nil {
		it = n.itemCache[id]
	}
	proc := newItemProcessor(n, id, parcelID, it, force, quantaLimit)
	proc.isPayment = isPayment
	n.itemProcs[id] = proc
	n.mu.Unlock()
	n.metrics.ProcessorRegistered()
	go proc.run(n.rootCtx)
	return proc
}

func (n *Node) checkParcelInternal(ctx context.Context, id parcel.ID, pcl *parcel.Parcel) *ParcelProcessor {
	n.mu.Lock()
	if proc, ok := n.parcelProcs[id]; ok {
		n.mu.Unlock()
		return proc
	}
	if pcl == nil {
		pcl = n.parcelCache[id]
	}
	proc := newParcelProcessor(n, id, pcl)
	n.parcelProcs[id] = proc
	n.mu.Unlock()
	n.metrics.ProcessorRegistered()
	go proc.run(n.rootCtx)
	return proc
}

// resyncInternal returns the completion event of the (possibly shared)
// resync run for id.
func (n *Node) resyncInternal(ctx context.Context, id item.ID) *AsyncEvent[item.Result] {
	n.mu.Lock()
	if r, ok := n.resyncs[id]; ok {
		n.mu.Unlock()
		return r.done
	}
	r := newResyncProcessor(n, id)
	n.resyncs[id] = r
	n.mu.Unlock()
	r.run(n.rootCtx)
	return r.done
}

func (n *Node) removeItemProcessor(p *ItemProcessor) {
	n.mu.Lock()
	if n.itemProcs[p.itemID] == p {
		delete(n.itemProcs, p.itemID)
	}
	n.mu.Unlock()
	n.metrics.ProcessorUnregistered()
}

func (n *Node) removeParcelProcessor(p *ParcelProcessor) {
	n.mu.Lock()
	if n.parcelProcs[p.parcelID] == p {
		delete(n.parcelProcs, p.parcelID)
	}
	n.mu.Unlock()
	n.metrics.ProcessorUnregistered()
}

func (n *Node) removeResync(r *resyncProcessor) {
	n.mu.Lock()
	if n.resyncs[r.itemID] == r {
		delete(n.resyncs, r.itemID)
	}
	n.mu.Unlock()
}

func (n *Node) cacheItem(it item.Item) {
	if it == nil {
		return
	}
	n.mu.Lock()
	n.itemCache[it.ID()] = it
	n.mu.Unlock()
}

func (n *Node) cacheParcel(pcl *parcel.Parcel) {
	if pcl == nil {
		return
	}
	n.mu.Lock()
	n.parcelCache[pcl.ID()] = pcl
	n.mu.Unlock()
}

// FindItem serves a cached item to a downloading peer.
func (n *Node) FindItem(id item.ID) item.Item {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.itemCache[id]
}

// FindParcel serves a cached parcel to a downloading peer.
func (n *Node) FindParcel(id parcel.ID) *parcel.Parcel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parcelCache[id]
}

// OnNotification is the single entry point for peer consensus traffic.
func (n *Node) OnNotification(notif network.Notification) {
	switch msg := notif.(type) {
	case network.ItemNotification:
		n.onItemNotification(msg)
	case network.ParcelNotification:
		n.onParcelNotification(msg)
	case network.ResyncNotification:
		n.onResyncNotification(msg)
	default:
		n.log.Debug().Msg("unknown notification type dropped")
	}
}

func (n *Node) onItemNotification(msg network.ItemNotification) {
	// A terminal verdict for an item nobody processes here is answered from
	// the ledger so the sender can collect its acknowledgements.
	n.mu.Lock()
	proc, active := n.itemProcs[msg.ItemID]
	n.mu.Unlock()

	if !active {
		if msg.Result.State.IsConsensusFound() && msg.RequestResult {
			// Acknowledge from the ledger when we already hold the verdict;
			// otherwise join late and catch up from the sender.
			if rec, err := n.ledger.GetRecord(n.rootCtx, msg.ItemID); err == nil && rec != nil && rec.State.IsConsensusFound() {
				n.replyFromLedger(msg.From, msg.ItemID)
				return
			}
		}
		proc = n.checkItemInternal(n.rootCtx, msg.ItemID, nil, nil, true, false, 0)
	}
	proc.AddToSources(msg.From)
	if msg.Result.State != item.StateUndefined {
		proc.Vote(msg.From, msg.Result.State)
	}
	if msg.RequestResult {
		_ = n.net.Deliver(msg.From, proc.myNotification(false))
	}
}

func (n *Node) onParcelNotification(msg network.ParcelNotification) {
	n.mu.Lock()
	proc, active := n.parcelProcs[msg.ParcelID]
	n.mu.Unlock()

	if !active {
		// A finished coordinator leaves its verdict in the ledger; a stale or
		// re-delivered notification must not restart it.
		if rec, err := n.ledger.GetRecord(n.rootCtx, msg.ItemID); err == nil && rec != nil && rec.State.IsConsensusFound() {
			if msg.RequestResult {
				n.replyFromLedger(msg.From, msg.ItemID)
			}
			return
		}
		proc = n.checkParcelInternal(n.rootCtx, msg.ParcelID, nil)
	}
	proc.AddToSources(msg.From)
	if msg.Result.State != item.StateUndefined {
		proc.Vote(msg.From, msg.Result.State, msg.IsU)
	}
	if msg.RequestResult {
		if child := proc.childProcessor(msg.IsU); child != nil {
			_ = n.net.Deliver(msg.From, child.myNotification(false))
		}
	}
}

func (n *Node) onResyncNotification(msg network.ResyncNotification) {
	if !msg.IsAnswer {
		n.answerResync(n.rootCtx, msg)
		return
	}
	n.mu.Lock()
	r, ok := n.resyncs[msg.ItemID]
	n.mu.Unlock()
	if ok {
		r.onAnswer(msg)
	}
}

// replyFromLedger acknowledges a finished peer with this node's durable
// verdict, or UNDEFINED when the item is unknown here.
func (n *Node) replyFromLedger(to network.NodeInfo, id item.ID) {
	res := item.ResultUndefined
	if rec, err := n.ledger.GetRecord(n.rootCtx, id); err == nil && rec != nil {
		res = rec.Result(nil)
	}
	_ = n.net.Deliver(to, network.ItemNotification{
		From:   n.myInfo,
		ItemID: id,
		Result: res,
	})
}
