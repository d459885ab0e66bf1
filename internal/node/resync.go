package node

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/network"
)

// resyncProcessor repairs this node's ledger knowledge of one item by asking
// every peer for its recorded state. A state reported by a majority of peers
// is adopted, with record timestamps averaged across the agreeing answers.
type resyncProcessor struct {
	node *Node
	log  zerolog.Logger

	itemID item.ID

	mu       sync.Mutex
	answers  map[int]network.ResyncNotification
	finished bool

	expiresAt time.Time
	done      *AsyncEvent[item.Result]
}

func newResyncProcessor(n *Node, id item.ID) *resyncProcessor {
	return &resyncProcessor{
		node:      n,
		itemID:    id,
		answers:   map[int]network.ResyncNotification{},
		expiresAt: time.Now().Add(n.cfg.MaxResyncTime),
		done:      NewAsyncEvent[item.Result](),
		log: n.log.With().
			Str("service", "resync").
			Str("item", id.String()[:8]).
			Logger(),
	}
}

func (r *resyncProcessor) run(ctx context.Context) {
	r.broadcastQuery()
	go r.pulse(ctx)
}

func (r *resyncProcessor) broadcastQuery() {
	q := network.ResyncNotification{From: r.node.myInfo, ItemID: r.itemID}
	if err := r.node.net.Broadcast(q); err != nil {
		r.log.Debug().Err(err).Msg("resync broadcast failed")
	}
}

func (r *resyncProcessor) pulse(ctx context.Context) {
	ticker := time.NewTicker(r.node.cfg.PollTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.finish(ctx, item.ResultUndefined, false)
			return
		case <-ticker.C:
		}
		r.mu.Lock()
		finished := r.finished
		expired := time.Now().After(r.expiresAt)
		r.mu.Unlock()
		if finished {
			return
		}
		if expired {
			r.log.Warn().Msg("resync expired without majority")
			r.finish(ctx, item.ResultUndefined, false)
			return
		}
		// Re-ask only the peers that have not answered.
		q := network.ResyncNotification{From: r.node.myInfo, ItemID: r.itemID}
		for _, ni := range r.node.net.Nodes() {
			if ni.Number == r.node.myInfo.Number {
				continue
			}
			r.mu.Lock()
			_, answered := r.answers[ni.Number]
			r.mu.Unlock()
			if !answered {
				_ = r.node.net.Deliver(ni, q)
			}
		}
	}
}

// onAnswer records one peer's reply; a later reply from the same node
// replaces the earlier one.
func (r *resyncProcessor) onAnswer(n network.ResyncNotification) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.answers[n.From.Number] = n
	r.mu.Unlock()
	r.checkConverged(r.node.rootCtx)
}

func (r *resyncProcessor) checkConverged(ctx context.Context) {
	peers := r.node.net.NodesCount() - 1
	majority := peers/2 + 1

	r.mu.Lock()
	counts := map[item.State]int{}
	for _, a := range r.answers {
		counts[a.State]++
	}
	var winner item.State
	won := false
	for st, c := range counts {
		if c >= majority {
			winner = st
			won = true
			break
		}
	}
	if !won {
		r.mu.Unlock()
		return
	}
	var created, expires int64
	agreeing := 0
	for _, a := range r.answers {
		if a.State != winner {
			continue
		}
		agreeing++
		created += a.CreatedAt.Unix()
		if !a.ExpiresAt.IsZero() {
			expires += a.ExpiresAt.Unix()
		}
	}
	r.mu.Unlock()

	res := item.Result{State: winner}
	if agreeing > 0 {
		res.CreatedAt = time.Unix((created+int64(agreeing)/2)/int64(agreeing), 0).UTC()
		if expires > 0 {
			res.ExpiresAt = time.Unix((expires+int64(agreeing)/2)/int64(agreeing), 0).UTC()
		}
	}
	r.log.Info().Str("state", winner.String()).Int("agreeing", agreeing).Msg("resync converged")
	r.finish(ctx, res, winner.IsConsensusFound())
}

// finish optionally writes the adopted state into the local ledger, then
// reports and unregisters.
func (r *resyncProcessor) finish(ctx context.Context, res item.Result, adopt bool) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.mu.Unlock()

	if adopt {
		if err := r.adoptState(ctx, res); err != nil {
			r.log.Warn().Err(err).Msg("cannot adopt resynced state")
			res = item.ResultUndefined
		}
	}
	r.done.Fire(res)
	r.node.removeResync(r)
}

func (r *resyncProcessor) adoptState(ctx context.Context, res item.Result) error {
	rec, err := r.node.ledger.FindOrCreate(ctx, r.itemID)
	if err != nil {
		return err
	}
	if rec.State.IsConsensusFound() {
		// Never override a verdict this node already holds.
		return nil
	}
	rec.State = res.State
	if !res.CreatedAt.IsZero() {
		rec.CreatedAt = res.CreatedAt
	}
	if !res.ExpiresAt.IsZero() {
		rec.ExpiresAt = res.ExpiresAt
	} else {
		rec.ExpiresAt = time.Now().UTC().Add(r.node.cfg.RecordTTL)
	}
	return r.node.ledger.Save(ctx, rec)
}

// answerResync replies to a peer's state query with this node's record, or
// UNDEFINED when the item is unknown.
func (n *Node) answerResync(ctx context.Context, q network.ResyncNotification) {
	reply := network.ResyncNotification{
		From:     n.myInfo,
		ItemID:   q.ItemID,
		IsAnswer: true,
		State:    item.StateUndefined,
	}
	rec, err := n.ledger.GetRecord(ctx, q.ItemID)
	if err == nil && rec != nil {
		reply.State = rec.State
		reply.CreatedAt = rec.CreatedAt
		reply.ExpiresAt = rec.ExpiresAt
	}
	if err := n.net.Deliver(q.From, reply); err != nil {
		n.log.Debug().Err(err).Msg("resync answer delivery failed")
	}
}
