package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/parcel"
	"github.com/notary-node/notary-node/internal/domain/record"
	"github.com/notary-node/notary-node/internal/network"
)

var (
	// ErrAlreadyChecked guards against re-entering a completed check.
	ErrAlreadyChecked = errors.New("item was already checked")

	errResyncScheduled       = errors.New("resync scheduled")
	errConsensusAlreadyFound = errors.New("consensus already arrived via gossip")
)

// ItemProcessor owns the consensus lifecycle of a single item: download,
// check, optional resync, poll peers for votes, commit the outcome, announce
// it, and unregister. One processor per item id at a time, enforced by the
// node registry.
type ItemProcessor struct {
	node *Node
	log  zerolog.Logger

	itemID    item.ID
	parcelID  *parcel.ID
	isPayment bool

	mu             sync.Mutex
	it             item.Item
	record         *record.StateRecord
	state          ProcessingState
	// verdictFromLedger marks a run that found a terminal record at startup
	// and only reported it, producing no new side effects.
	verdictFromLedger bool
	alreadyChecked    bool
	resyncRan      bool
	frozen         bool
	downloading    bool
	itemResult     item.Result
	haveResult     bool

	quantiser *item.Quantiser

	tally             *voteTally
	consensusReceived map[int]struct{}

	lockedToCreate []*record.StateRecord
	lockedToRevoke []*record.StateRecord

	sources []network.NodeInfo

	pollingStartedAt           time.Time
	pollingExpiresAt           time.Time
	consensusReceivedExpiresAt time.Time

	downloadedEvent *AsyncEvent[struct{}]
	// commitReady fires when this processor knows its final verdict; a
	// parcel coordinator waits on it before sequencing the payload.
	commitReady *AsyncEvent[item.State]
	// parcelCommit is non-nil for parcel-owned processors: the coordinator
	// fires it after the joint ledger transaction resolves.
	parcelCommit *AsyncEvent[bool]
	doneEvent    *AsyncEvent[item.Result]
	removedEvent *AsyncEvent[struct{}]
}

func newItemProcessor(n *Node, id item.ID, parcelID *parcel.ID, it item.Item, force bool, quantaLimit int) *ItemProcessor {
	now := time.Now()
	p := &ItemProcessor{
		node:                       n,
		itemID:                     id,
		parcelID:                   parcelID,
		it:                         it,
		state:                      ProcessingInit,
		frozen:                     !force,
		quantiser:                  item.NewQuantiser(quantaLimit),
		tally:                      newVoteTally(),
		consensusReceived:          map[int]struct{}{},
		pollingExpiresAt:           now.Add(n.cfg.MaxElectionsTime),
		consensusReceivedExpiresAt: now.Add(n.cfg.MaxConsensusReceivedCheckTime),
		downloadedEvent:            NewAsyncEvent[struct{}](),
		commitReady:                NewAsyncEvent[item.State](),
		doneEvent:                  NewAsyncEvent[item.Result](),
		removedEvent:               NewAsyncEvent[struct{}](),
		log: n.log.With().
			Str("service", "item-processor").
			Str("item", id.String()[:8]).
			Logger(),
	}
	if parcelID != nil {
		p.parcelCommit = NewAsyncEvent[bool]()
	}
	return p
}

// ID returns the processed item's id.
func (p *ItemProcessor) ID() item.ID { return p.itemID }

// State returns the processor-local lifecycle state.
func (p *ItemProcessor) State() ProcessingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done exposes the completion event carrying the final item result.
func (p *ItemProcessor) Done() *AsyncEvent[item.Result] { return p.doneEvent }

// hadPriorVerdict reports whether this run merely replayed a verdict that
// was already durable before it started.
func (p *ItemProcessor) hadPriorVerdict() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verdictFromLedger
}

// Removed fires once the processor has left the node registry.
func (p *ItemProcessor) Removed() *AsyncEvent[struct{}] { return p.removedEvent }

// ResetQuota rearms the checking budget; the parcel coordinator calls this
// before unfreezing the payload.
func (p *ItemProcessor) ResetQuota(limit int) {
	p.quantiser.Reset(limit)
}

func (p *ItemProcessor) run(ctx context.Context) {
	rec, err := p.node.ledger.FindOrCreate(ctx, p.itemID)
	if err != nil {
		p.log.Warn().Err(err).Msg("ledger findOrCreate failed")
		p.emergencyBreak(ctx)
		return
	}
	p.mu.Lock()
	if p.state == ProcessingEmergencyBreak {
		// Broken before the record landed; do not leave a pending row.
		p.mu.Unlock()
		if rec.State.IsPending() {
			_ = p.node.ledger.Destroy(ctx, rec)
		}
		return
	}
	p.record = rec
	if rec.State.IsConsensusFound() {
		// The ledger already carries a terminal verdict; report it and stop.
		p.verdictFromLedger = true
		res := rec.Result(nil)
		p.mu.Unlock()
		p.commitReady.Fire(rec.State)
		p.finishWith(res)
		return
	}
	hasItem := p.it != nil
	if hasItem {
		p.state = ProcessingDownloaded
	} else {
		p.state = ProcessingDownloading
	}
	p.mu.Unlock()

	if hasItem {
		p.itemDownloaded(ctx)
	} else {
		p.pulseDownload(ctx)
	}
}

// AddToSources offers a peer known to hold the item; restarts a stalled
// download.
func (p *ItemProcessor) AddToSources(ni network.NodeInfo) {
	p.mu.Lock()
	for _, s := range p.sources {
		if s.Number == ni.Number {
			p.mu.Unlock()
			return
		}
	}
	p.sources = append(p.sources, ni)
	p.mu.Unlock()
	p.pulseDownload(p.node.rootCtx)
}

// pulseDownload ensures a single in-flight download task.
func (p *ItemProcessor) pulseDownload(ctx context.Context) {
	p.mu.Lock()
	if p.state != ProcessingDownloading || p.downloading {
		p.mu.Unlock()
		return
	}
	p.downloading = true
	p.mu.Unlock()
	go p.download(ctx)
}

func (p *ItemProcessor) download(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.downloading = false
		p.mu.Unlock()
	}()
	for {
		p.mu.Lock()
		if p.state != ProcessingDownloading {
			p.mu.Unlock()
			return
		}
		if time.Now().After(p.pollingExpiresAt) {
			p.mu.Unlock()
			p.emergencyBreak(ctx)
			return
		}
		src, ok := p.randomSourceLocked()
		p.mu.Unlock()
		if !ok {
			// No known sources: stall until AddToSources wakes us.
			return
		}
		got, err := p.node.net.GetItem(ctx, p.itemID, src, p.node.cfg.MaxGetItemTime)
		if err == nil && got != nil && got.ID() == p.itemID {
			p.mu.Lock()
			if p.state != ProcessingDownloading {
				// Broken or decided while the fetch was in flight.
				p.mu.Unlock()
				return
			}
			p.it = got
			p.mu.Unlock()
			p.itemDownloaded(ctx)
			return
		}
		if err != nil {
			p.log.Debug().Err(err).Int("source", src.Number).Msg("item download attempt failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.node.cfg.PollTime):
		}
	}
}

func (p *ItemProcessor) randomSourceLocked() (network.NodeInfo, bool) {
	if len(p.sources) == 0 {
		return network.NodeInfo{}, false
	}
	return p.sources[rand.Intn(len(p.sources))], true
}

func (p *ItemProcessor) itemDownloaded(ctx context.Context) {
	p.mu.Lock()
	if p.state != ProcessingDownloading && p.state != ProcessingDownloaded {
		// A break is terminal; a late download must not revive the processor.
		p.mu.Unlock()
		return
	}
	it := p.it
	p.state = ProcessingDownloaded
	p.mu.Unlock()
	p.node.cacheItem(it)
	p.downloadedEvent.Fire(struct{}{})
	p.maybeStartChecking(ctx)
}

// ForceChecking freezes or unfreezes the checking phase. Parcel payloads are
// created frozen: their budget depends on the payment's outcome.
func (p *ItemProcessor) ForceChecking(check bool) {
	p.mu.Lock()
	p.frozen = !check
	p.mu.Unlock()
	if check {
		p.maybeStartChecking(p.node.rootCtx)
	}
}

func (p *ItemProcessor) maybeStartChecking(ctx context.Context) {
	p.mu.Lock()
	if p.state != ProcessingDownloaded || p.frozen || p.alreadyChecked {
		p.mu.Unlock()
		return
	}
	p.state = ProcessingChecking
	p.mu.Unlock()
	go p.checkItem(ctx)
}

func (p *ItemProcessor) checkItem(ctx context.Context) {
	err := p.doChecking(ctx)
	switch {
	case err == nil:
		p.commitCheckedAndStartPolling(ctx)
	case errors.Is(err, errResyncScheduled):
		// resync completion re-enters checking.
	case errors.Is(err, errConsensusAlreadyFound):
		p.finishFromGossip(ctx)
	default:
		p.log.Warn().Err(err).Msg("checking failed")
		if p.it != nil {
			p.it.AddError(item.ErrorRecord{Code: item.CodeFailure, Message: err.Error()})
		}
		p.emergencyBreak(ctx)
	}
}

func (p *ItemProcessor) doChecking(ctx context.Context) error {
	p.mu.Lock()
	if p.alreadyChecked {
		p.mu.Unlock()
		return ErrAlreadyChecked
	}
	firstPass := !p.resyncRan
	it := p.it
	p.mu.Unlock()

	if firstPass {
		var err error
		if it.ShouldBeU() {
			_, err = it.PaymentCheck(ctx, p.quantiser, p.node.keys.IssuerKeyIDs())
		} else {
			_, err = it.Check(ctx, p.quantiser)
		}
		if err != nil {
			return err
		}

		sc := item.AsSmartContract(it)
		env := item.NewEnv(it)
		var hookOK bool
		if it.Revision() == 1 {
			hookOK = sc.BeforeCreate(env)
		} else {
			hookOK = sc.BeforeUpdate(env)
		}
		if !hookOK {
			it.AddError(item.ErrorRecord{Code: item.CodeFailedCheck, Message: "lifecycle hook rejected item"})
		}

		resyncIDs, err := p.needsResync(ctx)
		if err != nil {
			return err
		}
		if len(resyncIDs) > 0 {
			p.startResync(ctx, resyncIDs)
			return errResyncScheduled
		}
	}

	if err := p.checkSubItems(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.alreadyChecked = true
	p.mu.Unlock()
	return nil
}

// needsResync lists sub-item ids whose ledger state contradicts what the
// item claims: instead of failing outright, a node that may simply be behind
// first asks its peers.
func (p *ItemProcessor) needsResync(ctx context.Context) ([]item.ID, error) {
	var candidates []item.ID
	for _, target := range p.it.RevokingItems() {
		rec, err := p.node.ledger.GetRecord(ctx, target.ID())
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.State.IsApproved() {
			candidates = append(candidates, target.ID())
		}
	}
	refs := p.it.ReferencedItems()
	if len(refs) > 0 {
		bad, err := p.node.ledger.FindBadReferencesOf(ctx, refs)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, bad...)
	}
	return candidates, nil
}

func (p *ItemProcessor) startResync(ctx context.Context, ids []item.ID) {
	p.mu.Lock()
	p.state = ProcessingResyncing
	p.mu.Unlock()
	p.log.Info().Int("items", len(ids)).Msg("resyncing sub-items before checking")

	events := make([]*AsyncEvent[item.Result], 0, len(ids))
	for _, id := range ids {
		events = append(events, p.node.resyncInternal(ctx, id))
	}
	go func() {
		for _, e := range events {
			if _, err := e.Wait(ctx); err != nil {
				p.emergencyBreak(ctx)
				return
			}
		}
		p.gotResyncedState(ctx)
	}()
}

func (p *ItemProcessor) gotResyncedState(ctx context.Context) {
	p.mu.Lock()
	if p.state != ProcessingResyncing {
		p.mu.Unlock()
		return
	}
	p.state = ProcessingGotResyncedState
	p.resyncRan = true
	p.state = ProcessingChecking
	p.mu.Unlock()
	go p.checkItem(ctx)
}

// checkSubItems walks the new-item DAG iteratively with a visited set, so a
// malformed cyclic graph still terminates, then locks revocation targets.
func (p *ItemProcessor) checkSubItems(ctx context.Context) error {
	it := p.it

	refs := it.ReferencedItems()
	if len(refs) > 0 {
		bad, err := p.node.ledger.FindBadReferencesOf(ctx, refs)
		if err != nil {
			return err
		}
		for _, id := range bad {
			it.AddError(item.ErrorRecord{Code: item.CodeFailedCheck, Object: id.String(), Message: "referenced item is unknown or not approved"})
		}
	}

	visited := map[item.ID]bool{p.itemID: true}
	stack := append([]item.Item{}, it.NewItems()...)
	revoking := append([]item.Item{}, it.RevokingItems()...)

	for len(stack) > 0 {
		child := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cid := child.ID()
		if visited[cid] {
			continue
		}
		visited[cid] = true

		if err := p.quantiser.Charge(item.CostSubItem); err != nil {
			return err
		}
		if err := p.abortIfGossipDecided(ctx); err != nil {
			return err
		}

		sc := item.AsSmartContract(child)
		env := item.NewEnv(child)
		var hookOK bool
		if child.Revision() == 1 {
			hookOK = sc.BeforeCreate(env)
		} else {
			hookOK = sc.BeforeUpdate(env)
		}
		if !hookOK {
			child.AddError(item.ErrorRecord{Code: item.CodeFailedCheck, Message: "lifecycle hook rejected item"})
		}
		if _, err := child.Check(ctx, p.quantiser); err != nil {
			return err
		}
		for _, e := range child.Errors() {
			it.AddError(item.ErrorRecord{Code: item.CodeBadNewItem, Object: cid.String(), Message: e.String()})
		}
		if len(child.Errors()) == 0 {
			lockRec, err := p.node.ledger.CreateOutputLockRecord(ctx, p.record.RecordID, cid)
			if err != nil {
				return err
			}
			if lockRec == nil {
				it.AddError(item.ErrorRecord{Code: item.CodeBadNewItem, Object: cid.String(), Message: "new item already exists"})
			} else {
				p.mu.Lock()
				p.lockedToCreate = append(p.lockedToCreate, lockRec)
				p.mu.Unlock()
			}
		}

		stack = append(stack, child.NewItems()...)
		revoking = append(revoking, child.RevokingItems()...)
	}

	seen := map[item.ID]bool{}
	for _, target := range revoking {
		tid := target.ID()
		if seen[tid] {
			continue
		}
		seen[tid] = true

		if err := p.quantiser.Charge(item.CostSubItem); err != nil {
			return err
		}
		if err := p.abortIfGossipDecided(ctx); err != nil {
			return err
		}

		sc := item.AsSmartContract(target)
		if !sc.BeforeRevoke(item.NewEnv(target)) {
			target.AddError(item.ErrorRecord{Code: item.CodeFailedCheck, Message: "revoke hook rejected item"})
		}
		for _, e := range target.Errors() {
			it.AddError(item.ErrorRecord{Code: item.CodeBadRevoke, Object: tid.String(), Message: e.String()})
		}
		lockRec, err := p.node.ledger.LockToRevoke(ctx, p.record.RecordID, tid)
		if err != nil {
			return err
		}
		if lockRec == nil {
			it.AddError(item.ErrorRecord{Code: item.CodeBadRevoke, Object: tid.String(), Message: "cannot lock item for revocation"})
		} else {
			p.mu.Lock()
			p.lockedToRevoke = append(p.lockedToRevoke, lockRec)
			p.mu.Unlock()
		}
	}
	return nil
}

// abortIfGossipDecided abandons checking when another node's consensus has
// already landed in our ledger; a decided record is never overridden.
func (p *ItemProcessor) abortIfGossipDecided(ctx context.Context) error {
	err := p.node.ledger.Reload(ctx, p.record)
	if errors.Is(err, record.ErrRecordGone) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.record.State == item.StateApproved {
		return errConsensusAlreadyFound
	}
	return nil
}

func (p *ItemProcessor) finishFromGossip(ctx context.Context) {
	p.log.Info().Msg("consensus arrived during checking; abandoning local verdict")
	_ = p.node.ledger.InTransaction(ctx, func(tx record.Ledger) error {
		return p.releaseTentativeLocks(ctx, tx)
	})
	p.mu.Lock()
	res := p.record.Result(nil)
	p.itemResult = res
	p.haveResult = true
	p.state = ProcessingGotConsensus
	p.mu.Unlock()
	p.commitReady.Fire(res.State)
	p.finishWith(res)
}

func (p *ItemProcessor) commitCheckedAndStartPolling(ctx context.Context) {
	verdict := len(p.it.Errors()) == 0

	if p.record.State == item.StatePending {
		if verdict {
			p.record.State = item.StatePendingPositive
		} else {
			p.record.State = item.StatePendingNegative
		}
		if err := p.node.ledger.Save(ctx, p.record); err != nil {
			p.log.Warn().Err(err).Msg("cannot persist local verdict")
			p.emergencyBreak(ctx)
			return
		}
	}

	p.mu.Lock()
	p.tally.add(p.node.myInfo.Number, verdict)
	p.state = ProcessingPolling
	p.pollingStartedAt = time.Now()
	p.mu.Unlock()

	p.log.Info().Bool("verdict", verdict).Msg("local verdict committed, polling peers")
	p.broadcastMyState(true)
	go p.pollPulse(ctx)
	p.checkConsensus(ctx)
}

func (p *ItemProcessor) pollPulse(ctx context.Context) {
	ticker := time.NewTicker(p.node.cfg.PollTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		if p.state != ProcessingPolling {
			p.mu.Unlock()
			return
		}
		expired := time.Now().After(p.pollingExpiresAt)
		p.mu.Unlock()
		if expired {
			p.pollingExpired(ctx)
			return
		}
		// Nudge only the peers that have not voted yet.
		notif := p.myNotification(true)
		for _, ni := range p.node.net.Nodes() {
			if ni.Number == p.node.myInfo.Number {
				continue
			}
			p.mu.Lock()
			voted := p.tally.voted(ni.Number)
			p.mu.Unlock()
			if !voted {
				_ = p.node.net.Deliver(ni, notif)
			}
		}
	}
}

// pollingExpired forces a verdict from the partial tally; too many silent
// peers break the election to UNDEFINED.
func (p *ItemProcessor) pollingExpired(ctx context.Context) {
	n := p.node.net.NodesCount()
	p.mu.Lock()
	if p.state != ProcessingPolling {
		p.mu.Unlock()
		return
	}
	pos, neg := p.tally.counts()
	unanswered := n - pos - neg
	final := item.StateUndefined
	if unanswered < p.node.policy.resyncBreakThreshold(n) {
		switch {
		case pos > neg:
			final = item.StateApproved
		case neg > pos:
			final = item.StateDeclined
		}
	}
	p.state = ProcessingGotConsensus
	p.mu.Unlock()
	p.log.Warn().Str("forced", final.String()).Int("positive", pos).Int("negative", neg).Msg("polling expired without quorum")
	go p.finalize(ctx, final)
}

// Vote records one peer's verdict; a later vote from the same node replaces
// its earlier one.
func (p *ItemProcessor) Vote(from network.NodeInfo, state item.State) {
	positive := state.IsPositive()
	negative := state.IsNegative()
	if positive || negative {
		p.node.metrics.VoteReceived(positive)
	}

	p.mu.Lock()
	if state.IsConsensusFound() {
		p.consensusReceived[from.Number] = struct{}{}
	}
	if p.state.IsProcessedToConsensus() {
		allAcked := len(p.consensusReceived) >= p.node.net.NodesCount()-1
		sending := p.state == ProcessingSendingConsensus
		p.mu.Unlock()
		if allAcked && sending {
			p.finishSending()
		}
		return
	}
	if positive || negative {
		p.tally.add(from.Number, positive)
	}
	p.mu.Unlock()
	p.checkConsensus(p.node.rootCtx)
}

func (p *ItemProcessor) checkConsensus(ctx context.Context) {
	n := p.node.net.NodesCount()
	p.mu.Lock()
	if p.state != ProcessingPolling {
		p.mu.Unlock()
		return
	}
	pos, neg := p.tally.counts()
	var final item.State
	switch {
	case pos >= p.node.policy.positiveThreshold(n):
		final = item.StateApproved
	case neg >= p.node.policy.negativeThreshold(n):
		final = item.StateDeclined
	default:
		p.mu.Unlock()
		return
	}
	p.state = ProcessingGotConsensus
	p.mu.Unlock()
	go p.finalize(ctx, final)
}

func (p *ItemProcessor) finalize(ctx context.Context, final item.State) {
	p.mu.Lock()
	if !p.pollingStartedAt.IsZero() {
		p.node.metrics.PollingDone(time.Since(p.pollingStartedAt))
	}
	p.mu.Unlock()

	if p.parcelCommit != nil {
		// The parcel coordinator owns the ledger commit: both parcel items
		// go through one joint transaction.
		p.commitReady.Fire(final)
		ok, err := p.parcelCommit.Wait(ctx)
		if err != nil || !ok {
			p.log.Warn().Err(err).Msg("parcel commit failed")
			p.abortAfterFailedCommit()
			return
		}
	} else {
		err := p.node.ledger.InTransaction(ctx, func(tx record.Ledger) error {
			return p.commitPhase(ctx, tx, final)
		})
		if err != nil {
			p.log.Warn().Err(err).Msg("ledger commit failed")
			p.emergencyBreak(ctx)
			return
		}
	}
	p.afterCommit(ctx, final)
}

// commitPhase applies this processor's final ledger writes with the given
// transactional view. For parcel-owned processors the coordinator calls it
// inside the joint transaction.
func (p *ItemProcessor) commitPhase(ctx context.Context, tx record.Ledger, final item.State) error {
	now := time.Now().UTC()
	ttl := p.node.cfg.RecordTTL

	if final == item.StateApproved {
		p.mu.Lock()
		toCreate := append([]*record.StateRecord{}, p.lockedToCreate...)
		toRevoke := append([]*record.StateRecord{}, p.lockedToRevoke...)
		p.mu.Unlock()
		for _, rec := range toCreate {
			rec.State = item.StateApproved
			rec.LockedByRecordID = 0
			rec.ExpiresAt = now.Add(ttl)
			if err := tx.Save(ctx, rec); err != nil {
				return err
			}
		}
		for _, rec := range toRevoke {
			rec.State = item.StateRevoked
			if err := tx.Save(ctx, rec); err != nil {
				return err
			}
		}
		p.record.State = item.StateApproved
		p.record.ExpiresAt = now.Add(ttl)
		return tx.Save(ctx, p.record)
	}

	if err := p.releaseTentativeLocks(ctx, tx); err != nil {
		return err
	}
	if final == item.StateDeclined {
		p.record.State = item.StateDeclined
		return tx.Save(ctx, p.record)
	}
	// No trusted verdict: forget the pending record entirely.
	if p.record.State.IsPending() {
		return tx.Destroy(ctx, p.record)
	}
	return nil
}

// releaseTentativeLocks destroys creation locks and unlocks revocation
// targets acquired during checking.
func (p *ItemProcessor) releaseTentativeLocks(ctx context.Context, tx record.Ledger) error {
	p.mu.Lock()
	toCreate := append([]*record.StateRecord{}, p.lockedToCreate...)
	toRevoke := append([]*record.StateRecord{}, p.lockedToRevoke...)
	p.lockedToCreate = nil
	p.lockedToRevoke = nil
	p.mu.Unlock()
	for _, rec := range toCreate {
		if err := tx.Destroy(ctx, rec); err != nil {
			return err
		}
	}
	for _, rec := range toRevoke {
		rec.State = item.StateApproved
		rec.LockedByRecordID = 0
		if err := tx.Save(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *ItemProcessor) afterCommit(ctx context.Context, final item.State) {
	switch final {
	case item.StateApproved:
		p.node.metrics.ItemApproved()
		p.fireApprovalHooks()
	case item.StateDeclined:
		p.node.metrics.ItemDeclined()
	default:
		p.node.metrics.ItemUndefined()
	}

	var errs []item.ErrorRecord
	if p.it != nil {
		errs = p.it.Errors()
	}
	res := item.Result{State: final, Errors: errs}
	if p.record != nil {
		res.CreatedAt = p.record.CreatedAt
		res.ExpiresAt = p.record.ExpiresAt
	}

	p.mu.Lock()
	p.itemResult = res
	p.haveResult = true
	p.state = ProcessingSendingConsensus
	p.mu.Unlock()

	p.commitReady.Fire(final)
	p.broadcastMyState(true)
	go p.sendConsensusPulse(ctx)
}

func (p *ItemProcessor) fireApprovalHooks() {
	if p.it == nil {
		return
	}
	sc := item.AsSmartContract(p.it)
	env := item.NewEnv(p.it)
	if p.it.Revision() == 1 {
		sc.OnCreated(env)
	} else {
		sc.OnUpdated(env)
	}
	for _, target := range p.it.RevokingItems() {
		item.AsSmartContract(target).OnRevoked(item.NewEnv(target))
	}
}

// sendConsensusPulse keeps announcing the final verdict to peers that have
// not acknowledged it, until all answer or the deadline passes.
func (p *ItemProcessor) sendConsensusPulse(ctx context.Context) {
	ticker := time.NewTicker(p.node.cfg.PollTime)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		if p.state != ProcessingSendingConsensus {
			p.mu.Unlock()
			return
		}
		allAcked := len(p.consensusReceived) >= p.node.net.NodesCount()-1
		expired := time.Now().After(p.consensusReceivedExpiresAt)
		p.mu.Unlock()
		if allAcked || expired {
			p.finishSending()
			return
		}
		notif := p.myNotification(true)
		for _, ni := range p.node.net.Nodes() {
			if ni.Number == p.node.myInfo.Number {
				continue
			}
			p.mu.Lock()
			_, acked := p.consensusReceived[ni.Number]
			p.mu.Unlock()
			if !acked {
				_ = p.node.net.Deliver(ni, notif)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *ItemProcessor) finishSending() {
	p.mu.Lock()
	if p.state != ProcessingSendingConsensus {
		p.mu.Unlock()
		return
	}
	p.state = ProcessingDone
	res := p.itemResult
	p.mu.Unlock()
	p.finishWith(res)
}

func (p *ItemProcessor) finishWith(res item.Result) {
	p.mu.Lock()
	if p.state == ProcessingFinished || p.state == ProcessingEmergencyBreak {
		p.mu.Unlock()
		return
	}
	p.state = ProcessingFinished
	p.itemResult = res
	p.haveResult = true
	p.mu.Unlock()
	p.doneEvent.Fire(res)
	p.node.removeItemProcessor(p)
	p.removedEvent.Fire(struct{}{})
}

// abortAfterFailedCommit terminates a parcel-owned processor whose joint
// transaction rolled back; the ledger was never touched.
func (p *ItemProcessor) abortAfterFailedCommit() {
	p.mu.Lock()
	if p.state.IsTerminal() {
		p.mu.Unlock()
		return
	}
	p.state = ProcessingEmergencyBreak
	p.mu.Unlock()
	p.node.metrics.ItemUndefined()
	var errs []item.ErrorRecord
	if p.it != nil {
		errs = p.it.Errors()
	}
	p.doneEvent.Fire(item.Result{State: item.StateUndefined, Errors: errs})
	p.node.removeItemProcessor(p)
	p.removedEvent.Fire(struct{}{})
}

// EmergencyBreak is the universal cancellation primitive: always safe, always
// terminal. Tentative locks are rolled back and the processor reports
// UNDEFINED.
func (p *ItemProcessor) EmergencyBreak() {
	p.emergencyBreak(p.node.rootCtx)
}

func (p *ItemProcessor) emergencyBreak(ctx context.Context) {
	p.mu.Lock()
	if p.state == ProcessingEmergencyBreak || p.state == ProcessingFinished {
		p.mu.Unlock()
		return
	}
	p.state = ProcessingEmergencyBreak
	rec := p.record
	p.mu.Unlock()

	p.log.Warn().Msg("emergency break")
	if rec != nil {
		err := p.node.ledger.InTransaction(ctx, func(tx record.Ledger) error {
			return p.commitPhase(ctx, tx, item.StateUndefined)
		})
		if err != nil {
			p.log.Warn().Err(err).Msg("emergency rollback failed")
		}
	}
	p.node.metrics.ItemUndefined()
	p.commitReady.Fire(item.StateUndefined)
	if p.parcelCommit != nil {
		// Release a finalize goroutine that may be waiting on the parcel.
		p.parcelCommit.Fire(false)
	}
	var errs []item.ErrorRecord
	if p.it != nil {
		errs = p.it.Errors()
	}
	p.doneEvent.Fire(item.Result{State: item.StateUndefined, Errors: errs})
	p.node.removeItemProcessor(p)
	p.removedEvent.Fire(struct{}{})
}

// Result returns the best currently-known result snapshot.
func (p *ItemProcessor) Result() item.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haveResult {
		return p.itemResult
	}
	if p.record != nil {
		var errs []item.ErrorRecord
		if p.it != nil {
			errs = p.it.Errors()
		}
		return p.record.Result(errs)
	}
	return item.ResultUndefined
}

func (p *ItemProcessor) myNotification(requestResult bool) network.Notification {
	res := p.Result()
	if p.parcelID != nil {
		return network.ParcelNotification{
			From:          p.node.myInfo,
			ParcelID:      *p.parcelID,
			ItemID:        p.itemID,
			Result:        res,
			RequestResult: requestResult,
			IsU:           p.isPayment,
		}
	}
	return network.ItemNotification{
		From:          p.node.myInfo,
		ItemID:        p.itemID,
		Result:        res,
		RequestResult: requestResult,
	}
}

func (p *ItemProcessor) broadcastMyState(requestResult bool) {
	if err := p.node.net.Broadcast(p.myNotification(requestResult)); err != nil {
		p.log.Debug().Err(err).Msg("broadcast failed")
	}
}

func (p *ItemProcessor) String() string {
	return fmt.Sprintf("ItemProcessor<%s:%s>", p.itemID.String()[:8], p.State())
}
