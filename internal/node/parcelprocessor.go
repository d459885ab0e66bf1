package node

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/parcel"
	"github.com/notary-node/notary-node/internal/domain/record"
	"github.com/notary-node/notary-node/internal/network"
)

// ParcelResult pairs the final results of the two parcel items.
type ParcelResult struct {
	Payment item.Result `json:"payment"`
	Payload item.Result `json:"payload"`
}

// ParcelProcessor coordinates the two-phase consensus of a parcel: the
// payment item runs first with a fixed budget, and only an approved payment
// unfreezes the payload. Both outcomes land in one joint ledger transaction.
type ParcelProcessor struct {
	node *Node
	log  zerolog.Logger

	parcelID parcel.ID

	mu          sync.Mutex
	parcel      *parcel.Parcel
	state       ParcelState
	downloading bool
	sources     []network.NodeInfo

	paymentProc *ItemProcessor
	payloadProc *ItemProcessor

	// Votes that arrive before the parcel body is downloaded; latest vote
	// per node wins, matching the tally semantics.
	delayedPaymentVotes map[int]delayedVote
	delayedPayloadVotes map[int]delayedVote

	expiresAt time.Time

	doneEvent    *AsyncEvent[ParcelResult]
	removedEvent *AsyncEvent[struct{}]
}

type delayedVote struct {
	from  network.NodeInfo
	state item.State
}

func newParcelProcessor(n *Node, id parcel.ID, pcl *parcel.Parcel) *ParcelProcessor {
	return &ParcelProcessor{
		node:                n,
		parcelID:            id,
		parcel:              pcl,
		state:               ParcelInit,
		delayedPaymentVotes: map[int]delayedVote{},
		delayedPayloadVotes: map[int]delayedVote{},
		expiresAt:           time.Now().Add(n.cfg.MaxWaitingItemOfParcel),
		doneEvent:           NewAsyncEvent[ParcelResult](),
		removedEvent:        NewAsyncEvent[struct{}](),
		log: n.log.With().
			Str("service", "parcel-processor").
			Str("parcel", id.String()[:8]).
			Logger(),
	}
}

// ID returns the parcel id.
func (p *ParcelProcessor) ID() parcel.ID { return p.parcelID }

// State returns the coordinator lifecycle state.
func (p *ParcelProcessor) State() ParcelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done fires with the combined result once both items settle.
func (p *ParcelProcessor) Done() *AsyncEvent[ParcelResult] { return p.doneEvent }

// Removed fires once the coordinator leaves the node registry.
func (p *ParcelProcessor) Removed() *AsyncEvent[struct{}] { return p.removedEvent }

func (p *ParcelProcessor) run(ctx context.Context) {
	p.node.metrics.ParcelStarted()
	p.mu.Lock()
	hasParcel := p.parcel != nil
	if hasParcel {
		p.state = ParcelPreparing
	} else {
		p.state = ParcelDownloading
	}
	p.mu.Unlock()

	if hasParcel {
		p.parcelDownloaded(ctx)
	} else {
		p.pulseDownload(ctx)
	}
}

// AddToSources offers a peer known to hold the parcel body.
func (p *ParcelProcessor) AddToSources(ni network.NodeInfo) {
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

func (p *ParcelProcessor) pulseDownload(ctx context.Context) {
	p.mu.Lock()
	if p.state != ParcelDownloading || p.downloading {
		p.mu.Unlock()
		return
	}
	p.downloading = true
	p.mu.Unlock()
	go p.download(ctx)
}

func (p *ParcelProcessor) download(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.downloading = false
		p.mu.Unlock()
	}()
	for attempt := 0; attempt < p.node.cfg.GetItemRetryCount; attempt++ {
		p.mu.Lock()
		if p.state != ParcelDownloading {
			p.mu.Unlock()
			return
		}
		if len(p.sources) == 0 {
			p.mu.Unlock()
			return
		}
		src := p.sources[rand.Intn(len(p.sources))]
		p.mu.Unlock()

		got, err := p.node.net.GetParcel(ctx, p.parcelID, src, p.node.cfg.MaxGetItemTime)
		if err == nil && got != nil && got.ID() == p.parcelID {
			p.mu.Lock()
			if p.state != ParcelDownloading {
				// Broken while the fetch was in flight.
				p.mu.Unlock()
				return
			}
			p.parcel = got
			p.state = ParcelPreparing
			p.mu.Unlock()
			p.parcelDownloaded(ctx)
			return
		}
		if err != nil {
			p.log.Debug().Err(err).Int("source", src.Number).Msg("parcel download attempt failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.node.cfg.PollTime):
		}
	}
	p.log.Warn().Msg("parcel download retries exhausted")
	p.emergencyBreak(ctx)
}

func (p *ParcelProcessor) parcelDownloaded(ctx context.Context) {
	pcl := p.parcel
	if err := pcl.Validate(); err != nil {
		p.log.Warn().Err(err).Msg("malformed parcel")
		p.emergencyBreak(ctx)
		return
	}
	p.node.cacheParcel(pcl)

	pid := p.parcelID
	unlock := p.node.parcelLocks.Lock(pid.String())
	payment := p.node.checkItemInternal(ctx, pcl.Payment.ID(), &pid, pcl.Payment, true, true, p.node.cfg.PaymentQuantaLimit)
	payload := p.node.checkItemInternal(ctx, pcl.Payload.ID(), &pid, pcl.Payload, false, false, 0)
	unlock()

	p.mu.Lock()
	p.paymentProc = payment
	p.payloadProc = payload
	paymentVotes := p.delayedPaymentVotes
	payloadVotes := p.delayedPayloadVotes
	p.delayedPaymentVotes = nil
	p.delayedPayloadVotes = nil
	p.state = ParcelPaymentChecking
	p.mu.Unlock()

	for _, v := range paymentVotes {
		payment.Vote(v.from, v.state)
	}
	for _, v := range payloadVotes {
		payload.Vote(v.from, v.state)
	}

	go p.process(ctx)
}

// childProcessor returns the payment or payload processor, nil while the
// parcel body is still downloading.
func (p *ParcelProcessor) childProcessor(isU bool) *ItemProcessor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isU {
		return p.paymentProc
	}
	return p.payloadProc
}

// Vote routes one peer's verdict about a parcel item; votes arriving before
// the parcel body is known are buffered.
func (p *ParcelProcessor) Vote(from network.NodeInfo, state item.State, isU bool) {
	p.mu.Lock()
	payment, payload := p.paymentProc, p.payloadProc
	if payment == nil || payload == nil {
		if isU {
			p.delayedPaymentVotes[from.Number] = delayedVote{from: from, state: state}
		} else {
			p.delayedPayloadVotes[from.Number] = delayedVote{from: from, state: state}
		}
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if isU {
		payment.Vote(from, state)
	} else {
		payload.Vote(from, state)
	}
}

func (p *ParcelProcessor) process(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("parcel processing panicked")
			p.emergencyBreak(ctx)
		}
	}()

	deadline := time.Until(p.expiresAt)
	payState, ok, err := p.paymentProc.commitReady.WaitTimeout(ctx, deadline)
	if err != nil || !ok {
		p.log.Warn().Err(err).Msg("gave up waiting for payment consensus")
		p.emergencyBreak(ctx)
		return
	}

	if payState != item.StateApproved {
		// Unapproved payment: the payload is never checked and keeps no
		// ledger trace. Commit the payment verdict on its own.
		p.log.Info().Str("payment", payState.String()).Msg("payment not approved, payload stays undefined")
		jointErr := p.node.ledger.InTransaction(ctx, func(tx record.Ledger) error {
			return p.paymentProc.commitPhase(ctx, tx, payState)
		})
		p.paymentProc.parcelCommit.Fire(jointErr == nil)
		p.payloadProc.EmergencyBreak()
		if jointErr != nil {
			p.emergencyBreak(ctx)
			return
		}
		p.finishParcel(ctx, payState)
		return
	}

	// Payment approved: arm the payload budget and unfreeze it.
	p.mu.Lock()
	p.state = ParcelPayloadChecking
	p.mu.Unlock()

	// A payload sharing the approved payment's origin could replay the token
	// against itself. The payment keeps its approval; only the payload fails.
	if p.parcel.Payment.Origin() == p.parcel.Payload.Origin() {
		p.parcel.Payload.AddError(item.ErrorRecord{Code: item.CodeBadState, Message: "payload shares the payment origin"})
	}

	limit := p.parcel.QuantaLimit
	if limit <= 0 || limit > p.node.cfg.PaymentQuantaLimit {
		limit = p.node.cfg.PaymentQuantaLimit
	}
	p.payloadProc.ResetQuota(limit)
	p.payloadProc.ForceChecking(true)

	loadState, ok, err := p.payloadProc.commitReady.WaitTimeout(ctx, time.Until(p.expiresAt))
	if err != nil || !ok {
		p.log.Warn().Err(err).Msg("gave up waiting for payload consensus")
		p.emergencyBreak(ctx)
		return
	}

	p.mu.Lock()
	p.state = ParcelGotConsensus
	p.mu.Unlock()

	// Joint commit: both verdicts land atomically or not at all.
	jointErr := p.node.ledger.InTransaction(ctx, func(tx record.Ledger) error {
		if err := p.paymentProc.commitPhase(ctx, tx, payState); err != nil {
			return err
		}
		return p.payloadProc.commitPhase(ctx, tx, loadState)
	})
	committed := jointErr == nil
	p.paymentProc.parcelCommit.Fire(committed)
	p.payloadProc.parcelCommit.Fire(committed)
	if !committed {
		p.log.Warn().Err(jointErr).Msg("joint parcel commit failed")
		p.emergencyBreak(ctx)
		return
	}
	p.finishParcel(ctx, payState)
}

func (p *ParcelProcessor) finishParcel(ctx context.Context, payState item.State) {
	if payState == item.StateApproved {
		p.recordPaymentSpend(ctx)
	}

	p.mu.Lock()
	p.state = ParcelSendingConsensus
	p.mu.Unlock()

	payRes, err := p.paymentProc.doneEvent.Wait(ctx)
	if err != nil {
		p.emergencyBreak(ctx)
		return
	}
	loadRes, err := p.payloadProc.doneEvent.Wait(ctx)
	if err != nil {
		p.emergencyBreak(ctx)
		return
	}

	p.mu.Lock()
	p.state = ParcelFinished
	p.mu.Unlock()
	p.doneEvent.Fire(ParcelResult{Payment: payRes, Payload: loadRes})
	p.node.removeParcelProcessor(p)
	p.removedEvent.Fire(struct{}{})
}

// recordPaymentSpend accumulates the approved payment's spent units into the
// daily summary; testnet payments are excluded.
func (p *ParcelProcessor) recordPaymentSpend(ctx context.Context) {
	if p.paymentProc != nil && p.paymentProc.hadPriorVerdict() {
		// The run that produced the verdict recorded the spend; a replayed
		// coordinator must not charge it twice.
		return
	}
	payment := p.parcel.Payment
	if payment.TestnetOnly {
		// Flag the chain so later revisions stay out of the summary too.
		if err := p.node.ledger.MarkTestRecord(ctx, payment.Origin()); err != nil {
			p.log.Warn().Err(err).Msg("cannot flag testnet payment")
		}
		return
	}
	if isTest, err := p.node.ledger.IsTestRecord(ctx, payment.Origin()); err == nil && isTest {
		return
	}
	units := payment.SpentUnits()
	if units <= 0 {
		return
	}
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if err := p.node.ledger.SavePayment(ctx, day, units); err != nil {
		p.log.Warn().Err(err).Msg("cannot record payment spend")
	}
}

// EmergencyBreak cancels the parcel and both its items.
func (p *ParcelProcessor) EmergencyBreak() {
	p.emergencyBreak(p.node.rootCtx)
}

func (p *ParcelProcessor) emergencyBreak(ctx context.Context) {
	p.mu.Lock()
	if !p.state.CanContinue() || p.state == ParcelFinished {
		p.mu.Unlock()
		return
	}
	p.state = ParcelEmergencyBreak
	payment, payload := p.paymentProc, p.payloadProc
	p.mu.Unlock()

	p.log.Warn().Msg("parcel emergency break")
	res := ParcelResult{Payment: item.ResultUndefined, Payload: item.ResultUndefined}
	if payment != nil {
		payment.EmergencyBreak()
		if v, err := payment.doneEvent.Wait(ctx); err == nil {
			res.Payment = v
		}
	}
	if payload != nil {
		payload.EmergencyBreak()
		if v, err := payload.doneEvent.Wait(ctx); err == nil {
			res.Payload = v
		}
	}
	p.doneEvent.Fire(res)
	p.node.removeParcelProcessor(p)
	p.removedEvent.Fire(struct{}{})
}
