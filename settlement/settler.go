package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/collateral"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/metrics"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/shopspring/decimal"
)

// Ledger is the part of the collateral ledger settlement resolves into.
type Ledger interface {
	Release(ctx context.Context, ref protocol.LockRef) error
	Liquidate(ctx context.Context, participant protocol.ParticipantID, ref protocol.LockRef, shortfall decimal.Decimal) (collateral.Liquidation, error)
}

// Config configures a Settler.
type Config struct {
	DeliveryWindow time.Duration
	Verifiers      *Registry
	Gateways       map[protocol.ChainID]Gateway
	Ledger         Ledger

	Events eventlog.Appender
	Logger *slog.Logger
	Now    func() time.Time
}

// Settler owns every obligation from scheduling to its terminal state.
// Verification and delivery are serialized per destination chain.
type Settler struct {
	cfg Config

	mu          sync.RWMutex
	obligations map[protocol.ObligationID]*protocol.SettlementObligation
	lanes       map[protocol.ChainID]*sync.Mutex
}

func NewSettler(cfg Config) *Settler {
	if cfg.Verifiers == nil {
		cfg.Verifiers = NewRegistry()
	}
	if cfg.Events == nil {
		cfg.Events = eventlog.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Settler{
		cfg:         cfg,
		obligations: make(map[protocol.ObligationID]*protocol.SettlementObligation),
		lanes:       make(map[protocol.ChainID]*sync.Mutex),
	}
}

func (s *Settler) lane(chain protocol.ChainID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[chain]
	if !ok {
		l = &sync.Mutex{}
		s.lanes[chain] = l
	}
	return l
}

func (s *Settler) record(ctx context.Context, ob *protocol.SettlementObligation) {
	_, err := s.cfg.Events.Append(ctx, eventlog.Record{
		Kind:    eventlog.KindObligation,
		Epoch:   ob.Epoch,
		Subject: string(ob.ID),
		Payload: ob,
	})
	if err != nil {
		s.cfg.Logger.Error("failed to record obligation", "obligation", ob.ID, "state", ob.State, "err", err)
	}
}

// Schedule creates the obligations of a clearing result. Scheduling the
// same result again returns the existing obligations unchanged.
func (s *Settler) Schedule(ctx context.Context, result *protocol.ClearingResult, listing protocol.Listing, closeTime time.Time) ([]protocol.SettlementObligation, error) {
	if listing.Pair != result.Pair {
		return nil, fmt.Errorf("listing %s does not match result for %s", listing.Pair, result.Pair)
	}
	scheduled := ScheduleSettlement(result, listing, closeTime, s.cfg.DeliveryWindow)

	var created []*protocol.SettlementObligation
	s.mu.Lock()
	for i := range scheduled {
		if existing, ok := s.obligations[scheduled[i].ID]; ok {
			scheduled[i] = *existing
			continue
		}
		ob := scheduled[i]
		s.obligations[ob.ID] = &ob
		created = append(created, &ob)
	}
	s.mu.Unlock()

	for _, ob := range created {
		s.record(ctx, ob)
	}
	s.cfg.Logger.Info("settlement scheduled", "pair", result.Pair, "epoch", result.Epoch, "obligations", len(scheduled), "new", len(created))
	return scheduled, nil
}

// Obligation returns a copy of obligation id.
func (s *Settler) Obligation(id protocol.ObligationID) (protocol.SettlementObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ob, ok := s.obligations[id]
	if !ok {
		return protocol.SettlementObligation{}, protocol.Errorf(protocol.ErrUnknownObligation, "%s", id)
	}
	return *ob, nil
}

// Obligations returns the obligations of epoch ordered by id.
func (s *Settler) Obligations(epoch protocol.EpochID) []protocol.SettlementObligation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.SettlementObligation
	for _, ob := range s.obligations {
		if ob.Epoch == epoch {
			out = append(out, *ob)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func outcomeOf(ob *protocol.SettlementObligation) *protocol.Outcome {
	return &protocol.Outcome{ObligationID: ob.ID, State: ob.State, Reason: ob.Reason, DeliveryTx: ob.DeliveryTx}
}

// transition applies to and returns a snapshot. Callers hold the lane of
// the obligation's destination chain.
func (s *Settler) transition(ctx context.Context, id protocol.ObligationID, to protocol.ObligationState, mutate func(ob *protocol.SettlementObligation)) (protocol.SettlementObligation, error) {
	s.mu.Lock()
	ob := s.obligations[id]
	if !ob.State.CanTransition(to) {
		snapshot := *ob
		s.mu.Unlock()
		return snapshot, fmt.Errorf("obligation %s cannot move from %s to %s", id, snapshot.State, to)
	}
	ob.State = to
	ob.UpdatedAt = s.cfg.Now().UTC()
	if mutate != nil {
		mutate(ob)
	}
	snapshot := *ob
	s.mu.Unlock()

	s.record(ctx, &snapshot)
	if to.IsTerminal() {
		metrics.ObligationsResolved.WithLabelValues(string(to), string(snapshot.Reason)).Inc()
	}
	return snapshot, nil
}

// VerifyAndDeliver checks proof against its obligation and, if it holds,
// delivers the owed asset. An invalid proof reverts the obligation with a
// refund claim and returns the collateral lock. A gateway failure after a
// valid proof leaves the obligation ProofSubmitted; Run retries delivery
// until the due time.
func (s *Settler) VerifyAndDeliver(ctx context.Context, proof *protocol.DeliveryProof) (*protocol.Outcome, error) {
	current, err := s.Obligation(proof.ObligationID)
	if err != nil {
		return nil, err
	}

	lane := s.lane(current.DestinationChain)
	lane.Lock()
	defer lane.Unlock()

	current, _ = s.Obligation(proof.ObligationID)
	if current.State.IsTerminal() {
		return outcomeOf(&current), nil
	}
	if !s.cfg.Now().Before(current.DueTime) {
		ob, err := s.expire(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		return outcomeOf(&ob), nil
	}

	if current.State == protocol.ObligationPending {
		if err := s.verify(ctx, &current, proof); err != nil {
			if protocol.ReasonOf(err) != protocol.ErrProofInvalid {
				return nil, err
			}
			ob, terr := s.revert(ctx, current.ID, protocol.ErrProofInvalid, err)
			if terr != nil {
				return nil, terr
			}
			s.releaseLock(ctx, &ob)
			return outcomeOf(&ob), nil
		}
		if current, err = s.transition(ctx, current.ID, protocol.ObligationProofSubmitted, nil); err != nil {
			return nil, err
		}
	}

	ob := s.deliver(ctx, &current)
	return outcomeOf(&ob), nil
}

func (s *Settler) verify(ctx context.Context, ob *protocol.SettlementObligation, proof *protocol.DeliveryProof) error {
	if err := proof.Validate(); err != nil {
		return protocol.Errorf(protocol.ErrProofInvalid, "%v", err)
	}
	verifier, ok := s.cfg.Verifiers.verifier(ob.OriginChain, ob.DestinationChain, proof.Kind)
	if !ok {
		return protocol.Errorf(protocol.ErrProofInvalid, "%s does not accept %s proofs for payments on %s", ob.DestinationChain, proof.Kind, ob.OriginChain)
	}

	start := time.Now()
	err := verifier.Verify(ctx, ob, proof)
	metrics.Since(metrics.ProofDuration.WithLabelValues("verify", string(proof.Kind)), start)
	return err
}

// deliver submits a ProofSubmitted obligation to its gateway, leaving it
// ProofSubmitted for a retry when the gateway fails. Callers hold the
// destination lane.
func (s *Settler) deliver(ctx context.Context, ob *protocol.SettlementObligation) protocol.SettlementObligation {
	delivered, err := s.tryDeliver(ctx, ob)
	if err != nil {
		s.cfg.Logger.Warn("delivery failed, will retry", "obligation", ob.ID, "chain", ob.DestinationChain, "err", err)
	}
	return delivered
}

func (s *Settler) tryDeliver(ctx context.Context, ob *protocol.SettlementObligation) (protocol.SettlementObligation, error) {
	gateway, ok := s.cfg.Gateways[ob.DestinationChain]
	if !ok {
		return *ob, fmt.Errorf("%w: no gateway for %s", ErrDeliveryRejected, ob.DestinationChain)
	}
	tx, err := gateway.Deliver(ctx, ob)
	if err != nil {
		return *ob, err
	}

	delivered, err := s.transition(ctx, ob.ID, protocol.ObligationDelivered, func(o *protocol.SettlementObligation) {
		o.DeliveryTx = tx
	})
	if err != nil {
		s.cfg.Logger.Error("failed to mark delivery", "obligation", ob.ID, "tx", tx, "err", err)
		return delivered, err
	}
	s.releaseLock(ctx, &delivered)
	s.cfg.Logger.Info("obligation delivered", "obligation", ob.ID, "participant", ob.Participant, "tx", tx)
	return delivered, nil
}

func (s *Settler) revert(ctx context.Context, id protocol.ObligationID, reason protocol.Error, cause error) (protocol.SettlementObligation, error) {
	ob, err := s.transition(ctx, id, protocol.ObligationReverted, func(o *protocol.SettlementObligation) {
		o.Reason = reason
		o.RefundClaim = refundClaim(o)
	})
	if err != nil {
		return ob, err
	}
	s.cfg.Logger.Info("obligation reverted", "obligation", id, "participant", ob.Participant, "reason", reason, "cause", cause)
	return ob, nil
}

func (s *Settler) releaseLock(ctx context.Context, ob *protocol.SettlementObligation) {
	if s.cfg.Ledger == nil {
		return
	}
	if err := s.cfg.Ledger.Release(ctx, ob.LockRef); err != nil {
		s.cfg.Logger.Error("failed to release settlement lock", "obligation", ob.ID, "lock", ob.LockRef, "err", err)
	}
}

// expire resolves an overdue obligation. A winner who never proved payment
// defaulted: the obligation reverts with SettlementTimeout and the winner is
// liquidated for the notional. A verified obligation is delivered once more
// first, since an earlier delivery may have landed without its receipt. It
// reverts with the lock returned only when the chain rejects the delivery,
// and stays ProofSubmitted while the outcome is unknown. Callers hold the
// destination lane.
func (s *Settler) expire(ctx context.Context, id protocol.ObligationID) (protocol.SettlementObligation, error) {
	before, err := s.Obligation(id)
	if err != nil {
		return before, err
	}

	if before.State == protocol.ObligationProofSubmitted {
		delivered, err := s.tryDeliver(ctx, &before)
		if err == nil {
			return delivered, nil
		}
		if !errors.Is(err, ErrDeliveryRejected) {
			s.cfg.Logger.Warn("delivery outcome unknown past due time, holding obligation",
				"obligation", id,
				"chain", before.DestinationChain,
				"err", err)
			return before, nil
		}
		ob, rerr := s.revert(ctx, id, protocol.ErrSettlementTimeout, err)
		if rerr != nil {
			return ob, rerr
		}
		s.releaseLock(ctx, &ob)
		return ob, nil
	}

	ob, err := s.revert(ctx, id, protocol.ErrSettlementTimeout, errors.New("due time passed"))
	if err != nil {
		return ob, err
	}
	if s.cfg.Ledger != nil {
		liq, err := s.cfg.Ledger.Liquidate(ctx, ob.Participant, ob.LockRef, ob.Notional)
		if err != nil {
			s.cfg.Logger.Error("liquidation failed", "obligation", id, "participant", ob.Participant, "err", err)
		} else {
			s.cfg.Logger.Warn("participant liquidated after settlement default",
				"obligation", id,
				"participant", ob.Participant,
				"seized", liq.Seized,
				"deficit", liq.Deficit)
		}
	}
	return ob, nil
}

func (s *Settler) pending(filter func(*protocol.SettlementObligation) bool) []protocol.SettlementObligation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.SettlementObligation
	for _, ob := range s.obligations {
		if !ob.State.IsTerminal() && filter(ob) {
			out = append(out, *ob)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExpireDue resolves every obligation whose due time has passed and returns
// the outcomes that became terminal.
func (s *Settler) ExpireDue(ctx context.Context) []protocol.Outcome {
	now := s.cfg.Now()
	due := s.pending(func(ob *protocol.SettlementObligation) bool { return !now.Before(ob.DueTime) })

	var out []protocol.Outcome
	for i := range due {
		lane := s.lane(due[i].DestinationChain)
		lane.Lock()
		current, _ := s.Obligation(due[i].ID)
		if !current.State.IsTerminal() {
			if ob, err := s.expire(ctx, current.ID); err == nil && ob.State.IsTerminal() {
				out = append(out, *outcomeOf(&ob))
			}
		}
		lane.Unlock()
	}
	return out
}

// RetryDeliveries resubmits verified obligations whose delivery failed.
func (s *Settler) RetryDeliveries(ctx context.Context) {
	now := s.cfg.Now()
	waiting := s.pending(func(ob *protocol.SettlementObligation) bool {
		return ob.State == protocol.ObligationProofSubmitted && now.Before(ob.DueTime)
	})
	for i := range waiting {
		lane := s.lane(waiting[i].DestinationChain)
		lane.Lock()
		current, _ := s.Obligation(waiting[i].ID)
		if current.State == protocol.ObligationProofSubmitted {
			s.deliver(ctx, &current)
		}
		lane.Unlock()
	}
}

// Run retries deliveries and enforces due times every interval until ctx
// is done. Obligations held past due by an unreachable gateway are retried
// by ExpireDue.
func (s *Settler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RetryDeliveries(ctx)
			s.ExpireDue(ctx)
		}
	}
}

// Restore rebuilds obligations from the event log. Delivery retries of
// ProofSubmitted obligations resume with Run.
func (s *Settler) Restore(ctx context.Context, log eventlog.Log) (uint64, error) {
	return eventlog.Replay(ctx, log, 0, func(ev eventlog.Event) error {
		if ev.Kind != eventlog.KindObligation {
			return nil
		}
		var ob protocol.SettlementObligation
		if err := ev.Decode(&ob); err != nil {
			return err
		}
		s.mu.Lock()
		s.obligations[ob.ID] = &ob
		s.mu.Unlock()
		return nil
	})
}
