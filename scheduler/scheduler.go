// Package scheduler runs the auctions of an epoch one pair at a time, in the
// published clearing order, and hands winners to settlement.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/clearing"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/feed"
	"github.com/bomba-atomica/atomica-sub004/metrics"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/sealedbid"
	"github.com/shopspring/decimal"
)

// Revealer opens the sealed bids of an epoch.
type Revealer interface {
	Reveal(ctx context.Context, epoch protocol.EpochID) (*sealedbid.RevealOutcome, error)

	// SealedEpochs lists the epochs still holding unrevealed bids.
	SealedEpochs() []protocol.EpochID
}

// Locks is the part of the collateral ledger clearing resolves into.
type Locks interface {
	Commit(ctx context.Context, ref protocol.LockRef, notional decimal.Decimal) error
	Release(ctx context.Context, ref protocol.LockRef) error
}

// Settlement turns clearing results into obligations.
type Settlement interface {
	Schedule(ctx context.Context, result *protocol.ClearingResult, listing protocol.Listing, closeTime time.Time) ([]protocol.SettlementObligation, error)
}

// EpochState is the progress of one epoch through the scheduler.
type EpochState string

const (
	EpochScheduled EpochState = "Scheduled"
	EpochClearing  EpochState = "Clearing"
	EpochClosed    EpochState = "Closed"
)

// AuctionOutcome is how one pair's auction ended.
type AuctionOutcome string

const (
	AuctionCleared    AuctionOutcome = "Cleared"
	AuctionUnresolved AuctionOutcome = "Unresolved"
)

// AuctionReport is the outcome of one pair within an epoch.
type AuctionReport struct {
	protocol.Auction
	Outcome     AuctionOutcome           `json:"outcome"`
	Reason      protocol.Error           `json:"reason,omitempty"`
	Detail      string                   `json:"detail,omitempty"`
	Bids        int                      `json:"bids"`
	Result      *protocol.ClearingResult `json:"result,omitempty"`
	Obligations []protocol.ObligationID  `json:"obligations,omitempty"`

	ReferencePrice *decimal.Decimal `json:"reference_price,omitempty"`
	Deviation      *decimal.Decimal `json:"deviation,omitempty"`
	Warning        string           `json:"warning,omitempty"`
}

// EpochReport summarizes a run of one epoch.
type EpochReport struct {
	Epoch      protocol.EpochID     `json:"epoch"`
	State      EpochState           `json:"state"`
	CloseTime  time.Time            `json:"close_time"`
	Round      uint64               `json:"round"`
	Auctions   []AuctionReport      `json:"auctions"`
	Rejected   []protocol.Rejection `json:"rejected,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// Config configures a Scheduler.
type Config struct {
	Auction    *protocol.AtomicaConfig
	Schedule   *protocol.EpochSchedule
	Book       Revealer
	Engine     *clearing.Engine
	Locks      Locks
	Settlement Settlement

	// Reference prices are only compared against clearing prices. Optional.
	Reference feed.Reference

	Events eventlog.Appender
	Logger *slog.Logger
	Now    func() time.Time
}

// Scheduler runs epochs. Each epoch runs at most once.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	epochs map[protocol.EpochID]*EpochReport
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Engine == nil {
		cfg.Engine = clearing.NewEngineFromConfig(cfg.Auction)
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
	return &Scheduler{
		cfg:    cfg,
		epochs: make(map[protocol.EpochID]*EpochReport),
	}
}

// State returns the state of epoch. Epochs never run are Scheduled.
func (s *Scheduler) State(epoch protocol.EpochID) EpochState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.epochs[epoch]; ok {
		return r.State
	}
	return EpochScheduled
}

// Report returns the report of a closed epoch.
func (s *Scheduler) Report(epoch protocol.EpochID) (EpochReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.epochs[epoch]
	if !ok || r.State != EpochClosed {
		return EpochReport{}, false
	}
	return *r, true
}

func (s *Scheduler) record(ctx context.Context, rec eventlog.Record) {
	if _, err := s.cfg.Events.Append(ctx, rec); err != nil {
		s.cfg.Logger.Error("failed to record scheduler event", "kind", rec.Kind, "subject", rec.Subject, "err", err)
	}
}

func (s *Scheduler) recordStatus(ctx context.Context, status protocol.BidStatus) {
	s.record(ctx, eventlog.Record{
		Kind:    eventlog.KindBidStatus,
		Epoch:   status.Epoch,
		Subject: string(status.BidID),
		Payload: status,
	})
}

// RunEpoch reveals epoch and clears every listed pair in SequenceIndex
// order. A pair that cannot clear is reported Unresolved and its bids are
// released; the pairs after it still run. Running an epoch that is
// clearing or closed fails with ErrEpochAlreadyRun. If the bids cannot be
// revealed yet the epoch stays Scheduled and the error wraps ErrTooEarly.
func (s *Scheduler) RunEpoch(ctx context.Context, epoch protocol.EpochID) (*EpochReport, error) {
	s.mu.Lock()
	if r, ok := s.epochs[epoch]; ok {
		s.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrEpochAlreadyRun, "epoch %d is %s", epoch, r.State)
	}
	report := &EpochReport{
		Epoch:     epoch,
		State:     EpochClearing,
		CloseTime: s.cfg.Schedule.CloseTime(epoch),
		StartedAt: s.cfg.Now().UTC(),
	}
	s.epochs[epoch] = report
	s.mu.Unlock()

	start := time.Now()
	revealed, err := s.cfg.Book.Reveal(ctx, epoch)
	if err != nil {
		s.mu.Lock()
		delete(s.epochs, epoch)
		s.mu.Unlock()
		return nil, fmt.Errorf("revealing epoch %d: %w", epoch, err)
	}

	auctions := s.cfg.Schedule.Auctions(epoch, s.cfg.Auction.ClearingOrder())
	reports := make([]AuctionReport, 0, len(auctions))
	for i, auction := range auctions {
		listing, _ := s.cfg.Auction.Listing(auction.Pair)
		s.cfg.Logger.Info("clearing auction", "epoch", epoch, "pair", auction.Pair, "sequence", i)
		reports = append(reports, s.runAuction(ctx, auction, listing, revealed.Revealed[auction.Pair]))
	}

	s.mu.Lock()
	report.Round = revealed.Round
	report.Rejected = revealed.Rejected
	report.Auctions = reports
	report.State = EpochClosed
	report.FinishedAt = s.cfg.Now().UTC()
	out := *report
	s.mu.Unlock()

	s.record(ctx, eventlog.Record{Kind: eventlog.KindEpochClosed, Epoch: epoch, Subject: fmt.Sprint(epoch), Payload: &out})
	metrics.Since(metrics.EpochDuration, start)
	s.cfg.Logger.Info("epoch closed", "epoch", epoch, "auctions", len(reports), "rejected", len(out.Rejected))
	return &out, nil
}

func (s *Scheduler) runAuction(ctx context.Context, auction protocol.Auction, listing protocol.Listing, bids []protocol.RevealedBid) AuctionReport {
	report := AuctionReport{Auction: auction, Bids: len(bids)}

	result, err := s.cfg.Engine.Clear(auction.Pair, auction.Epoch, bids)
	if err != nil {
		report.Outcome = AuctionUnresolved
		report.Reason = protocol.ReasonOf(err)
		report.Detail = err.Error()
		for i := range bids {
			s.unmatched(ctx, auction.Epoch, &bids[i], report.Reason)
		}
		s.record(ctx, eventlog.Record{Kind: eventlog.KindAuctionUnresolved, Epoch: auction.Epoch, Subject: auction.Pair.String(), Payload: &report})
		metrics.AuctionsCleared.WithLabelValues(auction.Pair.String(), string(AuctionUnresolved)).Inc()
		s.cfg.Logger.Warn("auction unresolved", "epoch", auction.Epoch, "pair", auction.Pair, "reason", report.Reason, "detail", err)
		return report
	}

	report.Outcome = AuctionCleared
	report.Result = result

	winners := make(map[protocol.BidID]bool, len(result.Winners))
	for _, w := range result.Winners {
		winners[w.BidID] = true
		// Sellers bound the lock at their ask, buyers at their limit; both
		// are at least the committed amount.
		notional := w.Matched.Mul(decimal.Min(result.ClearingPrice, w.LimitPrice))
		if err := s.cfg.Locks.Commit(ctx, w.LockRef, notional); err != nil {
			s.cfg.Logger.Error("failed to commit winning lock", "bid", w.BidID, "lock", w.LockRef, "err", err)
		}
		s.recordStatus(ctx, protocol.BidStatus{
			BidID:       w.BidID,
			Participant: w.Participant,
			Pair:        auction.Pair,
			Epoch:       auction.Epoch,
			State:       protocol.BidMatched,
			Price:       result.ClearingPrice,
			Matched:     w.Matched,
		})
	}
	for i := range bids {
		if !winners[bids[i].ID] {
			s.unmatched(ctx, auction.Epoch, &bids[i], "")
		}
	}

	obligations, err := s.cfg.Settlement.Schedule(ctx, result, listing, auction.CloseTime)
	if err != nil {
		s.cfg.Logger.Error("failed to schedule settlement", "epoch", auction.Epoch, "pair", auction.Pair, "err", err)
		report.Detail = err.Error()
	}
	for _, ob := range obligations {
		report.Obligations = append(report.Obligations, ob.ID)
	}

	s.compareReference(ctx, &report)

	s.record(ctx, eventlog.Record{Kind: eventlog.KindAuctionCleared, Epoch: auction.Epoch, Subject: auction.Pair.String(), Payload: result})
	metrics.AuctionsCleared.WithLabelValues(auction.Pair.String(), string(AuctionCleared)).Inc()
	metrics.ClearingPrice.WithLabelValues(auction.Pair.String()).Set(result.ClearingPrice.InexactFloat64())
	s.cfg.Logger.Info("auction cleared",
		"epoch", auction.Epoch,
		"pair", auction.Pair,
		"price", result.ClearingPrice.String(),
		"matched", result.MatchedBuyQuantity.String(),
		"winners", len(result.Winners))
	return report
}

func (s *Scheduler) unmatched(ctx context.Context, epoch protocol.EpochID, bid *protocol.RevealedBid, reason protocol.Error) {
	if err := s.cfg.Locks.Release(ctx, bid.LockRef); err != nil {
		s.cfg.Logger.Error("failed to release losing lock", "bid", bid.ID, "lock", bid.LockRef, "err", err)
	}
	s.recordStatus(ctx, protocol.BidStatus{
		BidID:       bid.ID,
		Participant: bid.Participant,
		Pair:        bid.Pair,
		Epoch:       epoch,
		State:       protocol.BidUnmatched,
		Reason:      reason,
	})
}

// compareReference flags a clearing price far from the reference price.
// The result itself is never changed.
func (s *Scheduler) compareReference(ctx context.Context, report *AuctionReport) {
	if s.cfg.Reference == nil {
		return
	}
	quote, err := s.cfg.Reference.Quote(ctx, report.Pair)
	if err != nil {
		s.cfg.Logger.Debug("no reference price", "pair", report.Pair, "err", err)
		return
	}
	deviation, ok := feed.Deviation(report.Result.ClearingPrice, quote.Price)
	if !ok {
		return
	}
	report.ReferencePrice = &quote.Price
	report.Deviation = &deviation
	metrics.ReferenceDeviation.WithLabelValues(report.Pair.String()).Set(deviation.InexactFloat64())

	if tolerance := s.cfg.Auction.ReferenceTolerance; tolerance.IsPositive() && deviation.GreaterThan(tolerance) {
		report.Warning = fmt.Sprintf("clearing price %s deviates %s from %s reference %s",
			report.Result.ClearingPrice, deviation.StringFixed(4), quote.Source, quote.Price)
		s.cfg.Logger.Warn("clearing price far from reference",
			"pair", report.Pair,
			"price", report.Result.ClearingPrice.String(),
			"reference", quote.Price.String(),
			"source", quote.Source,
			"deviation", deviation.String())
	}
}

// Restore marks the epochs closed in log as run, so they are not cleared
// a second time after a restart.
func (s *Scheduler) Restore(ctx context.Context, log eventlog.Log) (uint64, error) {
	return eventlog.Replay(ctx, log, 0, func(ev eventlog.Event) error {
		if ev.Kind != eventlog.KindEpochClosed {
			return nil
		}
		var report EpochReport
		if err := ev.Decode(&report); err != nil {
			return err
		}
		s.mu.Lock()
		s.epochs[report.Epoch] = &report
		s.mu.Unlock()
		return nil
	})
}
