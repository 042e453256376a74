// Package sealedbid accepts timelock-sealed bids and opens them after close.
//
// Bids are sealed to the first beacon round at or after the epoch close, so
// nobody (the auctioneer included) can read them earlier. Submissions that
// arrive at or after the close are refused whatever their transport delay,
// and at reveal every bid is opened independently so one undecryptable bid
// never holds up the others.
package sealedbid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/clearing"
	"github.com/bomba-atomica/atomica-sub004/collateral"
	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/metrics"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/google/uuid"
)

// Locks is the part of the collateral ledger the book needs.
type Locks interface {
	Bind(ctx context.Context, ref protocol.LockRef, participant protocol.ParticipantID, bid protocol.BidID) (collateral.Lock, error)
	Release(ctx context.Context, ref protocol.LockRef) error
	Lock(ctx context.Context, ref protocol.LockRef) (collateral.Lock, error)
}

// Config configures a Book.
type Config struct {
	Auction  *protocol.AtomicaConfig
	Schedule *protocol.EpochSchedule
	Beacon   beacon.Beacon
	Locks    Locks

	// Signer signs receipts.
	Signer crypto.PrivateKey

	Events eventlog.Appender
	Logger *slog.Logger
	Now    func() time.Time
}

// RevealOutcome is the result of opening an epoch.
type RevealOutcome struct {
	Epoch    protocol.EpochID                              `json:"epoch"`
	Round    uint64                                        `json:"round"`
	Revealed map[protocol.AssetPair][]protocol.RevealedBid `json:"revealed"`
	Rejected []protocol.Rejection                          `json:"rejected"`
}

type sealedBid struct {
	bid  protocol.Bid
	lock collateral.Lock
}

// Book holds sealed bids until their epoch is revealed.
type Book struct {
	cfg Config

	mu       sync.Mutex
	bids     map[protocol.BidID]*sealedBid
	byEpoch  map[protocol.EpochID]map[protocol.BidID]*sealedBid
	revealed map[protocol.EpochID]*RevealOutcome
}

// NewBook creates an empty book.
func NewBook(cfg Config) *Book {
	if cfg.Events == nil {
		cfg.Events = eventlog.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Book{
		cfg:      cfg,
		bids:     make(map[protocol.BidID]*sealedBid),
		byEpoch:  make(map[protocol.EpochID]map[protocol.BidID]*sealedBid),
		revealed: make(map[protocol.EpochID]*RevealOutcome),
	}
}

func (b *Book) record(ctx context.Context, rec eventlog.Record) {
	if _, err := b.cfg.Events.Append(ctx, rec); err != nil {
		b.cfg.Logger.Error("failed to record bid event", "kind", rec.Kind, "subject", rec.Subject, "err", err)
	}
}

func (b *Book) recordStatus(ctx context.Context, status protocol.BidStatus) {
	b.record(ctx, eventlog.Record{
		Kind:    eventlog.KindBidStatus,
		Epoch:   status.Epoch,
		Subject: string(status.BidID),
		Payload: status,
	})
}

// Submit accepts a signed sealed bid and returns a receipt signed by the
// auctioneer.
func (b *Book) Submit(ctx context.Context, signed *protocol.Signed[protocol.BidSubmission]) (*protocol.Signed[protocol.Receipt], error) {
	now := b.cfg.Now()

	sub, signer, err := signed.Recover()
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrInvalidBid, "submission signature: %v", err)
	}
	if protocol.ParticipantFromKey(signer) != sub.Participant {
		return nil, protocol.Errorf(protocol.ErrInvalidBid, "submission not signed by %s", sub.Participant)
	}

	// Checked first: a late bid is late whatever else is wrong with it.
	if closeAt := b.cfg.Schedule.CloseTime(sub.Epoch); !now.Before(closeAt) {
		metrics.BidsRejected.WithLabelValues(string(protocol.ErrLateSubmission)).Inc()
		return nil, protocol.Errorf(protocol.ErrLateSubmission, "epoch %d closed at %s", sub.Epoch, closeAt.Format(time.RFC3339))
	}
	if current := b.cfg.Schedule.EpochAt(now); sub.Epoch != current {
		return nil, protocol.Errorf(protocol.ErrInvalidBid, "epoch %d is not open, current epoch is %d", sub.Epoch, current)
	}
	if err := b.checkEnvelope(sub); err != nil {
		metrics.BidsRejected.WithLabelValues(string(protocol.ErrInvalidBid)).Inc()
		return nil, err
	}

	id := protocol.BidID(uuid.NewString())
	lock, err := b.cfg.Locks.Bind(ctx, sub.LockRef, sub.Participant, id)
	if err != nil {
		metrics.BidsRejected.WithLabelValues(string(protocol.ErrInsufficientCollateral)).Inc()
		return nil, protocol.Errorf(protocol.ErrInsufficientCollateral, "lock %s: %v", sub.LockRef, err)
	}

	bid := protocol.Bid{
		ID:          id,
		Participant: sub.Participant,
		Pair:        sub.Pair,
		Side:        sub.Side,
		Epoch:       sub.Epoch,
		LockRef:     sub.LockRef,
		SubmittedAt: now.UTC(),
		Payload:     sub.Payload,
	}

	b.mu.Lock()
	if _, frozen := b.revealed[sub.Epoch]; frozen {
		b.mu.Unlock()
		b.releaseLock(ctx, sub.LockRef)
		return nil, protocol.Errorf(protocol.ErrLateSubmission, "epoch %d already revealed", sub.Epoch)
	}
	entry := &sealedBid{bid: bid, lock: lock}
	b.bids[id] = entry
	if b.byEpoch[sub.Epoch] == nil {
		b.byEpoch[sub.Epoch] = make(map[protocol.BidID]*sealedBid)
	}
	b.byEpoch[sub.Epoch][id] = entry
	b.mu.Unlock()

	receipt := &protocol.Receipt{
		BidID:         id,
		Participant:   sub.Participant,
		Pair:          sub.Pair,
		Side:          sub.Side,
		Epoch:         sub.Epoch,
		LockRef:       sub.LockRef,
		PayloadDigest: sub.Payload.Digest().String(),
		SubmittedAt:   bid.SubmittedAt,
	}
	signedReceipt, err := protocol.NewSigned(b.cfg.Signer, receipt)
	if err != nil {
		return nil, fmt.Errorf("signing receipt: %w", err)
	}

	b.record(ctx, eventlog.Record{Kind: eventlog.KindBidSubmitted, Epoch: sub.Epoch, Subject: string(id), Payload: bid})
	b.recordStatus(ctx, protocol.BidStatus{BidID: id, Participant: sub.Participant, Pair: sub.Pair, Epoch: sub.Epoch, State: protocol.BidSealed})
	metrics.BidsSubmitted.WithLabelValues(sub.Pair.String()).Inc()

	b.cfg.Logger.Debug("bid accepted", "bid", id, "pair", sub.Pair, "epoch", sub.Epoch)
	return signedReceipt, nil
}

func (b *Book) checkEnvelope(sub *protocol.BidSubmission) error {
	if _, ok := b.cfg.Auction.Listing(sub.Pair); !ok {
		return protocol.Errorf(protocol.ErrInvalidBid, "pair %s is not listed", sub.Pair)
	}
	if !sub.Side.Valid() {
		return protocol.Errorf(protocol.ErrInvalidBid, "side %q", sub.Side)
	}
	if sub.Payload == nil {
		return protocol.Errorf(protocol.ErrInvalidBid, "missing sealed payload")
	}
	want := RevealRound(b.cfg.Beacon.Info(), b.cfg.Schedule.CloseTime(sub.Epoch))
	if sub.Payload.Round != want {
		return protocol.Errorf(protocol.ErrInvalidBid, "payload sealed to round %d, epoch %d reveals at round %d", sub.Payload.Round, sub.Epoch, want)
	}
	return nil
}

// Cancel withdraws a bid before its epoch closes and releases its lock.
func (b *Book) Cancel(ctx context.Context, signed *protocol.Signed[protocol.BidCancellation]) error {
	now := b.cfg.Now()

	req, signer, err := signed.Recover()
	if err != nil {
		return protocol.Errorf(protocol.ErrInvalidBid, "cancellation signature: %v", err)
	}
	if protocol.ParticipantFromKey(signer) != req.Participant {
		return protocol.Errorf(protocol.ErrInvalidBid, "cancellation not signed by %s", req.Participant)
	}

	b.mu.Lock()
	entry, ok := b.bids[req.BidID]
	if !ok || entry.bid.Participant != req.Participant {
		b.mu.Unlock()
		return protocol.Errorf(protocol.ErrUnknownBid, "bid %s", req.BidID)
	}
	epoch := entry.bid.Epoch
	_, frozen := b.revealed[epoch]
	if frozen || !now.Before(b.cfg.Schedule.CloseTime(epoch)) {
		b.mu.Unlock()
		return protocol.Errorf(protocol.ErrLateSubmission, "epoch %d closed, bid %s can no longer be cancelled", epoch, req.BidID)
	}
	delete(b.bids, req.BidID)
	delete(b.byEpoch[epoch], req.BidID)
	b.mu.Unlock()

	b.releaseLock(ctx, entry.bid.LockRef)
	b.recordStatus(ctx, protocol.BidStatus{
		BidID:       req.BidID,
		Participant: req.Participant,
		Pair:        entry.bid.Pair,
		Epoch:       epoch,
		State:       protocol.BidCancelled,
	})
	return nil
}

func (b *Book) releaseLock(ctx context.Context, ref protocol.LockRef) {
	if err := b.cfg.Locks.Release(ctx, ref); err != nil {
		b.cfg.Logger.Error("failed to release lock", "lock", ref, "err", err)
	}
}

// Restore reloads the sealed bids recorded in log that were not cancelled.
// It must be called after the ledger is restored and before the book accepts
// submissions.
func (b *Book) Restore(ctx context.Context, log eventlog.Log) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return eventlog.Replay(ctx, log, 0, func(ev eventlog.Event) error {
		switch ev.Kind {
		case eventlog.KindBidSubmitted:
			var bid protocol.Bid
			if err := ev.Decode(&bid); err != nil {
				return err
			}
			lock, err := b.cfg.Locks.Lock(ctx, bid.LockRef)
			if err != nil {
				return fmt.Errorf("lock of bid %s: %w", bid.ID, err)
			}
			entry := &sealedBid{bid: bid, lock: lock}
			b.bids[bid.ID] = entry
			if b.byEpoch[bid.Epoch] == nil {
				b.byEpoch[bid.Epoch] = make(map[protocol.BidID]*sealedBid)
			}
			b.byEpoch[bid.Epoch][bid.ID] = entry
		case eventlog.KindBidStatus:
			var status protocol.BidStatus
			if err := ev.Decode(&status); err != nil {
				return err
			}
			if status.State == protocol.BidCancelled {
				delete(b.bids, status.BidID)
				delete(b.byEpoch[status.Epoch], status.BidID)
			}
		}
		return nil
	})
}

// Bids returns the sealed bids of epoch ordered by id.
func (b *Book) Bids(epoch protocol.EpochID) []protocol.Bid {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]protocol.Bid, 0, len(b.byEpoch[epoch]))
	for _, entry := range b.byEpoch[epoch] {
		out = append(out, entry.bid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SealedEpochs returns, in ascending order, the epochs holding bids that
// this book has not revealed.
func (b *Book) SealedEpochs() []protocol.EpochID {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []protocol.EpochID
	for epoch, bids := range b.byEpoch {
		if _, ok := b.revealed[epoch]; !ok && len(bids) > 0 {
			out = append(out, epoch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Bid looks up a bid that has not been cancelled.
func (b *Book) Bid(id protocol.BidID) (protocol.Bid, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.bids[id]
	if !ok {
		return protocol.Bid{}, false
	}
	return entry.bid, true
}

// Reveal opens every bid of epoch with the beacon key of its reveal round.
// It fails with ErrTooEarly before the close or before the beacon has
// emitted the round. Once it succeeds the epoch is frozen and later calls
// return the same outcome.
func (b *Book) Reveal(ctx context.Context, epoch protocol.EpochID) (*RevealOutcome, error) {
	closeAt := b.cfg.Schedule.CloseTime(epoch)
	if b.cfg.Now().Before(closeAt) {
		return nil, protocol.Errorf(protocol.ErrTooEarly, "epoch %d closes at %s", epoch, closeAt.Format(time.RFC3339))
	}

	b.mu.Lock()
	if out, ok := b.revealed[epoch]; ok {
		b.mu.Unlock()
		return out, nil
	}
	b.mu.Unlock()

	round := RevealRound(b.cfg.Beacon.Info(), closeAt)
	key, err := b.cfg.Beacon.IdentityKey(ctx, round)
	if err != nil {
		return nil, fmt.Errorf("reveal key for epoch %d: %w", epoch, err)
	}

	b.mu.Lock()
	if out, ok := b.revealed[epoch]; ok {
		b.mu.Unlock()
		return out, nil
	}
	out := &RevealOutcome{
		Epoch:    epoch,
		Round:    round,
		Revealed: make(map[protocol.AssetPair][]protocol.RevealedBid),
	}
	b.revealed[epoch] = out
	entries := make([]*sealedBid, 0, len(b.byEpoch[epoch]))
	for _, entry := range b.byEpoch[epoch] {
		entries = append(entries, entry)
	}
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].bid.ID < entries[j].bid.ID })
	for _, entry := range entries {
		revealed, err := b.openBid(key, entry)
		if err != nil {
			rejection := protocol.Rejection{
				BidID:       entry.bid.ID,
				Participant: entry.bid.Participant,
				Pair:        entry.bid.Pair,
				LockRef:     entry.bid.LockRef,
				Reason:      protocol.ReasonOf(err),
				Detail:      err.Error(),
			}
			out.Rejected = append(out.Rejected, rejection)
			b.releaseLock(ctx, entry.bid.LockRef)
			b.recordStatus(ctx, protocol.BidStatus{
				BidID:       entry.bid.ID,
				Participant: entry.bid.Participant,
				Pair:        entry.bid.Pair,
				Epoch:       epoch,
				State:       protocol.BidRejected,
				Reason:      rejection.Reason,
			})
			metrics.BidsRejected.WithLabelValues(string(rejection.Reason)).Inc()
			b.cfg.Logger.Info("bid rejected at reveal", "bid", entry.bid.ID, "reason", rejection.Reason, "detail", err)
			continue
		}

		out.Revealed[revealed.Pair] = append(out.Revealed[revealed.Pair], *revealed)
		b.recordStatus(ctx, protocol.BidStatus{
			BidID:       revealed.ID,
			Participant: revealed.Participant,
			Pair:        revealed.Pair,
			Epoch:       epoch,
			State:       protocol.BidRevealed,
		})
	}

	b.cfg.Logger.Info("epoch revealed",
		"epoch", epoch,
		"round", round,
		"revealed", len(entries)-len(out.Rejected),
		"rejected", len(out.Rejected))
	return out, nil
}

// openBid decrypts one bid and checks it against its envelope and lock.
func (b *Book) openBid(key crypto.IdentityKey, entry *sealedBid) (*protocol.RevealedBid, error) {
	bid := &entry.bid
	payload, err := open(key, bid.Payload)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrUndecryptableBid, "%v", err)
	}

	var mismatch error
	switch {
	case payload.Participant != bid.Participant:
		mismatch = errors.New("participant")
	case payload.Pair != bid.Pair:
		mismatch = errors.New("pair")
	case payload.Side != bid.Side:
		mismatch = errors.New("side")
	case payload.Epoch != bid.Epoch:
		mismatch = errors.New("epoch")
	}
	if mismatch != nil {
		return nil, protocol.Errorf(protocol.ErrUndecryptableBid, "sealed %v does not match the envelope", mismatch)
	}

	if !payload.LimitPrice.IsPositive() || !payload.Quantity.IsPositive() {
		return nil, protocol.Errorf(protocol.ErrInvalidBid, "price and quantity must be positive")
	}
	if !clearing.OnLotGrid(payload.Quantity, b.cfg.Auction.LotSize) {
		return nil, protocol.Errorf(protocol.ErrInvalidBid, "quantity %s is not a multiple of lot %s", payload.Quantity, b.cfg.Auction.LotSize)
	}
	if listing, ok := b.cfg.Auction.Listing(bid.Pair); ok && !listing.AcceptsPrice(payload.LimitPrice) {
		return nil, protocol.Errorf(protocol.ErrInvalidBid, "limit %s outside listing bounds", payload.LimitPrice)
	}
	if notional := payload.Notional(); notional.GreaterThan(entry.lock.Amount) {
		return nil, protocol.Errorf(protocol.ErrInsufficientCollateral, "notional %s exceeds lock %s", notional, entry.lock.Amount)
	}

	return &protocol.RevealedBid{
		ID:          bid.ID,
		Participant: bid.Participant,
		Pair:        bid.Pair,
		Side:        bid.Side,
		LockRef:     bid.LockRef,
		LimitPrice:  payload.LimitPrice,
		Quantity:    payload.Quantity,
	}, nil
}
