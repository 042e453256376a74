// Package eventlog is the append-only record of everything the auction does.
//
// Submissions, cancellations, reveals, ledger mutations, clearing results and
// settlement transitions are appended in one total order. Read models (bid
// statuses, epoch reports, obligations) are projections of this log and can be
// rebuilt by replaying it. Appends are fanned out to subscribers, which is how
// the websocket stream and the outbox see new entries.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
)

// Kind names the type of an event and determines its payload.
type Kind string

const (
	KindBidSubmitted      Kind = "bid.submitted"      // protocol.Bid
	KindBidStatus         Kind = "bid.status"         // protocol.BidStatus
	KindDeposit           Kind = "collateral.deposit" // protocol.DepositNotice
	KindWithdrawal        Kind = "collateral.withdrawal"
	KindLockUpdated       Kind = "collateral.lock"
	KindLiquidation       Kind = "collateral.liquidation"
	KindAuctionCleared    Kind = "auction.cleared" // protocol.ClearingResult
	KindAuctionUnresolved Kind = "auction.unresolved"
	KindEpochClosed       Kind = "epoch.closed"
	KindObligation        Kind = "settlement.obligation" // protocol.SettlementObligation
)

// Event is one entry of the log. Seq is assigned on append and is strictly
// increasing without gaps.
type Event struct {
	Seq     uint64           `json:"seq"`
	Kind    Kind             `json:"kind"`
	Epoch   protocol.EpochID `json:"epoch,omitempty"`
	Subject string           `json:"subject,omitempty"`
	Payload json.RawMessage  `json:"payload"`
	At      time.Time        `json:"at"`
}

// Decode unmarshals the payload into out.
func (e *Event) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decoding %s event %d: %w", e.Kind, e.Seq, err)
	}
	return nil
}

// Record is an event before it has been sequenced.
type Record struct {
	Kind    Kind
	Epoch   protocol.EpochID
	Subject string
	Payload any
}

// Appender is the write side of the log. Components that only record events
// depend on this.
type Appender interface {
	Append(ctx context.Context, rec Record) (Event, error)
}

// Log is an append-only event log.
type Log interface {
	Appender

	// Since returns up to limit events with Seq > after, in order. A
	// non-positive limit returns everything.
	Since(ctx context.Context, after uint64, limit int) ([]Event, error)

	// ByEpoch returns the events tagged with epoch, in order.
	ByEpoch(ctx context.Context, epoch protocol.EpochID) ([]Event, error)

	// Subscribe delivers every event appended after the call. The returned
	// function unsubscribes and closes the channel.
	Subscribe(buffer int) (<-chan Event, func())

	Close() error
}

// Discard drops every record. It is used when a component runs without a log.
var Discard Appender = discard{}

type discard struct{}

func (discard) Append(_ context.Context, rec Record) (Event, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: rec.Kind, Epoch: rec.Epoch, Subject: rec.Subject, Payload: payload}, nil
}

func encode(rec Record, seq uint64, at time.Time) (Event, error) {
	if rec.Kind == "" {
		return Event{}, fmt.Errorf("event without kind")
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", rec.Kind, err)
	}
	return Event{
		Seq:     seq,
		Kind:    rec.Kind,
		Epoch:   rec.Epoch,
		Subject: rec.Subject,
		Payload: payload,
		At:      at.UTC(),
	}, nil
}

// Replay feeds every event with Seq > after to apply, in order, and returns
// the last sequence applied.
func Replay(ctx context.Context, log Log, after uint64, apply func(Event) error) (uint64, error) {
	const page = 512
	last := after
	for {
		events, err := log.Since(ctx, last, page)
		if err != nil {
			return last, err
		}
		for _, ev := range events {
			if err := apply(ev); err != nil {
				return last, fmt.Errorf("applying event %d: %w", ev.Seq, err)
			}
			last = ev.Seq
		}
		if len(events) < page {
			return last, nil
		}
	}
}
