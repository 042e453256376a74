package protocol

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BidState is the lifecycle state of a bid.
type BidState string

const (
	BidSealed    BidState = "Sealed"
	BidRevealed  BidState = "Revealed"
	BidMatched   BidState = "Matched"
	BidUnmatched BidState = "Unmatched"
	BidRejected  BidState = "Rejected"
	BidCancelled BidState = "Cancelled"
)

// IsTerminal reports whether the state is final for the participant.
func (s BidState) IsTerminal() bool {
	switch s {
	case BidMatched, BidUnmatched, BidRejected, BidCancelled:
		return true
	}
	return false
}

// BidStatus is the participant-facing view of one bid.
type BidStatus struct {
	BidID       BidID           `json:"bid_id"`
	Participant ParticipantID   `json:"participant"`
	Pair        AssetPair       `json:"pair"`
	Epoch       EpochID         `json:"epoch"`
	State       BidState        `json:"state"`
	Price       decimal.Decimal `json:"price,omitempty"`
	Matched     decimal.Decimal `json:"matched,omitempty"`
	Reason      Error           `json:"reason,omitempty"`
}

// String renders Matched@price, Unmatched or Rejected:reason.
func (s BidStatus) String() string {
	switch s.State {
	case BidMatched:
		return fmt.Sprintf("%s@%s", s.State, s.Price.String())
	case BidRejected:
		return fmt.Sprintf("%s:%s", s.State, s.Reason)
	}
	return string(s.State)
}
