package collateral

import (
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/shopspring/decimal"
)

// LockState is the lifecycle of a bid lock.
type LockState string

const (
	// LockOpen reserves capacity that no bid uses yet.
	LockOpen LockState = "open"
	// LockBound backs exactly one sealed bid.
	LockBound LockState = "bound"
	// LockCommitted backs a winning fill until its obligation resolves.
	LockCommitted  LockState = "committed"
	LockReleased   LockState = "released"
	LockLiquidated LockState = "liquidated"
)

// Live reports whether the lock still consumes capacity.
func (s LockState) Live() bool {
	return s == LockOpen || s == LockBound || s == LockCommitted
}

// Lock is a reservation of bidding capacity for one bid. Amount is notional
// in the collateral asset.
type Lock struct {
	Ref         protocol.LockRef       `json:"ref"`
	Participant protocol.ParticipantID `json:"participant"`
	Amount      decimal.Decimal        `json:"amount"`
	State       LockState              `json:"state"`
	BidID       protocol.BidID         `json:"bid_id,omitempty"`
	Nonce       string                 `json:"nonce"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Liquidation is the audit record of a seizure after a settlement default.
type Liquidation struct {
	ID          string                 `json:"id"`
	Participant protocol.ParticipantID `json:"participant"`
	LockRef     protocol.LockRef       `json:"lock_ref"`
	Shortfall   decimal.Decimal        `json:"shortfall"`
	Penalty     decimal.Decimal        `json:"penalty"`
	Seized      decimal.Decimal        `json:"seized"`
	Deficit     decimal.Decimal        `json:"deficit"`
	At          time.Time              `json:"at"`
}

type account struct {
	participant protocol.ParticipantID
	locked      decimal.Decimal
	open        decimal.Decimal
	deposits    map[string]bool
	withdrawals map[string]bool
	nonces      map[string]protocol.LockRef
}

func newAccount(p protocol.ParticipantID) *account {
	return &account{
		participant: p,
		locked:      decimal.Zero,
		open:        decimal.Zero,
		deposits:    make(map[string]bool),
		withdrawals: make(map[string]bool),
		nonces:      make(map[string]protocol.LockRef),
	}
}
