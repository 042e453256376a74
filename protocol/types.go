package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/shopspring/decimal"
)

// ParticipantID is the hex-encoded Ed25519 public key of a participant.
type ParticipantID string

// ParticipantFromKey returns the id of the holder of pk.
func ParticipantFromKey(pk crypto.PublicKey) ParticipantID {
	return ParticipantID(pk.String())
}

// PublicKey parses the id back into a key.
func (p ParticipantID) PublicKey() (crypto.PublicKey, error) {
	return crypto.NewPublicKeyFromString(string(p))
}

type (
	ChainID      string
	EpochID      uint64
	BidID        string
	LockRef      string
	ObligationID string
)

// Side is the direction of a bid.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid returns true for buy and sell.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// AssetPair identifies a market. Base is traded, Quote is the unit of price.
type AssetPair struct {
	Base  string
	Quote string
}

// ParseAssetPair parses "BASE/QUOTE".
func ParseAssetPair(s string) (AssetPair, error) {
	base, quote, ok := strings.Cut(s, "/")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "/") {
		return AssetPair{}, fmt.Errorf("invalid asset pair %q", s)
	}
	return AssetPair{Base: base, Quote: quote}, nil
}

func (p AssetPair) String() string {
	return p.Base + "/" + p.Quote
}

// Valid returns true if both assets are named and distinct.
func (p AssetPair) Valid() bool {
	return p.Base != "" && p.Quote != "" && p.Base != p.Quote
}

// MarshalText encodes the pair as "BASE/QUOTE" so it works as a JSON map key.
func (p AssetPair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes "BASE/QUOTE".
func (p *AssetPair) UnmarshalText(text []byte) error {
	parsed, err := ParseAssetPair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// BidPayload is the plaintext sealed inside a bid. The envelope fields are
// repeated so a ciphertext cannot be replayed under another participant,
// market or epoch.
type BidPayload struct {
	Participant ParticipantID   `json:"participant"`
	Pair        AssetPair       `json:"pair"`
	Side        Side            `json:"side"`
	Epoch       EpochID         `json:"epoch"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Notional is quantity times limit price.
func (p *BidPayload) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.LimitPrice)
}

// BidSubmission is what a participant signs and sends before close.
type BidSubmission struct {
	Participant ParticipantID              `json:"participant"`
	Pair        AssetPair                  `json:"pair"`
	Side        Side                       `json:"side"`
	Epoch       EpochID                    `json:"epoch"`
	LockRef     LockRef                    `json:"lock_ref"`
	Payload     *crypto.TimelockCiphertext `json:"payload"`
}

// Receipt acknowledges an accepted submission. It is signed by the auctioneer.
type Receipt struct {
	BidID         BidID         `json:"bid_id"`
	Participant   ParticipantID `json:"participant"`
	Pair          AssetPair     `json:"pair"`
	Side          Side          `json:"side"`
	Epoch         EpochID       `json:"epoch"`
	LockRef       LockRef       `json:"lock_ref"`
	PayloadDigest string        `json:"payload_digest"`
	SubmittedAt   time.Time     `json:"submitted_at"`
}

// BidCancellation withdraws a sealed bid before close.
type BidCancellation struct {
	BidID       BidID         `json:"bid_id"`
	Participant ParticipantID `json:"participant"`
}

// Bid is a sealed bid held by the book until reveal.
type Bid struct {
	ID          BidID                      `json:"id"`
	Participant ParticipantID              `json:"participant"`
	Pair        AssetPair                  `json:"pair"`
	Side        Side                       `json:"side"`
	Epoch       EpochID                    `json:"epoch"`
	LockRef     LockRef                    `json:"lock_ref"`
	SubmittedAt time.Time                  `json:"submitted_at"`
	Payload     *crypto.TimelockCiphertext `json:"payload"`
}

// RevealedBid is a bid after decryption, ready for clearing.
type RevealedBid struct {
	ID          BidID           `json:"id"`
	Participant ParticipantID   `json:"participant"`
	Pair        AssetPair       `json:"pair"`
	Side        Side            `json:"side"`
	LockRef     LockRef         `json:"lock_ref"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Notional is quantity times limit price.
func (b *RevealedBid) Notional() decimal.Decimal {
	return b.Quantity.Mul(b.LimitPrice)
}

// Rejection records why a bid was excluded.
type Rejection struct {
	BidID       BidID         `json:"bid_id"`
	Participant ParticipantID `json:"participant"`
	Pair        AssetPair     `json:"pair"`
	LockRef     LockRef       `json:"lock_ref"`
	Reason      Error         `json:"reason"`
	Detail      string        `json:"detail,omitempty"`
}

// Fill is a winner's allocation. Matched is always positive and never
// exceeds Quantity.
type Fill struct {
	BidID       BidID           `json:"bid_id"`
	Participant ParticipantID   `json:"participant"`
	Side        Side            `json:"side"`
	LockRef     LockRef         `json:"lock_ref"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Matched     decimal.Decimal `json:"matched"`
}

// ClearingResult is the immutable outcome of one auction.
type ClearingResult struct {
	Epoch               EpochID         `json:"epoch"`
	Pair                AssetPair       `json:"pair"`
	ClearingPrice       decimal.Decimal `json:"clearing_price"`
	MatchedBuyQuantity  decimal.Decimal `json:"matched_buy_quantity"`
	MatchedSellQuantity decimal.Decimal `json:"matched_sell_quantity"`
	Winners             []Fill          `json:"winners"`
}

// Check verifies the feasibility invariants of a result.
func (r *ClearingResult) Check() error {
	if !r.MatchedBuyQuantity.Equal(r.MatchedSellQuantity) {
		return errors.New("matched buy and sell quantities differ")
	}
	buy, sell := decimal.Zero, decimal.Zero
	for _, w := range r.Winners {
		if !w.Matched.IsPositive() || w.Matched.GreaterThan(w.Quantity) {
			return fmt.Errorf("bid %s matched %s of %s", w.BidID, w.Matched, w.Quantity)
		}
		switch w.Side {
		case Buy:
			if r.ClearingPrice.GreaterThan(w.LimitPrice) {
				return fmt.Errorf("buyer %s pays above limit", w.BidID)
			}
			buy = buy.Add(w.Matched)
		case Sell:
			if r.ClearingPrice.LessThan(w.LimitPrice) {
				return fmt.Errorf("seller %s receives below ask", w.BidID)
			}
			sell = sell.Add(w.Matched)
		}
	}
	if !buy.Equal(r.MatchedBuyQuantity) || !sell.Equal(r.MatchedSellQuantity) {
		return errors.New("fills do not sum to matched quantities")
	}
	return nil
}

// Auction describes one market within an epoch.
type Auction struct {
	Pair          AssetPair `json:"pair"`
	Epoch         EpochID   `json:"epoch"`
	OpenTime      time.Time `json:"open_time"`
	CloseTime     time.Time `json:"close_time"`
	SequenceIndex int       `json:"sequence_index"`
}

// LockRequest asks the ledger to reserve capacity for one bid.
type LockRequest struct {
	Participant ParticipantID   `json:"participant"`
	Amount      decimal.Decimal `json:"amount"`
	Nonce       string          `json:"nonce"`
}

// WithdrawRequest asks the ledger to release collateral to the home chain.
type WithdrawRequest struct {
	Participant ParticipantID   `json:"participant"`
	Amount      decimal.Decimal `json:"amount"`
	Nonce       string          `json:"nonce"`
}

// DepositNotice is reported by the home-chain collateral watcher.
type DepositNotice struct {
	Participant ParticipantID   `json:"participant"`
	Amount      decimal.Decimal `json:"amount"`
	HomeChainTx string          `json:"home_chain_tx"`
}

// CollateralPosition is a participant's collateral and derived capacity.
type CollateralPosition struct {
	Participant     ParticipantID   `json:"participant"`
	HomeChainAsset  string          `json:"home_chain_asset"`
	LockedAmount    decimal.Decimal `json:"locked_amount"`
	DerivedCapacity decimal.Decimal `json:"derived_capacity"`
	OpenNotional    decimal.Decimal `json:"open_notional"`
}
