package protocol

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bounds on operator-controlled parameters.
const (
	MaxLeverage       = 10
	MinDeliveryWindow = 12 * time.Hour
	MaxDeliveryWindow = 24 * time.Hour
)

// Listing is one market cleared every epoch.
type Listing struct {
	Pair AssetPair `json:"pair"`

	// BaseChain and QuoteChain are where each asset is delivered. A buyer
	// receives base on BaseChain after proving payment on QuoteChain; a
	// seller the mirror image.
	BaseChain  ChainID `json:"base_chain"`
	QuoteChain ChainID `json:"quote_chain"`

	// SequenceIndex orders clearing within an epoch; thin markets get the
	// lowest indices and clear first.
	SequenceIndex int `json:"sequence_index"`

	// MinPrice and MaxPrice bound acceptable limit prices. Zero means unbounded.
	MinPrice decimal.Decimal `json:"min_price"`
	MaxPrice decimal.Decimal `json:"max_price"`
}

// AcceptsPrice reports whether price is within the listing's bounds.
func (l *Listing) AcceptsPrice(price decimal.Decimal) bool {
	if !l.MinPrice.IsZero() && price.LessThan(l.MinPrice) {
		return false
	}
	if !l.MaxPrice.IsZero() && price.GreaterThan(l.MaxPrice) {
		return false
	}
	return true
}

// AtomicaConfig holds the auction parameters shared by every component.
type AtomicaConfig struct {
	// CloseTime is the daily UTC close, e.g. "17:00".
	CloseTime string `json:"close_time"`

	// Leverage multiplies locked collateral into bidding capacity.
	Leverage decimal.Decimal `json:"leverage"`

	// LiquidationPenalty is added on top of a defaulted notional.
	LiquidationPenalty decimal.Decimal `json:"liquidation_penalty"`

	// HomeChainAsset is the collateral asset.
	HomeChainAsset string `json:"home_chain_asset"`

	// MinParticipantsPerSide is the minimum number of distinct bidders on
	// each side for an auction to clear.
	MinParticipantsPerSide int `json:"min_participants_per_side"`

	// LotSize is the quantity granularity; quantities must be multiples.
	LotSize decimal.Decimal `json:"lot_size"`

	// DeliveryWindow is added to the close to get obligation due times.
	DeliveryWindow time.Duration `json:"delivery_window,string"`

	// ProofConcurrency bounds parallel proof generation.
	ProofConcurrency int `json:"proof_concurrency"`

	// ReferenceTolerance is the relative deviation from the reference price
	// above which a clearing result is flagged.
	ReferenceTolerance decimal.Decimal `json:"reference_tolerance"`

	Listings []Listing `json:"listings"`
}

// DefaultConfig returns parameters suitable for local runs.
func DefaultConfig() *AtomicaConfig {
	return &AtomicaConfig{
		CloseTime:              "17:00",
		Leverage:               decimal.NewFromInt(7),
		LiquidationPenalty:     decimal.RequireFromString("0.05"),
		HomeChainAsset:         "USDC",
		MinParticipantsPerSide: 2,
		LotSize:                decimal.RequireFromString("0.0001"),
		DeliveryWindow:         12 * time.Hour,
		ProofConcurrency:       8,
		ReferenceTolerance:     decimal.RequireFromString("0.2"),
	}
}

// Validate checks parameter bounds and listing consistency.
func (c *AtomicaConfig) Validate() error {
	if _, err := ParseCloseTime(c.CloseTime); err != nil {
		return err
	}
	if !c.Leverage.IsPositive() || c.Leverage.GreaterThan(decimal.NewFromInt(MaxLeverage)) {
		return fmt.Errorf("leverage %s outside (0, %d]", c.Leverage, MaxLeverage)
	}
	if c.LiquidationPenalty.IsNegative() {
		return errors.New("liquidation penalty must not be negative")
	}
	if c.MinParticipantsPerSide < 1 {
		return errors.New("min participants per side must be at least 1")
	}
	if !c.LotSize.IsPositive() {
		return errors.New("lot size must be positive")
	}
	if c.DeliveryWindow < MinDeliveryWindow || c.DeliveryWindow > MaxDeliveryWindow {
		return fmt.Errorf("delivery window %s outside [%s, %s]", c.DeliveryWindow, MinDeliveryWindow, MaxDeliveryWindow)
	}
	if c.ProofConcurrency < 1 {
		return errors.New("proof concurrency must be at least 1")
	}

	pairs := make(map[AssetPair]bool)
	indices := make(map[int]bool)
	for _, l := range c.Listings {
		if !l.Pair.Valid() {
			return fmt.Errorf("invalid pair %q", l.Pair)
		}
		if pairs[l.Pair] {
			return fmt.Errorf("pair %s listed twice", l.Pair)
		}
		if indices[l.SequenceIndex] {
			return fmt.Errorf("sequence index %d used twice", l.SequenceIndex)
		}
		if l.BaseChain == "" || l.QuoteChain == "" {
			return fmt.Errorf("pair %s needs base and quote chains", l.Pair)
		}
		if !l.MaxPrice.IsZero() && l.MaxPrice.LessThan(l.MinPrice) {
			return fmt.Errorf("pair %s has max price below min price", l.Pair)
		}
		pairs[l.Pair] = true
		indices[l.SequenceIndex] = true
	}
	return nil
}

// Schedule returns the epoch schedule for CloseTime.
func (c *AtomicaConfig) Schedule() (*EpochSchedule, error) {
	return NewEpochSchedule(c.CloseTime)
}

// ClearingOrder returns listings sorted by SequenceIndex.
func (c *AtomicaConfig) ClearingOrder() []Listing {
	order := make([]Listing, len(c.Listings))
	copy(order, c.Listings)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].SequenceIndex < order[j].SequenceIndex
	})
	return order
}

// Listing looks up the listing for pair.
func (c *AtomicaConfig) Listing(pair AssetPair) (Listing, bool) {
	for _, l := range c.Listings {
		if l.Pair == pair {
			return l, true
		}
	}
	return Listing{}, false
}
