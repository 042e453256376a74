// Package clearing computes the uniform clearing price of one auction.
//
// Clear is a pure function of the revealed bids: it reads no clock, uses no
// randomness and keeps no state between calls, so the same bid set always
// produces the same result regardless of input order.
package clearing

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/shopspring/decimal"
)

// Engine clears single-pair auctions.
type Engine struct {
	minParticipants int
	lotSize         decimal.Decimal
}

// NewEngine creates an engine. minParticipants is the number of distinct
// participants required on each side; lotSize is the quantity granularity
// and defaults to 1e-18.
func NewEngine(minParticipants int, lotSize decimal.Decimal) *Engine {
	if !lotSize.IsPositive() {
		lotSize = decimal.New(1, -18)
	}
	return &Engine{
		minParticipants: minParticipants,
		lotSize:         lotSize,
	}
}

// NewEngineFromConfig takes the clearing parameters from c.
func NewEngineFromConfig(c *protocol.AtomicaConfig) *Engine {
	return NewEngine(c.MinParticipantsPerSide, c.LotSize)
}

// Clear runs the auction of pair in epoch over bids.
//
// The clearing price maximizes executed volume min(D(p), S(p)) over all
// limit prices; ties go to the smallest imbalance |D(p)-S(p)| and then to
// the lowest price. Errors wrap ErrInsufficientParticipants when either side
// has too few distinct participants and ErrNoClearingPrice when the curves
// do not cross.
func (e *Engine) Clear(pair protocol.AssetPair, epoch protocol.EpochID, bids []protocol.RevealedBid) (*protocol.ClearingResult, error) {
	if err := e.validate(pair, bids); err != nil {
		return nil, err
	}

	buys, sells := split(bids)
	if n := distinctParticipants(buys); n < e.minParticipants {
		return nil, protocol.Errorf(protocol.ErrInsufficientParticipants, "%d buyers, need %d", n, e.minParticipants)
	}
	if n := distinctParticipants(sells); n < e.minParticipants {
		return nil, protocol.Errorf(protocol.ErrInsufficientParticipants, "%d sellers, need %d", n, e.minParticipants)
	}

	price, volume, ok := crossing(buys, sells)
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNoClearingPrice, "demand and supply do not cross for %s", pair)
	}

	buyFills := e.allocate(buys, volume, func(b *protocol.RevealedBid) bool { return b.LimitPrice.GreaterThanOrEqual(price) })
	sellFills := e.allocate(sells, volume, func(b *protocol.RevealedBid) bool { return b.LimitPrice.LessThanOrEqual(price) })

	result := &protocol.ClearingResult{
		Epoch:               epoch,
		Pair:                pair,
		ClearingPrice:       price,
		MatchedBuyQuantity:  volume,
		MatchedSellQuantity: volume,
		Winners:             append(buyFills, sellFills...),
	}
	if err := result.Check(); err != nil {
		return nil, fmt.Errorf("clearing %s produced an infeasible result: %w", pair, err)
	}
	return result, nil
}

func (e *Engine) validate(pair protocol.AssetPair, bids []protocol.RevealedBid) error {
	seen := make(map[protocol.BidID]bool, len(bids))
	for i := range bids {
		b := &bids[i]
		if seen[b.ID] {
			return protocol.Errorf(protocol.ErrInvalidBid, "bid %s appears twice", b.ID)
		}
		seen[b.ID] = true

		if b.Pair != pair {
			return protocol.Errorf(protocol.ErrInvalidBid, "bid %s is for %s", b.ID, b.Pair)
		}
		if !b.Side.Valid() {
			return protocol.Errorf(protocol.ErrInvalidBid, "bid %s has side %q", b.ID, b.Side)
		}
		if !b.LimitPrice.IsPositive() || !b.Quantity.IsPositive() {
			return protocol.Errorf(protocol.ErrInvalidBid, "bid %s needs positive price and quantity", b.ID)
		}
		if !OnLotGrid(b.Quantity, e.lotSize) {
			return protocol.Errorf(protocol.ErrInvalidBid, "bid %s quantity %s is not a multiple of %s", b.ID, b.Quantity, e.lotSize)
		}
	}
	return nil
}

// OnLotGrid reports whether quantity is a whole number of lots.
func OnLotGrid(quantity, lot decimal.Decimal) bool {
	if !lot.IsPositive() {
		return true
	}
	return quantity.Mod(lot).IsZero()
}

func split(bids []protocol.RevealedBid) (buys, sells []*protocol.RevealedBid) {
	for i := range bids {
		if bids[i].Side == protocol.Buy {
			buys = append(buys, &bids[i])
		} else {
			sells = append(sells, &bids[i])
		}
	}
	return buys, sells
}

func distinctParticipants(bids []*protocol.RevealedBid) int {
	seen := make(map[protocol.ParticipantID]struct{})
	for _, b := range bids {
		seen[b.Participant] = struct{}{}
	}
	return len(seen)
}

// crossing finds the price maximizing executed volume.
func crossing(buys, sells []*protocol.RevealedBid) (decimal.Decimal, decimal.Decimal, bool) {
	var candidates []decimal.Decimal
	seen := make(map[string]bool)
	for _, b := range append(append([]*protocol.RevealedBid{}, buys...), sells...) {
		key := b.LimitPrice.String()
		if !seen[key] {
			seen[key] = true
			candidates = append(candidates, b.LimitPrice)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LessThan(candidates[j]) })

	var (
		bestPrice, bestVolume, bestImbalance decimal.Decimal
		found                                bool
	)
	for _, p := range candidates {
		demand, supply := Demand(buys, p), Supply(sells, p)
		volume := decimal.Min(demand, supply)
		if !volume.IsPositive() {
			continue
		}
		imbalance := demand.Sub(supply).Abs()

		// Candidates ascend, so an equal volume and imbalance keeps the lower price.
		if !found || volume.GreaterThan(bestVolume) ||
			(volume.Equal(bestVolume) && imbalance.LessThan(bestImbalance)) {
			bestPrice, bestVolume, bestImbalance, found = p, volume, imbalance, true
		}
	}
	return bestPrice, bestVolume, found
}

// Demand is the buy quantity willing to trade at price p.
func Demand(buys []*protocol.RevealedBid, p decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, b := range buys {
		if b.LimitPrice.GreaterThanOrEqual(p) {
			total = total.Add(b.Quantity)
		}
	}
	return total
}

// Supply is the sell quantity willing to trade at price p.
func Supply(sells []*protocol.RevealedBid, p decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, b := range sells {
		if b.LimitPrice.LessThanOrEqual(p) {
			total = total.Add(b.Quantity)
		}
	}
	return total
}

// allocate fills volume from one side. Price levels are filled from the most
// aggressive; the level where volume runs out is shared pro-rata.
func (e *Engine) allocate(side []*protocol.RevealedBid, volume decimal.Decimal, eligible func(*protocol.RevealedBid) bool) []protocol.Fill {
	var bids []*protocol.RevealedBid
	for _, b := range side {
		if eligible(b) {
			bids = append(bids, b)
		}
	}
	if len(bids) == 0 {
		return nil
	}

	aggressive := func(a, b *protocol.RevealedBid) bool {
		if a.Side == protocol.Buy {
			return a.LimitPrice.GreaterThan(b.LimitPrice)
		}
		return a.LimitPrice.LessThan(b.LimitPrice)
	}
	sort.Slice(bids, func(i, j int) bool {
		if !bids[i].LimitPrice.Equal(bids[j].LimitPrice) {
			return aggressive(bids[i], bids[j])
		}
		return bids[i].ID < bids[j].ID
	})

	var fills []protocol.Fill
	remaining := volume
	for start := 0; start < len(bids) && remaining.IsPositive(); {
		end := start
		level := decimal.Zero
		for end < len(bids) && bids[end].LimitPrice.Equal(bids[start].LimitPrice) {
			level = level.Add(bids[end].Quantity)
			end++
		}

		if level.LessThanOrEqual(remaining) {
			for _, b := range bids[start:end] {
				fills = append(fills, fill(b, b.Quantity))
			}
			remaining = remaining.Sub(level)
		} else {
			for i, matched := range e.proRata(bids[start:end], remaining, level) {
				if matched.IsPositive() {
					fills = append(fills, fill(bids[start+i], matched))
				}
			}
			remaining = decimal.Zero
		}
		start = end
	}
	return fills
}

// proRata shares amount (< total) across a price level in proportion to
// quantity, in whole lots. Lots left after rounding down go one each by
// largest remainder, then by bid ID.
func (e *Engine) proRata(level []*protocol.RevealedBid, amount, total decimal.Decimal) []decimal.Decimal {
	lot := e.lotSize
	toLots := func(d decimal.Decimal) *big.Int { return d.Div(lot).BigInt() }

	amountLots, totalLots := toLots(amount), toLots(total)
	shares := make([]*big.Int, len(level))
	remainders := make([]*big.Int, len(level))
	assigned := new(big.Int)
	for i, b := range level {
		num := new(big.Int).Mul(toLots(b.Quantity), amountLots)
		shares[i], remainders[i] = new(big.Int).QuoRem(num, totalLots, new(big.Int))
		assigned.Add(assigned, shares[i])
	}

	order := make([]int, len(level))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if c := remainders[order[a]].Cmp(remainders[order[b]]); c != 0 {
			return c > 0
		}
		return level[order[a]].ID < level[order[b]].ID
	})

	leftover := new(big.Int).Sub(amountLots, assigned).Int64()
	for k := int64(0); k < leftover; k++ {
		i := order[k]
		shares[i].Add(shares[i], big.NewInt(1))
	}

	out := make([]decimal.Decimal, len(level))
	for i, s := range shares {
		out[i] = decimal.NewFromBigInt(s, 0).Mul(lot)
	}
	return out
}

func fill(b *protocol.RevealedBid, matched decimal.Decimal) protocol.Fill {
	return protocol.Fill{
		BidID:       b.ID,
		Participant: b.Participant,
		Side:        b.Side,
		LockRef:     b.LockRef,
		LimitPrice:  b.LimitPrice,
		Quantity:    b.Quantity,
		Matched:     matched,
	}
}
