package clearing

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	d       = decimal.RequireFromString
	aptUSDC = protocol.AssetPair{Base: "APT", Quote: "USDC"}
)

func bid(id string, side protocol.Side, qty, price string) protocol.RevealedBid {
	return protocol.RevealedBid{
		ID:          protocol.BidID(id),
		Participant: protocol.ParticipantID("p-" + id),
		Pair:        aptUSDC,
		Side:        side,
		LockRef:     protocol.LockRef("lock-" + id),
		LimitPrice:  d(price),
		Quantity:    d(qty),
	}
}

func matchedBy(result *protocol.ClearingResult) map[protocol.BidID]decimal.Decimal {
	out := make(map[protocol.BidID]decimal.Decimal)
	for _, w := range result.Winners {
		out[w.BidID] = w.Matched
	}
	return out
}

func scenarioA() []protocol.RevealedBid {
	return []protocol.RevealedBid{
		bid("b1", protocol.Buy, "100", "10"),
		bid("b2", protocol.Buy, "80", "9"),
		bid("b3", protocol.Buy, "50", "8"),
		bid("s1", protocol.Sell, "60", "7"),
		bid("s2", protocol.Sell, "70", "8"),
		bid("s3", protocol.Sell, "100", "9"),
	}
}

// D(9)=180 and S(9)=230 give the largest executed volume; the 100@9 seller is
// the marginal level.
func TestClearScenarioA(t *testing.T) {
	engine := NewEngine(2, d("1"))
	result, err := engine.Clear(aptUSDC, 7, scenarioA())
	require.NoError(t, err)

	require.True(t, result.ClearingPrice.Equal(d("9")), result.ClearingPrice.String())
	require.True(t, result.MatchedBuyQuantity.Equal(d("180")))
	require.True(t, result.MatchedSellQuantity.Equal(d("180")))
	require.Equal(t, protocol.EpochID(7), result.Epoch)

	m := matchedBy(result)
	require.Len(t, m, 5)
	require.True(t, m["b1"].Equal(d("100")))
	require.True(t, m["b2"].Equal(d("80")))
	require.True(t, m["s1"].Equal(d("60")))
	require.True(t, m["s2"].Equal(d("70")))
	require.True(t, m["s3"].Equal(d("50")))
	_, b3Won := m["b3"]
	require.False(t, b3Won, "bid below the clearing price is unmatched")
}

func TestCurves(t *testing.T) {
	buys, sells := split(scenarioA())
	for price, want := range map[string][2]string{
		"7":  {"230", "60"},
		"8":  {"230", "130"},
		"9":  {"180", "230"},
		"10": {"100", "230"},
	} {
		require.True(t, Demand(buys, d(price)).Equal(d(want[0])), price)
		require.True(t, Supply(sells, d(price)).Equal(d(want[1])), price)
	}
}

func TestClearInsufficientParticipants(t *testing.T) {
	bids := []protocol.RevealedBid{
		bid("b1", protocol.Buy, "10", "10"),
		bid("b2", protocol.Buy, "10", "10"),
		bid("s1", protocol.Sell, "10", "9"),
	}
	_, err := NewEngine(2, d("1")).Clear(aptUSDC, 1, bids)
	require.ErrorIs(t, err, protocol.ErrInsufficientParticipants)

	// Two bids from one participant still count once.
	bids = append(bids, bid("s2", protocol.Sell, "10", "9"))
	bids[3].Participant = bids[2].Participant
	_, err = NewEngine(2, d("1")).Clear(aptUSDC, 1, bids)
	require.ErrorIs(t, err, protocol.ErrInsufficientParticipants)

	_, err = NewEngine(1, d("1")).Clear(aptUSDC, 1, bids)
	require.NoError(t, err)
}

func TestClearNoCrossing(t *testing.T) {
	bids := []protocol.RevealedBid{
		bid("b1", protocol.Buy, "10", "5"),
		bid("b2", protocol.Buy, "10", "6"),
		bid("s1", protocol.Sell, "10", "7"),
		bid("s2", protocol.Sell, "10", "8"),
	}
	_, err := NewEngine(2, d("1")).Clear(aptUSDC, 1, bids)
	require.ErrorIs(t, err, protocol.ErrNoClearingPrice)

	_, err = NewEngine(0, d("1")).Clear(aptUSDC, 1, nil)
	require.ErrorIs(t, err, protocol.ErrNoClearingPrice)
}

func TestClearTieBreaks(t *testing.T) {
	// Volume 10 with no imbalance at both 9 and 10; the lower price wins.
	bids := []protocol.RevealedBid{
		bid("b1", protocol.Buy, "10", "10"),
		bid("b2", protocol.Buy, "10", "8"),
		bid("s1", protocol.Sell, "10", "9"),
		bid("s2", protocol.Sell, "10", "11"),
	}
	result, err := NewEngine(1, d("1")).Clear(aptUSDC, 1, bids)
	require.NoError(t, err)
	require.True(t, result.ClearingPrice.Equal(d("9")), result.ClearingPrice.String())
	require.True(t, result.MatchedBuyQuantity.Equal(d("10")))
}

func TestClearProRataOnLotGrid(t *testing.T) {
	// Three sellers share 2 lots of demand at one level.
	bids := []protocol.RevealedBid{
		bid("b1", protocol.Buy, "0.2", "5"),
		bid("s-c", protocol.Sell, "0.1", "5"),
		bid("s-a", protocol.Sell, "0.1", "5"),
		bid("s-b", protocol.Sell, "0.1", "5"),
	}

	result, err := NewEngine(1, d("0.1")).Clear(aptUSDC, 1, bids)
	require.NoError(t, err)
	require.True(t, result.ClearingPrice.Equal(d("5")))
	require.True(t, result.MatchedSellQuantity.Equal(d("0.2")))

	m := matchedBy(result)
	require.True(t, m["s-a"].Equal(d("0.1")))
	require.True(t, m["s-b"].Equal(d("0.1")))
	_, cWon := m["s-c"]
	require.False(t, cWon, "leftover lots go by bid id when remainders tie")
}

func TestClearProRataProportional(t *testing.T) {
	bids := []protocol.RevealedBid{
		bid("b1", protocol.Buy, "100", "10"),
		bid("b2", protocol.Buy, "50", "10"),
		bid("s1", protocol.Sell, "300", "10"),
		bid("s2", protocol.Sell, "100", "10"),
	}
	bids[1].Participant = "p-b1b"
	result, err := NewEngine(2, d("1")).Clear(aptUSDC, 1, bids)
	require.NoError(t, err)

	// 112.5 and 37.5 round down and tie on remainder; the spare lot goes to s1.
	m := matchedBy(result)
	require.True(t, m["s1"].Equal(d("113")), m["s1"].String())
	require.True(t, m["s2"].Equal(d("37")), m["s2"].String())
}

func TestClearRejectsMalformedInput(t *testing.T) {
	engine := NewEngine(1, d("1"))
	for name, mutate := range map[string]func(b *protocol.RevealedBid){
		"off grid":   func(b *protocol.RevealedBid) { b.Quantity = d("1.5") },
		"zero price": func(b *protocol.RevealedBid) { b.LimitPrice = decimal.Zero },
		"other pair": func(b *protocol.RevealedBid) { b.Pair = protocol.AssetPair{Base: "ETH", Quote: "USDC"} },
		"no side":    func(b *protocol.RevealedBid) { b.Side = "" },
		"duplicate":  func(b *protocol.RevealedBid) { b.ID = "b2" },
	} {
		t.Run(name, func(t *testing.T) {
			bids := scenarioA()
			mutate(&bids[0])
			_, err := engine.Clear(aptUSDC, 1, bids)
			require.ErrorIs(t, err, protocol.ErrInvalidBid)
		})
	}
}

// Property: for random books the result is feasible and does not depend on
// the order of the input.
func TestClearDeterministicAndFeasible(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	engine := NewEngine(2, d("1"))

	for round := 0; round < 200; round++ {
		var bids []protocol.RevealedBid
		for i := 0; i < 4+rng.Intn(12); i++ {
			side := protocol.Buy
			if rng.Intn(2) == 0 {
				side = protocol.Sell
			}
			bids = append(bids, bid(fmt.Sprintf("%d-%02d", round, i), side,
				fmt.Sprint(1+rng.Intn(50)), fmt.Sprint(90+rng.Intn(20))))
		}

		first, err := engine.Clear(aptUSDC, 1, bids)
		if err != nil {
			reason := protocol.ReasonOf(err)
			require.Contains(t, []protocol.Error{protocol.ErrNoClearingPrice, protocol.ErrInsufficientParticipants}, reason)
			continue
		}
		require.NoError(t, first.Check())

		shuffled := append([]protocol.RevealedBid(nil), bids...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		second, err := engine.Clear(aptUSDC, 1, shuffled)
		require.NoError(t, err)

		a, err := json.Marshal(first)
		require.NoError(t, err)
		b, err := json.Marshal(second)
		require.NoError(t, err)
		require.Equal(t, string(a), string(b))
	}
}
