// Package settlement turns clearing results into cross-chain delivery
// obligations and resolves each one to Delivered or Reverted.
//
// A winner owes the payment leg on the origin chain and is owed the
// purchased asset on the destination chain. The destination releases the
// owed asset only against a proof that the payment leg is locked, so an
// obligation either completes or reverts with a refund claim; nothing in
// between survives the due time.
package settlement

import (
	"fmt"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/google/uuid"
)

// obligationNamespace scopes obligation ids derived from fills.
var obligationNamespace = uuid.MustParse("5e1f4a3c-7b7d-4d0e-9a55-3c6f0b8a2d41")

// ObligationID is deterministic in the epoch, pair and bid, so scheduling
// the same result twice yields the same obligations.
func ObligationID(epoch protocol.EpochID, pair protocol.AssetPair, bid protocol.BidID) protocol.ObligationID {
	name := fmt.Sprintf("%d/%s/%s", epoch, pair, bid)
	return protocol.ObligationID(uuid.NewSHA1(obligationNamespace, []byte(name)).String())
}

// ScheduleSettlement creates one Pending obligation per winning fill, due
// window after closeTime.
//
// A buyer pays quote on the quote chain and is owed base on the base chain.
// A seller pays base on the base chain and is owed quote on the quote chain.
func ScheduleSettlement(result *protocol.ClearingResult, listing protocol.Listing, closeTime time.Time, window time.Duration) []protocol.SettlementObligation {
	due := closeTime.Add(window).UTC()
	price := result.ClearingPrice

	out := make([]protocol.SettlementObligation, 0, len(result.Winners))
	for _, w := range result.Winners {
		notional := w.Matched.Mul(price)
		ob := protocol.SettlementObligation{
			ID:          ObligationID(result.Epoch, result.Pair, w.BidID),
			Epoch:       result.Epoch,
			Pair:        result.Pair,
			Participant: w.Participant,
			BidID:       w.BidID,
			LockRef:     w.LockRef,
			Notional:    notional,
			DueTime:     due,
			State:       protocol.ObligationPending,
			UpdatedAt:   closeTime.UTC(),
		}
		switch w.Side {
		case protocol.Buy:
			ob.OwedAsset, ob.OwedAmount = result.Pair.Base, w.Matched
			ob.PaymentAsset, ob.PaymentAmount = result.Pair.Quote, notional
			ob.OriginChain, ob.DestinationChain = listing.QuoteChain, listing.BaseChain
		case protocol.Sell:
			ob.OwedAsset, ob.OwedAmount = result.Pair.Quote, notional
			ob.PaymentAsset, ob.PaymentAmount = result.Pair.Base, w.Matched
			ob.OriginChain, ob.DestinationChain = listing.BaseChain, listing.QuoteChain
		}
		out = append(out, ob)
	}
	return out
}

// refundClaim is what the participant recovers when ob reverts: the
// payment leg on its origin chain.
func refundClaim(ob *protocol.SettlementObligation) *protocol.RefundClaim {
	return &protocol.RefundClaim{
		Chain:  ob.OriginChain,
		Asset:  ob.PaymentAsset,
		Amount: ob.PaymentAmount,
	}
}
