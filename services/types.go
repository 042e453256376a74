package services

import (
	"time"

	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/protocol"
)

// ScheduleResponse describes the open epoch and how its bids must be sealed.
type ScheduleResponse struct {
	Epoch       protocol.EpochID   `json:"epoch"`
	CloseTime   time.Time          `json:"close_time"`
	RevealRound uint64             `json:"reveal_round"`
	Auctions    []protocol.Auction `json:"auctions"`
	Listings    []protocol.Listing `json:"listings"`
	Beacon      beacon.Info        `json:"beacon"`
	ChainHash   string             `json:"chain_hash"`
}

// BidStatusResponse carries a bid status and its rendered form, e.g.
// "Matched@9" or "Rejected:LateSubmission".
type BidStatusResponse struct {
	protocol.BidStatus
	Status string `json:"status"`
}

// ObligationResponse carries an obligation and its rendered status.
type ObligationResponse struct {
	protocol.SettlementObligation
	Status string `json:"status"`
}

// ObligationListResponse lists the obligations of one participant.
type ObligationListResponse struct {
	Participant protocol.ParticipantID `json:"participant"`
	Obligations []ObligationResponse   `json:"obligations"`
}

// EpochStateResponse is returned for epochs that have not closed yet.
type EpochStateResponse struct {
	Epoch     protocol.EpochID `json:"epoch"`
	State     string           `json:"state"`
	CloseTime time.Time        `json:"close_time"`
}

func newObligationResponse(ob protocol.SettlementObligation) ObligationResponse {
	return ObligationResponse{SettlementObligation: ob, Status: ob.Status()}
}
