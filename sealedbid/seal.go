package sealedbid

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/protocol"
)

// RevealRound is the beacon round that opens bids of an epoch closing at
// closeTime: the first round emitted at or after the close.
func RevealRound(info beacon.Info, closeTime time.Time) uint64 {
	return info.RoundAt(closeTime)
}

// Seal encrypts payload to the reveal round of the epoch closing at
// closeTime. Participants call it before submitting.
func Seal(info beacon.Info, closeTime time.Time, payload *protocol.BidPayload) (*crypto.TimelockCiphertext, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return crypto.TimelockEncrypt(info.PublicKey, RevealRound(info, closeTime), plaintext)
}

// NewSubmission seals payload and wraps it in a signed submission.
func NewSubmission(sk crypto.PrivateKey, info beacon.Info, schedule *protocol.EpochSchedule, lock protocol.LockRef, payload *protocol.BidPayload) (*protocol.Signed[protocol.BidSubmission], error) {
	ct, err := Seal(info, schedule.CloseTime(payload.Epoch), payload)
	if err != nil {
		return nil, err
	}
	return protocol.NewSigned(sk, &protocol.BidSubmission{
		Participant: payload.Participant,
		Pair:        payload.Pair,
		Side:        payload.Side,
		Epoch:       payload.Epoch,
		LockRef:     lock,
		Payload:     ct,
	})
}

func open(key crypto.IdentityKey, ct *crypto.TimelockCiphertext) (*protocol.BidPayload, error) {
	plaintext, err := crypto.TimelockDecrypt(key, ct)
	if err != nil {
		return nil, err
	}
	var payload protocol.BidPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return &payload, nil
}
