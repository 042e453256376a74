package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// ObligationState is the settlement state of an obligation.
// Pending -> ProofSubmitted -> Delivered | Reverted, and Pending -> Reverted
// on timeout. Delivered and Reverted are terminal.
type ObligationState string

const (
	ObligationPending        ObligationState = "Pending"
	ObligationProofSubmitted ObligationState = "ProofSubmitted"
	ObligationDelivered      ObligationState = "Delivered"
	ObligationReverted       ObligationState = "Reverted"
)

// IsTerminal reports whether no further transition is possible.
func (s ObligationState) IsTerminal() bool {
	return s == ObligationDelivered || s == ObligationReverted
}

// CanTransition reports whether s -> to is a legal step.
func (s ObligationState) CanTransition(to ObligationState) bool {
	switch s {
	case ObligationPending:
		return to == ObligationProofSubmitted || to == ObligationReverted
	case ObligationProofSubmitted:
		return to == ObligationDelivered || to == ObligationReverted
	}
	return false
}

// RefundClaim is what a participant can recover on the origin chain after
// a reverted obligation.
type RefundClaim struct {
	Chain  ChainID         `json:"chain"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// SettlementObligation is a pending delivery of OwedAsset to a winner. The
// winner proves its payment leg (PaymentAsset locked on OriginChain) and
// the destination chain releases OwedAsset.
type SettlementObligation struct {
	ID               ObligationID    `json:"id"`
	Epoch            EpochID         `json:"epoch"`
	Pair             AssetPair       `json:"pair"`
	Participant      ParticipantID   `json:"participant"`
	BidID            BidID           `json:"bid_id"`
	LockRef          LockRef         `json:"lock_ref"`
	OwedAsset        string          `json:"owed_asset"`
	OwedAmount       decimal.Decimal `json:"owed_amount"`
	PaymentAsset     string          `json:"payment_asset"`
	PaymentAmount    decimal.Decimal `json:"payment_amount"`
	Notional         decimal.Decimal `json:"notional"`
	OriginChain      ChainID         `json:"origin_chain"`
	DestinationChain ChainID         `json:"destination_chain"`
	DueTime          time.Time       `json:"due_time"`
	State            ObligationState `json:"state"`
	Reason           Error           `json:"reason,omitempty"`
	RefundClaim      *RefundClaim    `json:"refund_claim,omitempty"`
	DeliveryTx       string          `json:"delivery_tx,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Status renders the participant-facing status.
func (o *SettlementObligation) Status() string {
	if o.State == ObligationReverted {
		return fmt.Sprintf("%s:%s", o.State, o.Reason)
	}
	return string(o.State)
}

// PaymentLeaf is the leaf the origin chain commits to when the payment leg
// is locked for this obligation.
func (o *SettlementObligation) PaymentLeaf() common.Hash {
	return PaymentLeaf(o.ID, o.Participant, o.OriginChain, o.PaymentAsset, o.PaymentAmount)
}

// PaymentLeaf hashes the fields of a payment-leg lock.
func PaymentLeaf(id ObligationID, participant ParticipantID, chain ChainID, asset string, amount decimal.Decimal) common.Hash {
	return crypto.MerkleLeaf(
		[]byte(id),
		[]byte(participant),
		[]byte(chain),
		[]byte(asset),
		[]byte(amount.String()),
	)
}

// ProofKind tags the variant carried by a DeliveryProof.
type ProofKind string

const (
	ProofLightClient ProofKind = "light-client"
	ProofAttested    ProofKind = "tee-attested"
)

// DeliveryProof is a tagged union: exactly the payload matching Kind is set.
type DeliveryProof struct {
	ObligationID ObligationID      `json:"obligation_id"`
	Kind         ProofKind         `json:"kind"`
	LightClient  *LightClientProof `json:"light_client,omitempty"`
	Attested     *AttestedProof    `json:"attested,omitempty"`
}

// Validate checks the union shape, not the cryptography.
func (p *DeliveryProof) Validate() error {
	if p.ObligationID == "" {
		return errors.New("missing obligation id")
	}
	switch p.Kind {
	case ProofLightClient:
		if p.LightClient == nil || p.Attested != nil {
			return errors.New("light-client proof must carry only a light-client payload")
		}
	case ProofAttested:
		if p.Attested == nil || p.LightClient != nil {
			return errors.New("attested proof must carry only an attested payload")
		}
	default:
		return fmt.Errorf("unknown proof kind %q", p.Kind)
	}
	return nil
}

// LightClientProof shows that a leaf is included under a state root signed
// by more than two thirds of the origin chain's validator voting power.
type LightClientProof struct {
	OriginChain ChainID              `json:"origin_chain"`
	Height      uint64               `json:"height"`
	StateRoot   common.Hash          `json:"state_root"`
	Leaf        common.Hash          `json:"leaf"`
	MerkleProof []common.Hash        `json:"merkle_proof"`
	Signatures  []ValidatorSignature `json:"signatures"`
}

// ValidatorSignature is a secp256k1 signature over a checkpoint digest.
type ValidatorSignature struct {
	Validator common.Address `json:"validator"`
	Signature hexutil.Bytes  `json:"signature"`
}

// CheckpointDigest is the message validators sign for a state root.
func CheckpointDigest(chain ChainID, height uint64, root common.Hash) common.Hash {
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	return ethcrypto.Keccak256Hash([]byte("atomica-checkpoint-v1"), []byte(chain), h[:], root[:])
}

// AttestedProof is a payment claim vouched for by a prover running in a TEE.
type AttestedProof struct {
	Claim           PaymentClaim `json:"claim"`
	AttestationType string       `json:"attestation_type"`
	Quote           []byte       `json:"quote"`
}

// PaymentClaim states that the payment leg is locked on the origin chain.
type PaymentClaim struct {
	ObligationID ObligationID    `json:"obligation_id"`
	Participant  ParticipantID   `json:"participant"`
	OriginChain  ChainID         `json:"origin_chain"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	Height       uint64          `json:"height"`
}

// ReportData binds the claim into an attestation quote.
func (c *PaymentClaim) ReportData() ([64]byte, error) {
	var out [64]byte
	data, err := json.Marshal(c)
	if err != nil {
		return out, err
	}
	sum := sha256.Sum256(data)
	copy(out[:], sum[:])
	return out, nil
}

// Outcome is the result of verify_and_deliver.
type Outcome struct {
	ObligationID ObligationID    `json:"obligation_id"`
	State        ObligationState `json:"state"`
	Reason       Error           `json:"reason,omitempty"`
	DeliveryTx   string          `json:"delivery_tx,omitempty"`
}
