package settlement

import (
	"context"

	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Validator is one member of an origin chain's validator set.
type Validator struct {
	Address common.Address `json:"address" yaml:"address"`
	Power   uint64         `json:"power" yaml:"power"`
}

// ValidatorSet is the set trusted to sign state roots of Chain.
type ValidatorSet struct {
	Chain      protocol.ChainID `json:"chain" yaml:"chain"`
	Validators []Validator      `json:"validators" yaml:"validators"`
}

func (s ValidatorSet) TotalPower() uint64 {
	var total uint64
	for _, v := range s.Validators {
		total += v.Power
	}
	return total
}

// LightClientVerifier accepts a payment leaf included under a state root
// signed by more than two thirds of the origin chain's voting power.
type LightClientVerifier struct {
	sets map[protocol.ChainID]ValidatorSet
}

func NewLightClientVerifier(sets ...ValidatorSet) *LightClientVerifier {
	v := &LightClientVerifier{sets: make(map[protocol.ChainID]ValidatorSet)}
	for _, s := range sets {
		v.sets[s.Chain] = s
	}
	return v
}

func (v *LightClientVerifier) Kind() protocol.ProofKind {
	return protocol.ProofLightClient
}

func (v *LightClientVerifier) Supports(origin protocol.ChainID) bool {
	set, ok := v.sets[origin]
	return ok && set.TotalPower() > 0
}

func (v *LightClientVerifier) Verify(_ context.Context, ob *protocol.SettlementObligation, proof *protocol.DeliveryProof) error {
	lc := proof.LightClient
	if lc == nil {
		return protocol.Errorf(protocol.ErrProofInvalid, "missing light-client payload")
	}
	if lc.OriginChain != ob.OriginChain {
		return protocol.Errorf(protocol.ErrProofInvalid, "proof is for chain %s, payment is on %s", lc.OriginChain, ob.OriginChain)
	}
	if lc.Leaf != ob.PaymentLeaf() {
		return protocol.Errorf(protocol.ErrProofInvalid, "leaf does not commit to the payment of %s", ob.ID)
	}
	if !crypto.VerifyMerkleProof(lc.StateRoot, lc.Leaf, lc.MerkleProof) {
		return protocol.Errorf(protocol.ErrProofInvalid, "leaf not included under state root %s", lc.StateRoot)
	}

	set, ok := v.sets[lc.OriginChain]
	if !ok {
		return protocol.Errorf(protocol.ErrProofInvalid, "no validator set for %s", lc.OriginChain)
	}
	power := make(map[common.Address]uint64, len(set.Validators))
	for _, val := range set.Validators {
		power[val.Address] = val.Power
	}

	digest := protocol.CheckpointDigest(lc.OriginChain, lc.Height, lc.StateRoot)
	seen := make(map[common.Address]bool)
	var signed uint64
	for _, sig := range lc.Signatures {
		pub, err := ethcrypto.SigToPub(digest.Bytes(), sig.Signature)
		if err != nil {
			continue
		}
		signer := ethcrypto.PubkeyToAddress(*pub)
		if signer != sig.Validator || seen[signer] {
			continue
		}
		seen[signer] = true
		signed += power[signer]
	}

	if total := set.TotalPower(); signed*3 <= total*2 {
		return protocol.Errorf(protocol.ErrProofInvalid, "state root signed by %d of %d voting power", signed, total)
	}
	return nil
}
