package settlement

import (
	"context"
	"fmt"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/tdx"
)

// AttestedVerifier accepts payment claims quoted by a prover running in a
// TEE whose measurements are on the allowlist.
type AttestedVerifier struct {
	provider tdx.Provider
	allowed  tdx.MeasurementSource
	chains   map[protocol.ChainID]bool
}

// NewAttestedVerifier trusts provers attested by provider for payments on
// chains.
func NewAttestedVerifier(provider tdx.Provider, allowed tdx.MeasurementSource, chains ...protocol.ChainID) *AttestedVerifier {
	v := &AttestedVerifier{provider: provider, allowed: allowed, chains: make(map[protocol.ChainID]bool)}
	for _, c := range chains {
		v.chains[c] = true
	}
	return v
}

func (v *AttestedVerifier) Kind() protocol.ProofKind {
	return protocol.ProofAttested
}

func (v *AttestedVerifier) Supports(origin protocol.ChainID) bool {
	return v.chains[origin]
}

func (v *AttestedVerifier) Verify(ctx context.Context, ob *protocol.SettlementObligation, proof *protocol.DeliveryProof) error {
	att := proof.Attested
	if att == nil {
		return protocol.Errorf(protocol.ErrProofInvalid, "missing attested payload")
	}
	if att.AttestationType != v.provider.AttestationType() {
		return protocol.Errorf(protocol.ErrProofInvalid, "attestation type %q, expected %q", att.AttestationType, v.provider.AttestationType())
	}

	claim := att.Claim
	switch {
	case claim.ObligationID != ob.ID:
		return protocol.Errorf(protocol.ErrProofInvalid, "claim is for obligation %s", claim.ObligationID)
	case claim.Participant != ob.Participant:
		return protocol.Errorf(protocol.ErrProofInvalid, "claim names participant %s", claim.Participant)
	case claim.OriginChain != ob.OriginChain:
		return protocol.Errorf(protocol.ErrProofInvalid, "claim is for chain %s", claim.OriginChain)
	case claim.Asset != ob.PaymentAsset || !claim.Amount.Equal(ob.PaymentAmount):
		return protocol.Errorf(protocol.ErrProofInvalid, "claim locks %s %s, payment is %s %s", claim.Amount, claim.Asset, ob.PaymentAmount, ob.PaymentAsset)
	}

	reportData, err := claim.ReportData()
	if err != nil {
		return protocol.Errorf(protocol.ErrProofInvalid, "claim digest: %v", err)
	}
	measured, err := v.provider.Verify(att.Quote, reportData)
	if err != nil {
		return protocol.Errorf(protocol.ErrProofInvalid, "quote: %v", err)
	}

	allowed, err := v.allowed.AllowedMeasurements(ctx)
	if err != nil {
		// A plain error: the obligation stays Pending.
		return fmt.Errorf("loading measurement allowlist: %w", err)
	}
	if _, err := tdx.MatchMeasurements(allowed, measured); err != nil {
		return protocol.Errorf(protocol.ErrProofInvalid, "prover build: %v", err)
	}
	return nil
}
