package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/metrics"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/tdx"
	"golang.org/x/sync/errgroup"
)

// Prover produces delivery proofs for obligations whose payment leg has
// been locked.
type Prover interface {
	Kind() protocol.ProofKind
	Prove(ctx context.Context, ob *protocol.SettlementObligation) (*protocol.DeliveryProof, error)
}

// chainSet looks up origin chains by id.
type chainSet map[protocol.ChainID]OriginChain

func newChainSet(chains []OriginChain) chainSet {
	set := make(chainSet, len(chains))
	for _, c := range chains {
		set[c.ID()] = c
	}
	return set
}

func (s chainSet) inclusion(ctx context.Context, ob *protocol.SettlementObligation) (*protocol.LightClientProof, error) {
	chain, ok := s[ob.OriginChain]
	if !ok {
		return nil, fmt.Errorf("no access to origin chain %s", ob.OriginChain)
	}
	return chain.InclusionProof(ctx, ob.PaymentLeaf())
}

// LightClientProver forwards the origin chain's signed inclusion proof.
type LightClientProver struct {
	chains chainSet
}

func NewLightClientProver(chains ...OriginChain) *LightClientProver {
	return &LightClientProver{chains: newChainSet(chains)}
}

func (p *LightClientProver) Kind() protocol.ProofKind {
	return protocol.ProofLightClient
}

func (p *LightClientProver) Prove(ctx context.Context, ob *protocol.SettlementObligation) (*protocol.DeliveryProof, error) {
	lc, err := p.chains.inclusion(ctx, ob)
	if err != nil {
		return nil, err
	}
	return &protocol.DeliveryProof{ObligationID: ob.ID, Kind: protocol.ProofLightClient, LightClient: lc}, nil
}

// AttestedProver checks the payment lock itself and vouches for it with a
// TEE quote over the claim.
type AttestedProver struct {
	provider tdx.Provider
	chains   chainSet
}

func NewAttestedProver(provider tdx.Provider, chains ...OriginChain) *AttestedProver {
	return &AttestedProver{provider: provider, chains: newChainSet(chains)}
}

func (p *AttestedProver) Kind() protocol.ProofKind {
	return protocol.ProofAttested
}

func (p *AttestedProver) Prove(ctx context.Context, ob *protocol.SettlementObligation) (*protocol.DeliveryProof, error) {
	lc, err := p.chains.inclusion(ctx, ob)
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyMerkleProof(lc.StateRoot, lc.Leaf, lc.MerkleProof) {
		return nil, errors.New("origin chain returned an invalid inclusion proof")
	}

	claim := protocol.PaymentClaim{
		ObligationID: ob.ID,
		Participant:  ob.Participant,
		OriginChain:  ob.OriginChain,
		Asset:        ob.PaymentAsset,
		Amount:       ob.PaymentAmount,
		Height:       lc.Height,
	}
	reportData, err := claim.ReportData()
	if err != nil {
		return nil, err
	}
	quote, err := p.provider.Attest(ctx, reportData)
	if err != nil {
		return nil, fmt.Errorf("attesting claim: %w", err)
	}
	return &protocol.DeliveryProof{
		ObligationID: ob.ID,
		Kind:         protocol.ProofAttested,
		Attested: &protocol.AttestedProof{
			Claim:           claim,
			AttestationType: p.provider.AttestationType(),
			Quote:           quote,
		},
	}, nil
}

// ProveAll proves obligations in parallel, at most concurrency at a time.
// Proofs are returned in input order; a failed obligation leaves a nil
// proof and contributes to the joined error.
func ProveAll(ctx context.Context, prover Prover, obligations []protocol.SettlementObligation, concurrency int) ([]*protocol.DeliveryProof, error) {
	proofs := make([]*protocol.DeliveryProof, len(obligations))

	var mu sync.Mutex
	var errs []error

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i := range obligations {
		ob := &obligations[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			proof, err := prover.Prove(ctx, ob)
			metrics.Since(metrics.ProofDuration.WithLabelValues("prove", string(prover.Kind())), start)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("obligation %s: %w", ob.ID, err))
				mu.Unlock()
				return nil
			}
			proofs[i] = proof
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return proofs, err
	}
	return proofs, errors.Join(errs...)
}
