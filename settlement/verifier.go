package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/bomba-atomica/atomica-sub004/protocol"
)

// Verifier checks delivery proofs on behalf of a destination chain.
type Verifier interface {
	// Kind is the proof variant the verifier understands.
	Kind() protocol.ProofKind

	// Supports reports whether payments on origin can be verified.
	Supports(origin protocol.ChainID) bool

	// Verify returns an error wrapping ErrProofInvalid if proof does not
	// show the payment leg of ob locked on its origin chain.
	Verify(ctx context.Context, ob *protocol.SettlementObligation, proof *protocol.DeliveryProof) error
}

// Registry holds the verifiers installed on each destination chain.
type Registry struct {
	mu      sync.RWMutex
	byChain map[protocol.ChainID][]Verifier
}

func NewRegistry() *Registry {
	return &Registry{byChain: make(map[protocol.ChainID][]Verifier)}
}

// Register installs v on destination.
func (r *Registry) Register(destination protocol.ChainID, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChain[destination] = append(r.byChain[destination], v)
}

// Capabilities lists the proof kinds destination accepts for payments on
// origin.
func (r *Registry) Capabilities(origin, destination protocol.ChainID) []protocol.ProofKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var kinds []protocol.ProofKind
	for _, v := range r.byChain[destination] {
		if v.Supports(origin) {
			kinds = append(kinds, v.Kind())
		}
	}
	return kinds
}

func (r *Registry) verifier(origin, destination protocol.ChainID, kind protocol.ProofKind) (Verifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.byChain[destination] {
		if v.Kind() == kind && v.Supports(origin) {
			return v, true
		}
	}
	return nil, false
}

// ValidateListings refuses listings with a settlement leg that no
// installed verifier can check.
func (r *Registry) ValidateListings(listings []protocol.Listing) error {
	for _, l := range listings {
		// Buyers pay on the quote chain and receive on the base chain.
		if len(r.Capabilities(l.QuoteChain, l.BaseChain)) == 0 {
			return fmt.Errorf("pair %s: no verifier on %s for payments on %s", l.Pair, l.BaseChain, l.QuoteChain)
		}
		if len(r.Capabilities(l.BaseChain, l.QuoteChain)) == 0 {
			return fmt.Errorf("pair %s: no verifier on %s for payments on %s", l.Pair, l.QuoteChain, l.BaseChain)
		}
	}
	return nil
}
