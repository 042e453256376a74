package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bomba-atomica/atomica-sub004/collateral"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/tdx"
	"github.com/bomba-atomica/atomica-sub004/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	d       = decimal.RequireFromString
	closeAt = time.Date(1970, 1, 8, 17, 0, 0, 0, time.UTC)
	listing = protocol.Listing{Pair: testutil.APTUSDC, BaseChain: "aptos", QuoteChain: "ethereum"}
)

type fixture struct {
	t        *testing.T
	clock    *testutil.Clock
	aptos    *SimulatedChain
	ethereum *SimulatedChain
	registry *Registry
	ledger   *collateral.Ledger
	events   *eventlog.MemoryLog
	settler  *Settler
	gateways map[protocol.ChainID]*receiptGateway
}

// receiptGateway delivers through a simulated chain and can lose the
// receipts of deliveries that did land, like a relayer timing out after
// the chain accepted the transaction.
type receiptGateway struct {
	chain *SimulatedChain

	mu    sync.Mutex
	drops map[protocol.ObligationID]int
}

func (g *receiptGateway) Deliver(ctx context.Context, ob *protocol.SettlementObligation) (string, error) {
	tx, err := g.chain.Deliver(ctx, ob)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.drops[ob.ID] != 0 {
		g.drops[ob.ID]--
		return "", errors.New("relayer request: context deadline exceeded")
	}
	return tx, nil
}

// dropReceipts loses the next n receipts of ob; a negative n loses all.
func (f *fixture) dropReceipts(ob *protocol.SettlementObligation, n int) {
	g := f.gateways[ob.DestinationChain]
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drops[ob.ID] = n
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, clock: testutil.NewClock(closeAt.Add(time.Minute))}

	var err error
	f.aptos, err = NewSimulatedChain("aptos", 4)
	require.NoError(t, err)
	f.ethereum, err = NewSimulatedChain("ethereum", 4)
	require.NoError(t, err)

	f.registry = NewRegistry()
	lc := NewLightClientVerifier(f.aptos.ValidatorSet(), f.ethereum.ValidatorSet())
	attested := NewAttestedVerifier(&tdx.DummyProvider{}, tdx.DummyMeasurementSource(), "aptos", "ethereum")
	for _, chain := range []protocol.ChainID{"aptos", "ethereum"} {
		f.registry.Register(chain, lc)
		f.registry.Register(chain, attested)
	}

	f.ledger = collateral.NewLedger(collateral.Config{
		Leverage:           d("10"),
		LiquidationPenalty: d("0.05"),
		HomeChainAsset:     "USDC",
		Now:                f.clock.Now,
	})
	t.Cleanup(f.ledger.Close)

	f.gateways = make(map[protocol.ChainID]*receiptGateway)
	gateways := make(map[protocol.ChainID]Gateway)
	for _, chain := range []*SimulatedChain{f.aptos, f.ethereum} {
		g := &receiptGateway{chain: chain, drops: make(map[protocol.ObligationID]int)}
		f.gateways[chain.ID()], gateways[chain.ID()] = g, g
	}

	f.events = eventlog.NewMemoryLog(nil)
	f.settler = NewSettler(Config{
		DeliveryWindow: 12 * time.Hour,
		Verifiers:      f.registry,
		Gateways:       gateways,
		Ledger:         f.ledger,
		Events:         f.events,
		Now:            f.clock.Now,
	})
	return f
}

// winner commits a lock for a winning fill the way the scheduler does.
func (f *fixture) winner(id string, side protocol.Side, matched, limit, committed string) protocol.Fill {
	f.t.Helper()
	ctx := context.Background()
	p := protocol.ParticipantID("p-" + id)
	_, err := f.ledger.Deposit(ctx, &protocol.DepositNotice{Participant: p, Amount: d("100"), HomeChainTx: "tx-" + id})
	require.NoError(f.t, err)
	lock, err := f.ledger.LockForBid(ctx, &protocol.LockRequest{Participant: p, Amount: d(matched).Mul(d(limit)), Nonce: id})
	require.NoError(f.t, err)
	_, err = f.ledger.Bind(ctx, lock.Ref, p, protocol.BidID(id))
	require.NoError(f.t, err)
	require.NoError(f.t, f.ledger.Commit(ctx, lock.Ref, d(committed)))

	return protocol.Fill{
		BidID:       protocol.BidID(id),
		Participant: p,
		Side:        side,
		LockRef:     lock.Ref,
		LimitPrice:  d(limit),
		Quantity:    d(matched),
		Matched:     d(matched),
	}
}

func (f *fixture) schedule(fills ...protocol.Fill) []protocol.SettlementObligation {
	f.t.Helper()
	result := &protocol.ClearingResult{
		Epoch:         7,
		Pair:          testutil.APTUSDC,
		ClearingPrice: d("9"),
		Winners:       fills,
	}
	for _, fl := range fills {
		if fl.Side == protocol.Buy {
			result.MatchedBuyQuantity = result.MatchedBuyQuantity.Add(fl.Matched)
		} else {
			result.MatchedSellQuantity = result.MatchedSellQuantity.Add(fl.Matched)
		}
	}
	obs, err := f.settler.Schedule(context.Background(), result, listing, closeAt)
	require.NoError(f.t, err)
	return obs
}

func (f *fixture) origin(ob *protocol.SettlementObligation) *SimulatedChain {
	if ob.OriginChain == "aptos" {
		return f.aptos
	}
	return f.ethereum
}

func (f *fixture) lockState(ref protocol.LockRef) collateral.LockState {
	f.t.Helper()
	lock, err := f.ledger.Lock(context.Background(), ref)
	require.NoError(f.t, err)
	return lock.State
}

func TestScheduleSettlementLegs(t *testing.T) {
	f := newFixture(t)
	obs := f.schedule(
		f.winner("b1", protocol.Buy, "10", "10", "90"),
		f.winner("s1", protocol.Sell, "10", "8", "80"),
	)
	require.Len(t, obs, 2)

	buy, sell := obs[0], obs[1]
	require.Equal(t, "APT", buy.OwedAsset)
	require.True(t, buy.OwedAmount.Equal(d("10")))
	require.Equal(t, "USDC", buy.PaymentAsset)
	require.True(t, buy.PaymentAmount.Equal(d("90")))
	require.Equal(t, protocol.ChainID("ethereum"), buy.OriginChain)
	require.Equal(t, protocol.ChainID("aptos"), buy.DestinationChain)

	require.Equal(t, "USDC", sell.OwedAsset)
	require.True(t, sell.OwedAmount.Equal(d("90")))
	require.Equal(t, protocol.ChainID("aptos"), sell.OriginChain)
	require.Equal(t, protocol.ChainID("ethereum"), sell.DestinationChain)

	for _, ob := range obs {
		require.Equal(t, protocol.ObligationPending, ob.State)
		require.Equal(t, closeAt.Add(12*time.Hour), ob.DueTime)
		require.True(t, ob.Notional.Equal(d("90")))
	}

	again := f.schedule(
		protocol.Fill{BidID: "b1", Participant: "p-b1", Side: protocol.Buy, LockRef: buy.LockRef, LimitPrice: d("10"), Quantity: d("10"), Matched: d("10")},
	)
	require.Equal(t, buy.ID, again[0].ID, "obligation ids are derived from the fill")
	require.Len(t, f.settler.Obligations(7), 2)
}

func TestDeliverWithLightClientProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ob := f.schedule(f.winner("b1", protocol.Buy, "10", "10", "90"))[0]

	require.NoError(t, f.ethereum.LockPayment(&ob))
	proof, err := NewLightClientProver(f.aptos, f.ethereum).Prove(ctx, &ob)
	require.NoError(t, err)

	out, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationDelivered, out.State)
	require.NotEmpty(t, out.DeliveryTx)

	tx, ok := f.aptos.Delivered(ob.ID)
	require.True(t, ok)
	require.Equal(t, out.DeliveryTx, tx)
	require.Equal(t, collateral.LockReleased, f.lockState(ob.LockRef))

	again, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, out, again, "terminal obligations are not delivered twice")
}

func TestDeliverWithAttestedProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ob := f.schedule(f.winner("s1", protocol.Sell, "10", "8", "80"))[0]

	prover := NewAttestedProver(&tdx.DummyProvider{}, f.aptos, f.ethereum)
	_, err := prover.Prove(ctx, &ob)
	require.ErrorIs(t, err, ErrPaymentNotLocked)

	require.NoError(t, f.aptos.LockPayment(&ob))
	proof, err := prover.Prove(ctx, &ob)
	require.NoError(t, err)

	out, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationDelivered, out.State)
	_, ok := f.ethereum.Delivered(ob.ID)
	require.True(t, ok)
}

// A proof that fails verification before the due time reverts the
// obligation; the participant keeps a refund claim for the payment leg and
// gets the collateral lock back.
func TestInvalidProofRevertsWithRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fill := f.winner("b1", protocol.Buy, "10", "10", "90")
	ob := f.schedule(fill)[0]

	require.NoError(t, f.ethereum.LockPayment(&ob))
	proof, err := NewLightClientProver(f.ethereum).Prove(ctx, &ob)
	require.NoError(t, err)
	valid := *proof.LightClient
	proof.LightClient.Signatures = proof.LightClient.Signatures[:2]

	out, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationReverted, out.State)
	require.Equal(t, protocol.ErrProofInvalid, out.Reason)

	stored, err := f.settler.Obligation(ob.ID)
	require.NoError(t, err)
	require.Equal(t, "Reverted:ProofInvalid", stored.Status())
	require.Equal(t, &protocol.RefundClaim{Chain: "ethereum", Asset: "USDC", Amount: d("90")}, stored.RefundClaim)

	require.Equal(t, collateral.LockReleased, f.lockState(ob.LockRef))
	pos, err := f.ledger.Position(ctx, fill.Participant)
	require.NoError(t, err)
	require.True(t, pos.LockedAmount.Equal(d("100")), "collateral fully recoverable")
	require.True(t, pos.OpenNotional.IsZero())

	_, ok := f.aptos.Delivered(ob.ID)
	require.False(t, ok)

	proof.LightClient = &valid
	out, err = f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationReverted, out.State, "reverted is terminal")
}

func TestLightClientQuorum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ob := f.schedule(f.winner("b1", protocol.Buy, "10", "10", "90"))[0]
	require.NoError(t, f.ethereum.LockPayment(&ob))
	proof, err := NewLightClientProver(f.ethereum).Prove(ctx, &ob)
	require.NoError(t, err)
	sigs := proof.LightClient.Signatures

	v := NewLightClientVerifier(f.ethereum.ValidatorSet())
	check := func(mutate func(p *protocol.LightClientProof)) error {
		cp := *proof.LightClient
		cp.Signatures = append([]protocol.ValidatorSignature(nil), sigs...)
		mutate(&cp)
		return v.Verify(ctx, &ob, &protocol.DeliveryProof{ObligationID: ob.ID, Kind: protocol.ProofLightClient, LightClient: &cp})
	}

	require.NoError(t, check(func(p *protocol.LightClientProof) {}))
	require.NoError(t, check(func(p *protocol.LightClientProof) { p.Signatures = p.Signatures[:3] }), "3 of 4 is above two thirds")

	for name, mutate := range map[string]func(p *protocol.LightClientProof){
		"half the power": func(p *protocol.LightClientProof) { p.Signatures = p.Signatures[:2] },
		"duplicates":     func(p *protocol.LightClientProof) { p.Signatures = []protocol.ValidatorSignature{sigs[0], sigs[0], sigs[1], sigs[1]} },
		"wrong signer":   func(p *protocol.LightClientProof) { p.Signatures[1].Validator = sigs[0].Validator; p.Signatures = p.Signatures[:3] },
		"other height":   func(p *protocol.LightClientProof) { p.Height++ },
		"other chain":    func(p *protocol.LightClientProof) { p.OriginChain = "aptos" },
		"bad path":       func(p *protocol.LightClientProof) { p.StateRoot[0] ^= 1 },
		"other leaf":     func(p *protocol.LightClientProof) { p.Leaf[0] ^= 1 },
	} {
		err := check(mutate)
		require.ErrorIs(t, err, protocol.ErrProofInvalid, name)
	}
}

func TestDeliveryRetriedUntilDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ob := f.schedule(f.winner("b1", protocol.Buy, "10", "10", "90"))[0]
	require.NoError(t, f.ethereum.LockPayment(&ob))
	proof, err := NewLightClientProver(f.ethereum).Prove(ctx, &ob)
	require.NoError(t, err)

	f.aptos.FailDeliveries(1)
	out, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationProofSubmitted, out.State)

	f.settler.RetryDeliveries(ctx)
	stored, err := f.settler.Obligation(ob.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationDelivered, stored.State)
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	obs := f.schedule(
		f.winner("b1", protocol.Buy, "10", "10", "90"),
		f.winner("s1", protocol.Sell, "10", "8", "80"),
	)
	buy, sell := obs[0], obs[1]

	// The seller proves payment but the gateway never accepts the delivery.
	require.NoError(t, f.aptos.LockPayment(&sell))
	proof, err := NewLightClientProver(f.aptos).Prove(ctx, &sell)
	require.NoError(t, err)
	f.ethereum.FailDeliveries(1000)
	out, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationProofSubmitted, out.State)

	require.Empty(t, f.settler.ExpireDue(ctx), "nothing is due yet")

	f.clock.Set(buy.DueTime)
	outcomes := f.settler.ExpireDue(ctx)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.Equal(t, protocol.ObligationReverted, o.State)
		require.Equal(t, protocol.ErrSettlementTimeout, o.Reason)
	}

	// The buyer never proved payment and is liquidated for the notional
	// plus penalty: 94.5 of the 100 deposited.
	require.Equal(t, collateral.LockLiquidated, f.lockState(buy.LockRef))
	liqs, err := f.ledger.Liquidations(ctx, buy.Participant)
	require.NoError(t, err)
	require.Len(t, liqs, 1)
	require.True(t, liqs[0].Seized.Equal(d("94.5")), liqs[0].Seized.String())

	// The seller proved payment and only gets the lock back.
	require.Equal(t, collateral.LockReleased, f.lockState(sell.LockRef))
	liqs, err = f.ledger.Liquidations(ctx, sell.Participant)
	require.NoError(t, err)
	require.Empty(t, liqs)

	late, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationReverted, late.State)
}

func TestLostDeliveryReceiptNeverReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ob := f.schedule(f.winner("b1", protocol.Buy, "10", "10", "90"))[0]
	require.NoError(t, f.ethereum.LockPayment(&ob))
	proof, err := NewLightClientProver(f.ethereum).Prove(ctx, &ob)
	require.NoError(t, err)

	f.dropReceipts(&ob, -1)
	out, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationProofSubmitted, out.State)
	tx, onChain := f.aptos.Delivered(ob.ID)
	require.True(t, onChain, "the delivery landed")

	// Past due with the relayer still unreachable, the obligation is held
	// rather than reverted over a delivery that happened.
	f.clock.Set(ob.DueTime.Add(time.Minute))
	require.Empty(t, f.settler.ExpireDue(ctx))
	held, err := f.settler.Obligation(ob.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationProofSubmitted, held.State)
	require.Nil(t, held.RefundClaim)
	require.Equal(t, collateral.LockCommitted, f.lockState(ob.LockRef))

	f.dropReceipts(&ob, 0)
	outcomes := f.settler.ExpireDue(ctx)
	require.Len(t, outcomes, 1)
	require.Equal(t, protocol.ObligationDelivered, outcomes[0].State)

	stored, err := f.settler.Obligation(ob.ID)
	require.NoError(t, err)
	require.Equal(t, tx, stored.DeliveryTx)
	require.Nil(t, stored.RefundClaim)
	require.Equal(t, collateral.LockReleased, f.lockState(ob.LockRef))
}

func TestRejectedDeliveryRevertsAtDueTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ob := f.schedule(f.winner("b1", protocol.Buy, "10", "10", "90"))[0]
	require.NoError(t, f.ethereum.LockPayment(&ob))
	proof, err := NewLightClientProver(f.ethereum).Prove(ctx, &ob)
	require.NoError(t, err)

	f.aptos.FailDeliveries(2)
	out, err := f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationProofSubmitted, out.State)

	f.clock.Set(ob.DueTime)
	outcomes := f.settler.ExpireDue(ctx)
	require.Len(t, outcomes, 1)
	require.Equal(t, protocol.ObligationReverted, outcomes[0].State)
	_, onChain := f.aptos.Delivered(ob.ID)
	require.False(t, onChain)
}

// Property: whatever mix of valid, invalid and missing proofs and lost
// delivery receipts arrives, after the due time every obligation is exactly
// Delivered with a delivery on chain, or Reverted with a refund claim and no
// delivery.
func TestSettlementAtomicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var fills []protocol.Fill
	for i := 0; i < 24; i++ {
		side := protocol.Buy
		if i%2 == 1 {
			side = protocol.Sell
		}
		fills = append(fills, f.winner(fmt.Sprintf("w%02d", i), side, "1", "9", "9"))
	}
	obs := f.schedule(fills...)
	prover := NewLightClientProver(f.aptos, f.ethereum)

	for i := range obs {
		ob := &obs[i]
		switch rng.Intn(5) {
		case 0: // never proves
		case 1:
			require.NoError(t, f.origin(ob).LockPayment(ob))
			proof, err := prover.Prove(ctx, ob)
			require.NoError(t, err)
			proof.LightClient.Signatures = nil
			_, err = f.settler.VerifyAndDeliver(ctx, proof)
			require.NoError(t, err)
		case 2: // delivered, receipt lost until the due time
			require.NoError(t, f.origin(ob).LockPayment(ob))
			proof, err := prover.Prove(ctx, ob)
			require.NoError(t, err)
			f.dropReceipts(ob, 1)
			_, err = f.settler.VerifyAndDeliver(ctx, proof)
			require.NoError(t, err)
		default:
			require.NoError(t, f.origin(ob).LockPayment(ob))
			proof, err := prover.Prove(ctx, ob)
			require.NoError(t, err)
			_, err = f.settler.VerifyAndDeliver(ctx, proof)
			require.NoError(t, err)
		}
	}

	f.clock.Set(closeAt.Add(12 * time.Hour))
	f.settler.ExpireDue(ctx)

	for _, ob := range f.settler.Obligations(7) {
		destination := f.aptos
		if ob.DestinationChain == "ethereum" {
			destination = f.ethereum
		}
		_, delivered := destination.Delivered(ob.ID)
		switch ob.State {
		case protocol.ObligationDelivered:
			require.True(t, delivered)
			require.Nil(t, ob.RefundClaim)
		case protocol.ObligationReverted:
			require.False(t, delivered)
			require.NotNil(t, ob.RefundClaim)
		default:
			t.Fatalf("obligation %s left in %s", ob.ID, ob.State)
		}
		require.False(t, f.lockState(ob.LockRef).Live(), "every lock is resolved")
	}
}

func TestRegistryValidateListings(t *testing.T) {
	aptos, err := NewSimulatedChain("aptos", 1)
	require.NoError(t, err)

	r := NewRegistry()
	r.Register("aptos", NewLightClientVerifier(ValidatorSet{Chain: "ethereum", Validators: []Validator{{Power: 1}}}))
	require.Error(t, r.ValidateListings([]protocol.Listing{listing}), "sellers' leg has no verifier")

	r.Register("ethereum", NewLightClientVerifier(aptos.ValidatorSet()))
	require.NoError(t, r.ValidateListings([]protocol.Listing{listing}))
	require.Equal(t, []protocol.ProofKind{protocol.ProofLightClient}, r.Capabilities("aptos", "ethereum"))

	same := protocol.Listing{Pair: testutil.ETHUSDC, BaseChain: "ethereum", QuoteChain: "ethereum"}
	require.Error(t, r.ValidateListings([]protocol.Listing{same}))
	r.Register("ethereum", NewAttestedVerifier(&tdx.DummyProvider{}, tdx.DummyMeasurementSource(), "ethereum"))
	require.NoError(t, r.ValidateListings([]protocol.Listing{same}))
}

func TestProveAll(t *testing.T) {
	f := newFixture(t)
	obs := f.schedule(
		f.winner("b1", protocol.Buy, "10", "10", "90"),
		f.winner("b2", protocol.Buy, "1", "10", "9"),
		f.winner("s1", protocol.Sell, "10", "8", "80"),
	)
	require.NoError(t, f.ethereum.LockPayment(&obs[0]))
	require.NoError(t, f.aptos.LockPayment(&obs[2]))

	proofs, err := ProveAll(context.Background(), NewLightClientProver(f.aptos, f.ethereum), obs, 2)
	require.ErrorIs(t, err, ErrPaymentNotLocked)
	require.Len(t, proofs, 3)
	require.NotNil(t, proofs[0])
	require.Nil(t, proofs[1])
	require.NotNil(t, proofs[2])
	require.Equal(t, obs[2].ID, proofs[2].ObligationID)
}

func TestHTTPGateway(t *testing.T) {
	chain, err := NewSimulatedChain("aptos", 1)
	require.NoError(t, err)
	r := chi.NewRouter()
	NewRelayerHandler(chain).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL)
	ob := &protocol.SettlementObligation{ID: "ob-1", DestinationChain: "aptos"}
	tx, err := gw.Deliver(context.Background(), ob)
	require.NoError(t, err)
	onChain, ok := chain.Delivered("ob-1")
	require.True(t, ok)
	require.Equal(t, onChain, tx)

	_, err = gw.Deliver(context.Background(), &protocol.SettlementObligation{ID: "ob-2", DestinationChain: "ethereum"})
	require.Error(t, err)
}

func TestUnknownObligationAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.settler.VerifyAndDeliver(ctx, &protocol.DeliveryProof{ObligationID: "missing", Kind: protocol.ProofLightClient})
	require.ErrorIs(t, err, protocol.ErrUnknownObligation)

	ob := f.schedule(f.winner("b1", protocol.Buy, "10", "10", "90"))[0]
	require.NoError(t, f.ethereum.LockPayment(&ob))
	proof, err := NewLightClientProver(f.ethereum).Prove(ctx, &ob)
	require.NoError(t, err)
	_, err = f.settler.VerifyAndDeliver(ctx, proof)
	require.NoError(t, err)

	restored := NewSettler(Config{})
	_, err = restored.Restore(ctx, f.events)
	require.NoError(t, err)
	got, err := restored.Obligation(ob.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.ObligationDelivered, got.State)
}
