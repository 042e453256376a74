package sealedbid

import (
	"context"
	"testing"
	"time"

	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/collateral"
	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var d = decimal.RequireFromString

const epoch = protocol.EpochID(7)

type fixture struct {
	t        *testing.T
	clock    *testutil.Clock
	config   *protocol.AtomicaConfig
	schedule *protocol.EpochSchedule
	beacon   *beacon.LocalBeacon
	ledger   *collateral.Ledger
	events   *eventlog.MemoryLog
	book     *Book
	operator testutil.Participant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, clock: testutil.NewClock(testutil.Epoch7Open)}
	f.config = testutil.NewTestConfig()
	f.schedule = testutil.NewTestSchedule(t, f.config)
	f.beacon = testutil.NewTestBeacon(t, f.clock)
	f.events = eventlog.NewMemoryLog(nil)
	f.operator = testutil.NewParticipant(t)

	ledgerCfg := collateral.ConfigFrom(f.config)
	ledgerCfg.Now = f.clock.Now
	ledgerCfg.Events = f.events
	f.ledger = collateral.NewLedger(ledgerCfg)
	t.Cleanup(f.ledger.Close)

	f.book = NewBook(Config{
		Auction:  f.config,
		Schedule: f.schedule,
		Beacon:   f.beacon,
		Locks:    f.ledger,
		Signer:   f.operator.Key,
		Events:   f.events,
		Now:      f.clock.Now,
	})
	return f
}

func (f *fixture) lock(p testutil.Participant, amount, nonce string) protocol.LockRef {
	f.t.Helper()
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, &protocol.DepositNotice{Participant: p.ID, Amount: d(amount), HomeChainTx: "tx-" + nonce})
	require.NoError(f.t, err)
	lock, err := f.ledger.LockForBid(ctx, &protocol.LockRequest{Participant: p.ID, Amount: d(amount), Nonce: nonce})
	require.NoError(f.t, err)
	return lock.Ref
}

func payload(p testutil.Participant, side protocol.Side, qty, price string) *protocol.BidPayload {
	return &protocol.BidPayload{
		Participant: p.ID,
		Pair:        testutil.APTUSDC,
		Side:        side,
		Epoch:       epoch,
		LimitPrice:  d(price),
		Quantity:    d(qty),
	}
}

func (f *fixture) submission(p testutil.Participant, lock protocol.LockRef, bid *protocol.BidPayload) *protocol.Signed[protocol.BidSubmission] {
	f.t.Helper()
	signed, err := NewSubmission(p.Key, f.beacon.Info(), f.schedule, lock, bid)
	require.NoError(f.t, err)
	return signed
}

func (f *fixture) submit(p testutil.Participant, lock protocol.LockRef, bid *protocol.BidPayload) protocol.BidID {
	f.t.Helper()
	receipt, err := f.book.Submit(context.Background(), f.submission(p, lock, bid))
	require.NoError(f.t, err)
	r, signer, err := receipt.Recover()
	require.NoError(f.t, err)
	require.True(f.t, signer.Equal(f.operator.Pub), "receipt is signed by the auctioneer")
	return r.BidID
}

func (f *fixture) lockState(ref protocol.LockRef) collateral.LockState {
	f.t.Helper()
	lock, err := f.ledger.Lock(context.Background(), ref)
	require.NoError(f.t, err)
	return lock.State
}

func TestSubmitAndReveal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := testutil.NewParticipant(t), testutil.NewParticipant(t)

	aliceBid := f.submit(alice, f.lock(alice, "50", "a1"), payload(alice, protocol.Buy, "10", "5"))
	bobBid := f.submit(bob, f.lock(bob, "40", "b1"), payload(bob, protocol.Sell, "10", "4"))

	bids := f.book.Bids(epoch)
	require.Len(t, bids, 2)
	_, ok := f.book.Bid(aliceBid)
	require.True(t, ok)

	_, err := f.book.Reveal(ctx, epoch)
	require.ErrorIs(t, err, protocol.ErrTooEarly)

	f.clock.Set(f.schedule.CloseTime(epoch))
	out, err := f.book.Reveal(ctx, epoch)
	require.NoError(t, err)
	require.Empty(t, out.Rejected)
	require.Equal(t, RevealRound(f.beacon.Info(), f.schedule.CloseTime(epoch)), out.Round)

	revealed := out.Revealed[testutil.APTUSDC]
	require.Len(t, revealed, 2)
	byID := map[protocol.BidID]protocol.RevealedBid{}
	for _, b := range revealed {
		byID[b.ID] = b
	}
	require.True(t, byID[aliceBid].LimitPrice.Equal(d("5")))
	require.True(t, byID[bobBid].Quantity.Equal(d("10")))
	require.Equal(t, protocol.Sell, byID[bobBid].Side)

	again, err := f.book.Reveal(ctx, epoch)
	require.NoError(t, err)
	require.Same(t, out, again, "a revealed epoch is frozen")

	events, err := f.events.ByEpoch(ctx, epoch)
	require.NoError(t, err)
	var submitted, revealedStatuses int
	for _, ev := range events {
		switch ev.Kind {
		case eventlog.KindBidSubmitted:
			submitted++
		case eventlog.KindBidStatus:
			var status protocol.BidStatus
			require.NoError(t, ev.Decode(&status))
			if status.State == protocol.BidRevealed {
				revealedStatuses++
			}
		}
	}
	require.Equal(t, 2, submitted)
	require.Equal(t, 2, revealedStatuses)
}

// A bid arriving one second after close is refused whatever the network
// delay, and takes no part in the reveal.
func TestSubmitAfterCloseIsLate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := testutil.NewParticipant(t), testutil.NewParticipant(t)

	f.submit(alice, f.lock(alice, "50", "a1"), payload(alice, protocol.Buy, "10", "5"))
	bobLock := f.lock(bob, "40", "b1")
	late := f.submission(bob, bobLock, payload(bob, protocol.Sell, "10", "4"))

	closeAt := f.schedule.CloseTime(epoch)
	f.clock.Set(closeAt)
	_, err := f.book.Submit(ctx, late)
	require.ErrorIs(t, err, protocol.ErrLateSubmission, "the close instant itself is late")

	f.clock.Set(closeAt.Add(time.Second))
	_, err = f.book.Submit(ctx, late)
	require.ErrorIs(t, err, protocol.ErrLateSubmission)
	require.Equal(t, collateral.LockOpen, f.lockState(bobLock), "a late bid never binds its lock")

	out, err := f.book.Reveal(ctx, epoch)
	require.NoError(t, err)
	require.Len(t, out.Revealed[testutil.APTUSDC], 1)
	require.Equal(t, alice.ID, out.Revealed[testutil.APTUSDC][0].Participant)
}

func TestRevealIsolatesBadBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ps := testutil.NewParticipants(t, 5)
	good, tampered, impostor, greedy, offGrid := ps[0], ps[1], ps[2], ps[3], ps[4]
	info := f.beacon.Info()
	closeAt := f.schedule.CloseTime(epoch)

	goodBid := f.submit(good, f.lock(good, "50", "g"), payload(good, protocol.Buy, "10", "5"))

	// Ciphertext corrupted before signing: the envelope is valid but the
	// payload cannot be opened.
	tamperedLock := f.lock(tampered, "50", "t")
	ct, err := Seal(info, closeAt, payload(tampered, protocol.Buy, "10", "5"))
	require.NoError(t, err)
	ct.Ciphertext[0] ^= 0xff
	signed, err := protocol.NewSigned(tampered.Key, &protocol.BidSubmission{
		Participant: tampered.ID,
		Pair:        testutil.APTUSDC,
		Side:        protocol.Buy,
		Epoch:       epoch,
		LockRef:     tamperedLock,
		Payload:     ct,
	})
	require.NoError(t, err)
	_, err = f.book.Submit(ctx, signed)
	require.NoError(t, err)

	// Sealed payload names someone else.
	impostorLock := f.lock(impostor, "50", "i")
	foreign := payload(good, protocol.Buy, "10", "5")
	ct, err = Seal(info, closeAt, foreign)
	require.NoError(t, err)
	signed, err = protocol.NewSigned(impostor.Key, &protocol.BidSubmission{
		Participant: impostor.ID,
		Pair:        testutil.APTUSDC,
		Side:        protocol.Buy,
		Epoch:       epoch,
		LockRef:     impostorLock,
		Payload:     ct,
	})
	require.NoError(t, err)
	_, err = f.book.Submit(ctx, signed)
	require.NoError(t, err)

	greedyLock := f.lock(greedy, "10", "gr")
	f.submit(greedy, greedyLock, payload(greedy, protocol.Sell, "10", "5"))

	offGridLock := f.lock(offGrid, "50", "o")
	f.submit(offGrid, offGridLock, payload(offGrid, protocol.Sell, "1.5", "5"))

	f.clock.Set(closeAt)
	out, err := f.book.Reveal(ctx, epoch)
	require.NoError(t, err)

	require.Len(t, out.Revealed[testutil.APTUSDC], 1)
	require.Equal(t, goodBid, out.Revealed[testutil.APTUSDC][0].ID)

	reasons := map[protocol.ParticipantID]protocol.Error{}
	for _, r := range out.Rejected {
		reasons[r.Participant] = r.Reason
	}
	require.Equal(t, map[protocol.ParticipantID]protocol.Error{
		tampered.ID: protocol.ErrUndecryptableBid,
		impostor.ID: protocol.ErrUndecryptableBid,
		greedy.ID:   protocol.ErrInsufficientCollateral,
		offGrid.ID:  protocol.ErrInvalidBid,
	}, reasons)

	for _, ref := range []protocol.LockRef{tamperedLock, impostorLock, greedyLock, offGridLock} {
		require.Equal(t, collateral.LockReleased, f.lockState(ref))
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, mallory := testutil.NewParticipant(t), testutil.NewParticipant(t)
	lock := f.lock(alice, "100", "a1")
	info := f.beacon.Info()

	t.Run("signer is not the participant", func(t *testing.T) {
		signed := f.submission(alice, lock, payload(alice, protocol.Buy, "1", "1"))
		forged, err := protocol.NewSigned(mallory.Key, signed.UnsafeObject())
		require.NoError(t, err)
		_, err = f.book.Submit(ctx, forged)
		require.ErrorIs(t, err, protocol.ErrInvalidBid)
	})

	t.Run("unlisted pair", func(t *testing.T) {
		bid := payload(alice, protocol.Buy, "1", "1")
		bid.Pair = protocol.AssetPair{Base: "DOGE", Quote: "USDC"}
		_, err := f.book.Submit(ctx, f.submission(alice, lock, bid))
		require.ErrorIs(t, err, protocol.ErrInvalidBid)
	})

	t.Run("wrong reveal round", func(t *testing.T) {
		bid := payload(alice, protocol.Buy, "1", "1")
		ct, err := Seal(info, f.schedule.CloseTime(epoch).Add(-time.Minute), bid)
		require.NoError(t, err)
		signed, err := protocol.NewSigned(alice.Key, &protocol.BidSubmission{
			Participant: alice.ID, Pair: bid.Pair, Side: bid.Side, Epoch: epoch, LockRef: lock, Payload: ct,
		})
		require.NoError(t, err)
		_, err = f.book.Submit(ctx, signed)
		require.ErrorIs(t, err, protocol.ErrInvalidBid)
	})

	t.Run("future epoch", func(t *testing.T) {
		bid := payload(alice, protocol.Buy, "1", "1")
		bid.Epoch = epoch + 1
		_, err := f.book.Submit(ctx, f.submission(alice, lock, bid))
		require.ErrorIs(t, err, protocol.ErrInvalidBid)
	})

	t.Run("foreign lock", func(t *testing.T) {
		_, err := f.book.Submit(ctx, f.submission(mallory, lock, payload(mallory, protocol.Buy, "1", "1")))
		require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)
	})

	t.Run("unknown lock", func(t *testing.T) {
		_, err := f.book.Submit(ctx, f.submission(alice, "missing", payload(alice, protocol.Buy, "1", "1")))
		require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)
	})

	t.Run("lock reused", func(t *testing.T) {
		f.submit(alice, lock, payload(alice, protocol.Buy, "1", "1"))
		_, err := f.book.Submit(ctx, f.submission(alice, lock, payload(alice, protocol.Buy, "2", "1")))
		require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)
	})
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := testutil.NewParticipant(t), testutil.NewParticipant(t)

	lock := f.lock(alice, "50", "a1")
	id := f.submit(alice, lock, payload(alice, protocol.Buy, "10", "5"))

	cancel := func(p testutil.Participant, id protocol.BidID) error {
		signed, err := protocol.NewSigned(p.Key, &protocol.BidCancellation{BidID: id, Participant: p.ID})
		require.NoError(t, err)
		return f.book.Cancel(ctx, signed)
	}

	require.ErrorIs(t, cancel(bob, id), protocol.ErrUnknownBid, "only the owner may cancel")
	require.NoError(t, cancel(alice, id))
	require.Equal(t, collateral.LockReleased, f.lockState(lock))
	require.ErrorIs(t, cancel(alice, id), protocol.ErrUnknownBid)
	require.Empty(t, f.book.Bids(epoch))

	kept := f.submit(bob, f.lock(bob, "50", "b1"), payload(bob, protocol.Sell, "10", "5"))
	f.clock.Set(f.schedule.CloseTime(epoch))
	require.ErrorIs(t, cancel(bob, kept), protocol.ErrLateSubmission)

	out, err := f.book.Reveal(ctx, epoch)
	require.NoError(t, err)
	require.Len(t, out.Revealed[testutil.APTUSDC], 1)
	require.Equal(t, kept, out.Revealed[testutil.APTUSDC][0].ID)
}

func TestRestoreReloadsSealedBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := testutil.NewParticipant(t), testutil.NewParticipant(t)

	kept := f.submit(alice, f.lock(alice, "50", "a1"), payload(alice, protocol.Buy, "10", "5"))
	dropped := f.submit(bob, f.lock(bob, "50", "b1"), payload(bob, protocol.Sell, "10", "4"))
	signed, err := protocol.NewSigned(bob.Key, &protocol.BidCancellation{BidID: dropped, Participant: bob.ID})
	require.NoError(t, err)
	require.NoError(t, f.book.Cancel(ctx, signed))

	ledgerCfg := collateral.ConfigFrom(f.config)
	ledgerCfg.Now = f.clock.Now
	ledger := collateral.NewLedger(ledgerCfg)
	t.Cleanup(ledger.Close)
	_, err = ledger.Restore(ctx, f.events)
	require.NoError(t, err)

	restarted := NewBook(Config{
		Auction:  f.config,
		Schedule: f.schedule,
		Beacon:   f.beacon,
		Locks:    ledger,
		Signer:   f.operator.Key,
		Now:      f.clock.Now,
	})
	_, err = restarted.Restore(ctx, f.events)
	require.NoError(t, err)

	bids := restarted.Bids(epoch)
	require.Len(t, bids, 1)
	require.Equal(t, kept, bids[0].ID)
	_, ok := restarted.Bid(dropped)
	require.False(t, ok)

	f.clock.Set(f.schedule.CloseTime(epoch))
	out, err := restarted.Reveal(ctx, epoch)
	require.NoError(t, err)
	require.Empty(t, out.Rejected, "restored bids keep their lock amounts")
	require.Len(t, out.Revealed[testutil.APTUSDC], 1)
}

func TestSealOpenRoundTrip(t *testing.T) {
	master, err := crypto.GenerateTimelockMasterKey()
	require.NoError(t, err)
	info := beacon.Info{PublicKey: master.PublicKey(), GenesisTime: time.Unix(0, 0), Period: 30 * time.Second}
	closeAt := time.Unix(0, 0).Add(time.Hour + time.Second)

	want := payload(testutil.NewParticipant(t), protocol.Buy, "3", "1.25")
	ct, err := Seal(info, closeAt, want)
	require.NoError(t, err)
	require.Equal(t, uint64(122), ct.Round, "first round at or after the close")

	key, err := master.IdentityKey(ct.Round)
	require.NoError(t, err)
	got, err := open(key, ct)
	require.NoError(t, err)
	require.Equal(t, want.Participant, got.Participant)
	require.True(t, want.LimitPrice.Equal(got.LimitPrice))

	early, err := master.IdentityKey(ct.Round - 1)
	require.NoError(t, err)
	_, err = open(early, ct)
	require.Error(t, err)
}
