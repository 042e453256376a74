package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/collateral"
	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/feed"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/sealedbid"
	"github.com/bomba-atomica/atomica-sub004/settlement"
	"github.com/bomba-atomica/atomica-sub004/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var d = decimal.RequireFromString

const epoch = protocol.EpochID(7)

// flakyBeacon reports the reveal round as not emitted for the first
// failures calls.
type flakyBeacon struct {
	beacon.Beacon
	failures atomic.Int32
}

func (b *flakyBeacon) IdentityKey(ctx context.Context, round uint64) (crypto.IdentityKey, error) {
	if b.failures.Add(-1) >= 0 {
		return nil, protocol.Errorf(protocol.ErrTooEarly, "round %d not emitted", round)
	}
	return b.Beacon.IdentityKey(ctx, round)
}

type fixture struct {
	t         *testing.T
	clock     *testutil.Clock
	config    *protocol.AtomicaConfig
	schedule  *protocol.EpochSchedule
	beacon    *flakyBeacon
	ledger    *collateral.Ledger
	events    *eventlog.MemoryLog
	book      *sealedbid.Book
	settler   *settlement.Settler
	reference *feed.StaticFeed
	scheduler *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, clock: testutil.NewClock(testutil.Epoch7Open)}
	f.config = testutil.NewTestConfig(testutil.WithMinParticipants(2))
	f.schedule = testutil.NewTestSchedule(t, f.config)
	f.beacon = &flakyBeacon{Beacon: testutil.NewTestBeacon(t, f.clock)}
	f.events = eventlog.NewMemoryLog(nil)

	ledgerCfg := collateral.ConfigFrom(f.config)
	ledgerCfg.Now = f.clock.Now
	f.ledger = collateral.NewLedger(ledgerCfg)
	t.Cleanup(f.ledger.Close)

	f.book = sealedbid.NewBook(sealedbid.Config{
		Auction:  f.config,
		Schedule: f.schedule,
		Beacon:   f.beacon,
		Locks:    f.ledger,
		Signer:   testutil.NewParticipant(t).Key,
		Events:   f.events,
		Now:      f.clock.Now,
	})
	f.settler = settlement.NewSettler(settlement.Config{
		DeliveryWindow: f.config.DeliveryWindow,
		Ledger:         f.ledger,
		Events:         f.events,
		Now:            f.clock.Now,
	})
	f.reference = feed.NewStaticFeed(feed.Quote{Pair: testutil.APTUSDC, Price: d("9.5"), Source: "test"})
	f.scheduler = NewScheduler(Config{
		Auction:    f.config,
		Schedule:   f.schedule,
		Book:       f.book,
		Locks:      f.ledger,
		Settlement: f.settler,
		Reference:  f.reference,
		Events:     f.events,
		Now:        f.clock.Now,
	})
	return f
}

type placed struct {
	id   protocol.BidID
	lock protocol.LockRef
}

// bid funds a lock for exactly the bid's notional and submits the bid.
func (f *fixture) bid(pair protocol.AssetPair, side protocol.Side, qty, price string) placed {
	f.t.Helper()
	ctx := context.Background()
	p := testutil.NewParticipant(f.t)
	notional := d(qty).Mul(d(price))

	_, err := f.ledger.Deposit(ctx, &protocol.DepositNotice{Participant: p.ID, Amount: notional, HomeChainTx: "tx-" + string(p.ID)})
	require.NoError(f.t, err)
	lock, err := f.ledger.LockForBid(ctx, &protocol.LockRequest{Participant: p.ID, Amount: notional, Nonce: "n1"})
	require.NoError(f.t, err)

	signed, err := sealedbid.NewSubmission(p.Key, f.beacon.Info(), f.schedule, lock.Ref, &protocol.BidPayload{
		Participant: p.ID,
		Pair:        pair,
		Side:        side,
		Epoch:       epoch,
		LimitPrice:  d(price),
		Quantity:    d(qty),
	})
	require.NoError(f.t, err)
	receipt, err := f.book.Submit(ctx, signed)
	require.NoError(f.t, err)
	return placed{id: receipt.UnsafeObject().BidID, lock: lock.Ref}
}

func (f *fixture) lock(ref protocol.LockRef) collateral.Lock {
	f.t.Helper()
	lock, err := f.ledger.Lock(context.Background(), ref)
	require.NoError(f.t, err)
	return lock
}

// statuses returns the latest recorded status of every bid of the epoch.
func (f *fixture) statuses() map[protocol.BidID]protocol.BidStatus {
	f.t.Helper()
	events, err := f.events.ByEpoch(context.Background(), epoch)
	require.NoError(f.t, err)
	out := make(map[protocol.BidID]protocol.BidStatus)
	for _, ev := range events {
		if ev.Kind != eventlog.KindBidStatus {
			continue
		}
		var status protocol.BidStatus
		require.NoError(f.t, ev.Decode(&status))
		out[status.BidID] = status
	}
	return out
}

// The APT/USDC book is the uniform-price example: demand 100@10, 80@9,
// 50@8 against supply 60@7, 70@8, 100@9 clears 180 at 9. ETH/USDC has a
// single buyer and stays unresolved without holding up APT/USDC.
func TestRunEpoch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b100 := f.bid(testutil.APTUSDC, protocol.Buy, "100", "10")
	b80 := f.bid(testutil.APTUSDC, protocol.Buy, "80", "9")
	b50 := f.bid(testutil.APTUSDC, protocol.Buy, "50", "8")
	s60 := f.bid(testutil.APTUSDC, protocol.Sell, "60", "7")
	s70 := f.bid(testutil.APTUSDC, protocol.Sell, "70", "8")
	s100 := f.bid(testutil.APTUSDC, protocol.Sell, "100", "9")

	ethBuy := f.bid(testutil.ETHUSDC, protocol.Buy, "2", "3000")
	ethSell1 := f.bid(testutil.ETHUSDC, protocol.Sell, "1", "2900")
	ethSell2 := f.bid(testutil.ETHUSDC, protocol.Sell, "1", "2950")

	_, err := f.scheduler.RunEpoch(ctx, epoch)
	require.ErrorIs(t, err, protocol.ErrTooEarly)
	require.Equal(t, EpochScheduled, f.scheduler.State(epoch))

	f.clock.Set(f.schedule.CloseTime(epoch))
	report, err := f.scheduler.RunEpoch(ctx, epoch)
	require.NoError(t, err)
	require.Equal(t, EpochClosed, report.State)
	require.Len(t, report.Auctions, 2)

	apt, eth := report.Auctions[0], report.Auctions[1]
	require.Equal(t, testutil.APTUSDC, apt.Pair, "pairs clear in sequence order")
	require.Equal(t, testutil.ETHUSDC, eth.Pair)

	require.Equal(t, AuctionCleared, apt.Outcome)
	require.True(t, apt.Result.ClearingPrice.Equal(d("9")))
	require.True(t, apt.Result.MatchedBuyQuantity.Equal(d("180")))
	require.Len(t, apt.Obligations, 5)
	require.Len(t, f.settler.Obligations(epoch), 5)

	require.Equal(t, AuctionUnresolved, eth.Outcome)
	require.Equal(t, protocol.ErrInsufficientParticipants, eth.Reason)
	require.Nil(t, eth.Result)

	// Winners commit matched × min(price, limit); everyone else is released.
	for ref, committed := range map[protocol.LockRef]string{
		b100.lock: "900",
		b80.lock:  "720",
		s60.lock:  "420",
		s70.lock:  "560",
		s100.lock: "450",
	} {
		lock := f.lock(ref)
		require.Equal(t, collateral.LockCommitted, lock.State)
		require.True(t, lock.Amount.Equal(d(committed)), "%s committed %s", ref, lock.Amount)
	}
	for _, ref := range []protocol.LockRef{b50.lock, ethBuy.lock, ethSell1.lock, ethSell2.lock} {
		require.Equal(t, collateral.LockReleased, f.lock(ref).State)
	}

	statuses := f.statuses()
	require.Equal(t, "Matched@9", statuses[b100.id].String())
	require.True(t, statuses[s100.id].Matched.Equal(d("50")), "marginal seller is filled pro rata")
	require.Equal(t, protocol.BidUnmatched, statuses[b50.id].State)
	require.Empty(t, statuses[b50.id].Reason)
	for _, p := range []placed{ethBuy, ethSell1, ethSell2} {
		require.Equal(t, protocol.BidUnmatched, statuses[p.id].State)
		require.Equal(t, protocol.ErrInsufficientParticipants, statuses[p.id].Reason)
	}

	require.NotNil(t, apt.ReferencePrice)
	require.True(t, apt.ReferencePrice.Equal(d("9.5")))
	require.Empty(t, apt.Warning)

	_, err = f.scheduler.RunEpoch(ctx, epoch)
	require.ErrorIs(t, err, protocol.ErrEpochAlreadyRun)

	stored, ok := f.scheduler.Report(epoch)
	require.True(t, ok)
	require.Equal(t, report.Auctions[0].Obligations, stored.Auctions[0].Obligations)
}

func TestReferenceOnlyWarns(t *testing.T) {
	f := newFixture(t)
	f.reference.Set(feed.Quote{Pair: testutil.APTUSDC, Price: d("5"), Source: "oracle"})

	f.bid(testutil.APTUSDC, protocol.Buy, "10", "10")
	f.bid(testutil.APTUSDC, protocol.Buy, "10", "9")
	f.bid(testutil.APTUSDC, protocol.Sell, "10", "8")
	f.bid(testutil.APTUSDC, protocol.Sell, "10", "9")

	f.clock.Set(f.schedule.CloseTime(epoch))
	report, err := f.scheduler.RunEpoch(context.Background(), epoch)
	require.NoError(t, err)

	apt := report.Auctions[0]
	require.Equal(t, AuctionCleared, apt.Outcome)
	require.True(t, apt.Result.ClearingPrice.Equal(d("9")), "the reference never moves the price")
	require.True(t, apt.Deviation.Equal(d("0.8")))
	require.Contains(t, apt.Warning, "oracle")
}

func TestEmptyEpochCloses(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(f.schedule.CloseTime(epoch).Add(time.Hour))

	report, err := f.scheduler.RunEpoch(context.Background(), epoch)
	require.NoError(t, err)
	require.Equal(t, EpochClosed, report.State)
	for _, a := range report.Auctions {
		require.Equal(t, AuctionUnresolved, a.Outcome)
		require.Zero(t, a.Bids)
	}
}

func TestCoordinatorRetriesReveal(t *testing.T) {
	f := newFixture(t)
	f.bid(testutil.APTUSDC, protocol.Buy, "10", "10")
	f.bid(testutil.APTUSDC, protocol.Buy, "10", "9")
	f.bid(testutil.APTUSDC, protocol.Sell, "10", "8")
	f.bid(testutil.APTUSDC, protocol.Sell, "10", "9")
	f.clock.Set(f.schedule.CloseTime(epoch))
	f.beacon.failures.Store(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCoordinator(f.scheduler, time.Millisecond)
	reports := c.Subscribe(ctx)

	report, err := c.RunEpoch(ctx, epoch)
	require.NoError(t, err)
	require.Equal(t, epoch, c.LastEpoch())
	require.Equal(t, int32(-1), f.beacon.failures.Load(), "three retries before the round was served")

	select {
	case got := <-reports:
		require.Equal(t, report.Epoch, got.Epoch)
		require.Equal(t, AuctionCleared, got.Auctions[0].Outcome)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}

	_, err = c.RunEpoch(ctx, epoch)
	require.ErrorIs(t, err, protocol.ErrEpochAlreadyRun)
}

func TestCoordinatorCatchesUpEveryMissedEpoch(t *testing.T) {
	f := newFixture(t)
	buy := f.bid(testutil.APTUSDC, protocol.Buy, "10", "10")
	f.bid(testutil.APTUSDC, protocol.Buy, "10", "9")
	f.bid(testutil.APTUSDC, protocol.Sell, "10", "8")
	f.bid(testutil.APTUSDC, protocol.Sell, "10", "9")
	require.Equal(t, []protocol.EpochID{epoch}, f.book.SealedEpochs())

	// The node comes back up a day and a half after the close of epoch 7:
	// epochs 7 and 8 both closed while it was down.
	f.clock.Set(f.schedule.CloseTime(epoch).Add(36 * time.Hour))
	require.Equal(t, epoch+2, f.schedule.EpochAt(f.clock.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCoordinator(f.scheduler, time.Millisecond)
	reports := c.Subscribe(ctx)
	c.Start(ctx)

	for _, want := range []protocol.EpochID{epoch, epoch + 1} {
		select {
		case got := <-reports:
			require.Equal(t, want, got.Epoch, "missed epochs run oldest first")
		case <-time.After(2 * time.Second):
			t.Fatalf("epoch %d was not caught up", want)
		}
	}

	require.Equal(t, EpochClosed, f.scheduler.State(epoch))
	require.Equal(t, EpochClosed, f.scheduler.State(epoch+1))
	require.Empty(t, f.book.SealedEpochs())
	require.NotEqual(t, collateral.LockBound, f.lock(buy.lock).State, "the bid reached a terminal status")
	require.Equal(t, protocol.BidMatched, f.statuses()[buy.id].State)
}

func TestCoordinatorStopsRetryingOnCancel(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(f.schedule.CloseTime(epoch))
	f.beacon.failures.Store(1 << 30)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewCoordinator(f.scheduler, time.Millisecond).RunEpoch(ctx, epoch)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, EpochScheduled, f.scheduler.State(epoch))
}

func TestRestoreRefusesRerun(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(f.schedule.CloseTime(epoch))
	_, err := f.scheduler.RunEpoch(context.Background(), epoch)
	require.NoError(t, err)

	restarted := NewScheduler(Config{Auction: f.config, Schedule: f.schedule, Book: f.book, Locks: f.ledger, Settlement: f.settler})
	_, err = restarted.Restore(context.Background(), f.events)
	require.NoError(t, err)
	require.Equal(t, EpochClosed, restarted.State(epoch))

	_, err = restarted.RunEpoch(context.Background(), epoch)
	require.ErrorIs(t, err, protocol.ErrEpochAlreadyRun)
	_, ok := restarted.Report(epoch)
	require.True(t, ok)
}
