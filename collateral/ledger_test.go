package collateral

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var d = decimal.RequireFromString

func newTestLedger(t *testing.T, events eventlog.Appender) *Ledger {
	t.Helper()
	l := NewLedger(Config{
		Leverage:           d("10"),
		LiquidationPenalty: d("0.05"),
		HomeChainAsset:     "USDC",
		Events:             events,
	})
	t.Cleanup(l.Close)
	return l
}

func deposit(t *testing.T, l *Ledger, p protocol.ParticipantID, amount string) {
	t.Helper()
	_, err := l.Deposit(context.Background(), &protocol.DepositNotice{Participant: p, Amount: d(amount), HomeChainTx: fmt.Sprintf("%s-%s", p, amount)})
	require.NoError(t, err)
}

func lockFor(t *testing.T, l *Ledger, p protocol.ParticipantID, amount, nonce string) Lock {
	t.Helper()
	lock, err := l.LockForBid(context.Background(), &protocol.LockRequest{Participant: p, Amount: d(amount), Nonce: nonce})
	require.NoError(t, err)
	return lock
}

func TestDepositAndCapacity(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)

	deposit(t, l, "alice", "100")
	pos, err := l.Deposit(ctx, &protocol.DepositNotice{Participant: "alice", Amount: d("100"), HomeChainTx: "alice-100"})
	require.NoError(t, err)
	require.True(t, pos.LockedAmount.Equal(d("100")), "replayed deposit is not credited twice")

	capacity, err := l.DeriveCapacity(ctx, "alice")
	require.NoError(t, err)
	require.True(t, capacity.Equal(d("1000")))

	empty, err := l.Position(ctx, "bob")
	require.NoError(t, err)
	require.True(t, empty.DerivedCapacity.IsZero())
	require.Equal(t, "USDC", empty.HomeChainAsset)

	_, err = l.Deposit(ctx, &protocol.DepositNotice{Participant: "alice", Amount: d("-1"), HomeChainTx: "neg"})
	require.Error(t, err)
}

func TestLockForBidRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	deposit(t, l, "alice", "100")

	lockFor(t, l, "alice", "700", "n1")

	_, err := l.LockForBid(ctx, &protocol.LockRequest{Participant: "alice", Amount: d("301"), Nonce: "n2"})
	require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)

	second := lockFor(t, l, "alice", "300", "n2")
	again := lockFor(t, l, "alice", "300", "n2")
	require.Equal(t, second.Ref, again.Ref, "same nonce and amount is idempotent")

	_, err = l.LockForBid(ctx, &protocol.LockRequest{Participant: "alice", Amount: d("200"), Nonce: "n2"})
	require.ErrorIs(t, err, protocol.ErrLedgerConflict)

	pos, err := l.Position(ctx, "alice")
	require.NoError(t, err)
	require.True(t, pos.OpenNotional.Equal(d("1000")))
}

func TestWithdrawKeepsOpenNotionalCovered(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	deposit(t, l, "alice", "100")
	lockFor(t, l, "alice", "500", "n1")

	_, err := l.Withdraw(ctx, &protocol.WithdrawRequest{Participant: "alice", Amount: d("51"), Nonce: "w1"})
	require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)

	pos, err := l.Withdraw(ctx, &protocol.WithdrawRequest{Participant: "alice", Amount: d("50"), Nonce: "w1"})
	require.NoError(t, err)
	require.True(t, pos.LockedAmount.Equal(d("50")))

	_, err = l.Withdraw(ctx, &protocol.WithdrawRequest{Participant: "alice", Amount: d("1"), Nonce: "w1"})
	require.ErrorIs(t, err, protocol.ErrLedgerConflict)
}

func TestLockLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	deposit(t, l, "alice", "100")
	lock := lockFor(t, l, "alice", "400", "n1")

	_, err := l.Bind(ctx, lock.Ref, "mallory", "bid-1")
	require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)

	bound, err := l.Bind(ctx, lock.Ref, "alice", "bid-1")
	require.NoError(t, err)
	require.Equal(t, LockBound, bound.State)

	_, err = l.Bind(ctx, lock.Ref, "alice", "bid-2")
	require.ErrorIs(t, err, protocol.ErrLedgerConflict, "a lock backs one bid")

	require.ErrorIs(t, l.Commit(ctx, lock.Ref, d("401")), protocol.ErrLedgerConflict)
	require.NoError(t, l.Commit(ctx, lock.Ref, d("250")))

	pos, err := l.Position(ctx, "alice")
	require.NoError(t, err)
	require.True(t, pos.OpenNotional.Equal(d("250")))

	require.NoError(t, l.Release(ctx, lock.Ref))
	require.ErrorIs(t, l.Release(ctx, lock.Ref), protocol.ErrLedgerConflict)

	_, err = l.Bind(ctx, lock.Ref, "alice", "bid-3")
	require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)

	pos, err = l.Position(ctx, "alice")
	require.NoError(t, err)
	require.True(t, pos.OpenNotional.IsZero())
}

func TestLiquidateSeizesOnlyFreeCollateral(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	deposit(t, l, "alice", "100")

	a := lockFor(t, l, "alice", "600", "a")
	b := lockFor(t, l, "alice", "400", "b")
	_, err := l.Bind(ctx, a.Ref, "alice", "bid-a")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, a.Ref, d("500")))
	_, err = l.Bind(ctx, b.Ref, "alice", "bid-b")
	require.NoError(t, err)

	// target 525; lock b needs 40 of backing so 60 is free.
	liq, err := l.Liquidate(ctx, "alice", a.Ref, d("500"))
	require.NoError(t, err)
	require.True(t, liq.Seized.Equal(d("60")), liq.Seized.String())
	require.True(t, liq.Deficit.Equal(d("465")), liq.Deficit.String())
	require.True(t, liq.Penalty.Equal(d("25")))

	pos, err := l.Position(ctx, "alice")
	require.NoError(t, err)
	require.True(t, pos.LockedAmount.Equal(d("40")))
	require.True(t, pos.OpenNotional.Equal(d("400")))
	require.False(t, pos.OpenNotional.GreaterThan(pos.DerivedCapacity))

	deficit, err := l.Deficit(ctx)
	require.NoError(t, err)
	require.True(t, deficit.Equal(d("465")))

	_, err = l.Liquidate(ctx, "alice", a.Ref, d("1"))
	require.ErrorIs(t, err, protocol.ErrLedgerConflict)
}

func TestLiquidateCoveredShortfall(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	deposit(t, l, "bob", "100")
	lock := lockFor(t, l, "bob", "100", "n")
	_, err := l.Bind(ctx, lock.Ref, "bob", "bid")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, lock.Ref, d("100")))

	liq, err := l.Liquidate(ctx, "bob", lock.Ref, d("20"))
	require.NoError(t, err)
	require.True(t, liq.Seized.Equal(d("21")))
	require.True(t, liq.Deficit.IsZero())

	all, err := l.Liquidations(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// Concurrent lock requests never oversubscribe capacity.
func TestConcurrentLocksNeverExceedCapacity(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	deposit(t, l, "alice", "10")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.LockForBid(ctx, &protocol.LockRequest{Participant: "alice", Amount: d("7"), Nonce: fmt.Sprint(i)})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, protocol.ErrInsufficientCollateral)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 14, accepted)
	pos, err := l.Position(ctx, "alice")
	require.NoError(t, err)
	require.True(t, pos.OpenNotional.Equal(d("98")))
}

func TestRestoreFromEventLog(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog(nil)

	l := newTestLedger(t, log)
	deposit(t, l, "alice", "100")
	a := lockFor(t, l, "alice", "300", "a")
	b := lockFor(t, l, "alice", "200", "b")
	_, err := l.Bind(ctx, a.Ref, "alice", "bid-a")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, a.Ref, d("250")))
	require.NoError(t, l.Release(ctx, b.Ref))
	_, err = l.Withdraw(ctx, &protocol.WithdrawRequest{Participant: "alice", Amount: d("10"), Nonce: "w"})
	require.NoError(t, err)
	_, err = l.Liquidate(ctx, "alice", a.Ref, d("100"))
	require.NoError(t, err)
	want, err := l.Position(ctx, "alice")
	require.NoError(t, err)

	restored := newTestLedger(t, nil)
	last, err := restored.Restore(ctx, log)
	require.NoError(t, err)
	require.NotZero(t, last)

	got, err := restored.Position(ctx, "alice")
	require.NoError(t, err)
	require.True(t, want.LockedAmount.Equal(got.LockedAmount))
	require.True(t, want.OpenNotional.Equal(got.OpenNotional))

	again, err := restored.LockForBid(ctx, &protocol.LockRequest{Participant: "alice", Amount: d("250"), Nonce: "a"})
	require.NoError(t, err)
	require.Equal(t, a.Ref, again.Ref, "nonces survive restore")
}
