// Package collateral is the ledger of home-chain collateral and the bidding
// capacity derived from it.
//
// Every mutation is applied by one goroutine that drains a command channel,
// so capacity checks and the updates they guard can never interleave. After
// each mutation the ledger re-checks that open notional is covered by
// locked collateral times leverage and refuses the mutation otherwise.
package collateral

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/metrics"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrClosed is returned for commands sent after Close.
var ErrClosed = errors.New("collateral ledger closed")

// Config configures a Ledger.
type Config struct {
	Leverage           decimal.Decimal
	LiquidationPenalty decimal.Decimal
	HomeChainAsset     string

	// Events receives an audit record of every mutation. Optional.
	Events eventlog.Appender
	Logger *slog.Logger
	Now    func() time.Time
}

// ConfigFrom takes the ledger parameters from the auction configuration.
func ConfigFrom(c *protocol.AtomicaConfig) Config {
	return Config{
		Leverage:           c.Leverage,
		LiquidationPenalty: c.LiquidationPenalty,
		HomeChainAsset:     c.HomeChainAsset,
	}
}

type command struct {
	ctx    context.Context
	apply  func(ctx context.Context) error
	result chan error
}

// Ledger tracks collateral positions and bid locks.
type Ledger struct {
	cfg      Config
	commands chan command
	stop     chan struct{}
	done     chan struct{}

	// Owned by the writer goroutine.
	accounts     map[protocol.ParticipantID]*account
	locks        map[protocol.LockRef]*Lock
	liquidations []Liquidation
	deficit      decimal.Decimal
}

// NewLedger starts the ledger's writer goroutine. Call Close to stop it.
func NewLedger(cfg Config) *Ledger {
	if cfg.Events == nil {
		cfg.Events = eventlog.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Ledger{
		cfg:      cfg,
		commands: make(chan command),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		accounts: make(map[protocol.ParticipantID]*account),
		locks:    make(map[protocol.LockRef]*Lock),
		deficit:  decimal.Zero,
	}
	go l.run()
	return l
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case cmd := <-l.commands:
			cmd.result <- cmd.apply(cmd.ctx)
		}
	}
}

// Close stops the writer goroutine. Pending callers receive ErrClosed.
func (l *Ledger) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}

// exec runs apply on the writer goroutine and waits for it. Once a command
// is accepted it runs to completion even if ctx is cancelled.
func (l *Ledger) exec(ctx context.Context, apply func(ctx context.Context) error) error {
	cmd := command{ctx: ctx, apply: apply, result: make(chan error, 1)}
	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
	return <-cmd.result
}

func (l *Ledger) account(p protocol.ParticipantID) *account {
	acct, ok := l.accounts[p]
	if !ok {
		acct = newAccount(p)
		l.accounts[p] = acct
	}
	return acct
}

func (l *Ledger) capacity(acct *account) decimal.Decimal {
	return acct.locked.Mul(l.cfg.Leverage)
}

func (l *Ledger) position(acct *account) protocol.CollateralPosition {
	return protocol.CollateralPosition{
		Participant:     acct.participant,
		HomeChainAsset:  l.cfg.HomeChainAsset,
		LockedAmount:    acct.locked,
		DerivedCapacity: l.capacity(acct),
		OpenNotional:    acct.open,
	}
}

// guard applies mutate and rolls it back if the account ends up violating
// the capacity invariant.
func (l *Ledger) guard(acct *account, lock *Lock, mutate func()) error {
	locked, open := acct.locked, acct.open
	var saved Lock
	if lock != nil {
		saved = *lock
	}

	mutate()

	if acct.locked.IsNegative() || acct.open.IsNegative() || acct.open.GreaterThan(l.capacity(acct)) {
		l.cfg.Logger.Error("collateral invariant violated, rolling back",
			"participant", acct.participant,
			"locked", acct.locked.String(),
			"open", acct.open.String())
		acct.locked, acct.open = locked, open
		if lock != nil {
			*lock = saved
		}
		return protocol.Errorf(protocol.ErrLedgerConflict, "mutation would break capacity invariant for %s", acct.participant)
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, kind eventlog.Kind, subject string, payload any) {
	if _, err := l.cfg.Events.Append(ctx, eventlog.Record{Kind: kind, Subject: subject, Payload: payload}); err != nil {
		l.cfg.Logger.Error("failed to record ledger event", "kind", kind, "subject", subject, "err", err)
	}
}

// Deposit credits collateral reported by the home chain. A notice whose
// transaction was already credited is ignored.
func (l *Ledger) Deposit(ctx context.Context, notice *protocol.DepositNotice) (protocol.CollateralPosition, error) {
	var pos protocol.CollateralPosition
	err := l.exec(ctx, func(ctx context.Context) error {
		if notice.Participant == "" || notice.HomeChainTx == "" {
			return errors.New("deposit needs a participant and a home chain transaction")
		}
		if !notice.Amount.IsPositive() {
			return errors.New("deposit amount must be positive")
		}

		acct := l.account(notice.Participant)
		if acct.deposits[notice.HomeChainTx] {
			l.cfg.Logger.Info("ignoring replayed deposit", "participant", notice.Participant, "tx", notice.HomeChainTx)
			pos = l.position(acct)
			return nil
		}

		if err := l.guard(acct, nil, func() { acct.locked = acct.locked.Add(notice.Amount) }); err != nil {
			return err
		}
		acct.deposits[notice.HomeChainTx] = true
		l.record(ctx, eventlog.KindDeposit, string(notice.Participant), notice)
		pos = l.position(acct)
		return nil
	})
	return pos, err
}

// Withdraw releases collateral back to the home chain. It is refused if the
// remaining capacity would not cover the participant's open notional.
func (l *Ledger) Withdraw(ctx context.Context, req *protocol.WithdrawRequest) (protocol.CollateralPosition, error) {
	var pos protocol.CollateralPosition
	err := l.exec(ctx, func(ctx context.Context) error {
		if !req.Amount.IsPositive() {
			return errors.New("withdrawal amount must be positive")
		}
		if req.Nonce == "" {
			return errors.New("withdrawal nonce is required")
		}

		acct := l.account(req.Participant)
		if acct.withdrawals[req.Nonce] {
			return protocol.Errorf(protocol.ErrLedgerConflict, "withdrawal nonce %q already used", req.Nonce)
		}
		if req.Amount.GreaterThan(acct.locked) {
			return protocol.Errorf(protocol.ErrInsufficientCollateral, "withdrawing %s of %s", req.Amount, acct.locked)
		}
		remaining := acct.locked.Sub(req.Amount).Mul(l.cfg.Leverage)
		if remaining.LessThan(acct.open) {
			return protocol.Errorf(protocol.ErrInsufficientCollateral,
				"remaining capacity %s would not cover open notional %s", remaining, acct.open)
		}

		if err := l.guard(acct, nil, func() { acct.locked = acct.locked.Sub(req.Amount) }); err != nil {
			return err
		}
		acct.withdrawals[req.Nonce] = true
		l.record(ctx, eventlog.KindWithdrawal, string(req.Participant), req)
		pos = l.position(acct)
		return nil
	})
	return pos, err
}

// LockForBid reserves Amount of capacity for a future bid. Repeating a
// request with the same nonce and amount returns the existing lock.
func (l *Ledger) LockForBid(ctx context.Context, req *protocol.LockRequest) (Lock, error) {
	var out Lock
	err := l.exec(ctx, func(ctx context.Context) error {
		if !req.Amount.IsPositive() {
			return errors.New("lock amount must be positive")
		}
		if req.Nonce == "" {
			return errors.New("lock nonce is required")
		}

		acct := l.account(req.Participant)
		if ref, ok := acct.nonces[req.Nonce]; ok {
			existing := l.locks[ref]
			if !existing.Amount.Equal(req.Amount) {
				return protocol.Errorf(protocol.ErrLedgerConflict, "lock nonce %q reused with a different amount", req.Nonce)
			}
			out = *existing
			return nil
		}

		if available := l.capacity(acct).Sub(acct.open); req.Amount.GreaterThan(available) {
			return protocol.Errorf(protocol.ErrInsufficientCollateral,
				"lock of %s exceeds available capacity %s", req.Amount, available)
		}

		lock := &Lock{
			Ref:         protocol.LockRef(uuid.NewString()),
			Participant: req.Participant,
			Amount:      req.Amount,
			State:       LockOpen,
			Nonce:       req.Nonce,
			UpdatedAt:   l.cfg.Now().UTC(),
		}
		if err := l.guard(acct, nil, func() { acct.open = acct.open.Add(lock.Amount) }); err != nil {
			return err
		}
		l.locks[lock.Ref] = lock
		acct.nonces[req.Nonce] = lock.Ref
		l.record(ctx, eventlog.KindLockUpdated, string(lock.Ref), lock)
		out = *lock
		return nil
	})
	return out, err
}

// Bind attaches an open lock to a sealed bid. A lock backs at most one bid.
func (l *Ledger) Bind(ctx context.Context, ref protocol.LockRef, participant protocol.ParticipantID, bid protocol.BidID) (Lock, error) {
	var out Lock
	err := l.exec(ctx, func(ctx context.Context) error {
		lock, ok := l.locks[ref]
		if !ok {
			return protocol.Errorf(protocol.ErrInsufficientCollateral, "unknown lock %s", ref)
		}
		if lock.Participant != participant {
			return protocol.Errorf(protocol.ErrInsufficientCollateral, "lock %s belongs to another participant", ref)
		}
		switch lock.State {
		case LockOpen:
		case LockBound, LockCommitted:
			return protocol.Errorf(protocol.ErrLedgerConflict, "lock %s already backs bid %s", ref, lock.BidID)
		default:
			return protocol.Errorf(protocol.ErrInsufficientCollateral, "lock %s is %s", ref, lock.State)
		}

		lock.State = LockBound
		lock.BidID = bid
		lock.UpdatedAt = l.cfg.Now().UTC()
		l.record(ctx, eventlog.KindLockUpdated, string(ref), lock)
		out = *lock
		return nil
	})
	return out, err
}

// Release returns a live lock's capacity to its owner.
func (l *Ledger) Release(ctx context.Context, ref protocol.LockRef) error {
	return l.exec(ctx, func(ctx context.Context) error {
		lock, ok := l.locks[ref]
		if !ok {
			return protocol.Errorf(protocol.ErrLedgerConflict, "release of unknown lock %s", ref)
		}
		if !lock.State.Live() {
			return protocol.Errorf(protocol.ErrLedgerConflict, "lock %s already %s", ref, lock.State)
		}

		acct := l.account(lock.Participant)
		err := l.guard(acct, lock, func() {
			acct.open = acct.open.Sub(lock.Amount)
			lock.State = LockReleased
			lock.UpdatedAt = l.cfg.Now().UTC()
		})
		if err != nil {
			return err
		}
		l.record(ctx, eventlog.KindLockUpdated, string(ref), lock)
		return nil
	})
}

// Commit shrinks a bound lock to the notional of its winning fill. The
// difference returns to the participant's capacity.
func (l *Ledger) Commit(ctx context.Context, ref protocol.LockRef, notional decimal.Decimal) error {
	return l.exec(ctx, func(ctx context.Context) error {
		lock, ok := l.locks[ref]
		if !ok {
			return protocol.Errorf(protocol.ErrLedgerConflict, "commit of unknown lock %s", ref)
		}
		if lock.State != LockBound {
			return protocol.Errorf(protocol.ErrLedgerConflict, "commit of %s lock %s", lock.State, ref)
		}
		if !notional.IsPositive() || notional.GreaterThan(lock.Amount) {
			return protocol.Errorf(protocol.ErrLedgerConflict, "commit of %s above lock amount %s", notional, lock.Amount)
		}

		acct := l.account(lock.Participant)
		err := l.guard(acct, lock, func() {
			acct.open = acct.open.Sub(lock.Amount.Sub(notional))
			lock.Amount = notional
			lock.State = LockCommitted
			lock.UpdatedAt = l.cfg.Now().UTC()
		})
		if err != nil {
			return err
		}
		l.record(ctx, eventlog.KindLockUpdated, string(ref), lock)
		return nil
	})
}

// Liquidate seizes collateral after participant defaulted on the obligation
// backed by ref. The target is shortfall plus the liquidation penalty; only
// collateral that does not back the participant's other live locks can be
// seized, and whatever cannot be covered is recorded as a deficit.
func (l *Ledger) Liquidate(ctx context.Context, participant protocol.ParticipantID, ref protocol.LockRef, shortfall decimal.Decimal) (Liquidation, error) {
	var out Liquidation
	err := l.exec(ctx, func(ctx context.Context) error {
		lock, ok := l.locks[ref]
		if !ok {
			return protocol.Errorf(protocol.ErrLedgerConflict, "liquidation of unknown lock %s", ref)
		}
		if lock.Participant != participant {
			return protocol.Errorf(protocol.ErrLedgerConflict, "lock %s does not belong to %s", ref, participant)
		}
		if !lock.State.Live() {
			return protocol.Errorf(protocol.ErrLedgerConflict, "liquidation of %s lock %s", lock.State, ref)
		}
		if shortfall.IsNegative() {
			return errors.New("shortfall must not be negative")
		}

		acct := l.account(participant)
		target := shortfall.Mul(decimal.NewFromInt(1).Add(l.cfg.LiquidationPenalty))
		others := acct.open.Sub(lock.Amount)
		free := acct.locked.Sub(ceilDiv(others, l.cfg.Leverage, 18))
		if free.IsNegative() {
			free = decimal.Zero
		}
		seized := decimal.Min(target, free)

		err := l.guard(acct, lock, func() {
			acct.locked = acct.locked.Sub(seized)
			acct.open = others
			lock.State = LockLiquidated
			lock.UpdatedAt = l.cfg.Now().UTC()
		})
		if err != nil {
			return err
		}

		out = Liquidation{
			ID:          uuid.NewString(),
			Participant: participant,
			LockRef:     ref,
			Shortfall:   shortfall,
			Penalty:     target.Sub(shortfall),
			Seized:      seized,
			Deficit:     target.Sub(seized),
			At:          l.cfg.Now().UTC(),
		}
		l.liquidations = append(l.liquidations, out)
		l.deficit = l.deficit.Add(out.Deficit)
		metrics.Liquidations.Inc()

		l.cfg.Logger.Warn("participant liquidated",
			"participant", participant,
			"lock", ref,
			"seized", seized.String(),
			"deficit", out.Deficit.String())
		l.record(ctx, eventlog.KindLockUpdated, string(ref), lock)
		l.record(ctx, eventlog.KindLiquidation, string(participant), &out)
		return nil
	})
	return out, err
}

// Position returns the participant's collateral position. Unknown
// participants have an empty position.
func (l *Ledger) Position(ctx context.Context, participant protocol.ParticipantID) (protocol.CollateralPosition, error) {
	var pos protocol.CollateralPosition
	err := l.exec(ctx, func(context.Context) error {
		if acct, ok := l.accounts[participant]; ok {
			pos = l.position(acct)
		} else {
			pos = l.position(newAccount(participant))
		}
		return nil
	})
	return pos, err
}

// DeriveCapacity returns locked collateral times leverage.
func (l *Ledger) DeriveCapacity(ctx context.Context, participant protocol.ParticipantID) (decimal.Decimal, error) {
	pos, err := l.Position(ctx, participant)
	return pos.DerivedCapacity, err
}

// Lock returns a copy of the lock.
func (l *Ledger) Lock(ctx context.Context, ref protocol.LockRef) (Lock, error) {
	var out Lock
	err := l.exec(ctx, func(context.Context) error {
		lock, ok := l.locks[ref]
		if !ok {
			return protocol.Errorf(protocol.ErrInsufficientCollateral, "unknown lock %s", ref)
		}
		out = *lock
		return nil
	})
	return out, err
}

// Liquidations returns the liquidations of participant, or all of them if
// participant is empty.
func (l *Ledger) Liquidations(ctx context.Context, participant protocol.ParticipantID) ([]Liquidation, error) {
	var out []Liquidation
	err := l.exec(ctx, func(context.Context) error {
		for _, liq := range l.liquidations {
			if participant == "" || liq.Participant == participant {
				out = append(out, liq)
			}
		}
		return nil
	})
	return out, err
}

// Deficit returns the total uncovered liquidation shortfall.
func (l *Ledger) Deficit(ctx context.Context) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := l.exec(ctx, func(context.Context) error {
		out = l.deficit
		return nil
	})
	return out, err
}

// Restore rebuilds the ledger from the collateral events of log. It must be
// called before the ledger serves requests.
func (l *Ledger) Restore(ctx context.Context, log eventlog.Log) (uint64, error) {
	var last uint64
	err := l.exec(ctx, func(ctx context.Context) error {
		var err error
		last, err = eventlog.Replay(ctx, log, 0, l.apply)
		if err != nil {
			return err
		}
		for _, acct := range l.accounts {
			acct.open = decimal.Zero
		}
		refs := make([]protocol.LockRef, 0, len(l.locks))
		for ref := range l.locks {
			refs = append(refs, ref)
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
		for _, ref := range refs {
			lock := l.locks[ref]
			acct := l.account(lock.Participant)
			acct.nonces[lock.Nonce] = ref
			if lock.State.Live() {
				acct.open = acct.open.Add(lock.Amount)
			}
		}
		return nil
	})
	return last, err
}

func (l *Ledger) apply(ev eventlog.Event) error {
	switch ev.Kind {
	case eventlog.KindDeposit:
		var n protocol.DepositNotice
		if err := ev.Decode(&n); err != nil {
			return err
		}
		acct := l.account(n.Participant)
		acct.locked = acct.locked.Add(n.Amount)
		acct.deposits[n.HomeChainTx] = true
	case eventlog.KindWithdrawal:
		var w protocol.WithdrawRequest
		if err := ev.Decode(&w); err != nil {
			return err
		}
		acct := l.account(w.Participant)
		acct.locked = acct.locked.Sub(w.Amount)
		acct.withdrawals[w.Nonce] = true
	case eventlog.KindLockUpdated:
		var lock Lock
		if err := ev.Decode(&lock); err != nil {
			return err
		}
		l.locks[lock.Ref] = &lock
	case eventlog.KindLiquidation:
		var liq Liquidation
		if err := ev.Decode(&liq); err != nil {
			return err
		}
		acct := l.account(liq.Participant)
		acct.locked = acct.locked.Sub(liq.Seized)
		l.liquidations = append(l.liquidations, liq)
		l.deficit = l.deficit.Add(liq.Deficit)
	}
	return nil
}

// ceilDiv returns a/b rounded up at the given number of decimal places.
func ceilDiv(a, b decimal.Decimal, places int32) decimal.Decimal {
	q := a.DivRound(b, places)
	if q.Mul(b).LessThan(a) {
		q = q.Add(decimal.New(1, -places))
	}
	return q
}
