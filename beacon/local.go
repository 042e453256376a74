package beacon

import (
	"context"
	"time"

	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/protocol"
)

// LocalBeacon holds the master secret and emits rounds according to its
// clock. It backs single-operator deployments and tests.
type LocalBeacon struct {
	master *crypto.TimelockMasterKey
	info   Info
	now    func() time.Time
}

// NewLocalBeacon creates a beacon. now may be nil to use the wall clock.
func NewLocalBeacon(master *crypto.TimelockMasterKey, genesis time.Time, period time.Duration, now func() time.Time) *LocalBeacon {
	if now == nil {
		now = time.Now
	}
	return &LocalBeacon{
		master: master,
		info: Info{
			PublicKey:   master.PublicKey(),
			GenesisTime: genesis.UTC(),
			Period:      period,
			Scheme:      Scheme,
		},
		now: now,
	}
}

// Info returns the chain parameters.
func (b *LocalBeacon) Info() Info {
	return b.info
}

// IdentityKey returns the round key once the clock reaches the round.
func (b *LocalBeacon) IdentityKey(_ context.Context, round uint64) (crypto.IdentityKey, error) {
	if round == 0 {
		return nil, protocol.Errorf(protocol.ErrInvalidBid, "round 0 does not exist")
	}
	if at := b.info.RoundTime(round); b.now().Before(at) {
		return nil, protocol.Errorf(protocol.ErrTooEarly, "round %d is emitted at %s", round, at.Format(time.RFC3339))
	}
	return b.master.IdentityKey(round)
}

// LatestRound returns the most recent emitted round, 0 before genesis.
func (b *LocalBeacon) LatestRound() uint64 {
	now := b.now()
	if now.Before(b.info.GenesisTime) {
		return 0
	}
	return uint64(now.Sub(b.info.GenesisTime)/b.info.Period) + 1
}
