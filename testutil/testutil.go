package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Common pairs listed by NewTestConfig.
var (
	APTUSDC = protocol.AssetPair{Base: "APT", Quote: "USDC"}
	ETHUSDC = protocol.AssetPair{Base: "ETH", Quote: "USDC"}
)

// Epoch7Open is shortly after epoch 7 opens under the default 17:00 close.
var Epoch7Open = time.Date(1970, 1, 7, 18, 0, 0, 0, time.UTC)

// BeaconPeriod is the round period of NewTestBeacon.
const BeaconPeriod = 3 * time.Second

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time. Pass the method value wherever a
// component takes a now func.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Participant is a bidder identity.
type Participant struct {
	ID  protocol.ParticipantID
	Key crypto.PrivateKey
	Pub crypto.PublicKey
}

// NewParticipant generates a fresh identity.
func NewParticipant(t testing.TB) Participant {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return Participant{ID: protocol.ParticipantFromKey(pub), Key: priv, Pub: pub}
}

// NewParticipants generates count identities.
func NewParticipants(t testing.TB, count int) []Participant {
	t.Helper()
	out := make([]Participant, count)
	for i := range out {
		out[i] = NewParticipant(t)
	}
	return out
}

// NewTestBeacon creates a local beacon with genesis at the Unix epoch,
// driven by clock.
func NewTestBeacon(t testing.TB, clock *Clock) *beacon.LocalBeacon {
	t.Helper()
	master, err := crypto.GenerateTimelockMasterKey()
	require.NoError(t, err)
	return beacon.NewLocalBeacon(master, time.Unix(0, 0), BeaconPeriod, clock.Now)
}

// NewTestSchedule returns the schedule of config.
func NewTestSchedule(t testing.TB, config *protocol.AtomicaConfig) *protocol.EpochSchedule {
	t.Helper()
	schedule, err := config.Schedule()
	require.NoError(t, err)
	return schedule
}

// TestConfigOption customises NewTestConfig.
type TestConfigOption func(*protocol.AtomicaConfig)

func WithMinParticipants(n int) TestConfigOption {
	return func(c *protocol.AtomicaConfig) {
		c.MinParticipantsPerSide = n
	}
}

func WithLotSize(lot decimal.Decimal) TestConfigOption {
	return func(c *protocol.AtomicaConfig) {
		c.LotSize = lot
	}
}

func WithLeverage(leverage decimal.Decimal) TestConfigOption {
	return func(c *protocol.AtomicaConfig) {
		c.Leverage = leverage
	}
}

func WithListings(listings ...protocol.Listing) TestConfigOption {
	return func(c *protocol.AtomicaConfig) {
		c.Listings = listings
	}
}

func WithDeliveryWindow(window time.Duration) TestConfigOption {
	return func(c *protocol.AtomicaConfig) {
		c.DeliveryWindow = window
	}
}

// NewTestConfig returns a valid configuration listing APT/USDC (cleared
// first) and ETH/USDC, with lot size 1.
func NewTestConfig(options ...TestConfigOption) *protocol.AtomicaConfig {
	cfg := protocol.DefaultConfig()
	cfg.LotSize = decimal.NewFromInt(1)
	cfg.Listings = []protocol.Listing{
		{Pair: APTUSDC, BaseChain: "aptos", QuoteChain: "ethereum", SequenceIndex: 0},
		{Pair: ETHUSDC, BaseChain: "ethereum", QuoteChain: "ethereum", SequenceIndex: 1},
	}

	for _, option := range options {
		option(cfg)
	}
	return cfg
}
