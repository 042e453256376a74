package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/collateral"
	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/feed"
	"github.com/bomba-atomica/atomica-sub004/outbox"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/scheduler"
	"github.com/bomba-atomica/atomica-sub004/sealedbid"
	"github.com/bomba-atomica/atomica-sub004/settlement"
)

// Defaults for NodeConfig.
const (
	DefaultSettlementInterval = 5 * time.Second
)

// NodeConfig contains everything an auction node is built from.
type NodeConfig struct {
	Auction *protocol.AtomicaConfig
	Beacon  beacon.Beacon
	Events  eventlog.Log

	// Signer signs bid receipts.
	Signer crypto.PrivateKey

	Verifiers *settlement.Registry
	Gateways  map[protocol.ChainID]settlement.Gateway

	// Store defaults to an InMemoryStore.
	Store ProjectionStore

	// Reference and Broadcaster are optional.
	Reference   feed.Reference
	Broadcaster *outbox.Broadcaster

	AdminToken         string
	AllowedOrigins     []string
	RevealRetry        time.Duration
	SettlementInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Node wires the ledger, book, scheduler and settler of one auctioneer
// around a shared event log.
type Node struct {
	cfg      NodeConfig
	schedule *protocol.EpochSchedule

	Ledger      *collateral.Ledger
	Book        *sealedbid.Book
	Settler     *settlement.Settler
	Scheduler   *scheduler.Scheduler
	Coordinator *scheduler.Coordinator
	Projector   *Projector
	API         *API

	wg sync.WaitGroup
}

// NewNode validates the configuration and builds every component. Call
// Restore before Start on a node with history.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Auction == nil || cfg.Beacon == nil || cfg.Events == nil {
		return nil, errors.New("node needs an auction config, a beacon and an event log")
	}
	if err := cfg.Auction.Validate(); err != nil {
		return nil, fmt.Errorf("auction config: %w", err)
	}
	if cfg.Verifiers == nil {
		cfg.Verifiers = settlement.NewRegistry()
	}
	if err := cfg.Verifiers.ValidateListings(cfg.Auction.Listings); err != nil {
		return nil, err
	}
	if cfg.Signer == nil {
		_, sk, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		cfg.Signer = sk
	}
	if cfg.Store == nil {
		cfg.Store = NewInMemoryStore()
	}
	if cfg.RevealRetry <= 0 {
		cfg.RevealRetry = scheduler.DefaultRevealRetry
	}
	if cfg.SettlementInterval <= 0 {
		cfg.SettlementInterval = DefaultSettlementInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	schedule, err := cfg.Auction.Schedule()
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, schedule: schedule}

	ledgerCfg := collateral.ConfigFrom(cfg.Auction)
	ledgerCfg.Events = cfg.Events
	ledgerCfg.Logger = cfg.Logger.With("component", "collateral")
	ledgerCfg.Now = cfg.Now
	n.Ledger = collateral.NewLedger(ledgerCfg)

	n.Book = sealedbid.NewBook(sealedbid.Config{
		Auction:  cfg.Auction,
		Schedule: schedule,
		Beacon:   cfg.Beacon,
		Locks:    n.Ledger,
		Signer:   cfg.Signer,
		Events:   cfg.Events,
		Logger:   cfg.Logger.With("component", "sealedbid"),
		Now:      cfg.Now,
	})

	n.Settler = settlement.NewSettler(settlement.Config{
		DeliveryWindow: cfg.Auction.DeliveryWindow,
		Verifiers:      cfg.Verifiers,
		Gateways:       cfg.Gateways,
		Ledger:         n.Ledger,
		Events:         cfg.Events,
		Logger:         cfg.Logger.With("component", "settlement"),
		Now:            cfg.Now,
	})

	n.Scheduler = scheduler.NewScheduler(scheduler.Config{
		Auction:    cfg.Auction,
		Schedule:   schedule,
		Book:       n.Book,
		Locks:      n.Ledger,
		Settlement: n.Settler,
		Reference:  cfg.Reference,
		Events:     cfg.Events,
		Logger:     cfg.Logger.With("component", "scheduler"),
		Now:        cfg.Now,
	})
	n.Coordinator = scheduler.NewCoordinator(n.Scheduler, cfg.RevealRetry)
	n.Projector = NewProjector(cfg.Store, cfg.Events, cfg.Logger.With("component", "projector"))

	n.API = NewAPI(APIConfig{
		Auction:        cfg.Auction,
		Schedule:       schedule,
		Beacon:         cfg.Beacon,
		Ledger:         n.Ledger,
		Book:           n.Book,
		Scheduler:      n.Scheduler,
		Coordinator:    n.Coordinator,
		Settler:        n.Settler,
		Store:          cfg.Store,
		Events:         cfg.Events,
		AdminToken:     cfg.AdminToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         cfg.Logger.With("component", "api"),
		Now:            cfg.Now,
	})
	return n, nil
}

// Restore rebuilds in-memory state from the event log. The ledger goes
// first: restored bids look up their locks.
func (n *Node) Restore(ctx context.Context) error {
	steps := []struct {
		name    string
		restore func(context.Context, eventlog.Log) (uint64, error)
	}{
		{"collateral", n.Ledger.Restore},
		{"sealed bids", n.Book.Restore},
		{"obligations", n.Settler.Restore},
		{"epochs", n.Scheduler.Restore},
	}
	for _, step := range steps {
		last, err := step.restore(ctx, n.cfg.Events)
		if err != nil {
			return fmt.Errorf("restoring %s: %w", step.name, err)
		}
		n.cfg.Logger.Info("restored from event log", "state", step.name, "seq", last)
	}
	if _, err := n.Projector.CatchUp(ctx); err != nil {
		return fmt.Errorf("catching up projections: %w", err)
	}
	return nil
}

// Start runs the epoch coordinator, the settlement loop, the projections
// and, when configured, the broadcaster until ctx is done.
func (n *Node) Start(ctx context.Context) {
	n.Coordinator.Start(ctx)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.Settler.Run(ctx, n.cfg.SettlementInterval)
	}()
	go func() {
		defer n.wg.Done()
		if err := n.Projector.Run(ctx); err != nil {
			n.cfg.Logger.Error("projector stopped", "err", err)
		}
	}()

	if b := n.cfg.Broadcaster; b != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := b.Capture(ctx, n.cfg.Events); err != nil {
				n.cfg.Logger.Error("outbox capture stopped", "err", err)
			}
		}()
		b.Start(ctx)
	}

	epoch := n.schedule.EpochAt(n.cfg.Now())
	n.cfg.Logger.Info("node started",
		"epoch", epoch,
		"close", n.schedule.CloseTime(epoch),
		"listings", len(n.cfg.Auction.Listings))
}

// Wait blocks until the loops started by Start have returned.
func (n *Node) Wait() {
	n.wg.Wait()
}

// Close stops the ledger. Loops must have stopped first.
func (n *Node) Close() error {
	n.Ledger.Close()
	return n.cfg.Store.Close()
}
