// Package common builds auction node components from a Config.
//
// It holds the factory functions shared by the commands:
//
//   - Key loading and generation for the auctioneer signing key
//   - Beacon, event log and projection store selection
//   - Settlement chains, gateways and verifiers
//   - TEE provider and measurement source factory functions
//   - Reference feed and outbox broadcaster wiring
package common

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bomba-atomica/atomica-sub004/api/httpserver"
	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/crypto"
	"github.com/bomba-atomica/atomica-sub004/eventlog"
	"github.com/bomba-atomica/atomica-sub004/feed"
	"github.com/bomba-atomica/atomica-sub004/outbox"
	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/services"
	"github.com/bomba-atomica/atomica-sub004/settlement"
	"github.com/bomba-atomica/atomica-sub004/tdx"
	"github.com/go-chi/chi/v5"
)

// NewLogger returns a text or JSON slog logger at level.
func NewLogger(cfg LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// NewBeacon returns the configured beacon. The local beacon is also
// returned so the caller can serve it; it is nil for a remote beacon.
func NewBeacon(ctx context.Context, cfg BeaconConfig) (beacon.Beacon, *beacon.LocalBeacon, error) {
	if cfg.URL != "" {
		var pinned crypto.TimelockPublicKey
		if cfg.PublicKey != "" {
			pk, err := hex.DecodeString(cfg.PublicKey)
			if err != nil {
				return nil, nil, fmt.Errorf("beacon public key: %w", err)
			}
			pinned = pk
		}
		b, err := beacon.NewHTTPBeacon(ctx, strings.TrimSuffix(cfg.URL, "/"), cfg.ChainHash, pinned)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	}

	var master *crypto.TimelockMasterKey
	var err error
	if cfg.MasterSecret != "" {
		secret, decErr := hex.DecodeString(cfg.MasterSecret)
		if decErr != nil {
			return nil, nil, fmt.Errorf("beacon master secret: %w", decErr)
		}
		master, err = crypto.NewTimelockMasterKey(secret)
	} else {
		master, err = crypto.GenerateTimelockMasterKey()
	}
	if err != nil {
		return nil, nil, err
	}
	local := beacon.NewLocalBeacon(master, cfg.Genesis, cfg.Period, nil)
	return local, local, nil
}

// OpenEventLog opens the SQLite log at the configured path, or an
// in-memory log when none is set.
func OpenEventLog(cfg EventLogConfig, logger *slog.Logger) (eventlog.Log, error) {
	if cfg.SQLitePath == "" {
		logger.Warn("event log is in memory, state is lost on restart")
		return eventlog.NewMemoryLog(logger), nil
	}
	return eventlog.OpenSQLiteLog(cfg.SQLitePath, logger)
}

// OpenStore connects the Postgres projection store when configured.
func OpenStore(cfg *services.PostgresConfig) (services.ProjectionStore, error) {
	if cfg == nil || cfg.Host == "" {
		return services.NewInMemoryStore(), nil
	}
	return services.NewPostgresStore(cfg)
}

// Chains is the settlement side of a node: a gateway per destination chain,
// the verifier registry, and the simulated chains that run in process.
type Chains struct {
	Gateways  map[protocol.ChainID]settlement.Gateway
	Verifiers *settlement.Registry
	Simulated map[protocol.ChainID]*settlement.SimulatedChain
}

// NewChains builds gateways and light-client verifiers for every chain and
// registers the attested verifier when configured.
func NewChains(chains []ChainConfig, attested *AttestationConfig) (*Chains, error) {
	out := &Chains{
		Gateways:  make(map[protocol.ChainID]settlement.Gateway),
		Verifiers: settlement.NewRegistry(),
		Simulated: make(map[protocol.ChainID]*settlement.SimulatedChain),
	}

	var sets []settlement.ValidatorSet
	for _, c := range chains {
		id := protocol.ChainID(c.ID)
		if c.RelayerURL != "" {
			if len(c.Validators) == 0 {
				return nil, fmt.Errorf("chain %s: a relayed chain needs its validator set", c.ID)
			}
			out.Gateways[id] = settlement.NewHTTPGateway(strings.TrimSuffix(c.RelayerURL, "/"))
			sets = append(sets, settlement.ValidatorSet{Chain: id, Validators: c.Validators})
			continue
		}

		validators := c.SimulatedValidators
		if validators <= 0 {
			validators = 4
		}
		sim, err := settlement.NewSimulatedChain(id, validators)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", c.ID, err)
		}
		out.Gateways[id] = sim
		out.Simulated[id] = sim
		sets = append(sets, sim.ValidatorSet())
	}

	lightClient := settlement.NewLightClientVerifier(sets...)
	for id := range out.Gateways {
		out.Verifiers.Register(id, lightClient)
	}

	if attested != nil {
		provider, err := NewAttestationProvider(attested)
		if err != nil {
			return nil, err
		}
		var origins []protocol.ChainID
		for _, c := range attested.Chains {
			origins = append(origins, protocol.ChainID(c))
		}
		verifier := settlement.NewAttestedVerifier(provider, NewMeasurementSource(attested), origins...)
		for id := range out.Gateways {
			out.Verifiers.Register(id, verifier)
		}
	}
	return out, nil
}

// RelayerRoutes serves every simulated chain as a relayer under
// /relayer/{chain}.
func (c *Chains) RelayerRoutes() []httpserver.RouteRegistrar {
	var out []httpserver.RouteRegistrar
	for id, sim := range c.Simulated {
		out = append(out, Mount("/relayer/"+string(id), settlement.NewRelayerHandler(sim)))
	}
	return out
}

// NewAttestationProvider creates the TEE provider of cfg. Type defaults to
// the dummy provider for local runs.
func NewAttestationProvider(cfg *AttestationConfig) (tdx.Provider, error) {
	t := cfg.Type
	if t == "" {
		t = tdx.TypeDummy
	}
	return tdx.NewProvider(t, cfg.RemoteURL)
}

// NewMeasurementSource creates the measurement allowlist of cfg. Without a
// URL only the dummy measurements are accepted.
func NewMeasurementSource(cfg *AttestationConfig) tdx.MeasurementSource {
	if cfg.MeasurementsURL != "" {
		return tdx.NewRemoteMeasurementSource(cfg.MeasurementsURL)
	}
	return tdx.DummyMeasurementSource()
}

// NewReferenceFeed returns the Kafka oracle feed, or nil when the node runs
// without reference prices. The caller runs it.
func NewReferenceFeed(cfg *KafkaConfig, logger *slog.Logger) *feed.KafkaFeed {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil
	}
	return feed.NewKafkaFeed(feed.KafkaConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
		MaxAge:  cfg.MaxAge,
		Logger:  logger,
	})
}

// NewBroadcaster opens the outbox and connects the Kafka producer, or
// returns nils when broadcasting is off. The caller closes both.
func NewBroadcaster(cfg *BroadcastConfig, logger *slog.Logger) (*outbox.Broadcaster, *outbox.Outbox, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, nil, nil
	}
	if cfg.OutboxDir == "" {
		return nil, nil, fmt.Errorf("broadcast needs an outbox_dir")
	}
	box, err := outbox.Open(cfg.OutboxDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening outbox: %w", err)
	}
	producer, err := outbox.NewSyncProducer(cfg.Brokers)
	if err != nil {
		box.Close()
		return nil, nil, fmt.Errorf("connecting producer: %w", err)
	}
	b := outbox.NewBroadcaster(box, producer, outbox.BroadcasterConfig{
		Topic:    cfg.Topic,
		Interval: cfg.Interval,
		Logger:   logger,
	})
	return b, box, nil
}

type mounted struct {
	prefix    string
	registrar httpserver.RouteRegistrar
}

// Mount serves the routes of registrar under prefix.
func Mount(prefix string, registrar httpserver.RouteRegistrar) httpserver.RouteRegistrar {
	return &mounted{prefix: prefix, registrar: registrar}
}

func (m *mounted) RegisterRoutes(r chi.Router) {
	r.Route(m.prefix, m.registrar.RegisterRoutes)
}
