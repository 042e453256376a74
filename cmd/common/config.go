package common

import (
	"fmt"
	"os"
	"time"

	"github.com/bomba-atomica/atomica-sub004/protocol"
	"github.com/bomba-atomica/atomica-sub004/services"
	"github.com/bomba-atomica/atomica-sub004/settlement"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of an auction node.
type Config struct {
	HTTPAddr       string   `yaml:"http_addr"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	EnablePprof    bool     `yaml:"enable_pprof"`
	AdminToken     string   `yaml:"admin_token"`

	Log  LogConfig  `yaml:"log"`
	Keys KeysConfig `yaml:"keys"`

	Auction   AuctionConfig            `yaml:"auction"`
	Beacon    BeaconConfig             `yaml:"beacon"`
	EventLog  EventLogConfig           `yaml:"event_log"`
	Postgres  *services.PostgresConfig `yaml:"postgres"`
	Chains    []ChainConfig            `yaml:"chains"`
	Attested  *AttestationConfig       `yaml:"attested"`
	Reference *KafkaConfig             `yaml:"reference_feed"`
	Broadcast *BroadcastConfig         `yaml:"broadcast"`

	SettlementInterval time.Duration `yaml:"settlement_interval"`
	RevealRetry        time.Duration `yaml:"reveal_retry"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// KeysConfig holds hex-encoded keys. Empty keys are generated at startup.
type KeysConfig struct {
	SigningKey string `yaml:"signing_key"`
}

// AuctionConfig mirrors protocol.AtomicaConfig with decimals as strings.
type AuctionConfig struct {
	CloseTime              string          `yaml:"close_time"`
	Leverage               string          `yaml:"leverage"`
	LiquidationPenalty     string          `yaml:"liquidation_penalty"`
	HomeChainAsset         string          `yaml:"home_chain_asset"`
	MinParticipantsPerSide int             `yaml:"min_participants_per_side"`
	LotSize                string          `yaml:"lot_size"`
	DeliveryWindow         time.Duration   `yaml:"delivery_window"`
	ProofConcurrency       int             `yaml:"proof_concurrency"`
	ReferenceTolerance     string          `yaml:"reference_tolerance"`
	Listings               []ListingConfig `yaml:"listings"`
}

type ListingConfig struct {
	Pair          string `yaml:"pair"`
	BaseChain     string `yaml:"base_chain"`
	QuoteChain    string `yaml:"quote_chain"`
	SequenceIndex int    `yaml:"sequence_index"`
	MinPrice      string `yaml:"min_price"`
	MaxPrice      string `yaml:"max_price"`
}

// BeaconConfig selects the randomness beacon. With URL set the node follows
// a drand-compatible HTTP beacon; otherwise it runs a local beacon from
// MasterSecret and serves it under /beacon.
type BeaconConfig struct {
	URL       string `yaml:"url"`
	ChainHash string `yaml:"chain_hash"`
	PublicKey string `yaml:"public_key"`

	MasterSecret string        `yaml:"master_secret"`
	Genesis      time.Time     `yaml:"genesis"`
	Period       time.Duration `yaml:"period"`
}

// EventLogConfig selects the event log. An empty path keeps it in memory.
type EventLogConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ChainConfig describes a settlement chain. A chain with a relayer URL is
// reached over HTTP and verified against Validators; one without is
// simulated in process.
type ChainConfig struct {
	ID         string                 `yaml:"id"`
	RelayerURL string                 `yaml:"relayer_url"`
	Validators []settlement.Validator `yaml:"validators"`

	SimulatedValidators int `yaml:"simulated_validators"`
}

// AttestationConfig enables TEE-attested proofs for payments on Chains.
type AttestationConfig struct {
	Type            string   `yaml:"type"`
	RemoteURL       string   `yaml:"remote_url"`
	MeasurementsURL string   `yaml:"measurements_url"`
	Chains          []string `yaml:"chains"`
}

type KafkaConfig struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	GroupID string        `yaml:"group_id"`
	MaxAge  time.Duration `yaml:"max_age"`
}

// BroadcastConfig publishes settlement and clearing events to Kafka through
// a local outbox.
type BroadcastConfig struct {
	Brokers   []string      `yaml:"brokers"`
	Topic     string        `yaml:"topic"`
	OutboxDir string        `yaml:"outbox_dir"`
	Interval  time.Duration `yaml:"interval"`
}

// DefaultConfig returns a configuration for a local node with two
// simulated chains.
func DefaultConfig() *Config {
	auction := protocol.DefaultConfig()
	return &Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		Log:         LogConfig{Level: "info"},
		Auction: AuctionConfig{
			CloseTime:              auction.CloseTime,
			Leverage:               auction.Leverage.String(),
			LiquidationPenalty:     auction.LiquidationPenalty.String(),
			HomeChainAsset:         auction.HomeChainAsset,
			MinParticipantsPerSide: auction.MinParticipantsPerSide,
			LotSize:                auction.LotSize.String(),
			DeliveryWindow:         auction.DeliveryWindow,
			ProofConcurrency:       auction.ProofConcurrency,
			ReferenceTolerance:     auction.ReferenceTolerance.String(),
			Listings: []ListingConfig{
				{Pair: "APT/USDC", BaseChain: "aptos", QuoteChain: "ethereum", SequenceIndex: 0},
				{Pair: "ETH/USDC", BaseChain: "ethereum", QuoteChain: "ethereum", SequenceIndex: 1},
			},
		},
		Beacon: BeaconConfig{
			Genesis: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Period:  3 * time.Second,
		},
		Chains: []ChainConfig{
			{ID: "aptos", SimulatedValidators: 4},
			{ID: "ethereum", SimulatedValidators: 4},
		},
		SettlementInterval: services.DefaultSettlementInterval,
		ShutdownTimeout:    10 * time.Second,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// ToAtomicaConfig converts and validates the auction section.
func (c *AuctionConfig) ToAtomicaConfig() (*protocol.AtomicaConfig, error) {
	out := &protocol.AtomicaConfig{
		CloseTime:              c.CloseTime,
		HomeChainAsset:         c.HomeChainAsset,
		MinParticipantsPerSide: c.MinParticipantsPerSide,
		DeliveryWindow:         c.DeliveryWindow,
		ProofConcurrency:       c.ProofConcurrency,
	}

	var err error
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"leverage", c.Leverage, &out.Leverage},
		{"liquidation_penalty", c.LiquidationPenalty, &out.LiquidationPenalty},
		{"lot_size", c.LotSize, &out.LotSize},
		{"reference_tolerance", c.ReferenceTolerance, &out.ReferenceTolerance},
	} {
		if *f.dst, err = parseDecimal(f.name, f.raw); err != nil {
			return nil, err
		}
	}

	for i, l := range c.Listings {
		pair, err := protocol.ParseAssetPair(l.Pair)
		if err != nil {
			return nil, fmt.Errorf("listing %d: %w", i, err)
		}
		listing := protocol.Listing{
			Pair:          pair,
			BaseChain:     protocol.ChainID(l.BaseChain),
			QuoteChain:    protocol.ChainID(l.QuoteChain),
			SequenceIndex: l.SequenceIndex,
		}
		if listing.MinPrice, err = parseDecimal("min_price", l.MinPrice); err != nil {
			return nil, fmt.Errorf("listing %s: %w", l.Pair, err)
		}
		if listing.MaxPrice, err = parseDecimal("max_price", l.MaxPrice); err != nil {
			return nil, fmt.Errorf("listing %s: %w", l.Pair, err)
		}
		out.Listings = append(out.Listings, listing)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
