// Command atomicad runs an Atomica auction node.
//
// The node serves the participant API, clears every listed pair at the
// daily close and settles the matched legs across chains.
//
// # Configuration File
//
// Create a YAML file with node settings; omitted fields keep their defaults:
//
//	http_addr: ":8080"
//	metrics_addr: ":9090"
//	admin_token: "admin:secret"
//	log:
//	  level: info
//	  json: false
//	keys:
//	  signing_key: ""        # Hex-encoded receipt key, generates if empty
//	auction:
//	  close_time: "17:00"
//	  leverage: "7"
//	  min_participants_per_side: 2
//	  delivery_window: 12h
//	  listings:
//	    - pair: APT/USDC
//	      base_chain: aptos
//	      quote_chain: ethereum
//	      sequence_index: 0
//	beacon:
//	  master_secret: ""      # Local beacon, served under /beacon
//	  url: ""                # Or follow a drand-compatible beacon
//	  chain_hash: ""
//	event_log:
//	  sqlite_path: ./atomica.db
//	postgres:
//	  host: localhost
//	  port: 5432
//	  user: atomica
//	  database: atomica
//	chains:
//	  - id: aptos
//	    simulated_validators: 4
//	  - id: ethereum
//	    relayer_url: http://relayer:8090
//	    validators:
//	      - address: "0x..."
//	        power: 10
//	attested:
//	  type: dcap-tdx
//	  measurements_url: https://example.org/measurements.json
//	  chains: [ethereum]
//	reference_feed:
//	  brokers: [localhost:9092]
//	  topic: oracle.prices
//	broadcast:
//	  brokers: [localhost:9092]
//	  topic: atomica.events
//	  outbox_dir: ./outbox
//
// # HTTP Configuration Mode
//
// Use --wait-config to start an HTTP server that waits for configuration,
// e.g. inside a TEE VM image:
//
//	go run ./cmd/atomicad --wait-config --addr=:8080
//	curl -X POST http://localhost:8080/config --data-binary @atomica.yaml
//
// # Usage
//
//	go run ./cmd/atomicad --config=atomica.yaml
//	go run ./cmd/atomicad --event-log=./atomica.db --admin-token=admin:secret
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bomba-atomica/atomica-sub004/api/httpserver"
	"github.com/bomba-atomica/atomica-sub004/beacon"
	"github.com/bomba-atomica/atomica-sub004/cmd/common"
	"github.com/bomba-atomica/atomica-sub004/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		waitConfig    = flag.Bool("wait-config", false, "Wait for config via HTTP POST to /config")
		addr          = flag.String("addr", ":8080", "HTTP listen address")
		metricsAddr   = flag.String("metrics-addr", "", "Metrics listen address")
		adminToken    = flag.String("admin-token", "", "Basic auth for /admin routes (user:pass)")
		eventLogPath  = flag.String("event-log", "", "SQLite event log path (in memory if empty)")
		beaconURL     = flag.String("beacon-url", "", "drand-compatible beacon URL (local beacon if empty)")
		chainHash     = flag.String("beacon-chain", "", "Beacon chain hash, required with --beacon-url")
		signingKeyHex = flag.String("signing-key", "", "Ed25519 receipt signing key (hex, generates if empty)")
		logLevel      = flag.String("log-level", "", "Log level: debug, info, warn or error")
		logJSON       = flag.Bool("log-json", false, "Log as JSON")
	)
	flag.Parse()

	isFlagSet := func(name string) bool {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		return found
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	var cfg *common.Config
	var err error

	if *waitConfig {
		cfg, err = waitForConfig(ctx, *addr)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("Shutdown during config wait")
				return
			}
			fmt.Printf("Error waiting for config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, err = loadConfiguration(*configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	applyFlagOverrides(cfg, *addr, *metricsAddr, *adminToken, *eventLogPath, *beaconURL,
		*chainHash, *signingKeyHex, *logLevel, *logJSON, isFlagSet("addr"))

	if err := validateConfig(cfg); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func waitForConfig(ctx context.Context, addr string) (*common.Config, error) {
	configCh := make(chan *common.Config, 1)
	errCh := make(chan error, 1)

	var configOnce sync.Once

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("waiting"))
	})

	r.Post("/config", func(w http.ResponseWriter, r *http.Request) {
		configOnce.Do(func() {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				var cfg *common.Config
				if cfg, err = common.ParseConfig(body); err == nil {
					configCh <- cfg
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("configuration accepted"))
					return
				}
			}
			errCh <- err
			http.Error(w, err.Error(), http.StatusBadRequest)
		})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		fmt.Printf("Waiting for configuration on %s (POST /config)\n", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- fmt.Errorf("config server: %w", err)
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, err
	case cfg := <-configCh:
		fmt.Println("Configuration received, starting node...")
		return cfg, nil
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func applyFlagOverrides(cfg *common.Config, addr, metricsAddr, adminToken, eventLogPath,
	beaconURL, chainHash, signingKeyHex, logLevel string, logJSON bool, addrExplicit bool) {

	if addrExplicit {
		cfg.HTTPAddr = addr
	} else if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = addr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if adminToken != "" {
		cfg.AdminToken = adminToken
	}
	if eventLogPath != "" {
		cfg.EventLog.SQLitePath = eventLogPath
	}
	if beaconURL != "" {
		cfg.Beacon.URL = beaconURL
	}
	if chainHash != "" {
		cfg.Beacon.ChainHash = chainHash
	}
	if signingKeyHex != "" {
		cfg.Keys.SigningKey = signingKeyHex
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.JSON = true
	}
}

func validateConfig(cfg *common.Config) error {
	if cfg.Beacon.URL != "" && cfg.Beacon.ChainHash == "" {
		return fmt.Errorf("beacon chain hash is required with a beacon url (via --beacon-chain or config file)")
	}
	if cfg.Beacon.URL == "" && cfg.Beacon.Period <= 0 {
		return fmt.Errorf("local beacon needs a positive period")
	}
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one settlement chain is required")
	}
	if _, err := cfg.Auction.ToAtomicaConfig(); err != nil {
		return fmt.Errorf("auction: %w", err)
	}
	return nil
}

func run(ctx context.Context, cfg *common.Config) error {
	logger, err := common.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	auction, err := cfg.Auction.ToAtomicaConfig()
	if err != nil {
		return err
	}

	signingKey, err := common.LoadOrGenerateSigningKey(cfg.Keys.SigningKey)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	pubKey, err := signingKey.PublicKey()
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	randomness, local, err := common.NewBeacon(ctx, cfg.Beacon)
	if err != nil {
		return fmt.Errorf("beacon: %w", err)
	}

	events, err := common.OpenEventLog(cfg.EventLog, logger.With("component", "eventlog"))
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	defer events.Close()

	store, err := common.OpenStore(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("projection store: %w", err)
	}

	chains, err := common.NewChains(cfg.Chains, cfg.Attested)
	if err != nil {
		return fmt.Errorf("settlement chains: %w", err)
	}

	broadcaster, box, err := common.NewBroadcaster(cfg.Broadcast, logger.With("component", "outbox"))
	if err != nil {
		return fmt.Errorf("broadcaster: %w", err)
	}
	if broadcaster != nil {
		defer box.Close()
		defer broadcaster.Close()
	}

	nodeCfg := services.NodeConfig{
		Auction:            auction,
		Beacon:             randomness,
		Events:             events,
		Signer:             signingKey,
		Verifiers:          chains.Verifiers,
		Gateways:           chains.Gateways,
		Store:              store,
		Broadcaster:        broadcaster,
		AdminToken:         cfg.AdminToken,
		AllowedOrigins:     cfg.AllowedOrigins,
		RevealRetry:        cfg.RevealRetry,
		SettlementInterval: cfg.SettlementInterval,
		Logger:             logger,
	}
	if reference := common.NewReferenceFeed(cfg.Reference, logger.With("component", "feed")); reference != nil {
		defer reference.Close()
		go func() {
			if err := reference.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reference feed stopped", "err", err)
			}
		}()
		nodeCfg.Reference = reference
	}

	node, err := services.NewNode(nodeCfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer node.Close()

	if err := node.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	registrars := []httpserver.RouteRegistrar{node.API}
	if local != nil {
		registrars = append(registrars, common.Mount("/beacon", beacon.NewHandler(local)))
	}
	registrars = append(registrars, chains.RelayerRoutes()...)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		AllowedOrigins:           cfg.AllowedOrigins,
		Log:                      logger.With("component", "http"),
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: cfg.ShutdownTimeout,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, registrars...)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	logger.Info("auction node configured",
		"auctioneer", pubKey.String(),
		"beacon_chain", randomness.Info().ChainHash(),
		"listings", len(auction.Listings),
		"chains", len(chains.Gateways))

	srv.RunInBackground()
	node.Start(ctx)

	<-ctx.Done()

	logger.Info("shutting down auction node")
	srv.Shutdown()
	node.Wait()
	return nil
}
