// Package main provides the crosslockd daemon - a cross-chain HTLC resolver.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/chainclient"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/internal/listener"
	"github.com/crosslock-exchange/crosslockd/internal/rates"
	"github.com/crosslock-exchange/crosslockd/internal/resolver"
	"github.com/crosslock-exchange/crosslockd/internal/storage"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.crosslock", "Data directory")
		configDir   = flag.String("config", "", "Config directory (default: <data-dir>)")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{Level: *logLevel})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosslockd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	// Load or create config file
	cfgDir := effectiveDataDir
	if *configDir != "" {
		cfgDir = *configDir
	}
	cfg, err := config.LoadConfig(cfgDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config file
	cfg.Storage.DataDir = effectiveDataDir
	cfg.Logging.Level = *logLevel
	if *testnet {
		cfg.Network = config.Testnet
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	// Update logging with config level
	log = logging.New(&logging.Config{Level: cfg.Logging.Level})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(cfgDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.Storage.DataDir)

	// Rehydrate bridge state from the last run
	bridges := bridge.NewStore(store)
	if saved, err := store.ListBridges(); err != nil {
		log.Warn("Failed to load saved bridges", "error", err)
	} else if len(saved) > 0 {
		bridges.Restore(saved)
		log.Info("Bridges restored", "count", len(saved), "active", len(bridges.Active()))
	}

	secrets, err := resolver.NewSecretRegistry(store, log.Component("secrets"))
	if err != nil {
		log.Fatal("Failed to initialize secret registry", "error", err)
	}

	// Price feeds in priority order: aggregator first, spot sources after
	rateSvc := rates.New(&rates.Config{
		Sources: []rates.Source{
			rates.NewCoinGecko(cfg.Rates.CoinGeckoAPIKey),
			rates.NewBinance(),
			rates.NewCoinbase(),
		},
		TTL:         cfg.Rates.CacheTTL,
		DiscountBps: cfg.Rates.DiscountBps,
		Log:         log.Component("rates"),
	})

	// Chain clients; a chain without a configured contract stays disabled
	clients := make(map[bridge.Chain]chainclient.Client)
	var listeners []listener.Listener

	if eth, err := chainclient.NewEthereum(cfg.Ethereum, log.Component("ethereum")); err != nil {
		logChainDisabled(log, bridge.ChainEthereum, err)
	} else {
		clients[bridge.ChainEthereum] = eth
		listeners = append(listeners, listener.NewEthereumListener(eth, cfg, store, log.Component("eth-listener")))
	}

	if near, err := chainclient.NewNEAR(cfg.NEAR, log.Component("near")); err != nil {
		logChainDisabled(log, bridge.ChainNEAR, err)
	} else {
		clients[bridge.ChainNEAR] = near
		listeners = append(listeners, listener.NewNEARListener(near, cfg, store, log.Component("near-listener")))
	}

	if aptos, err := chainclient.NewAptos(cfg.Aptos, log.Component("aptos")); err != nil {
		logChainDisabled(log, bridge.ChainAptos, err)
	} else {
		clients[bridge.ChainAptos] = aptos
		listeners = append(listeners, listener.NewAptosListener(aptos, cfg, store, log.Component("aptos-listener")))
	}

	if len(clients) == 0 {
		log.Fatal("No chain is configured; nothing to resolve")
	}

	// The resolver is the state machine everything above feeds
	res := resolver.New(cfg, bridges, secrets, rateSvc, clients, log.Component("resolver"))
	res.Start(ctx)
	defer res.Stop()

	for _, l := range listeners {
		if err := l.Initialize(ctx); err != nil {
			log.Fatal("Failed to initialize listener", "chain", l.Chain(), "error", err)
		}
		if err := l.StartListening(ctx); err != nil {
			log.Fatal("Failed to start listener", "chain", l.Chain(), "error", err)
		}
		res.Consume(l.Events())
		log.Info("Listener started", "chain", l.Chain())
	}

	printBanner(log, cfg, clients)

	// Log bridge lifecycle notifications
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-res.BridgeCreated():
				log.Info("Bridge created", "bridge_id", b.ID, "type", b.Type)
			case b := <-res.BridgeCompleted():
				log.Info("Bridge completed", "bridge_id", b.ID, "type", b.Type)
			case b := <-res.BridgeFailed():
				log.Warn("Bridge failed", "bridge_id", b.ID, "type", b.Type, "error", b.Error)
			}
		}
	}()

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts := res.Status()
				log.Info("Status",
					"pending", counts[bridge.StatusPending],
					"active", counts[bridge.StatusActive],
					"completed", counts[bridge.StatusCompleted],
					"failed", counts[bridge.StatusFailed])
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown: stop the feeds, then the state machine
	for _, l := range listeners {
		l.StopListening()
	}
	cancel()
	res.Stop()

	log.Info("Goodbye!")
}

func logChainDisabled(log *logging.Logger, chain bridge.Chain, err error) {
	if errors.Is(err, chainclient.ErrContractNotSet) {
		log.Info("Chain disabled", "chain", chain)
		return
	}
	log.Fatal("Failed to initialize chain client", "chain", chain, "error", err)
}

func printBanner(log *logging.Logger, cfg *config.Config, clients map[bridge.Chain]chainclient.Client) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Crosslock HTLC Resolver (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Info("  Chains:")
	for _, chain := range []bridge.Chain{bridge.ChainEthereum, bridge.ChainNEAR, bridge.ChainAptos} {
		if c, ok := clients[chain]; ok {
			log.Infof("    %-8s signer: %s", chain, c.SignerAccount())
		} else {
			log.Infof("    %-8s disabled", chain)
		}
	}
	log.Info("")
	log.Infof("  Fusion pairs: %v", cfg.FusionEnabled())
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
