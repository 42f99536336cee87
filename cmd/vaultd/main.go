package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/luxfi/vault/pkg/api"
	"github.com/luxfi/vault/pkg/margin"
	"github.com/luxfi/vault/pkg/metrics"
	"github.com/luxfi/vault/pkg/store"
	"github.com/luxfi/vault/pkg/websocket"
	"github.com/nats-io/nats.go"
)

const (
	defaultDataDir     = ".vaultd"
	defaultPort        = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSURL     string

	// Vault
	PenaltyBps       int64
	SnapshotInterval time.Duration

	// Features
	EnableMetrics bool
	EnableNATS    bool
}

type VaultNode struct {
	config *Config
	db     database.Database
	vault  *margin.MarginVault
	store  *store.VaultStore
	ws     *websocket.Server
	vm     *metrics.VaultMetrics
	nc     *nats.Conn
	logger log.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewVaultNode(config *Config) (*VaultNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing vault node")

	// Ensure data directory exists
	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB is the default, with in-memory fallback
	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "vaultd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized",
			"path", filepath.Join(dataPath, "badgerdb"))
	}

	vault := margin.NewMarginVault(logger, nil, nil, nil)
	vaultStore := store.New(db, logger)

	if err := vaultStore.Restore(vault); err != nil {
		logger.Warn("Failed to restore vault state", "error", err)
	}

	if config.PenaltyBps > 0 {
		if err := vault.SetLiquidationPenalty("vaultd", config.PenaltyBps); err != nil {
			return nil, fmt.Errorf("failed to set liquidation penalty: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &VaultNode{
		config: config,
		db:     db,
		vault:  vault,
		store:  vaultStore,
		ws:     websocket.NewServer(vault, logger, websocket.DefaultConfig()),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if config.EnableMetrics {
		vm, err := metrics.NewVaultMetrics("vault")
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		node.vm = vm
	}

	if config.EnableNATS {
		nc, err := nats.Connect(config.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			logger.Warn("NATS unavailable, event publishing disabled", "error", err)
		} else {
			node.nc = nc
		}
	}

	return node, nil
}

func (n *VaultNode) Start() error {
	n.logger.Info("Starting vault node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort,
		"penaltyBps", n.vault.LiquidationPenaltyBps())

	n.wg.Add(1)
	go n.runJSONRPCServer()

	go func() {
		if err := n.ws.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()

	if n.vm != nil {
		n.vm.StartServer(fmt.Sprintf("%d", n.config.MetricsPort))
		go n.vm.CollectSystemMetrics(n.ctx)

		// Dedicated feed so the counter moves regardless of whether
		// NATS publishing is enabled
		go n.vm.CountLiquidations(n.ctx, n.vault.SubscribeLiquidations())

		n.wg.Add(1)
		go n.refreshMetrics()
	}

	if n.nc != nil {
		n.wg.Add(1)
		go n.publishLiquidations()
	}

	n.wg.Add(1)
	go n.snapshotWorker()

	n.wg.Add(1)
	go n.printStats()

	n.logger.Info("Vault node started successfully")
	return nil
}

func (n *VaultNode) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.vault, n.logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := n.vault.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "healthy",
			"accounts":     stats.Accounts,
			"liquidations": stats.Liquidations,
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.HTTPPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

// publishLiquidations forwards the liquidation feed onto NATS subjects
// keyed by user, plus a firehose subject.
func (n *VaultNode) publishLiquidations() {
	defer n.wg.Done()

	feed := n.vault.SubscribeLiquidations()
	for {
		select {
		case <-n.ctx.Done():
			return
		case event := <-feed:
			data, err := json.Marshal(event)
			if err != nil {
				n.logger.Error("Failed to marshal liquidation event", "error", err)
				continue
			}

			if err := n.nc.Publish("vault.liquidations", data); err != nil {
				n.logger.Error("Failed to publish liquidation", "error", err)
				continue
			}
			n.nc.Publish(fmt.Sprintf("vault.liquidations.%s", event.User), data)

			if n.vm != nil {
				n.vm.RecordNATSMessage("published")
			}
			n.logger.Debug("Liquidation published", "id", event.ID, "user", event.User)
		}
	}
}

func (n *VaultNode) refreshMetrics() {
	defer n.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.vm.UpdateVaultStats(n.vault.Stats())
		}
	}
}

func (n *VaultNode) snapshotWorker() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.store.Snapshot(n.vault); err != nil {
				n.logger.Error("Snapshot failed", "error", err)
			}
		}
	}
}

func (n *VaultNode) printStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			stats := n.vault.Stats()
			n.logger.Info("Vault status",
				"uptime", fmt.Sprintf("%.0fs", time.Since(startTime).Seconds()),
				"accounts", stats.Accounts,
				"marginDeposited", stats.TotalMarginDeposited.String(),
				"borrowed", stats.TotalBorrowed.String(),
				"utilizationBps", stats.UtilizationBps,
				"liquidations", stats.Liquidations)
		}
	}
}

func (n *VaultNode) Shutdown() {
	n.logger.Info("Shutting down vault node...")

	n.cancel()
	n.ws.Stop()
	n.wg.Wait()

	// Final snapshot before the database closes
	if err := n.store.Snapshot(n.vault); err != nil {
		n.logger.Error("Final snapshot failed", "error", err)
	}

	if n.nc != nil {
		n.nc.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Vault node shutdown complete")
}

func main() {
	config := &Config{
		DataDir: defaultDataDir,
	}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats", nats.DefaultURL, "NATS server URL")

	flag.Int64Var(&config.PenaltyBps, "penalty-bps", 0, "Liquidation penalty override in basis points")
	snapshotInterval := flag.Duration("snapshot-interval", 1*time.Minute, "Vault snapshot interval")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "enable-nats", false, "Publish liquidation events to NATS")

	flag.Parse()

	config.SnapshotInterval = *snapshotInterval

	node, err := NewVaultNode(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	node.Shutdown()
}
