package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/leverage/pkg/api"
	"github.com/luxfi/leverage/pkg/config"
	"github.com/luxfi/leverage/pkg/events"
	"github.com/luxfi/leverage/pkg/metrics"
	"github.com/luxfi/leverage/pkg/node"
	"github.com/luxfi/leverage/pkg/store"
	"github.com/luxfi/leverage/pkg/websocket"
)

// Daemon wires the engine to its storage and outer surfaces
type Daemon struct {
	config  *config.Config
	node    *node.Node
	store   *store.Store
	metrics *metrics.Metrics
	bus     *events.Bus
	nats    *events.Publisher
	ws      *websocket.Server
	logger  log.Logger

	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	level, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perpd")

	db, err := store.Open(cfg.DataDir, cfg.DBEngine, cfg.Namespace, logger)
	if err != nil {
		return nil, err
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	st := store.New(db, logger.New("module", "store"))
	snap, err := st.Load()
	switch {
	case err == nil:
		if err := n.Restore(snap); err != nil {
			db.Close()
			return nil, fmt.Errorf("restore: %w", err)
		}
	case errors.Is(err, store.ErrNoSnapshot):
		logger.Info("No previous state found, running genesis")
		if err := n.Genesis(); err != nil {
			db.Close()
			return nil, fmt.Errorf("genesis: %w", err)
		}
	default:
		db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:  cfg,
		node:    n,
		store:   st,
		metrics: metrics.New(cfg.Namespace),
		bus:     events.NewBus(n.Env, 0),
		logger:  logger,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}

	d.ws = websocket.NewServer(logger.New("module", "websocket"), websocket.DefaultConfig(),
		websocket.WithSnapshot(d.snapshot),
		websocket.WithClientGauge(d.metrics.SetWebsocketClients),
	)
	d.bus.Subscribe(d.ws)

	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, cfg.NATSPrefix, events.WithPublishHook(d.metrics.RecordNATSPublish))
		if err != nil {
			logger.Warn("NATS unavailable, events stay local", "url", cfg.NATSURL, "error", err)
		} else {
			d.nats = pub
			d.bus.Subscribe(pub)
			logger.Info("Publishing events to NATS", "url", cfg.NATSURL, "prefix", cfg.NATSPrefix)
		}
	}

	n.Env.Subscribe(d.metrics)
	n.Env.Subscribe(d.bus)
	return d, nil
}

// snapshot answers a websocket subscription with the current quotes
func (d *Daemon) snapshot(pattern string) (any, bool) {
	if !websocket.Matches(pattern, "oracle.PriceUpdated") {
		return nil, false
	}
	var prices map[string]string
	d.node.Env.Execute(func() error {
		prices = d.node.Prices()
		return nil
	})
	return prices, true
}

func (d *Daemon) Start() error {
	d.logger.Info("Starting perpd",
		"dataDir", d.config.DataDir,
		"rpcPort", d.config.RPCPort,
		"wsPort", d.config.WSPort,
		"metricsPort", d.config.MetricsPort,
		"blockTime", d.config.BlockTime,
		"devMode", d.config.DevMode)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.bus.Run(d.ctx)
	}()

	d.wg.Add(1)
	go d.runBlocks()

	d.metrics.StartServer(d.ctx, strconv.Itoa(d.config.MetricsPort))
	go d.metrics.CollectSystemMetrics(d.ctx)

	go func() {
		if err := d.ws.Start(d.config.WSPort); err != nil {
			d.logger.Error("WebSocket server failed", "error", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := api.StartJSONRPCServer(d.ctx, d.config.RPCPort, d.node, d.logger.New("module", "rpc"), d.health); err != nil {
			d.logger.Error("JSON-RPC server failed", "error", err)
		}
	}()

	d.wg.Add(1)
	go d.printStats()

	d.logger.Info("perpd started successfully")
	return nil
}

func (d *Daemon) health(w http.ResponseWriter, r *http.Request) {
	var block uint64
	var markets int
	d.node.Env.Execute(func() error {
		block = d.node.Env.BlockNumber()
		markets = len(d.node.Manager.ViewMarkets())
		return nil
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "healthy",
		"block":   block,
		"markets": markets,
	})
}

func (d *Daemon) runBlocks() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.BlockTime)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.metrics.UpdateBlockHeight(d.node.Env.AdvanceBlock())
		}
	}
}

func (d *Daemon) printStats() {
	defer d.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			var block uint64
			open := 0
			d.node.Env.Execute(func() error {
				block = d.node.Env.BlockNumber()
				for _, m := range d.node.Manager.Markets() {
					positions := m.OpenPositions()
					d.metrics.SetOpenPositions(m.Address().Hex(), positions)
					open += positions
				}
				return nil
			})
			wsStats := d.ws.GetStats()

			d.logger.Info("perpd status",
				"uptime", time.Since(d.started).Round(time.Second),
				"block", block,
				"openPositions", open,
				"wsClients", wsStats["clients"],
				"droppedEvents", d.bus.Dropped())
		}
	}
}

// Shutdown stops every surface, then persists the final state
func (d *Daemon) Shutdown() {
	d.logger.Info("Shutting down perpd...")

	d.cancel()
	d.ws.Stop()
	d.wg.Wait()
	if d.nats != nil {
		d.nats.Close()
	}

	var snap *store.Snapshot
	d.node.Env.Execute(func() error {
		snap = d.node.Snapshot()
		return nil
	})
	if err := d.store.Save(snap); err != nil {
		d.logger.Error("Failed to save state", "error", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("Failed to close database", "error", err)
	}

	d.logger.Info("perpd shutdown complete")
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dataDir := flag.String("data-dir", "", "Data directory")
	dbEngine := flag.String("db", "", "Database engine (badgerdb, memory)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	rpcPort := flag.Int("rpc-port", 0, "JSON-RPC port")
	wsPort := flag.Int("ws-port", 0, "WebSocket port")
	metricsPort := flag.Int("metrics-port", 0, "Prometheus metrics port")
	natsURL := flag.String("nats", "", "NATS server URL (empty disables publishing)")
	blockTime := flag.Duration("block-time", 0, "Block time")
	devMode := flag.Bool("dev", false, "Enable dev-only methods such as oracle_setPrice")
	flag.Parse()

	rootLogger := log.Root()

	cfg, err := config.Load(*configPath)
	if err != nil {
		rootLogger.Crit("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Flags override the file and the environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "db":
			cfg.DBEngine = strings.ToLower(*dbEngine)
		case "log-level":
			cfg.LogLevel = *logLevel
		case "rpc-port":
			cfg.RPCPort = *rpcPort
		case "ws-port":
			cfg.WSPort = *wsPort
		case "metrics-port":
			cfg.MetricsPort = *metricsPort
		case "nats":
			cfg.NATSURL = *natsURL
		case "block-time":
			cfg.BlockTime = *blockTime
			cfg.BlockTimeRaw = blockTime.String()
		case "dev":
			cfg.DevMode = *devMode
		}
	})
	if err := cfg.Validate(); err != nil {
		rootLogger.Crit("Invalid config", "error", err)
		os.Exit(1)
	}

	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", cfg.DataDir,
		"markets", len(cfg.Markets))

	d, err := NewDaemon(cfg)
	if err != nil {
		rootLogger.Crit("Failed to create daemon", "error", err)
		os.Exit(1)
	}
	if err := d.Start(); err != nil {
		rootLogger.Crit("Failed to start daemon", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	d.Shutdown()
}
