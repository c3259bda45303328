package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/market"
	"github.com/luxfi/leverage/pkg/oracle"
	"github.com/luxfi/leverage/pkg/vault"
)

// Metrics counts committed engine events. It implements chain.Sink.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Position metrics
	positionsOpened     *prometheus.CounterVec
	positionsClosed     *prometheus.CounterVec
	positionsLiquidated *prometheus.CounterVec
	openPositions       *prometheus.GaugeVec

	// Pool metrics
	liquidityDeposits    *prometheus.CounterVec
	liquidityWithdrawals *prometheus.CounterVec

	// Custody metrics
	vaultDeposits    prometheus.Counter
	vaultWithdrawals prometheus.Counter

	priceUpdates *prometheus.CounterVec
	transfers    prometheus.Counter
	events       *prometheus.CounterVec
	blockHeight  prometheus.Gauge

	natsPublished prometheus.Counter
	wsClients     prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge

	engine *EngineCounters
}

// New creates the engine metrics on a fresh registry
func New(namespace string) *Metrics {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,
		engine:    NewEngineCounters(namespace),

		positionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total number of positions opened",
		}, []string{"market", "side"}),

		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total number of positions closed by outcome",
		}, []string{"market", "outcome"}),

		positionsLiquidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_liquidated_total",
			Help:      "Total number of positions liquidated",
		}, []string{"market"}),

		openPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Current number of open positions",
		}, []string{"market"}),

		liquidityDeposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidity_deposits_total",
			Help:      "Total number of liquidity deposits",
		}, []string{"market", "native"}),

		liquidityWithdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidity_withdrawals_total",
			Help:      "Total number of liquidity withdrawals",
		}, []string{"market", "native"}),

		vaultDeposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_deposits_total",
			Help:      "Total collateral deposits into the vault",
		}),

		vaultWithdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_withdrawals_total",
			Help:      "Total collateral withdrawals from the vault",
		}),

		priceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_updates_total",
			Help:      "Total oracle price updates",
		}, []string{"pair"}),

		transfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_transfers_total",
			Help:      "Total token transfers",
		}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total committed events by topic",
		}, []string{"topic"}),

		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_height",
			Help:      "Current block height",
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Current number of websocket clients",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.positionsOpened,
		m.positionsClosed,
		m.positionsLiquidated,
		m.openPositions,
		m.liquidityDeposits,
		m.liquidityWithdrawals,
		m.vaultDeposits,
		m.vaultWithdrawals,
		m.priceUpdates,
		m.transfers,
		m.events,
		m.blockHeight,
		m.natsPublished,
		m.wsClients,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry returns the underlying prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is done
func (m *Metrics) StartServer(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
	m.logger.Info("Prometheus metrics available", "endpoint", "http://localhost:"+port+"/metrics")
}

// Consume implements chain.Sink
func (m *Metrics) Consume(ev chain.Event) {
	m.events.WithLabelValues(ev.Topic()).Inc()

	switch e := ev.(type) {
	case market.PositionOpened:
		side := "short"
		if e.Position.IsLong {
			side = "long"
		}
		m.positionsOpened.WithLabelValues(e.Market.Hex(), side).Inc()
		m.engine.PositionsOpened.Inc()
		m.openPositions.WithLabelValues(e.Market.Hex()).Inc()
	case market.PositionClosed:
		outcome := "even"
		switch {
		case e.Settlement.PnL > 0:
			outcome = "profit"
		case e.Settlement.PnL < 0:
			outcome = "loss"
		}
		m.positionsClosed.WithLabelValues(e.Market.Hex(), outcome).Inc()
		m.engine.Settlements.Inc()
		m.openPositions.WithLabelValues(e.Market.Hex()).Dec()
	case market.PositionLiquidated:
		m.positionsLiquidated.WithLabelValues(e.Market.Hex()).Inc()
		m.engine.Liquidations.Inc()
		m.openPositions.WithLabelValues(e.Market.Hex()).Dec()
	case market.LiquidityDeposited:
		m.liquidityDeposits.WithLabelValues(e.Market.Hex(), boolLabel(e.Native)).Inc()
	case market.LiquidityWithdrawn:
		m.liquidityWithdrawals.WithLabelValues(e.Market.Hex(), boolLabel(e.Native)).Inc()
	case vault.Deposited:
		m.vaultDeposits.Inc()
	case vault.Withdrawn:
		m.vaultWithdrawals.Inc()
	case oracle.PriceUpdated:
		m.priceUpdates.WithLabelValues(e.Pair).Inc()
	case asset.Transfer:
		m.transfers.Inc()
	}
}

// SetOpenPositions seeds the open position gauge, used after a restore
func (m *Metrics) SetOpenPositions(mkt string, n int) {
	m.openPositions.WithLabelValues(mkt).Set(float64(n))
}

// UpdateBlockHeight updates current block height
func (m *Metrics) UpdateBlockHeight(height uint64) {
	m.blockHeight.Set(float64(height))
	m.engine.BlocksProduced.Inc()
}

// Engine returns the lux metric counters
func (m *Metrics) Engine() *EngineCounters {
	return m.engine
}

// RecordNATSPublish counts a published NATS message
func (m *Metrics) RecordNATSPublish() {
	m.natsPublished.Inc()
}

// SetWebsocketClients updates the connected client gauge
func (m *Metrics) SetWebsocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// CollectSystemMetrics collects system-level metrics until ctx is done
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
