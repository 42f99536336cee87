package metrics

import (
	"context"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/vault/pkg/margin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VaultMetrics exposes vault activity through Prometheus
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer
	logger    log.Logger

	// Vault metrics
	accountsCreated  prometheus.Counter
	positionsOpened  prometheus.Counter
	positionsClosed  prometheus.Counter
	liquidations     prometheus.Counter
	marginDeposited  prometheus.Gauge
	totalBorrowed    prometheus.Gauge
	utilizationBps   prometheus.Gauge
	accountCount     prometheus.Gauge
	settlementTiming prometheus.Histogram

	// Network metrics
	natsPublished prometheus.Counter
	natsReceived  prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewVaultMetrics creates the vault metric set under one namespace
func NewVaultMetrics(namespace string) (*VaultMetrics, error) {
	logger := log.Root().New("module", "metrics")
	logger.Info("Initializing vault metrics")

	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		gatherer:  registry,
		logger:    logger,

		accountsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_created_total",
			Help:      "Total number of margin accounts created",
		}),

		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total number of positions opened",
		}),

		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total number of positions closed",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total number of forced liquidations",
		}),

		marginDeposited: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "margin_deposited",
			Help:      "Total collateral deposited across all accounts",
		}),

		totalBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "borrowed",
			Help:      "Total borrowed notional across all accounts",
		}),

		utilizationBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "utilization_bps",
			Help:      "Borrowed over deposited margin in basis points",
		}),

		accountCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounts",
			Help:      "Number of margin accounts",
		}),

		settlementTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_latency_nanoseconds",
			Help:      "Close and liquidation settlement latency in nanoseconds",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000},
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		natsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_received_total",
			Help:      "Total NATS messages received",
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
		m.accountsCreated,
		m.positionsOpened,
		m.positionsClosed,
		m.liquidations,
		m.marginDeposited,
		m.totalBorrowed,
		m.utilizationBps,
		m.accountCount,
		m.settlementTiming,
		m.natsPublished,
		m.natsReceived,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("Vault metrics initialized successfully")
	return m, nil
}

// StartServer starts Prometheus metrics server
func (m *VaultMetrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	// Expose standard Prometheus endpoint
	http.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, nil); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	m.logger.Info("Prometheus metrics available",
		"endpoint", "http://localhost:"+port+"/metrics")

	return nil
}

// Handler returns the scrape handler for embedding in another mux
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAccountCreated records a new margin account
func (m *VaultMetrics) RecordAccountCreated() {
	m.accountsCreated.Inc()
}

// RecordPositionOpened records an opened position
func (m *VaultMetrics) RecordPositionOpened() {
	m.positionsOpened.Inc()
}

// RecordPositionClosed records a closed position
func (m *VaultMetrics) RecordPositionClosed() {
	m.positionsClosed.Inc()
}

// RecordLiquidation records a forced liquidation
func (m *VaultMetrics) RecordLiquidation() {
	m.liquidations.Inc()
}

// CountLiquidations drains a vault liquidation feed and counts every
// event, independent of any publishing transport. Returns when the
// context is cancelled or the feed closes.
func (m *VaultMetrics) CountLiquidations(ctx context.Context, feed <-chan *margin.LiquidationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-feed:
			if !ok {
				return
			}
			m.liquidations.Inc()
		}
	}
}

// RecordSettlementLatency records close/liquidation settlement latency
func (m *VaultMetrics) RecordSettlementLatency(nanoseconds float64) {
	m.settlementTiming.Observe(nanoseconds)
}

// RecordNATSMessage records NATS message metrics
func (m *VaultMetrics) RecordNATSMessage(direction string) {
	switch direction {
	case "published":
		m.natsPublished.Inc()
	case "received":
		m.natsReceived.Inc()
	}
}

// UpdateVaultStats refreshes the gauges from a stats snapshot
func (m *VaultMetrics) UpdateVaultStats(stats margin.VaultStats) {
	m.marginDeposited.Set(bigFloat(stats.TotalMarginDeposited))
	m.totalBorrowed.Set(bigFloat(stats.TotalBorrowed))
	m.utilizationBps.Set(float64(stats.UtilizationBps))
	m.accountCount.Set(float64(stats.Accounts))
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// CollectSystemMetrics collects system-level metrics
func (m *VaultMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Collect runtime stats
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// LogMetrics logs a metrics snapshot
func (m *VaultMetrics) LogMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.logger.Info("Current metrics snapshot",
		"memory_mb", memStats.Alloc/1024/1024,
		"goroutines", runtime.NumGoroutine(),
	)
}
