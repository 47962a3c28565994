package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus series the pipeline exposes.
type Metrics struct {
	// Ingestion
	TradesIngested *prometheus.CounterVec
	TradesRouted   *prometheus.CounterVec
	BatchesDropped *prometheus.CounterVec

	// Gap detection
	GapsDetected *prometheus.CounterVec
	GapSizes     *prometheus.HistogramVec

	// Worker pool
	WorkerState    *prometheus.GaugeVec
	WorkerRestarts *prometheus.CounterVec
	BatchLatency   *prometheus.HistogramVec

	// Connections
	ActiveConnections *prometheus.GaugeVec
	Rotations         *prometheus.CounterVec

	// Persistence
	PersistOps       *prometheus.CounterVec
	PersistLatency   *prometheus.HistogramVec
	CandlesCompleted *prometheus.CounterVec

	logger *zap.Logger
	server *http.Server
}

// New creates and registers the metric set.
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		TradesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_trades_ingested_total",
				Help: "Trades received from exchange streams",
			},
			[]string{"exchange", "symbol"},
		),
		TradesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_trades_routed_total",
				Help: "Trades delivered to their owning worker",
			},
			[]string{"exchange", "symbol"},
		),
		BatchesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_batches_dropped_total",
				Help: "Trade batches dropped before reaching a worker",
			},
			[]string{"exchange", "symbol", "reason"},
		),
		GapsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_gaps_detected_total",
				Help: "Trade sequence gaps detected",
			},
			[]string{"exchange", "symbol"},
		),
		GapSizes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowtrace_gap_sizes",
				Help:    "Distribution of detected gap sizes",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"exchange", "symbol"},
		),
		WorkerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowtrace_worker_state",
				Help: "Worker lifecycle state (1 for the current state)",
			},
			[]string{"worker_id", "state"},
		),
		WorkerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_worker_restarts_total",
				Help: "Worker restarts by the supervisor",
			},
			[]string{"worker_id"},
		),
		BatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowtrace_batch_latency_seconds",
				Help:    "Trade batch processing latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"worker_id"},
		),
		ActiveConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowtrace_active_connections",
				Help: "Open exchange WebSocket connections",
			},
			[]string{"exchange"},
		),
		Rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_ws_rotations_total",
				Help: "WebSocket overlap rotations by outcome",
			},
			[]string{"exchange", "outcome"},
		),
		PersistOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_persist_operations_total",
				Help: "Persistence service operations",
			},
			[]string{"action", "status"},
		),
		PersistLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowtrace_persist_latency_seconds",
				Help:    "Persistence operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"action"},
		),
		CandlesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_candles_completed_total",
				Help: "Sealed footprint candles",
			},
			[]string{"exchange", "symbol", "timeframe"},
		),
		logger: logger.Named("metrics"),
	}

	prometheus.MustRegister(
		m.TradesIngested,
		m.TradesRouted,
		m.BatchesDropped,
		m.GapsDetected,
		m.GapSizes,
		m.WorkerState,
		m.WorkerRestarts,
		m.BatchLatency,
		m.ActiveConnections,
		m.Rotations,
		m.PersistOps,
		m.PersistLatency,
		m.CandlesCompleted,
	)
	return m
}

// Start serves /metrics and a liveness probe on the given port.
func (m *Metrics) Start(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{Addr: ":" + port, Handler: mux}
	m.logger.Info("metrics server starting", zap.String("port", port))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the metrics server down.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

// RecordTradeIngested counts one trade off an exchange stream.
func (m *Metrics) RecordTradeIngested(exchange, symbol string) {
	m.TradesIngested.WithLabelValues(exchange, symbol).Inc()
}

// RecordTradesRouted counts trades delivered to their owner.
func (m *Metrics) RecordTradesRouted(exchange, symbol string, n int) {
	m.TradesRouted.WithLabelValues(exchange, symbol).Add(float64(n))
}

// RecordBatchDropped counts a dropped batch by reason.
func (m *Metrics) RecordBatchDropped(exchange, symbol, reason string) {
	m.BatchesDropped.WithLabelValues(exchange, symbol, reason).Inc()
}

// RecordGapDetected counts a gap and observes its size.
func (m *Metrics) RecordGapDetected(exchange, symbol string, size int64) {
	m.GapsDetected.WithLabelValues(exchange, symbol).Inc()
	m.GapSizes.WithLabelValues(exchange, symbol).Observe(float64(size))
}

// RecordCandleCompleted counts a sealed candle.
func (m *Metrics) RecordCandleCompleted(exchange, symbol, timeframe string) {
	m.CandlesCompleted.WithLabelValues(exchange, symbol, timeframe).Inc()
}

// RecordRotation counts a rotation outcome ("completed", "failed").
func (m *Metrics) RecordRotation(exchange, outcome string) {
	m.Rotations.WithLabelValues(exchange, outcome).Inc()
}

// SetWorkerState flips the state gauge for a worker.
func (m *Metrics) SetWorkerState(workerID, state string) {
	for _, s := range []string{"initializing", "ready", "busy", "unhealthy", "terminated"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.WorkerState.WithLabelValues(workerID, s).Set(v)
	}
}

// RecordPersistOp counts a persistence action and observes its latency.
func (m *Metrics) RecordPersistOp(action, status string, d time.Duration) {
	m.PersistOps.WithLabelValues(action, status).Inc()
	m.PersistLatency.WithLabelValues(action).Observe(d.Seconds())
}
