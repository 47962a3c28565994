package worker

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/candle"
	"flowtrace/internal/engine"
	"flowtrace/internal/events"
	"flowtrace/internal/ipc"
	"flowtrace/internal/router"
)

// Config tunes one worker. Zero values take the defaults from §6 of the
// environment contract.
type Config struct {
	WorkerID        string
	FlushInterval   time.Duration // STATE_FLUSH_INTERVAL_MS, default 30s
	BatchSize       int           // STATE_BATCH_SIZE, default 25
	StateTimeout    time.Duration // IPC_STATE_TIMEOUT_MS, default 30s
	GapTimeout      time.Duration // IPC_GAP_TIMEOUT_MS, default 15s
	StateMaxRetries int           // default 3
	GapMaxRetries   int           // default 2
	MaxQueue        int           // unacked batches before backpressure, default 1000

	Ticks TickLookup // optional registry lookup
}

func (c *Config) fillDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.StateTimeout <= 0 {
		c.StateTimeout = 30 * time.Second
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = 15 * time.Second
	}
	if c.StateMaxRetries <= 0 {
		c.StateMaxRetries = 3
	}
	if c.GapMaxRetries <= 0 {
		c.GapMaxRetries = 2
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 1000
	}
}

// EventPublisher fans worker emissions out to API subscribers.
type EventPublisher interface {
	PublishCandleUpdate(c *candle.FootprintCandle)
	PublishCandleComplete(c *candle.FootprintCandle)
	PublishGap(g *events.GapRecord)
}

// TickLookup resolves a symbol's tick value and bin multiplier from the
// registry. Zero values fall back to price-scaled defaults.
type TickLookup func(exchange, symbol string) (tickValue float64, binMultiplier int64)

// Callbacks let the supervisor observe the worker lifecycle.
type Callbacks struct {
	OnReady func(ready *events.WorkerReady)
	OnBusy  func(workerID string, busy bool)
}

// Worker is one candle-engine event loop. It owns the engines for every
// symbol routed to it, checkpoints dirty state on the flush schedule, and
// replays unreachable emissions through the persistence queue.
type Worker struct {
	cfg    Config
	logger *zap.Logger
	store  *ipc.Client
	pub    EventPublisher
	cb     Callbacks

	eng   *engine.Engine
	inbox chan *events.ProcessTradeRequest

	// completed candles awaiting append; confined to the run goroutine
	appendBuf []*candle.FootprintCandle

	startTime    time.Time
	lastActivity time.Time
	activityMu   sync.Mutex

	draining atomic.Bool
}

// New creates a worker. Run must be called on its own goroutine.
func New(cfg Config, store *ipc.Client, pub EventPublisher, cb Callbacks, logger *zap.Logger) *Worker {
	cfg.fillDefaults()
	w := &Worker{
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.String("worker_id", cfg.WorkerID)),
		store:     store,
		pub:       pub,
		cb:        cb,
		inbox:     make(chan *events.ProcessTradeRequest, cfg.MaxQueue),
		startTime: time.Now(),
	}
	w.eng = engine.New(w, logger.With(zap.String("worker_id", cfg.WorkerID)))
	return w
}

// Dispatch enqueues a routed batch. Delivery into the inbox is at-most-once;
// a full inbox surfaces backpressure instead of blocking the router.
func (w *Worker) Dispatch(req *events.ProcessTradeRequest) error {
	if w.draining.Load() {
		return router.ErrBackpressure
	}
	select {
	case w.inbox <- req:
		return nil
	default:
		return router.ErrBackpressure
	}
}

// QueueLen reports how many batches wait in the inbox.
func (w *Worker) QueueLen() int { return len(w.inbox) }

// Run is the worker event loop. It signals WORKER_READY once started and
// drains, flushes and exits on context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.touch()

	flushTicker := time.NewTicker(w.cfg.FlushInterval)
	defer flushTicker.Stop()
	expireTicker := time.NewTicker(time.Second)
	defer expireTicker.Stop()

	if w.cb.OnReady != nil {
		w.cb.OnReady(&events.WorkerReady{
			WorkerID:  w.cfg.WorkerID,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	w.logger.Info("worker ready")

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()

		case req := <-w.inbox:
			w.setBusy(true)
			w.handleBatch(req)
			w.setBusy(false)

		case <-expireTicker.C:
			w.eng.CheckExpired(time.Now().UnixMilli())
			w.flushAppends()

		case <-flushTicker.C:
			w.flushState(false)
		}
	}
}

// shutdown drains the inbox, seals nothing early, and performs the immediate
// full flush that makes graceful shutdown lossless.
func (w *Worker) shutdown() error {
	w.draining.Store(true)
	w.logger.Info("worker draining", zap.Int("queued", len(w.inbox)))

	for {
		select {
		case req := <-w.inbox:
			w.handleBatch(req)
		default:
			w.flushAppends()
			w.flushState(true)
			w.logger.Info("worker stopped")
			return nil
		}
	}
}

func (w *Worker) handleBatch(req *events.ProcessTradeRequest) {
	w.touch()
	w.restoreUnseen(req)
	if err := w.eng.ProcessBatch(req); err != nil {
		w.logger.Error("batch failed", zap.String("symbol", req.Symbol), zap.Error(err))
	}
	w.flushAppends()
}

// restoreUnseen pulls the persisted checkpoint for a symbol the first time a
// trade for it reaches this worker, so a restarted worker resumes gap and
// candle tracking where its predecessor stopped.
func (w *Worker) restoreUnseen(req *events.ProcessTradeRequest) {
	for _, tr := range req.Trades {
		if _, ok := w.eng.Group(tr.Exchange, req.Symbol); ok {
			continue
		}
		var tick float64
		var mult int64
		if w.cfg.Ticks != nil {
			tick, mult = w.cfg.Ticks(tr.Exchange, req.Symbol)
		}
		state := w.loadState(tr.Exchange, req.Symbol)
		if err := w.eng.InitializeSymbol(tr.Exchange, req.Symbol, tick, mult, state); err != nil {
			w.logger.Warn("state restore failed, starting fresh",
				zap.String("exchange", tr.Exchange),
				zap.String("symbol", req.Symbol),
				zap.Error(err))
			w.eng.InitializeSymbol(tr.Exchange, req.Symbol, tick, mult, nil)
		}
	}
}

func (w *Worker) loadState(exchange, symbol string) []byte {
	msg, err := ipc.NewMessage(ipc.TypeState, "load", map[string]string{
		"exchange": exchange, "symbol": symbol,
	})
	if err != nil {
		return nil
	}
	resp, err := w.store.Request(context.Background(), msg, w.cfg.StateTimeout)
	if err != nil || !resp.Success || len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil
	}
	var row struct {
		StateJSON json.RawMessage `json:"state_json"`
	}
	if err := json.Unmarshal(resp.Data, &row); err != nil {
		return nil
	}
	return row.StateJSON
}

// ---------------------------------------------------------------------------
// engine.Sink
// ---------------------------------------------------------------------------

// PublishUpdate forwards a partial candle to subscribers.
func (w *Worker) PublishUpdate(c *candle.FootprintCandle) {
	if w.pub != nil {
		w.pub.PublishCandleUpdate(c)
	}
}

// PublishComplete forwards a sealed candle and stages it for the append
// store.
func (w *Worker) PublishComplete(c *candle.FootprintCandle) {
	if w.pub != nil {
		w.pub.PublishCandleComplete(c)
	}
	w.appendBuf = append(w.appendBuf, c)
}

// RecordGap persists a detected gap synchronously, falling back to the
// message queue when the gap channel fails.
func (w *Worker) RecordGap(g *events.GapRecord) {
	if w.pub != nil {
		w.pub.PublishGap(g)
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.GapMaxRetries; attempt++ {
		msg, err := ipc.NewMessage(ipc.TypeGap, "gap_save", g)
		if err != nil {
			lastErr = err
			break
		}
		resp, err := w.store.Request(context.Background(), msg, w.cfg.GapTimeout)
		if err == nil && resp.Success {
			return
		}
		if err == nil {
			lastErr = errors.New(resp.Error)
		} else {
			lastErr = err
		}
	}

	w.logger.Warn("gap save failed, buffering",
		zap.String("symbol", g.Symbol),
		zap.Int64("from", g.FromTradeID),
		zap.Int64("to", g.ToTradeID),
		zap.Error(lastErr))
	w.enqueueFallback("gap", g)
}

// enqueueFallback writes an undeliverable event into the persistence message
// queue for at-least-once redelivery.
func (w *Worker) enqueueFallback(eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg, err := ipc.NewMessage(ipc.TypeControl, "enqueue", map[string]interface{}{
		"type":    eventType,
		"payload": json.RawMessage(data),
	})
	if err != nil {
		return
	}
	if _, err := w.store.Request(context.Background(), msg, w.cfg.StateTimeout); err != nil {
		w.logger.Error("event lost: queue fallback unavailable",
			zap.String("type", eventType), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// Flushing
// ---------------------------------------------------------------------------

// flushAppends appends staged sealed candles. Append is idempotent by
// identity, so retrying a partially delivered buffer is safe.
func (w *Worker) flushAppends() {
	if len(w.appendBuf) == 0 {
		return
	}
	msg, err := ipc.NewMessage(ipc.TypeCandle, "append", map[string]interface{}{
		"candles": w.appendBuf,
	})
	if err != nil {
		w.logger.Error("encode append batch", zap.Error(err))
		w.appendBuf = w.appendBuf[:0]
		return
	}
	resp, err := w.store.Request(context.Background(), msg, w.cfg.StateTimeout)
	if err != nil || !resp.Success {
		if err == nil {
			err = errors.New(resp.Error)
		}
		w.logger.Warn("candle append failed, retrying next cycle",
			zap.Int("candles", len(w.appendBuf)), zap.Error(err))
		// Bound the retry buffer; the persisted 1s state covers the rest.
		if len(w.appendBuf) > 10000 {
			w.appendBuf = w.appendBuf[len(w.appendBuf)-10000:]
		}
		return
	}
	w.appendBuf = w.appendBuf[:0]
}

// flushState checkpoints dirty candle groups in batches. On failure the
// dirty flags stay set and the next cycle retries; a full flush on shutdown
// makes the recovery point zero for graceful exits.
func (w *Worker) flushState(all bool) {
	groups := w.eng.DirtyGroups()
	if all {
		groups = w.eng.Groups()
	}
	if len(groups) == 0 {
		return
	}

	for start := 0; start < len(groups); start += w.cfg.BatchSize {
		end := start + w.cfg.BatchSize
		if end > len(groups) {
			end = len(groups)
		}
		batch := groups[start:end]

		states := make([]map[string]interface{}, 0, len(batch))
		for _, g := range batch {
			blob, err := g.MarshalState()
			if err != nil {
				w.logger.Error("marshal state",
					zap.String("symbol", g.Symbol), zap.Error(err))
				continue
			}
			states = append(states, map[string]interface{}{
				"exchange":   g.Exchange,
				"symbol":     g.Symbol,
				"state_json": json.RawMessage(blob),
			})
		}
		if len(states) == 0 {
			continue
		}

		if err := w.saveBatch(states); err != nil {
			w.logger.Warn("state flush failed, will retry",
				zap.Int("groups", len(states)), zap.Error(err))
			continue
		}
		for _, g := range batch {
			g.Dirty = false
		}
	}
}

func (w *Worker) saveBatch(states []map[string]interface{}) error {
	var lastErr error
	for attempt := 0; attempt < w.cfg.StateMaxRetries; attempt++ {
		msg, err := ipc.NewMessage(ipc.TypeState, "save_batch", map[string]interface{}{
			"states": states,
		})
		if err != nil {
			return err
		}
		resp, err := w.store.Request(context.Background(), msg, w.cfg.StateTimeout)
		if err == nil && resp.Success {
			return nil
		}
		if err == nil {
			lastErr = errors.New(resp.Error)
		} else {
			lastErr = err
		}
		if errors.Is(lastErr, ipc.ErrNotConnected) {
			break // fail fast during reconnect, next flush cycle retries
		}
	}
	return lastErr
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (w *Worker) setBusy(busy bool) {
	w.touch()
	if w.cb.OnBusy != nil {
		w.cb.OnBusy(w.cfg.WorkerID, busy)
	}
}

func (w *Worker) touch() {
	w.activityMu.Lock()
	w.lastActivity = time.Now()
	w.activityMu.Unlock()
}

// LastActivity is the worker's heartbeat for the supervisor's staleness
// check.
func (w *Worker) LastActivity() time.Time {
	w.activityMu.Lock()
	defer w.activityMu.Unlock()
	return w.lastActivity
}

// Metrics answers the SYNC_METRICS probe. Safe to call from the supervisor
// goroutine.
func (w *Worker) Metrics() *events.WorkerMetrics {
	stats := w.eng.Stats()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var ru syscall.Rusage
	var userMs, sysMs int64
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		userMs = ru.Utime.Sec*1000 + int64(ru.Utime.Usec)/1000
		sysMs = ru.Stime.Sec*1000 + int64(ru.Stime.Usec)/1000
	}

	m := &events.WorkerMetrics{
		WorkerID:        w.cfg.WorkerID,
		UptimeMillis:    time.Since(w.startTime).Milliseconds(),
		MemRSS:          mem.Sys,
		MemHeapUsed:     mem.HeapAlloc,
		CPUUserMillis:   userMs,
		CPUSystemMillis: sysMs,
		TradesProcessed: stats.TradesProcessed,
		EventsPublished: stats.EventsPublished,
		AvgProcessingMS: stats.AvgProcessingMS,
		ErrorCount:      stats.ErrorCount,
		LastError:       stats.LastError,
	}
	return m
}

// Engine exposes the worker's engine for status endpoints.
func (w *Worker) Engine() *engine.Engine { return w.eng }

// ID returns the stable worker id.
func (w *Worker) ID() string { return w.cfg.WorkerID }
