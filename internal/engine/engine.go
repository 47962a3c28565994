package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/candle"
	"flowtrace/internal/events"
)

// UpdateThrottle limits candle_update emissions per (symbol, timeframe) to
// protect subscribers from per-trade fan-out.
const UpdateThrottle = 250 * time.Millisecond

// Sink receives what the engine emits: partial updates, sealed candles and
// detected gaps.
type Sink interface {
	PublishUpdate(c *candle.FootprintCandle)
	PublishComplete(c *candle.FootprintCandle)
	RecordGap(g *events.GapRecord)
}

// Stats is a snapshot of engine counters for the SYNC_METRICS reply.
type Stats struct {
	TradesProcessed int64
	EventsPublished int64
	AvgProcessingMS float64
	ErrorCount      int64
	LastError       string
	ActiveSymbols   int
	Quarantined     int
}

// Engine turns a per-symbol trade stream into footprint candles across all
// timeframes. One engine runs inside each worker; trade application for one
// symbol is strictly serial and the engine is confined to its worker
// goroutine, so state needs no locking — only the stats snapshot is guarded
// for the supervisor's metrics probe.
type Engine struct {
	sink   Sink
	logger *zap.Logger

	groups      map[string]*candle.CandleGroup // key exchange:symbol
	quarantined map[string]bool
	lastUpdate  map[string]time.Time // key exchange:symbol:timeframe

	// DebugChecks re-asserts the full candle invariants after every trade.
	DebugChecks bool

	statsMu         sync.Mutex
	tradesProcessed int64
	eventsPublished int64
	errorCount      int64
	lastError       string
	batchCount      int64
	batchMillis     float64
}

// New creates an engine emitting into sink.
func New(sink Sink, logger *zap.Logger) *Engine {
	return &Engine{
		sink:        sink,
		logger:      logger.Named("engine"),
		groups:      make(map[string]*candle.CandleGroup),
		quarantined: make(map[string]bool),
		lastUpdate:  make(map[string]time.Time),
	}
}

func groupKey(exchange, symbol string) string { return exchange + ":" + symbol }

// InitializeSymbol creates (or restores from a checkpoint) the candle group
// for a symbol. A zero bin multiplier is resolved from the first trade.
func (e *Engine) InitializeSymbol(exchange, symbol string, tickValue float64, binMultiplier int64, stateJSON []byte) error {
	key := groupKey(exchange, symbol)
	if stateJSON != nil {
		g, err := candle.UnmarshalState(stateJSON)
		if err != nil {
			return fmt.Errorf("restore %s: %w", key, err)
		}
		e.groups[key] = g
		e.logger.Info("symbol state restored",
			zap.String("exchange", exchange),
			zap.String("symbol", symbol),
			zap.Int64("last_trade_id", g.LastTradeID))
		return nil
	}
	if binMultiplier < 1 {
		binMultiplier = 0 // resolved on first trade
	}
	e.groups[key] = candle.NewCandleGroup(exchange, symbol, tickValue, binMultiplier)
	return nil
}

// DeactivateSymbol drops a symbol's candle group. The caller flushes its
// state first.
func (e *Engine) DeactivateSymbol(exchange, symbol string) {
	key := groupKey(exchange, symbol)
	delete(e.groups, key)
	delete(e.quarantined, key)
}

// ProcessBatch applies a routed trade batch. Trades for one symbol are
// applied in arrival order to completion before returning.
func (e *Engine) ProcessBatch(req *events.ProcessTradeRequest) error {
	start := time.Now()
	applied := 0

	for _, trade := range req.Trades {
		key := groupKey(trade.Exchange, req.Symbol)
		if e.quarantined[key] {
			continue
		}

		g, ok := e.groups[key]
		if !ok {
			// First trade for an unseen symbol creates its group.
			g = candle.NewCandleGroup(trade.Exchange, req.Symbol, candle.DefaultTickValue(trade.Price), 0)
			e.groups[key] = g
		}

		res := g.ApplyTrade(trade)
		if res.Dropped {
			continue
		}
		applied++

		if res.Gap != nil {
			e.sink.RecordGap(res.Gap)
			e.countEvent()
		}
		for _, sealed := range res.Completed {
			e.sink.PublishComplete(sealed)
			e.countEvent()
		}

		if e.DebugChecks {
			for _, c := range g.Candles {
				if err := c.CheckInvariants(); err != nil {
					panic(fmt.Sprintf("candle invariant violated for %s: %v", key, err))
				}
			}
		} else if err := e.cheapCheck(g); err != nil {
			e.quarantine(key, err)
			break
		}
	}

	e.publishThrottledUpdates(req)

	e.statsMu.Lock()
	e.tradesProcessed += int64(applied)
	e.batchCount++
	e.batchMillis += float64(time.Since(start).Microseconds()) / 1000.0
	e.statsMu.Unlock()
	return nil
}

// cheapCheck verifies only the monotonic invariants on the hot path.
func (e *Engine) cheapCheck(g *candle.CandleGroup) error {
	for _, c := range g.Candles {
		if c.DeltaMax < c.Delta || c.DeltaMin > c.Delta {
			return fmt.Errorf("delta extrema violated on %s", c.Timeframe)
		}
		if c.FirstTradeID != 0 && c.FirstTradeID > c.LastTradeID {
			return fmt.Errorf("trade id ordering violated on %s", c.Timeframe)
		}
	}
	return nil
}

// quarantine stops applying trades to a symbol after an invariant violation
// until operator intervention.
func (e *Engine) quarantine(key string, err error) {
	e.quarantined[key] = true
	e.statsMu.Lock()
	e.errorCount++
	e.lastError = err.Error()
	e.statsMu.Unlock()
	e.logger.Error("symbol quarantined", zap.String("key", key), zap.Error(err))
}

// publishThrottledUpdates emits at most one candle_update per
// (symbol, timeframe) per throttle window after a batch.
func (e *Engine) publishThrottledUpdates(req *events.ProcessTradeRequest) {
	if len(req.Trades) == 0 {
		return
	}
	exchange := req.Trades[0].Exchange
	key := groupKey(exchange, req.Symbol)
	g, ok := e.groups[key]
	if !ok {
		return
	}

	now := time.Now()
	for tfName, c := range g.Candles {
		if !c.HasTrades() {
			continue
		}
		throttleKey := key + ":" + tfName
		if last, seen := e.lastUpdate[throttleKey]; seen && now.Sub(last) < UpdateThrottle {
			continue
		}
		e.lastUpdate[throttleKey] = now
		e.sink.PublishUpdate(c.Clone())
		e.countEvent()
	}
}

// CheckExpired seals candles whose period elapsed without a trade, using the
// given wall-clock timestamp. Called from the worker's ticker.
func (e *Engine) CheckExpired(nowMillis int64) {
	for key, g := range e.groups {
		if e.quarantined[key] {
			continue
		}
		for _, sealed := range g.CheckExpired(nowMillis) {
			e.sink.PublishComplete(sealed)
			e.countEvent()
		}
	}
}

// DirtyGroups returns the groups mutated since their last checkpoint.
func (e *Engine) DirtyGroups() []*candle.CandleGroup {
	var out []*candle.CandleGroup
	for _, g := range e.groups {
		if g.Dirty {
			out = append(out, g)
		}
	}
	return out
}

// Groups returns all active groups (for the shutdown full flush).
func (e *Engine) Groups() []*candle.CandleGroup {
	out := make([]*candle.CandleGroup, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g)
	}
	return out
}

// Group returns one symbol's group, if active.
func (e *Engine) Group(exchange, symbol string) (*candle.CandleGroup, bool) {
	g, ok := e.groups[groupKey(exchange, symbol)]
	return g, ok
}

func (e *Engine) countEvent() {
	e.statsMu.Lock()
	e.eventsPublished++
	e.statsMu.Unlock()
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	avg := 0.0
	if e.batchCount > 0 {
		avg = e.batchMillis / float64(e.batchCount)
	}
	return Stats{
		TradesProcessed: e.tradesProcessed,
		EventsPublished: e.eventsPublished,
		AvgProcessingMS: avg,
		ErrorCount:      e.errorCount,
		LastError:       e.lastError,
		ActiveSymbols:   len(e.groups),
		Quarantined:     len(e.quarantined),
	}
}
