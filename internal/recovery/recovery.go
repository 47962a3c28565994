package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/candle"
	"flowtrace/internal/events"
	"flowtrace/internal/persist"
)

// TradeFetcher pulls a missing trade-id range from an exchange REST API.
// The wire formats live behind this interface; only the orchestration is
// here.
type TradeFetcher interface {
	FetchTrades(ctx context.Context, exchange, symbol string, fromID, toID int64) ([]*events.TradeData, error)
}

// Config tunes the recovery orchestrator.
type Config struct {
	Interval  time.Duration // how often unsynced gaps are polled, default 1m
	BatchGaps int           // gaps attempted per cycle, default 20
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchGaps <= 0 {
		c.BatchGaps = 20
	}
}

// Orchestrator periodically reads unsynced gaps, fetches the missing trades
// and repairs the affected candles. A gap is marked synced only when its
// full id range was covered; partial recoveries stay unsynced and retry.
type Orchestrator struct {
	cfg     Config
	gaps    *persist.GapStore
	candles *persist.CandleStore
	fetcher TradeFetcher
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator over the persistence stores.
func New(cfg Config, gaps *persist.GapStore, candles *persist.CandleStore, fetcher TradeFetcher, logger *zap.Logger) *Orchestrator {
	cfg.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		gaps:    gaps,
		candles: candles,
		fetcher: fetcher,
		logger:  logger.Named("recovery"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the polling loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				o.RunOnce(o.ctx)
			}
		}
	}()
}

// Stop halts the loop.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// RunOnce attempts one recovery cycle and returns how many gaps were
// recovered.
func (o *Orchestrator) RunOnce(ctx context.Context) int {
	unsynced := false
	gaps, err := o.gaps.Load(ctx, persist.GapFilter{Synced: &unsynced, Limit: o.cfg.BatchGaps})
	if err != nil {
		o.logger.Warn("load unsynced gaps failed", zap.Error(err))
		return 0
	}

	recovered := 0
	for _, g := range gaps {
		if err := o.recoverGap(ctx, g); err != nil {
			o.logger.Warn("gap recovery failed, leaving unsynced",
				zap.String("exchange", g.Exchange),
				zap.String("symbol", g.Symbol),
				zap.Int64("from", g.FromTradeID),
				zap.Int64("to", g.ToTradeID),
				zap.Error(err))
			continue
		}
		if err := o.gaps.MarkSynced(ctx, []int64{g.ID}); err != nil {
			o.logger.Warn("mark synced failed", zap.Int64("gap_id", g.ID), zap.Error(err))
			continue
		}
		recovered++
		o.logger.Info("gap recovered",
			zap.String("exchange", g.Exchange),
			zap.String("symbol", g.Symbol),
			zap.Int64("from", g.FromTradeID),
			zap.Int64("to", g.ToTradeID))
	}
	return recovered
}

// recoverGap fetches the missing range and folds the trades into the stored
// candles as if they had arrived live.
func (o *Orchestrator) recoverGap(ctx context.Context, g *events.GapRecord) error {
	trades, err := o.fetcher.FetchTrades(ctx, g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	// Only a fully covered range counts as recovered.
	seen := make(map[int64]bool, len(trades))
	inRange := trades[:0]
	for _, tr := range trades {
		if tr.TradeID >= g.FromTradeID && tr.TradeID <= g.ToTradeID {
			seen[tr.TradeID] = true
			inRange = append(inRange, tr)
		}
	}
	for id := g.FromTradeID; id <= g.ToTradeID; id++ {
		if !seen[id] {
			return fmt.Errorf("range not fully covered: trade %d missing", id)
		}
	}

	sort.Slice(inRange, func(i, j int) bool { return inRange[i].TradeID < inRange[j].TradeID })

	var repaired []*candle.FootprintCandle
	for _, tf := range candle.Timeframes {
		byWindow := make(map[int64][]*events.TradeData)
		for _, tr := range inRange {
			byWindow[tf.AlignMillis(tr.Timestamp)] = append(byWindow[tf.AlignMillis(tr.Timestamp)], tr)
		}
		for openTime, windowTrades := range byWindow {
			c, err := o.repairCandle(ctx, g.Exchange, g.Symbol, tf, openTime, windowTrades)
			if err != nil {
				return err
			}
			if c != nil {
				repaired = append(repaired, c)
			}
		}
	}

	if err := o.candles.Upsert(ctx, repaired); err != nil {
		return fmt.Errorf("upsert repaired candles: %w", err)
	}
	return nil
}

// repairCandle loads the stored candle for one window (or starts a fresh
// one) and applies the recovered trades to it.
func (o *Orchestrator) repairCandle(ctx context.Context, exchange, symbol string, tf candle.Timeframe, openTime int64, trades []*events.TradeData) (*candle.FootprintCandle, error) {
	stored, err := o.candles.FindBySymbol(ctx, persist.CandleQuery{
		Exchange: exchange, Symbol: symbol, Timeframe: tf.Name,
		Start: openTime, End: openTime, Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("load candle %s@%d: %w", tf.Name, openTime, err)
	}

	var c *candle.FootprintCandle
	var lastID int64
	if len(stored) > 0 {
		c = stored[0].Clone()
		lastID = c.LastTradeID
		c.Closed = false // reopened for repair, resealed below
	} else if tf.Seconds == 1 {
		// Fully-missed base windows are rebuilt from scratch. Coarser
		// windows without a stored row are still forming live; writing a
		// backfill-only row would shadow the eventual live append.
		tick := candle.DefaultTickValue(trades[0].Price)
		c = candle.NewFootprintCandle(exchange, symbol, tf,
			tick, candle.OptimalBinMultiplier(trades[0].Price, tick))
	} else {
		return nil, nil
	}

	for _, tr := range trades {
		if err := c.Apply(tr); err != nil {
			return nil, err
		}
	}
	// Backfilled ids sit below the live high-water mark; keep it.
	if lastID > c.LastTradeID {
		c.LastTradeID = lastID
	}
	c.Seal()
	return c, nil
}
