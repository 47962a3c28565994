package ingestor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/events"
	"flowtrace/internal/exchanges"
	"flowtrace/internal/metrics"
	"flowtrace/internal/router"
)

// ExchangeFeed configures one venue's ingestion.
type ExchangeFeed struct {
	Name     string
	WSURL    string
	Symbols  []string
	Rotation exchanges.RotationConfig
}

// Config tunes the ingestor's micro-batching toward the router.
type Config struct {
	Feeds      []ExchangeFeed
	BatchFlush time.Duration // default 100ms
	MaxBatch   int           // default 500 trades per symbol batch
}

func (c *Config) fillDefaults() {
	if c.BatchFlush <= 0 {
		c.BatchFlush = 100 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 500
	}
}

// Ingestor owns one rotator per exchange, merges their trade streams, and
// forwards per-symbol micro-batches to the router. Backpressure from a slow
// worker drops the batch; the trade-id tracking in the engine turns the loss
// into a recorded gap on the next accepted trade.
type Ingestor struct {
	cfg    Config
	rt     *router.Router
	m      *metrics.Metrics
	logger *zap.Logger

	rotators map[string]*exchanges.Rotator

	wg sync.WaitGroup
}

// New creates an ingestor. m may be nil.
func New(cfg Config, rt *router.Router, m *metrics.Metrics, logger *zap.Logger) *Ingestor {
	cfg.fillDefaults()
	ing := &Ingestor{
		cfg:      cfg,
		rt:       rt,
		m:        m,
		logger:   logger.Named("ingestor"),
		rotators: make(map[string]*exchanges.Rotator),
	}
	for _, feed := range cfg.Feeds {
		feed := feed
		factory := connectorFactory(feed, logger)
		ing.rotators[feed.Name] = exchanges.NewRotator(feed.Name, factory, feed.Rotation, logger)
	}
	return ing
}

// connectorFactory builds the per-venue connector constructor the rotator
// respawns connections with.
func connectorFactory(feed ExchangeFeed, logger *zap.Logger) exchanges.Factory {
	return func(_ []string) exchanges.Connector {
		switch feed.Name {
		case "bybit":
			return exchanges.NewBybitConnector(feed.Symbols, feed.WSURL, logger)
		case "okx":
			return exchanges.NewOKXConnector(feed.Symbols, feed.WSURL, logger)
		default:
			return exchanges.NewBinanceConnector(feed.Symbols, feed.WSURL, logger)
		}
	}
}

// Rotator exposes a venue's rotator (status endpoints, force-rotation hook).
func (i *Ingestor) Rotator(exchange string) (*exchanges.Rotator, bool) {
	r, ok := i.rotators[exchange]
	return r, ok
}

// Start launches one pump per venue. Blocks only until launched.
func (i *Ingestor) Start(ctx context.Context) {
	for name, rot := range i.rotators {
		i.wg.Add(2)
		go func(rot *exchanges.Rotator) {
			defer i.wg.Done()
			rot.Run(ctx)
		}(rot)
		go func(name string, rot *exchanges.Rotator) {
			defer i.wg.Done()
			i.pump(ctx, name, rot)
		}(name, rot)
	}
	i.logger.Info("ingestion started", zap.Int("exchanges", len(i.rotators)))
}

// Wait blocks until every pump has exited.
func (i *Ingestor) Wait() { i.wg.Wait() }

// pump micro-batches one venue's merged stream by symbol and routes the
// batches.
func (i *Ingestor) pump(ctx context.Context, exchange string, rot *exchanges.Rotator) {
	batches := make(map[string][]*events.TradeData)
	ticker := time.NewTicker(i.cfg.BatchFlush)
	defer ticker.Stop()

	flush := func(symbol string) {
		trades := batches[symbol]
		if len(trades) == 0 {
			return
		}
		delete(batches, symbol)

		err := i.rt.RouteBatch(symbol, trades)
		switch {
		case err == nil:
			if i.m != nil {
				i.m.RecordTradesRouted(exchange, symbol, len(trades))
			}
		case errors.Is(err, router.ErrBackpressure):
			// Dropped; the owner's gap tracking records the loss.
			if i.m != nil {
				i.m.RecordBatchDropped(exchange, symbol, "backpressure")
			}
		case errors.Is(err, router.ErrNoWorkers):
			if i.m != nil {
				i.m.RecordBatchDropped(exchange, symbol, "no_workers")
			}
			i.logger.Warn("no workers, dropping batch",
				zap.String("symbol", symbol), zap.Int("trades", len(trades)))
		default:
			if i.m != nil {
				i.m.RecordBatchDropped(exchange, symbol, "rejected")
			}
			i.logger.Warn("batch rejected",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}
	flushAll := func() {
		for symbol := range batches {
			flush(symbol)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushAll()
			return

		case trade, ok := <-rot.Out():
			if !ok {
				flushAll()
				return
			}
			if i.m != nil {
				i.m.RecordTradeIngested(exchange, trade.Symbol)
			}
			batches[trade.Symbol] = append(batches[trade.Symbol], trade)
			if len(batches[trade.Symbol]) >= i.cfg.MaxBatch {
				flush(trade.Symbol)
			}

		case <-ticker.C:
			flushAll()
		}
	}
}
