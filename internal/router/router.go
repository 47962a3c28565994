package router

import (
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"flowtrace/internal/events"
)

// MaxBatchSize is the hard cap on trades per routed batch.
const MaxBatchSize = 10000

var (
	ErrNoWorkers     = errors.New("no workers on ring")
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrEmptyBatch    = errors.New("empty trades batch")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	// ErrBackpressure is surfaced when the owning worker's queue is full. The
	// ingestor drops the batch and the gap subsystem records the loss.
	ErrBackpressure = errors.New("worker backpressure")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9_]{3,30}$`)

// Dispatcher delivers a routed batch to a worker. The supervisor implements
// it over the worker inboxes; delivery is at-most-once per worker.
type Dispatcher interface {
	Dispatch(workerID string, req *events.ProcessTradeRequest) error
}

// Router maps symbols to their owning worker via the consistent-hash ring
// and forwards trade batches to that worker only. It never reroutes a symbol
// to a non-owner: if the owner cannot accept, the error is surfaced instead.
type Router struct {
	ring     *HashRing
	dispatch Dispatcher
	logger   *zap.Logger
}

// NewRouter wires the router to the supervisor-owned ring and dispatcher.
func NewRouter(ring *HashRing, dispatch Dispatcher, logger *zap.Logger) *Router {
	return &Router{
		ring:     ring,
		dispatch: dispatch,
		logger:   logger.Named("router"),
	}
}

// Route resolves the owning worker for a symbol.
func (r *Router) Route(symbol string) (string, error) {
	if !symbolPattern.MatchString(symbol) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	workerID, ok := r.ring.Lookup(symbol)
	if !ok {
		return "", ErrNoWorkers
	}
	return workerID, nil
}

// RouteBatch validates and forwards a trade batch to the symbol's owner.
func (r *Router) RouteBatch(symbol string, trades []*events.TradeData) error {
	if len(trades) == 0 {
		return ErrEmptyBatch
	}
	if len(trades) > MaxBatchSize {
		return fmt.Errorf("%w: %d trades", ErrBatchTooLarge, len(trades))
	}

	workerID, err := r.Route(symbol)
	if err != nil {
		return err
	}

	req := &events.ProcessTradeRequest{Symbol: symbol, Trades: trades}
	if err := r.dispatch.Dispatch(workerID, req); err != nil {
		if errors.Is(err, ErrBackpressure) {
			r.logger.Warn("worker backpressure, dropping batch",
				zap.String("worker", workerID),
				zap.String("symbol", symbol),
				zap.Int("trades", len(trades)))
		}
		return err
	}
	return nil
}

// Ring exposes the underlying ring for status reporting.
func (r *Router) Ring() *HashRing { return r.ring }
