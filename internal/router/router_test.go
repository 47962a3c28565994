package router

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"flowtrace/internal/events"
)

type captureDispatcher struct {
	workerID string
	req      *events.ProcessTradeRequest
	err      error
}

func (d *captureDispatcher) Dispatch(workerID string, req *events.ProcessTradeRequest) error {
	d.workerID = workerID
	d.req = req
	return d.err
}

func newTestRouter(d Dispatcher) *Router {
	ring := NewHashRing()
	ring.AddWorker("worker_0")
	ring.AddWorker("worker_1")
	return NewRouter(ring, d, zap.NewNop())
}

func TestRouteValidation(t *testing.T) {
	r := newTestRouter(&captureDispatcher{})

	for _, sym := range []string{"", "BT", "btcusdt", "BTC-USDT", "TOOLONGSYMBOLNAMETOOLONGSYMBOLX"} {
		if _, err := r.Route(sym); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Route(%q): expected ErrInvalidSymbol, got %v", sym, err)
		}
	}
	if _, err := r.Route("BTCUSDT"); err != nil {
		t.Errorf("Route(BTCUSDT): %v", err)
	}
}

func TestRouteNoWorkers(t *testing.T) {
	r := NewRouter(NewHashRing(), &captureDispatcher{}, zap.NewNop())
	if _, err := r.Route("BTCUSDT"); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("expected ErrNoWorkers, got %v", err)
	}
}

func TestRouteBatchLimits(t *testing.T) {
	d := &captureDispatcher{}
	r := newTestRouter(d)

	if err := r.RouteBatch("BTCUSDT", nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty batch: expected ErrEmptyBatch, got %v", err)
	}

	big := make([]*events.TradeData, MaxBatchSize+1)
	for i := range big {
		big[i] = &events.TradeData{Symbol: "BTCUSDT"}
	}
	if err := r.RouteBatch("BTCUSDT", big); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("oversize batch: expected ErrBatchTooLarge, got %v", err)
	}
	if d.req != nil {
		t.Error("rejected batches must not reach the dispatcher")
	}
}

func TestRouteBatchDeliversToOwner(t *testing.T) {
	d := &captureDispatcher{}
	r := newTestRouter(d)

	trades := []*events.TradeData{{Symbol: "BTCUSDT", Price: 100, Quantity: 1, Timestamp: 1700000000000, TradeID: 1}}
	if err := r.RouteBatch("BTCUSDT", trades); err != nil {
		t.Fatalf("RouteBatch: %v", err)
	}

	owner, _ := r.Route("BTCUSDT")
	if d.workerID != owner {
		t.Errorf("batch dispatched to %s, owner is %s", d.workerID, owner)
	}
	if d.req.Symbol != "BTCUSDT" || len(d.req.Trades) != 1 {
		t.Errorf("request mismatch: %+v", d.req)
	}
}

func TestRouteBatchSurfacesBackpressure(t *testing.T) {
	d := &captureDispatcher{err: ErrBackpressure}
	r := newTestRouter(d)

	trades := []*events.TradeData{{Symbol: "BTCUSDT"}}
	if err := r.RouteBatch("BTCUSDT", trades); !errors.Is(err, ErrBackpressure) {
		t.Errorf("expected ErrBackpressure, got %v", err)
	}
}
