package engine

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/candle"
	"flowtrace/internal/events"
)

type captureSink struct {
	updates   []*candle.FootprintCandle
	completed []*candle.FootprintCandle
	gaps      []*events.GapRecord
}

func (s *captureSink) PublishUpdate(c *candle.FootprintCandle) { s.updates = append(s.updates, c) }
func (s *captureSink) PublishComplete(c *candle.FootprintCandle) {
	s.completed = append(s.completed, c)
}
func (s *captureSink) RecordGap(g *events.GapRecord) { s.gaps = append(s.gaps, g) }

func trade(price, qty float64, maker bool, ts, id int64) *events.TradeData {
	return &events.TradeData{
		Exchange: "binance", Symbol: "BTCUSDT",
		Price: price, Quantity: qty, Timestamp: ts, TradeID: id,
		IsBuyerMaker: maker,
	}
}

func newEngine(t *testing.T) (*Engine, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	e := New(sink, zap.NewNop())
	if err := e.InitializeSymbol("binance", "BTCUSDT", 0.01, 1, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	return e, sink
}

func TestEngineSingleTradeScenario(t *testing.T) {
	e, _ := newEngine(t)

	err := e.ProcessBatch(&events.ProcessTradeRequest{
		Symbol: "BTCUSDT",
		Trades: []*events.TradeData{trade(100.05, 2, false, 1700000000000, 1)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	g, ok := e.Group("binance", "BTCUSDT")
	if !ok {
		t.Fatal("group missing")
	}
	c := g.Candles["1s"]
	if c.OpenTime != 1700000000000 || c.Open != 100.05 || c.Volume != 2 ||
		c.BuyVolume != 2 || c.Delta != 2 || c.TradeCount != 1 {
		t.Errorf("1s candle mismatch: %+v", c)
	}
	if len(c.Bins) != 1 || c.Bins[0].TickPrice != 100.05 || c.Bins[0].BuyVolume != 2 {
		t.Errorf("bin mismatch: %+v", c.Bins)
	}
	if !g.Dirty {
		t.Error("group must be dirty after a trade")
	}
}

func TestEngineRolloverScenario(t *testing.T) {
	e, sink := newEngine(t)

	e.ProcessBatch(&events.ProcessTradeRequest{
		Symbol: "BTCUSDT",
		Trades: []*events.TradeData{
			trade(100.00, 1, false, 1700000000999, 1),
			trade(100.10, 1, false, 1700000001000, 2),
		},
	})

	if len(sink.completed) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(sink.completed))
	}
	sealed := sink.completed[0]
	if sealed.Timeframe != "1s" || sealed.CloseTime != 1700000000999 || sealed.Close != 100.00 {
		t.Errorf("sealed candle: %+v", sealed)
	}

	g, _ := e.Group("binance", "BTCUSDT")
	if g.Candles["1s"].OpenTime != 1700000001000 {
		t.Errorf("new candle open_time: %d", g.Candles["1s"].OpenTime)
	}
}

func TestEngineGapScenario(t *testing.T) {
	e, sink := newEngine(t)

	var trades []*events.TradeData
	for _, id := range []int64{1, 2, 3, 7} {
		trades = append(trades, trade(100, 1, false, 1700000000000+id*10, id))
	}
	e.ProcessBatch(&events.ProcessTradeRequest{Symbol: "BTCUSDT", Trades: trades})

	if len(sink.gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d", len(sink.gaps))
	}
	g := sink.gaps[0]
	if g.FromTradeID != 4 || g.ToTradeID != 6 || g.GapSize != 3 {
		t.Errorf("gap: [%d,%d] size %d", g.FromTradeID, g.ToTradeID, g.GapSize)
	}
}

func TestEngineOverlapDedup(t *testing.T) {
	// During ws rotation the same trades arrive on both connections; the
	// duplicate ids must fold away.
	e, sink := newEngine(t)

	primary := []*events.TradeData{
		trade(100, 1, false, 1700000000000, 1),
		trade(101, 1, false, 1700000000100, 2),
	}
	secondary := []*events.TradeData{
		trade(100, 1, false, 1700000000000, 1),
		trade(101, 1, false, 1700000000100, 2),
		trade(102, 1, false, 1700000000200, 3),
	}
	e.ProcessBatch(&events.ProcessTradeRequest{Symbol: "BTCUSDT", Trades: primary})
	e.ProcessBatch(&events.ProcessTradeRequest{Symbol: "BTCUSDT", Trades: secondary})

	g, _ := e.Group("binance", "BTCUSDT")
	c := g.Candles["1s"]
	if c.TradeCount != 3 || c.Volume != 3 {
		t.Errorf("dedup failed: count=%d volume=%v", c.TradeCount, c.Volume)
	}
	if len(sink.gaps) != 0 {
		t.Errorf("duplicates must not be reported as gaps")
	}
}

func TestEngineUpdateThrottle(t *testing.T) {
	e, sink := newEngine(t)

	for i := int64(0); i < 5; i++ {
		e.ProcessBatch(&events.ProcessTradeRequest{
			Symbol: "BTCUSDT",
			Trades: []*events.TradeData{trade(100, 1, false, 1700000000000+i*10, i+1)},
		})
	}

	// Five back-to-back batches inside one throttle window yield exactly one
	// update per timeframe.
	perTF := map[string]int{}
	for _, u := range sink.updates {
		perTF[u.Timeframe]++
	}
	for tf, n := range perTF {
		if n != 1 {
			t.Errorf("timeframe %s published %d updates inside throttle window", tf, n)
		}
	}

	time.Sleep(UpdateThrottle + 20*time.Millisecond)
	before := len(sink.updates)
	e.ProcessBatch(&events.ProcessTradeRequest{
		Symbol: "BTCUSDT",
		Trades: []*events.TradeData{trade(100, 1, false, 1700000000100, 10)},
	})
	if len(sink.updates) == before {
		t.Error("updates must resume after the throttle window")
	}
}

func TestEngineCheckExpired(t *testing.T) {
	e, sink := newEngine(t)

	e.ProcessBatch(&events.ProcessTradeRequest{
		Symbol: "BTCUSDT",
		Trades: []*events.TradeData{trade(100, 1, false, 1700000000000, 1)},
	})

	e.CheckExpired(1700000001000)
	var found bool
	for _, c := range sink.completed {
		if c.Timeframe == "1s" && c.Closed {
			found = true
		}
	}
	if !found {
		t.Error("idle 1s candle must seal on wall-clock expiry")
	}
}

func TestEngineStateRestoreResumesTradeIDs(t *testing.T) {
	e, _ := newEngine(t)
	e.ProcessBatch(&events.ProcessTradeRequest{
		Symbol: "BTCUSDT",
		Trades: []*events.TradeData{trade(100, 1, false, 1700000000000, 10)},
	})

	g, _ := e.Group("binance", "BTCUSDT")
	blob, err := g.MarshalState()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	sink2 := &captureSink{}
	e2 := New(sink2, zap.NewNop())
	if err := e2.InitializeSymbol("binance", "BTCUSDT", 0.01, 1, blob); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// A replayed duplicate is dropped, a jump past the restored id gaps.
	e2.ProcessBatch(&events.ProcessTradeRequest{
		Symbol: "BTCUSDT",
		Trades: []*events.TradeData{
			trade(100, 1, false, 1700000000100, 10),
			trade(100, 1, false, 1700000000200, 13),
		},
	})
	if len(sink2.gaps) != 1 || sink2.gaps[0].FromTradeID != 11 || sink2.gaps[0].ToTradeID != 12 {
		t.Errorf("restored gap tracking: %+v", sink2.gaps)
	}
}

func TestEngineDirtyTracking(t *testing.T) {
	e, _ := newEngine(t)
	e.InitializeSymbol("binance", "ETHUSDT", 0.01, 1, nil)

	e.ProcessBatch(&events.ProcessTradeRequest{
		Symbol: "BTCUSDT",
		Trades: []*events.TradeData{trade(100, 1, false, 1700000000000, 1)},
	})

	dirty := e.DirtyGroups()
	if len(dirty) != 1 || dirty[0].Symbol != "BTCUSDT" {
		t.Fatalf("dirty groups: %+v", dirty)
	}

	dirty[0].Dirty = false
	if len(e.DirtyGroups()) != 0 {
		t.Error("cleared dirty flag must drop group from the flush set")
	}
}
