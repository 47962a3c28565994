package candle

import (
	"testing"
)

func TestGroupGapDetection(t *testing.T) {
	g := NewCandleGroup("binance", "BTCUSDT", 0.01, 1)

	base := int64(1700000000000)
	for i, id := range []int64{1, 2, 3} {
		res := g.ApplyTrade(makeTrade(100, 1, false, base+int64(i)*100, id))
		if res.Gap != nil {
			t.Fatalf("unexpected gap on contiguous id %d", id)
		}
	}

	res := g.ApplyTrade(makeTrade(100, 1, false, base+400, 7))
	if res.Gap == nil {
		t.Fatal("expected gap record for id jump 3 -> 7")
	}
	if res.Gap.FromTradeID != 4 || res.Gap.ToTradeID != 6 || res.Gap.GapSize != 3 {
		t.Errorf("gap: expected [4,6] size 3, got [%d,%d] size %d",
			res.Gap.FromTradeID, res.Gap.ToTradeID, res.Gap.GapSize)
	}
	if res.Gap.Exchange != "binance" || res.Gap.Symbol != "BTCUSDT" {
		t.Errorf("gap identity: %s %s", res.Gap.Exchange, res.Gap.Symbol)
	}
}

func TestGroupDropsOutOfOrder(t *testing.T) {
	g := NewCandleGroup("binance", "BTCUSDT", 0.01, 1)
	base := int64(1700000000000)

	g.ApplyTrade(makeTrade(100, 1, false, base, 5))
	res := g.ApplyTrade(makeTrade(100, 1, false, base+100, 5))
	if !res.Dropped {
		t.Error("duplicate trade id should be dropped")
	}
	res = g.ApplyTrade(makeTrade(100, 1, false, base+200, 4))
	if !res.Dropped {
		t.Error("out-of-order trade id should be dropped")
	}

	c := g.Candles["1s"]
	if c.TradeCount != 1 {
		t.Errorf("dropped trades must not touch candles: count=%d", c.TradeCount)
	}
}

func TestGroupRollover(t *testing.T) {
	g := NewCandleGroup("binance", "BTCUSDT", 0.01, 1)

	res := g.ApplyTrade(makeTrade(100, 1, false, 1700000000999, 1))
	if len(res.Completed) != 0 {
		t.Fatalf("no completions expected, got %d", len(res.Completed))
	}

	res = g.ApplyTrade(makeTrade(101, 1, false, 1700000001000, 2))
	if len(res.Completed) != 1 {
		t.Fatalf("expected exactly the 1s candle to complete, got %d", len(res.Completed))
	}
	sealed := res.Completed[0]
	if sealed.Timeframe != "1s" || !sealed.Closed {
		t.Errorf("sealed candle: tf=%s closed=%v", sealed.Timeframe, sealed.Closed)
	}
	if sealed.CloseTime != 1700000000999 {
		t.Errorf("close_time: expected 1700000000999, got %d", sealed.CloseTime)
	}
	if g.Candles["1s"].OpenTime != 1700000001000 {
		t.Errorf("new 1s open_time: expected 1700000001000, got %d", g.Candles["1s"].OpenTime)
	}
	// Coarser timeframes keep aggregating across the 1s rollover
	if g.Candles["1m"].TradeCount != 2 {
		t.Errorf("1m candle should hold both trades, got %d", g.Candles["1m"].TradeCount)
	}
}

func TestGroupTimeframesAgreeWithRollup(t *testing.T) {
	g := NewCandleGroup("binance", "BTCUSDT", 0.01, 1)
	base := int64(1700000000000)

	var fine []*FootprintCandle
	trades := []struct {
		price float64
		qty   float64
		maker bool
		off   int64
	}{
		{100.00, 1, false, 0},
		{100.04, 2, true, 500},
		{100.02, 1.5, false, 1500},
		{100.06, 0.5, false, 3100},
		{99.96, 2.5, true, 4200},
	}
	for i, tr := range trades {
		res := g.ApplyTrade(makeTrade(tr.price, tr.qty, tr.maker, base+tr.off, int64(i+1)))
		for _, c := range res.Completed {
			if c.Timeframe == "1s" {
				fine = append(fine, c)
			}
		}
	}
	// Include the forming 1s candle to cover the full window
	fine = append(fine, g.Candles["1s"].Clone())

	tf5s := Timeframes[1]
	rolled := RollupFrom("binance", "BTCUSDT", tf5s, 0.01, 1, fine)
	live := g.Candles["5s"]

	if rolled.Volume != live.Volume || rolled.BuyVolume != live.BuyVolume || rolled.SellVolume != live.SellVolume {
		t.Errorf("5s rollup disagrees with independent application: rolled v=%v bv=%v sv=%v, live v=%v bv=%v sv=%v",
			rolled.Volume, rolled.BuyVolume, rolled.SellVolume, live.Volume, live.BuyVolume, live.SellVolume)
	}
	if rolled.Open != live.Open || rolled.Close != live.Close || rolled.High != live.High || rolled.Low != live.Low {
		t.Errorf("5s rollup OHLC disagrees with independent application")
	}
}

func TestGroupStateRoundTrip(t *testing.T) {
	g := NewCandleGroup("bybit", "ETHUSDT", 0.01, 1)
	base := int64(1700000000000)
	g.ApplyTrade(makeTrade(2000.00, 1.5, false, base, 1))
	g.ApplyTrade(makeTrade(2000.02, 2.25, true, base+300, 2))

	data, err := g.MarshalState()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := UnmarshalState(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Exchange != "bybit" || back.Symbol != "ETHUSDT" || back.LastTradeID != 2 {
		t.Errorf("identity: %s %s last=%d", back.Exchange, back.Symbol, back.LastTradeID)
	}

	// Applying the same next trade to both must produce identical state
	next := makeTrade(2000.04, 0.75, false, base+700, 3)
	g.ApplyTrade(next)
	back.ApplyTrade(next)

	a, _ := g.MarshalState()
	b, _ := back.MarshalState()
	if string(a) != string(b) {
		t.Errorf("state round trip diverged after next trade")
	}
}

func TestGroupCheckExpired(t *testing.T) {
	g := NewCandleGroup("binance", "BTCUSDT", 0.01, 1)
	base := int64(1700000000000)
	g.ApplyTrade(makeTrade(100, 1, false, base, 1))

	completed := g.CheckExpired(base + 1000)
	found := false
	for _, c := range completed {
		if c.Timeframe == "1s" {
			found = true
			if !c.Closed || c.TradeCount != 1 {
				t.Errorf("sealed 1s candle: closed=%v count=%d", c.Closed, c.TradeCount)
			}
		}
		if c.Timeframe == "1m" {
			t.Error("1m candle must not expire after one second")
		}
	}
	if !found {
		t.Error("expected the 1s candle to expire")
	}

	// Empty candles never emit
	if again := g.CheckExpired(base + 2000); len(again) != 0 {
		t.Errorf("empty expired candles must not emit, got %d", len(again))
	}
}

func TestGroupBinMultiplierAdaptation(t *testing.T) {
	g := NewCandleGroup("binance", "BTCUSDT", 0.01, 0)
	g.ApplyTrade(makeTrade(50000, 1, false, 1700000000000, 1))

	if g.BinMultiplier < 1 {
		t.Fatalf("multiplier not resolved: %d", g.BinMultiplier)
	}
	implied := 50000 / (0.01 * float64(g.BinMultiplier))
	if implied > BinsMax {
		t.Errorf("implied bin count %v above max", implied)
	}
}
