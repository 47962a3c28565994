package candle

import (
	"encoding/json"
	"math"
	"testing"

	"flowtrace/internal/events"
)

func mustTF(t *testing.T, name string) Timeframe {
	t.Helper()
	tf, ok := TimeframeByName(name)
	if !ok {
		t.Fatalf("unknown timeframe %q", name)
	}
	return tf
}

func makeTrade(price, qty float64, maker bool, ts, id int64) *events.TradeData {
	return &events.TradeData{
		Exchange:     "binance",
		Symbol:       "BTCUSDT",
		Price:        price,
		Quantity:     qty,
		Timestamp:    ts,
		TradeID:      id,
		IsBuyerMaker: maker,
	}
}

func TestSingleTrade1s(t *testing.T) {
	c := NewFootprintCandle("binance", "BTCUSDT", mustTF(t, "1s"), 0.01, 1)

	if err := c.Apply(makeTrade(100.05, 2, false, 1700000000000, 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if c.OpenTime != 1700000000000 {
		t.Errorf("open_time: expected 1700000000000, got %d", c.OpenTime)
	}
	for name, got := range map[string]float64{"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close} {
		if got != 100.05 {
			t.Errorf("%s: expected 100.05, got %v", name, got)
		}
	}
	if c.Volume != 2 || c.BuyVolume != 2 || c.SellVolume != 0 {
		t.Errorf("volumes: v=%v bv=%v sv=%v", c.Volume, c.BuyVolume, c.SellVolume)
	}
	if c.Delta != 2 {
		t.Errorf("delta: expected 2, got %v", c.Delta)
	}
	if c.TradeCount != 1 {
		t.Errorf("trade_count: expected 1, got %d", c.TradeCount)
	}
	if len(c.Bins) != 1 {
		t.Fatalf("expected 1 bin, got %d", len(c.Bins))
	}
	b := c.Bins[0]
	if b.TickPrice != 100.05 || b.BuyVolume != 2 || b.SellVolume != 0 || b.TotalVolume != 2 || b.TradeCount != 1 {
		t.Errorf("bin mismatch: %+v", b)
	}
	if err := c.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestBuyThenSellSameSecond(t *testing.T) {
	c := NewFootprintCandle("binance", "BTCUSDT", mustTF(t, "1s"), 0.01, 1)

	c.Apply(makeTrade(100.05, 2, false, 1700000000000, 1))
	c.Apply(makeTrade(100.10, 1, true, 1700000000500, 2))

	if c.High != 100.10 || c.Close != 100.10 {
		t.Errorf("high=%v close=%v, expected both 100.10", c.High, c.Close)
	}
	if c.Volume != 3 || c.BuyVolume != 2 || c.SellVolume != 1 {
		t.Errorf("volumes: v=%v bv=%v sv=%v", c.Volume, c.BuyVolume, c.SellVolume)
	}
	if c.Delta != 1 || c.DeltaMax != 2 || c.DeltaMin != 1 {
		t.Errorf("delta=%v max=%v min=%v", c.Delta, c.DeltaMax, c.DeltaMin)
	}
	if c.TradeCount != 2 {
		t.Errorf("trade_count: expected 2, got %d", c.TradeCount)
	}
	if len(c.Bins) != 2 {
		t.Fatalf("expected 2 bins, got %d", len(c.Bins))
	}
	if c.Bins[0].TickPrice >= c.Bins[1].TickPrice {
		t.Errorf("bins not ascending: %v, %v", c.Bins[0].TickPrice, c.Bins[1].TickPrice)
	}
	if err := c.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestPeriodBoundary(t *testing.T) {
	tf := mustTF(t, "1s")
	c := NewFootprintCandle("binance", "BTCUSDT", tf, 0.01, 1)
	c.Apply(makeTrade(100, 1, false, 1700000000000, 1))

	// ts == open_time + period - 1 belongs to the current candle
	if c.Elapsed(1700000000999) {
		t.Error("candle should not be elapsed at open+period-1")
	}
	// ts == open_time + period belongs to the next candle
	if !c.Elapsed(1700000001000) {
		t.Error("candle should be elapsed at open+period")
	}

	c.Seal()
	if c.CloseTime != 1700000000999 {
		t.Errorf("close_time: expected 1700000000999, got %d", c.CloseTime)
	}
	if err := c.Apply(makeTrade(100, 1, false, 1700000001000, 2)); err == nil {
		t.Error("apply to closed candle should fail")
	}
}

func TestBinBoundaryPrice(t *testing.T) {
	// price == tick_value * bin_multiplier * k must land in bin k exactly
	c := NewFootprintCandle("binance", "BTCUSDT", mustTF(t, "1s"), 0.01, 1)
	c.Apply(makeTrade(100.05, 1, false, 1700000000000, 1))
	if len(c.Bins) != 1 || c.Bins[0].TickPrice != 100.05 {
		t.Fatalf("expected single bin at 100.05, got %+v", c.Bins)
	}

	wide := NewFootprintCandle("binance", "BTCUSDT", mustTF(t, "1s"), 0.5, 4)
	wide.Apply(makeTrade(6.0, 1, false, 1700000000000, 1)) // 6.0 = 0.5*4*3 → bin 3
	if len(wide.Bins) != 1 || wide.Bins[0].TickPrice != 6.0 {
		t.Fatalf("expected single bin at 6.0, got %+v", wide.Bins)
	}
}

func TestAggregateIdentitiesUnderSequence(t *testing.T) {
	c := NewFootprintCandle("binance", "ETHUSDT", mustTF(t, "1m"), 0.01, 1)

	// Deterministic pseudo-random walk; exercises 8-dp accumulation.
	price := 2000.0
	seed := int64(42)
	next := func() int64 {
		seed = (seed*6364136223846793005 + 1442695040888963407) & 0x7FFFFFFF
		return seed
	}
	for i := int64(1); i <= 500; i++ {
		price += float64(next()%21-10) * 0.01
		qty := float64(next()%1000+1) * 0.00000001 * 3
		maker := next()%2 == 0
		if err := c.Apply(makeTrade(round8(price), round8(qty), maker, 1700000000000+i*50, i)); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if err := c.CheckInvariants(); err != nil {
			t.Fatalf("invariants after trade %d: %v", i, err)
		}
		if c.DeltaMax < c.Delta || c.DeltaMin > c.Delta {
			t.Fatalf("delta extrema broken at trade %d", i)
		}
	}
	if c.FirstTradeID != 1 || c.LastTradeID != 500 {
		t.Errorf("trade ids: first=%d last=%d", c.FirstTradeID, c.LastTradeID)
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := NewFootprintCandle("binance", "BTCUSDT", mustTF(t, "1s"), 0.01, 1)
	c.Apply(makeTrade(100.05, 2, false, 1700000000000, 1))

	cp := c.Clone()
	cp.Bins[0].BuyVolume = 99
	cp.Close = 1

	if c.Bins[0].BuyVolume == 99 || c.Close == 1 {
		t.Error("clone shares state with original")
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	c := NewFootprintCandle("okx", "SOL_USDT", mustTF(t, "5m"), 0.001, 2)
	c.Apply(makeTrade(150.123, 1.5, false, 1700000000000, 10))
	c.Apply(makeTrade(150.125, 0.5, true, 1700000001000, 11))

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back FootprintCandle
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// Applying a trade to the restored copy must match applying it live.
	trade := makeTrade(150.130, 2.25, false, 1700000002000, 12)
	c.Apply(trade)
	back.Apply(trade)

	a, _ := json.Marshal(c)
	b, _ := json.Marshal(&back)
	if string(a) != string(b) {
		t.Errorf("apply/serialize does not commute:\n%s\n%s", a, b)
	}
}

func TestBinCodecRoundTrip(t *testing.T) {
	c := NewFootprintCandle("bybit", "BTCUSDT", mustTF(t, "1s"), 0.5, 1)
	c.Apply(makeTrade(50000.5, 1.25, false, 1700000000000, 1))
	c.Apply(makeTrade(50001.0, 0.75, true, 1700000000100, 2))
	c.Apply(makeTrade(50000.5, 0.5, true, 1700000000200, 3))

	blob := EncodeBins(c.Bins)
	bins, err := DecodeBins(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(bins) != len(c.Bins) {
		t.Fatalf("bin count: expected %d, got %d", len(c.Bins), len(bins))
	}
	for i := range bins {
		if bins[i] != c.Bins[i] {
			t.Errorf("bin %d mismatch: %+v vs %+v", i, bins[i], c.Bins[i])
		}
	}

	if _, err := DecodeBins(blob[:len(blob)-2]); err == nil {
		t.Error("truncated blob should fail to decode")
	}
}

func TestPOCAndValueArea(t *testing.T) {
	c := NewFootprintCandle("binance", "BTCUSDT", mustTF(t, "1m"), 1, 1)
	// Volume concentrated at 101: POC
	c.Apply(makeTrade(100, 1, false, 1700000000000, 1))
	c.Apply(makeTrade(101, 5, false, 1700000000100, 2))
	c.Apply(makeTrade(101, 3, true, 1700000000200, 3))
	c.Apply(makeTrade(102, 2, true, 1700000000300, 4))

	poc, ok := c.POC()
	if !ok || poc != 101 {
		t.Errorf("POC: expected 101, got %v (ok=%v)", poc, ok)
	}

	vah, val, ok := c.ValueArea(0.7)
	if !ok {
		t.Fatal("value area not computed")
	}
	if val > poc || vah < poc {
		t.Errorf("value area [%v, %v] must contain POC %v", val, vah, poc)
	}
	// 8 of 11 at 101 alone covers 70%
	if vah != 101 || val != 101 {
		t.Errorf("expected value area collapsed on POC, got [%v, %v]", val, vah)
	}
}

func TestRollupMatchesIndependent(t *testing.T) {
	tf1s := mustTF(t, "1s")
	tf5s := mustTF(t, "5s")

	coarse := NewFootprintCandle("binance", "BTCUSDT", tf5s, 0.01, 1)
	var fine []*FootprintCandle
	cur := NewFootprintCandle("binance", "BTCUSDT", tf1s, 0.01, 1)

	base := int64(1700000000000)
	trades := []*events.TradeData{
		makeTrade(100.00, 1, false, base, 1),
		makeTrade(100.02, 2, true, base+400, 2),
		makeTrade(100.01, 0.5, false, base+1200, 3),
		makeTrade(99.98, 1.5, true, base+2500, 4),
		makeTrade(100.05, 3, false, base+4900, 5),
	}
	for _, tr := range trades {
		if cur.Elapsed(tr.Timestamp) {
			cur.Seal()
			fine = append(fine, cur)
			cur = NewFootprintCandle("binance", "BTCUSDT", tf1s, 0.01, 1)
		}
		cur.Apply(tr)
		coarse.Apply(tr)
	}
	cur.Seal()
	fine = append(fine, cur)

	rolled := RollupFrom("binance", "BTCUSDT", tf5s, 0.01, 1, fine)

	if rolled.OpenTime != coarse.OpenTime || rolled.Open != coarse.Open ||
		rolled.High != coarse.High || rolled.Low != coarse.Low || rolled.Close != coarse.Close {
		t.Errorf("OHLC mismatch: rolled %+v vs live %+v", rolled, coarse)
	}
	if math.Abs(rolled.Volume-coarse.Volume) > 1e-8 ||
		math.Abs(rolled.BuyVolume-coarse.BuyVolume) > 1e-8 ||
		math.Abs(rolled.SellVolume-coarse.SellVolume) > 1e-8 {
		t.Errorf("volume mismatch: rolled v=%v bv=%v sv=%v, live v=%v bv=%v sv=%v",
			rolled.Volume, rolled.BuyVolume, rolled.SellVolume,
			coarse.Volume, coarse.BuyVolume, coarse.SellVolume)
	}
	if rolled.TradeCount != coarse.TradeCount {
		t.Errorf("trade count: rolled %d vs live %d", rolled.TradeCount, coarse.TradeCount)
	}
	if len(rolled.Bins) != len(coarse.Bins) {
		t.Fatalf("bin count: rolled %d vs live %d", len(rolled.Bins), len(coarse.Bins))
	}
	for i := range rolled.Bins {
		if math.Abs(rolled.Bins[i].TotalVolume-coarse.Bins[i].TotalVolume) > 1e-8 {
			t.Errorf("bin %d total: rolled %v vs live %v", i, rolled.Bins[i].TotalVolume, coarse.Bins[i].TotalVolume)
		}
	}
}

func TestOptimalBinMultiplier(t *testing.T) {
	cases := []struct {
		price, tick float64
		want        int64
	}{
		{1.0, 0.01, 1},       // 100 bins, fits
		{2.0, 0.01, 1},       // exactly 200
		{2.01, 0.01, 2},      // just over
		{50000, 0.01, 25000}, // m >= 50000/(0.01*200)
		{100.05, 0.01, 51},   // m >= 50.025
	}

	for _, tc := range cases {
		got := OptimalBinMultiplier(tc.price, tc.tick)
		if got != tc.want {
			t.Errorf("OptimalBinMultiplier(%v, %v): expected %d, got %d", tc.price, tc.tick, tc.want, got)
		}
		if tc.price/(tc.tick*float64(got)) > BinsMax {
			t.Errorf("multiplier %d leaves bin count above max", got)
		}
		if got > 1 && tc.price/(tc.tick*float64(got-1)) <= BinsMax {
			t.Errorf("multiplier %d is not minimal", got)
		}
	}

	if !NeedsRecalc(50000, 0.01, 1) {
		t.Error("expected recalc when implied bins far above max")
	}
	if NeedsRecalc(1.5, 0.01, 1) {
		t.Error("no recalc needed when implied bins inside range")
	}
	if !NeedsRecalc(0.2, 0.01, 1) {
		t.Error("expected recalc when implied bins below min")
	}
}
