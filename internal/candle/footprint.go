package candle

import (
	"fmt"
	"math"
	"sort"

	"flowtrace/internal/events"
)

// round8 rounds to 8 decimal places, half to even. Every volume accumulator
// in a candle is re-rounded after each addition so the result is stable
// regardless of trade order.
func round8(x float64) float64 {
	return math.RoundToEven(x*1e8) / 1e8
}

// PriceBin aggregates volume at one price level of a footprint candle.
// Invariant: BuyVolume + SellVolume == TotalVolume, all non-negative.
type PriceBin struct {
	TickPrice   float64 `json:"tick_price"`
	BuyVolume   float64 `json:"buy_volume"`
	SellVolume  float64 `json:"sell_volume"`
	TotalVolume float64 `json:"total_volume"`
	TradeCount  int64   `json:"trade_count"`
}

// FootprintCandle is an OHLCV candle augmented with per-price-bin bid/ask
// volume for one (exchange, symbol, timeframe, open_time) tuple. Bins are
// kept ordered by TickPrice ascending. Once Closed, no further trade may be
// applied.
type FootprintCandle struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	OpenTime  int64  `json:"open_time"`
	CloseTime int64  `json:"close_time"`

	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`

	Volume          float64 `json:"volume"`
	BuyVolume       float64 `json:"buy_volume"`
	SellVolume      float64 `json:"sell_volume"`
	QuoteVolume     float64 `json:"quote_volume"`
	BuyQuoteVolume  float64 `json:"buy_quote_volume"`
	SellQuoteVolume float64 `json:"sell_quote_volume"`

	Delta    float64 `json:"delta"`
	DeltaMax float64 `json:"delta_max"`
	DeltaMin float64 `json:"delta_min"`

	TradeCount   int64 `json:"trade_count"`
	FirstTradeID int64 `json:"first_trade_id"`
	LastTradeID  int64 `json:"last_trade_id"`

	TickValue     float64    `json:"tick_value"`
	BinMultiplier int64      `json:"bin_multiplier"`
	Bins          []PriceBin `json:"bins"`

	Closed bool `json:"closed"`

	periodMillis int64
}

// NewFootprintCandle creates an empty candle for the given timeframe. The
// open time is fixed by the first applied trade.
func NewFootprintCandle(exchange, symbol string, tf Timeframe, tickValue float64, binMultiplier int64) *FootprintCandle {
	if binMultiplier < 1 {
		binMultiplier = 1
	}
	return &FootprintCandle{
		Exchange:      exchange,
		Symbol:        symbol,
		Timeframe:     tf.Name,
		TickValue:     tickValue,
		BinMultiplier: binMultiplier,
		periodMillis:  tf.PeriodMillis(),
	}
}

// PeriodMillis returns the candle period in milliseconds, recovering it from
// the timeframe name after deserialization.
func (c *FootprintCandle) PeriodMillis() int64 {
	if c.periodMillis == 0 {
		if tf, ok := TimeframeByName(c.Timeframe); ok {
			c.periodMillis = tf.PeriodMillis()
		}
	}
	return c.periodMillis
}

// binWidth is the price bucket width: tick value times the bin multiplier.
func (c *FootprintCandle) binWidth() float64 {
	mult := c.BinMultiplier
	if mult < 1 {
		mult = 1
	}
	return c.TickValue * float64(mult)
}

// Elapsed reports whether ts falls at or beyond the end of this candle's
// period. A trade at exactly open_time + period belongs to the next candle.
func (c *FootprintCandle) Elapsed(ts int64) bool {
	if c.OpenTime == 0 {
		return false
	}
	return ts >= c.OpenTime+c.PeriodMillis()
}

// Apply folds one trade into the candle. The caller is responsible for
// rollover: the trade must fall inside this candle's period. Applying to a
// closed candle is a programmer error.
func (c *FootprintCandle) Apply(trade *events.TradeData) error {
	if c.Closed {
		return fmt.Errorf("apply to closed candle %s %s %s open_time=%d",
			c.Exchange, c.Symbol, c.Timeframe, c.OpenTime)
	}

	if c.OpenTime == 0 {
		c.OpenTime = trade.Timestamp - trade.Timestamp%c.PeriodMillis()
		c.Open = trade.Price
		c.High = trade.Price
		c.Low = trade.Price
	}

	if trade.Price > c.High {
		c.High = trade.Price
	}
	if trade.Price < c.Low {
		c.Low = trade.Price
	}
	c.Close = trade.Price

	quote := round8(trade.Price * trade.Quantity)
	c.Volume = round8(c.Volume + trade.Quantity)
	c.QuoteVolume = round8(c.QuoteVolume + quote)
	if trade.IsBuy() {
		c.BuyVolume = round8(c.BuyVolume + trade.Quantity)
		c.BuyQuoteVolume = round8(c.BuyQuoteVolume + quote)
	} else {
		c.SellVolume = round8(c.SellVolume + trade.Quantity)
		c.SellQuoteVolume = round8(c.SellQuoteVolume + quote)
	}

	c.TradeCount++
	if trade.TradeID != 0 {
		if c.FirstTradeID == 0 {
			c.FirstTradeID = trade.TradeID
		}
		c.LastTradeID = trade.TradeID
	}

	c.Delta = round8(c.BuyVolume - c.SellVolume)
	if c.TradeCount == 1 {
		// Extrema track observed deltas only; the first trade seeds both
		// the way it seeds OHLC.
		c.DeltaMax = c.Delta
		c.DeltaMin = c.Delta
	} else {
		if c.Delta > c.DeltaMax {
			c.DeltaMax = c.Delta
		}
		if c.Delta < c.DeltaMin {
			c.DeltaMin = c.Delta
		}
	}

	c.applyToBin(trade)
	return nil
}

// applyToBin locates (or inserts) the price bin for the trade and folds the
// quantity into it.
func (c *FootprintCandle) applyToBin(trade *events.TradeData) {
	width := c.binWidth()
	if width <= 0 {
		return
	}
	// The epsilon keeps prices sitting exactly on a bin boundary from being
	// floored into the bin below by float division error.
	rawIdx := math.Floor(trade.Price/width + 1e-9)
	binPrice := round8(rawIdx * width)

	idx := sort.Search(len(c.Bins), func(i int) bool {
		return c.Bins[i].TickPrice >= binPrice
	})
	if idx == len(c.Bins) || c.Bins[idx].TickPrice != binPrice {
		c.Bins = append(c.Bins, PriceBin{})
		copy(c.Bins[idx+1:], c.Bins[idx:])
		c.Bins[idx] = PriceBin{TickPrice: binPrice}
	}

	bin := &c.Bins[idx]
	if trade.IsBuy() {
		bin.BuyVolume = round8(bin.BuyVolume + trade.Quantity)
	} else {
		bin.SellVolume = round8(bin.SellVolume + trade.Quantity)
	}
	bin.TotalVolume = round8(bin.TotalVolume + trade.Quantity)
	bin.TradeCount++
}

// Seal marks the candle complete. No trades may be applied afterwards.
func (c *FootprintCandle) Seal() {
	if c.Closed {
		return
	}
	c.Closed = true
	c.CloseTime = c.OpenTime + c.PeriodMillis() - 1
}

// Clone returns a deep copy: scalars copied, the bin slice reallocated.
func (c *FootprintCandle) Clone() *FootprintCandle {
	cp := *c
	cp.Bins = make([]PriceBin, len(c.Bins))
	copy(cp.Bins, c.Bins)
	return &cp
}

// HasTrades reports whether at least one trade has been applied.
func (c *FootprintCandle) HasTrades() bool { return c.TradeCount > 0 }

// POC returns the point of control: the bin price with the highest total
// volume. Ties resolve to the lower price. Returns false for an empty candle.
func (c *FootprintCandle) POC() (float64, bool) {
	if len(c.Bins) == 0 {
		return 0, false
	}
	best := 0
	for i := 1; i < len(c.Bins); i++ {
		if c.Bins[i].TotalVolume > c.Bins[best].TotalVolume {
			best = i
		}
	}
	return c.Bins[best].TickPrice, true
}

// ValueArea returns the bounds of the shortest contiguous bin range around
// the POC containing at least fraction of the total volume (0.7 for the
// conventional 70% value area).
func (c *FootprintCandle) ValueArea(fraction float64) (vah, val float64, ok bool) {
	if len(c.Bins) == 0 || c.Volume <= 0 {
		return 0, 0, false
	}
	poc := 0
	for i := 1; i < len(c.Bins); i++ {
		if c.Bins[i].TotalVolume > c.Bins[poc].TotalVolume {
			poc = i
		}
	}
	target := c.Volume * fraction
	lo, hi := poc, poc
	covered := c.Bins[poc].TotalVolume
	for covered < target && (lo > 0 || hi < len(c.Bins)-1) {
		var below, above float64
		if lo > 0 {
			below = c.Bins[lo-1].TotalVolume
		}
		if hi < len(c.Bins)-1 {
			above = c.Bins[hi+1].TotalVolume
		}
		if hi < len(c.Bins)-1 && (above >= below || lo == 0) {
			hi++
			covered += above
		} else {
			lo--
			covered += below
		}
	}
	return c.Bins[hi].TickPrice, c.Bins[lo].TickPrice, true
}

// RollupFrom rebuilds a coarse candle from completed finer candles falling
// inside its window. Not called on the live path or by gap recovery.
func RollupFrom(exchange, symbol string, tf Timeframe, tickValue float64, binMultiplier int64, fine []*FootprintCandle) *FootprintCandle {
	out := NewFootprintCandle(exchange, symbol, tf, tickValue, binMultiplier)
	for _, f := range fine {
		if !f.HasTrades() {
			continue
		}
		wasEmpty := out.TradeCount == 0
		if out.OpenTime == 0 {
			out.OpenTime = tf.AlignMillis(f.OpenTime)
			out.Open = f.Open
			out.High = f.High
			out.Low = f.Low
		}
		if f.High > out.High {
			out.High = f.High
		}
		if f.Low < out.Low {
			out.Low = f.Low
		}
		out.Close = f.Close

		out.Volume = round8(out.Volume + f.Volume)
		out.BuyVolume = round8(out.BuyVolume + f.BuyVolume)
		out.SellVolume = round8(out.SellVolume + f.SellVolume)
		out.QuoteVolume = round8(out.QuoteVolume + f.QuoteVolume)
		out.BuyQuoteVolume = round8(out.BuyQuoteVolume + f.BuyQuoteVolume)
		out.SellQuoteVolume = round8(out.SellQuoteVolume + f.SellQuoteVolume)
		out.TradeCount += f.TradeCount
		if f.FirstTradeID != 0 && out.FirstTradeID == 0 {
			out.FirstTradeID = f.FirstTradeID
		}
		if f.LastTradeID != 0 {
			out.LastTradeID = f.LastTradeID
		}

		out.Delta = round8(out.BuyVolume - out.SellVolume)
		if wasEmpty {
			out.DeltaMax = out.Delta
			out.DeltaMin = out.Delta
		} else {
			if out.Delta > out.DeltaMax {
				out.DeltaMax = out.Delta
			}
			if out.Delta < out.DeltaMin {
				out.DeltaMin = out.Delta
			}
		}

		for _, b := range f.Bins {
			out.mergeBin(b)
		}
	}
	return out
}

func (c *FootprintCandle) mergeBin(b PriceBin) {
	idx := sort.Search(len(c.Bins), func(i int) bool {
		return c.Bins[i].TickPrice >= b.TickPrice
	})
	if idx == len(c.Bins) || c.Bins[idx].TickPrice != b.TickPrice {
		c.Bins = append(c.Bins, PriceBin{})
		copy(c.Bins[idx+1:], c.Bins[idx:])
		c.Bins[idx] = PriceBin{TickPrice: b.TickPrice}
	}
	dst := &c.Bins[idx]
	dst.BuyVolume = round8(dst.BuyVolume + b.BuyVolume)
	dst.SellVolume = round8(dst.SellVolume + b.SellVolume)
	dst.TotalVolume = round8(dst.TotalVolume + b.TotalVolume)
	dst.TradeCount += b.TradeCount
}

// CheckInvariants verifies the candle identities at 8-dp tolerance. Used by
// debug assertions and tests.
func (c *FootprintCandle) CheckInvariants() error {
	if c.HasTrades() {
		if c.Low > c.Open || c.Open > c.High || c.Low > c.Close || c.Close > c.High {
			return fmt.Errorf("OHLC ordering violated: o=%v h=%v l=%v c=%v", c.Open, c.High, c.Low, c.Close)
		}
	}
	const tol = 1e-8
	var total, buy, sell float64
	for _, b := range c.Bins {
		if b.BuyVolume < 0 || b.SellVolume < 0 || b.TotalVolume < 0 {
			return fmt.Errorf("negative bin volume at %v", b.TickPrice)
		}
		if math.Abs(round8(b.BuyVolume+b.SellVolume)-b.TotalVolume) > tol {
			return fmt.Errorf("bin %v: buy+sell != total", b.TickPrice)
		}
		total = round8(total + b.TotalVolume)
		buy = round8(buy + b.BuyVolume)
		sell = round8(sell + b.SellVolume)
	}
	if math.Abs(total-c.Volume) > tol {
		return fmt.Errorf("sum(bins.total)=%v != volume=%v", total, c.Volume)
	}
	if math.Abs(buy-c.BuyVolume) > tol {
		return fmt.Errorf("sum(bins.buy)=%v != buy_volume=%v", buy, c.BuyVolume)
	}
	if math.Abs(sell-c.SellVolume) > tol {
		return fmt.Errorf("sum(bins.sell)=%v != sell_volume=%v", sell, c.SellVolume)
	}
	if c.DeltaMax < c.Delta || c.DeltaMin > c.Delta {
		return fmt.Errorf("delta extrema violated: min=%v delta=%v max=%v", c.DeltaMin, c.Delta, c.DeltaMax)
	}
	if c.FirstTradeID != 0 && c.FirstTradeID > c.LastTradeID {
		return fmt.Errorf("first_trade_id %d > last_trade_id %d", c.FirstTradeID, c.LastTradeID)
	}
	return nil
}
