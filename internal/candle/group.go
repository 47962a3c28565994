package candle

import (
	"encoding/json"
	"fmt"
	"time"

	"flowtrace/internal/events"
)

// CandleGroup holds the per-timeframe footprint candles for one
// (exchange, symbol). It is exclusively owned by one worker at a time and is
// mutated serially; it carries no locking of its own.
type CandleGroup struct {
	Exchange      string                      `json:"exchange"`
	Symbol        string                      `json:"symbol"`
	TickValue     float64                     `json:"tick_value"`
	BinMultiplier int64                       `json:"bin_multiplier"`
	LastTradeID   int64                       `json:"last_trade_id"`
	Candles       map[string]*FootprintCandle `json:"candles"`
	// BinAuto marks a multiplier resolved from trade prices; only such a
	// multiplier is recomputed as the price moves. A configured one is kept.
	BinAuto bool `json:"bin_auto,omitempty"`

	// Dirty marks unsaved mutations since the last checkpoint.
	Dirty bool `json:"-"`
}

// ApplyResult is the outcome of folding one trade into a group.
type ApplyResult struct {
	Completed []*FootprintCandle
	Gap       *events.GapRecord
	Dropped   bool // out-of-order or duplicate trade id
}

// NewCandleGroup creates a group with one empty candle per timeframe. A zero
// binMultiplier is resolved from the first trade price on application.
func NewCandleGroup(exchange, symbol string, tickValue float64, binMultiplier int64) *CandleGroup {
	g := &CandleGroup{
		Exchange:      exchange,
		Symbol:        symbol,
		TickValue:     tickValue,
		BinMultiplier: binMultiplier,
		Candles:       make(map[string]*FootprintCandle, len(Timeframes)),
	}
	for _, tf := range Timeframes {
		g.Candles[tf.Name] = NewFootprintCandle(exchange, symbol, tf, tickValue, binMultiplier)
	}
	return g
}

// ApplyTrade folds one trade into every timeframe, rolling candles over when
// their period has elapsed. Duplicate and out-of-order trade ids are dropped;
// a jump forward past last_trade_id+1 yields a gap record.
func (g *CandleGroup) ApplyTrade(trade *events.TradeData) ApplyResult {
	var res ApplyResult

	if trade.TradeID != 0 && g.LastTradeID != 0 {
		if trade.TradeID <= g.LastTradeID {
			res.Dropped = true
			return res
		}
		if trade.TradeID > g.LastTradeID+1 {
			from := g.LastTradeID + 1
			to := trade.TradeID - 1
			res.Gap = &events.GapRecord{
				Exchange:    g.Exchange,
				Symbol:      g.Symbol,
				FromTradeID: from,
				ToTradeID:   to,
				GapSize:     to - from + 1,
				DetectedAt:  time.Now().UnixMilli(),
			}
		}
	}
	if trade.TradeID != 0 {
		g.LastTradeID = trade.TradeID
	}

	if g.TickValue <= 0 {
		g.TickValue = DefaultTickValue(trade.Price)
	}
	if g.BinMultiplier < 1 {
		g.BinMultiplier = OptimalBinMultiplier(trade.Price, g.TickValue)
		g.BinAuto = true
	} else if g.BinAuto && NeedsRecalc(trade.Price, g.TickValue, g.BinMultiplier) {
		g.BinMultiplier = OptimalBinMultiplier(trade.Price, g.TickValue)
	}

	for _, tf := range Timeframes {
		c := g.Candles[tf.Name]
		if c == nil {
			c = NewFootprintCandle(g.Exchange, g.Symbol, tf, g.TickValue, g.BinMultiplier)
			g.Candles[tf.Name] = c
		}
		if c.Elapsed(trade.Timestamp) {
			c.Seal()
			if c.HasTrades() {
				res.Completed = append(res.Completed, c)
			}
			c = NewFootprintCandle(g.Exchange, g.Symbol, tf, g.TickValue, g.BinMultiplier)
			g.Candles[tf.Name] = c
		}
		if !c.HasTrades() && (c.BinMultiplier != g.BinMultiplier || c.TickValue != g.TickValue) {
			c.BinMultiplier = g.BinMultiplier
			c.TickValue = g.TickValue
		}
		c.Apply(trade)
	}

	g.Dirty = true
	return res
}

// CheckExpired seals candles whose period has elapsed against the given
// wall-clock timestamp without a trade having arrived. Returns the sealed
// candles that carried trades.
func (g *CandleGroup) CheckExpired(nowMillis int64) []*FootprintCandle {
	var completed []*FootprintCandle
	for _, tf := range Timeframes {
		c := g.Candles[tf.Name]
		if c == nil || !c.Elapsed(nowMillis) {
			continue
		}
		c.Seal()
		if c.HasTrades() {
			completed = append(completed, c)
		}
		g.Candles[tf.Name] = NewFootprintCandle(g.Exchange, g.Symbol, tf, g.TickValue, g.BinMultiplier)
		g.Dirty = true
	}
	return completed
}

// MarshalState serializes the group for the candle_state checkpoint.
func (g *CandleGroup) MarshalState() ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal candle group %s:%s: %w", g.Exchange, g.Symbol, err)
	}
	return data, nil
}

// UnmarshalState restores a group from its checkpoint bytes.
func UnmarshalState(data []byte) (*CandleGroup, error) {
	var g CandleGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("unmarshal candle group: %w", err)
	}
	if g.Candles == nil {
		g.Candles = make(map[string]*FootprintCandle, len(Timeframes))
	}
	return &g, nil
}
