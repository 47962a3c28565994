package persist

import (
	"context"
	"database/sql"
	"fmt"

	"flowtrace/internal/candle"
)

// CandleQuery selects completed candles for one symbol and timeframe.
// Start/End bound open_time inclusively; zero means unbounded.
type CandleQuery struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     int64  `json:"start,omitempty"`
	End       int64  `json:"end,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CandleStore is the append-only completed-candle store, keyed by
// (exchange, symbol, timeframe, open_time). Appends are idempotent by that
// identity; the bin array is stored as the length-prefixed binary blob.
type CandleStore struct {
	db *DB
}

// NewCandleStore wraps the runtime database.
func NewCandleStore(db *DB) *CandleStore { return &CandleStore{db: db} }

// Append inserts completed candles, ignoring rows whose identity already
// exists.
func (s *CandleStore) Append(ctx context.Context, candles []*candle.FootprintCandle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("candle append begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO footprint_candles
			(exchange, symbol, timeframe, open_time, close_time,
			 open, high, low, close,
			 volume, buy_volume, sell_volume,
			 quote_volume, buy_quote_volume, sell_quote_volume,
			 delta, delta_max, delta_min,
			 trade_count, first_trade_id, last_trade_id,
			 tick_value, bin_multiplier, bins)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("candle append prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(
			c.Exchange, c.Symbol, c.Timeframe, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.BuyVolume, c.SellVolume,
			c.QuoteVolume, c.BuyQuoteVolume, c.SellQuoteVolume,
			c.Delta, c.DeltaMax, c.DeltaMin,
			c.TradeCount, c.FirstTradeID, c.LastTradeID,
			c.TickValue, c.BinMultiplier, candle.EncodeBins(c.Bins),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("candle append %s:%s:%s@%d: %w",
				c.Exchange, c.Symbol, c.Timeframe, c.OpenTime, err)
		}
	}
	return tx.Commit()
}

// Upsert replaces candles by identity. Reserved for the gap-recovery repair
// path; the live pipeline only appends.
func (s *CandleStore) Upsert(ctx context.Context, candles []*candle.FootprintCandle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("candle upsert begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO footprint_candles
			(exchange, symbol, timeframe, open_time, close_time,
			 open, high, low, close,
			 volume, buy_volume, sell_volume,
			 quote_volume, buy_quote_volume, sell_quote_volume,
			 delta, delta_max, delta_min,
			 trade_count, first_trade_id, last_trade_id,
			 tick_value, bin_multiplier, bins)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("candle upsert prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(
			c.Exchange, c.Symbol, c.Timeframe, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.BuyVolume, c.SellVolume,
			c.QuoteVolume, c.BuyQuoteVolume, c.SellQuoteVolume,
			c.Delta, c.DeltaMax, c.DeltaMin,
			c.TradeCount, c.FirstTradeID, c.LastTradeID,
			c.TickValue, c.BinMultiplier, candle.EncodeBins(c.Bins),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("candle upsert %s:%s:%s@%d: %w",
				c.Exchange, c.Symbol, c.Timeframe, c.OpenTime, err)
		}
	}
	return tx.Commit()
}

const candleColumns = `exchange, symbol, timeframe, open_time, close_time,
	open, high, low, close,
	volume, buy_volume, sell_volume,
	quote_volume, buy_quote_volume, sell_quote_volume,
	delta, delta_max, delta_min,
	trade_count, first_trade_id, last_trade_id,
	tick_value, bin_multiplier, bins`

// FindBySymbol returns candles in the time range ordered by open_time
// ascending.
func (s *CandleStore) FindBySymbol(ctx context.Context, q CandleQuery) ([]*candle.FootprintCandle, error) {
	query := `SELECT ` + candleColumns + ` FROM footprint_candles
		WHERE exchange = ? AND symbol = ? AND timeframe = ?`
	args := []interface{}{q.Exchange, q.Symbol, q.Timeframe}
	if q.Start != 0 {
		query += ` AND open_time >= ?`
		args = append(args, q.Start)
	}
	if q.End != 0 {
		query += ` AND open_time <= ?`
		args = append(args, q.End)
	}
	query += ` ORDER BY open_time ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("candle find: %w", err)
	}
	defer rows.Close()

	var out []*candle.FootprintCandle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns how many candles match the query's identity and range.
func (s *CandleStore) Count(ctx context.Context, q CandleQuery) (int64, error) {
	query := `SELECT COUNT(*) FROM footprint_candles
		WHERE exchange = ? AND symbol = ? AND timeframe = ?`
	args := []interface{}{q.Exchange, q.Symbol, q.Timeframe}
	if q.Start != 0 {
		query += ` AND open_time >= ?`
		args = append(args, q.Start)
	}
	if q.End != 0 {
		query += ` AND open_time <= ?`
		args = append(args, q.End)
	}
	var n int64
	if err := s.db.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("candle count: %w", err)
	}
	return n, nil
}

// FindLatest returns the most recent candle for the identity, or nil.
func (s *CandleStore) FindLatest(ctx context.Context, exchange, symbol, timeframe string) (*candle.FootprintCandle, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+candleColumns+` FROM footprint_candles
		 WHERE exchange = ? AND symbol = ? AND timeframe = ?
		 ORDER BY open_time DESC LIMIT 1`,
		exchange, symbol, timeframe)
	c, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCandle(row rowScanner) (*candle.FootprintCandle, error) {
	var c candle.FootprintCandle
	var bins []byte
	if err := row.Scan(
		&c.Exchange, &c.Symbol, &c.Timeframe, &c.OpenTime, &c.CloseTime,
		&c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.BuyVolume, &c.SellVolume,
		&c.QuoteVolume, &c.BuyQuoteVolume, &c.SellQuoteVolume,
		&c.Delta, &c.DeltaMax, &c.DeltaMin,
		&c.TradeCount, &c.FirstTradeID, &c.LastTradeID,
		&c.TickValue, &c.BinMultiplier, &bins,
	); err != nil {
		return nil, err
	}
	decoded, err := candle.DecodeBins(bins)
	if err != nil {
		return nil, fmt.Errorf("candle %s:%s:%s@%d: %w", c.Exchange, c.Symbol, c.Timeframe, c.OpenTime, err)
	}
	c.Bins = decoded
	c.Closed = true
	return &c, nil
}
