package persist

import (
	"context"
	"fmt"
	"time"

	"flowtrace/internal/events"
)

// GapFilter selects gap records. Zero fields match everything.
type GapFilter struct {
	Exchange string `json:"exchange,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Synced   *bool  `json:"synced,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// GapStore persists detected trade-sequence gaps.
type GapStore struct {
	db *DB
}

// NewGapStore wraps the runtime database.
func NewGapStore(db *DB) *GapStore { return &GapStore{db: db} }

// Save inserts a gap if (exchange, symbol, from, to) is not present.
// Re-saving the same gap is a no-op.
func (s *GapStore) Save(ctx context.Context, g *events.GapRecord) error {
	detected := g.DetectedAt
	if detected == 0 {
		detected = time.Now().UnixMilli()
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO gap_records
			(exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID, g.GapSize, detected)
	if err != nil {
		return fmt.Errorf("gap save %s:%s [%d,%d]: %w", g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID, err)
	}
	return nil
}

// Load returns matching gaps sorted by detected_at descending.
func (s *GapStore) Load(ctx context.Context, f GapFilter) ([]*events.GapRecord, error) {
	query := `SELECT id, exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced, COALESCE(synced_at, 0)
		FROM gap_records WHERE 1=1`
	var args []interface{}
	if f.Exchange != "" {
		query += ` AND exchange = ?`
		args = append(args, f.Exchange)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Synced != nil {
		query += ` AND synced = ?`
		if *f.Synced {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	query += ` ORDER BY detected_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("gap load: %w", err)
	}
	defer rows.Close()

	var out []*events.GapRecord
	for rows.Next() {
		var g events.GapRecord
		var synced int
		if err := rows.Scan(&g.ID, &g.Exchange, &g.Symbol, &g.FromTradeID, &g.ToTradeID,
			&g.GapSize, &g.DetectedAt, &synced, &g.SyncedAt); err != nil {
			return nil, err
		}
		g.Synced = synced != 0
		out = append(out, &g)
	}
	return out, rows.Err()
}

// MarkSynced flags the given gap rows as recovered.
func (s *GapStore) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gap mark synced begin: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE gap_records SET synced = 1, synced_at = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("gap mark synced prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := stmt.Exec(now, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("gap mark synced id=%d: %w", id, err)
		}
	}
	return tx.Commit()
}
