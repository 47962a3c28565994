package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StateRow is one persisted candle-group checkpoint.
type StateRow struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	StateJSON json.RawMessage `json:"state_json"`
	UpdatedAt int64           `json:"updated_at"`
}

// StateStore persists per-symbol candle state checkpoints. Writes for one
// (exchange, symbol) are linearisable: single writer, upsert, and a strictly
// monotonic updated_at per key.
type StateStore struct {
	db *DB
}

// NewStateStore wraps the runtime database.
func NewStateStore(db *DB) *StateStore { return &StateStore{db: db} }

const stateUpsert = `
	INSERT INTO candle_state (exchange, symbol, state_json, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(exchange, symbol) DO UPDATE SET
		state_json = excluded.state_json,
		updated_at = MAX(excluded.updated_at, candle_state.updated_at + 1)`

// Save upserts one checkpoint.
func (s *StateStore) Save(ctx context.Context, exchange, symbol string, stateJSON []byte) error {
	_, err := s.db.db.ExecContext(ctx, stateUpsert, exchange, symbol, stateJSON, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("state save %s:%s: %w", exchange, symbol, err)
	}
	return nil
}

// SaveBatch upserts a batch of checkpoints in one transaction.
func (s *StateStore) SaveBatch(ctx context.Context, rows []StateRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state batch begin: %w", err)
	}
	stmt, err := tx.Prepare(stateUpsert)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("state batch prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, row := range rows {
		if _, err := stmt.Exec(row.Exchange, row.Symbol, []byte(row.StateJSON), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("state batch %s:%s: %w", row.Exchange, row.Symbol, err)
		}
	}
	return tx.Commit()
}

// Load returns the checkpoint for one symbol, or nil when absent.
func (s *StateStore) Load(ctx context.Context, exchange, symbol string) (*StateRow, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT exchange, symbol, state_json, updated_at FROM candle_state WHERE exchange = ? AND symbol = ?`,
		exchange, symbol)

	var out StateRow
	var blob []byte
	if err := row.Scan(&out.Exchange, &out.Symbol, &blob, &out.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("state load %s:%s: %w", exchange, symbol, err)
	}
	out.StateJSON = blob
	return &out, nil
}

// LoadBatch returns one row per found symbol; missing symbols are omitted.
func (s *StateStore) LoadBatch(ctx context.Context, exchange string, symbols []string) ([]StateRow, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(symbols))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(symbols)+1)
	args = append(args, exchange)
	for _, sym := range symbols {
		args = append(args, sym)
	}

	rows, err := s.db.db.QueryContext(ctx,
		`SELECT exchange, symbol, state_json, updated_at FROM candle_state
		 WHERE exchange = ? AND symbol IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("state load batch: %w", err)
	}
	defer rows.Close()
	return scanStateRows(rows)
}

// LoadAll returns every checkpoint.
func (s *StateStore) LoadAll(ctx context.Context) ([]StateRow, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT exchange, symbol, state_json, updated_at FROM candle_state`)
	if err != nil {
		return nil, fmt.Errorf("state load all: %w", err)
	}
	defer rows.Close()
	return scanStateRows(rows)
}

func scanStateRows(rows *sql.Rows) ([]StateRow, error) {
	var out []StateRow
	for rows.Next() {
		var r StateRow
		var blob []byte
		if err := rows.Scan(&r.Exchange, &r.Symbol, &blob, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.StateJSON = blob
		out = append(out, r)
	}
	return out, rows.Err()
}
