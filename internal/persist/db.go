package persist

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB owns the runtime SQLite database. The persistence service is its sole
// writer; WAL mode keeps readers concurrent with the writer.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

type migration struct {
	version     int
	description string
	apply       func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version:     1,
		description: "message_queue",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE message_queue (
					message_id   TEXT PRIMARY KEY,
					type         TEXT,
					payload      TEXT,
					timestamp    INT,
					processed    INT DEFAULT 0,
					processed_at INT,
					created_at   INT DEFAULT (strftime('%s','now'))
				);
				CREATE INDEX idx_message_queue_pending ON message_queue(processed, timestamp);
				CREATE INDEX idx_message_queue_done ON message_queue(processed, processed_at);
			`)
			return err
		},
	},
	{
		version:     2,
		description: "candle_state",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE candle_state (
					symbol     TEXT PRIMARY KEY,
					state_json BLOB,
					updated_at INT
				);
			`)
			return err
		},
	},
	{
		version:     3,
		description: "gap_records",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE gap_records (
					id            INTEGER PRIMARY KEY AUTOINCREMENT,
					symbol        TEXT,
					from_trade_id INT,
					to_trade_id   INT,
					gap_size      INT,
					detected_at   INT,
					synced        INT DEFAULT 0,
					synced_at     INT,
					UNIQUE(symbol, from_trade_id, to_trade_id)
				);
			`)
			return err
		},
	},
	{
		version:     4,
		description: "gap_records exchange column",
		apply: func(tx *sql.Tx) error {
			// SQLite cannot alter a UNIQUE constraint in place.
			_, err := tx.Exec(`
				CREATE TABLE gap_records_new (
					id            INTEGER PRIMARY KEY AUTOINCREMENT,
					exchange      TEXT NOT NULL DEFAULT 'binance',
					symbol        TEXT,
					from_trade_id INT,
					to_trade_id   INT,
					gap_size      INT,
					detected_at   INT,
					synced        INT DEFAULT 0,
					synced_at     INT,
					UNIQUE(exchange, symbol, from_trade_id, to_trade_id)
				);
				INSERT INTO gap_records_new (id, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced, synced_at)
					SELECT id, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced, synced_at FROM gap_records;
				DROP TABLE gap_records;
				ALTER TABLE gap_records_new RENAME TO gap_records;
			`)
			return err
		},
	},
	{
		version:     5,
		description: "candle_state composite key",
		apply: func(tx *sql.Tx) error {
			// SQLite lacks ALTER PRIMARY KEY: recreate and copy.
			_, err := tx.Exec(`
				CREATE TABLE candle_state_new (
					exchange   TEXT NOT NULL DEFAULT 'binance',
					symbol     TEXT NOT NULL,
					state_json BLOB,
					updated_at INT,
					PRIMARY KEY (exchange, symbol)
				);
				INSERT INTO candle_state_new (symbol, state_json, updated_at)
					SELECT symbol, state_json, updated_at FROM candle_state;
				DROP TABLE candle_state;
				ALTER TABLE candle_state_new RENAME TO candle_state;
			`)
			return err
		},
	},
	{
		version:     6,
		description: "footprint_candles store",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE footprint_candles (
					exchange          TEXT NOT NULL,
					symbol            TEXT NOT NULL,
					timeframe         TEXT NOT NULL,
					open_time         INT NOT NULL,
					close_time        INT NOT NULL,
					open              REAL, high REAL, low REAL, close REAL,
					volume            REAL,
					buy_volume        REAL,
					sell_volume       REAL,
					quote_volume      REAL,
					buy_quote_volume  REAL,
					sell_quote_volume REAL,
					delta             REAL,
					delta_max         REAL,
					delta_min         REAL,
					trade_count       INT,
					first_trade_id    INT,
					last_trade_id     INT,
					tick_value        REAL,
					bin_multiplier    INT,
					bins              BLOB,
					PRIMARY KEY (exchange, symbol, timeframe, open_time)
				);
			`)
			return err
		},
	},
}

// OpenDB opens (creating if needed) the runtime database, applies pending
// migrations strictly in ascending version order, and sets the WAL pragmas.
func OpenDB(path string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; WAL readers do not block on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA wal_autocheckpoint = 1000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}

	d := &DB{db: db, logger: logger.Named("db")}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			applied_at  INT,
			description TEXT
		);
	`); err != nil {
		return fmt.Errorf("schema_version table: %w", err)
	}

	var current sql.NullInt64
	if err := d.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d begin: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
			m.version, time.Now().Unix(), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d record: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", m.version, err)
		}
		d.logger.Info("applied migration",
			zap.Int("version", m.version),
			zap.String("description", m.description))
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (d *DB) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := d.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }
