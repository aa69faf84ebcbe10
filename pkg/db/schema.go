package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS ai_user_config (
    user_id TEXT PRIMARY KEY,
    venue_token_encrypted TEXT NOT NULL,
    venue_token_key_version INTEGER DEFAULT 1,
    venue_account_id TEXT,
    strategy TEXT NOT NULL DEFAULT 'orion',
    profile TEXT NOT NULL DEFAULT 'moderado',
    currency TEXT NOT NULL DEFAULT 'USD',
    symbol TEXT NOT NULL DEFAULT 'R_100',
    mode TEXT NOT NULL DEFAULT 'moderado',
    stake_base REAL NOT NULL DEFAULT 1.0,
    martingale_tier TEXT NOT NULL DEFAULT 'moderado',
    martingale_max_levels INTEGER NOT NULL DEFAULT 3,
    soros_enabled INTEGER NOT NULL DEFAULT 1,
    soros_max_levels INTEGER NOT NULL DEFAULT 2,
    initial_capital REAL NOT NULL DEFAULT 0,
    session_balance REAL NOT NULL DEFAULT 0,
    take_profit REAL,
    stop_loss REAL,
    shielded_stop_percent REAL NOT NULL DEFAULT 50.0,
    is_active INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'STOPPED',
    trades_count INTEGER NOT NULL DEFAULT 0,
    wins_count INTEGER NOT NULL DEFAULT 0,
    losses_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    deactivated_at DATETIME
);

CREATE TABLE IF NOT EXISTS ai_trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    contract_id TEXT,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    last_digit INTEGER,
    stake REAL NOT NULL,
    payout_pct REAL NOT NULL,
    soros_level INTEGER NOT NULL DEFAULT 0,
    martingale_level INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'PENDING',
    profit REAL,
    session_pnl_after REAL,
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    settled_at DATETIME
);

CREATE TABLE IF NOT EXISTS ai_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    level TEXT NOT NULL DEFAULT 'INFO',
    message TEXT NOT NULL,
    details TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ai_websocket_state (
    symbol TEXT PRIMARY KEY,
    subscription_id TEXT,
    ticks_data TEXT NOT NULL DEFAULT '[]',
    total_ticks INTEGER NOT NULL DEFAULT 0,
    last_tick_received_at DATETIME,
    is_connected INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "ai_user_config", "venue_account_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "shielded_stop_percent", "REAL NOT NULL DEFAULT 50.0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "strategy", "TEXT NOT NULL DEFAULT 'orion'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "profile", "TEXT NOT NULL DEFAULT 'moderado'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "currency", "TEXT NOT NULL DEFAULT 'USD'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "initial_capital", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "session_balance", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "trades_count", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "wins_count", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "losses_count", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_user_config", "deactivated_at", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_trades", "session_pnl_after", "REAL"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_trades", "entry_price", "REAL"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_trades", "exit_price", "REAL"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_logs", "details", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_logs", "session_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_logs", "timestamp_ms", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ai_websocket_state", "is_connected", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
