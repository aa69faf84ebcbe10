// Package db provides user-isolated database queries for the multi-user
// orchestrator.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// SessionQueries is the user-scoped read surface consumed by the ops API
// (internal/api): every method requires a non-empty userID and never
// returns another user's rows.
type SessionQueries struct {
	db *sql.DB
}

// NewSessionQueries creates a new SessionQueries instance.
func NewSessionQueries(db *sql.DB) *SessionQueries {
	return &SessionQueries{db: db}
}

// GetSession returns a user's session config, enforcing ownership.
func (q *SessionQueries) GetSession(ctx context.Context, userID string) (*UserSession, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var s UserSession
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, venue_token_encrypted, venue_token_key_version, COALESCE(venue_account_id, ''),
			symbol, mode, stake_base, martingale_tier, martingale_max_levels,
			soros_enabled, soros_max_levels, take_profit, stop_loss, shielded_stop_percent,
			is_active, status, created_at, updated_at
		FROM ai_user_config WHERE user_id = ?
	`, userID).Scan(&s.UserID, &s.VenueTokenEncrypted, &s.VenueTokenKeyVersion, &s.VenueAccountID,
		&s.Symbol, &s.Mode, &s.StakeBase, &s.MartingaleTier, &s.MartingaleMaxLevels,
		&s.SorosEnabled, &s.SorosMaxLevels, &s.TakeProfit, &s.StopLoss, &s.ShieldedStopPercent,
		&s.IsActive, &s.Status, &s.CreatedAt, &s.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &s, nil
}

// GetTrades returns a user's recent trades, enforcing ownership.
func (q *SessionQueries) GetTrades(ctx context.Context, userID string, limit int) ([]TradeRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(contract_id, ''), symbol, direction, last_digit, stake, payout_pct,
			soros_level, martingale_level, status, profit, session_pnl_after, entry_price, exit_price,
			opened_at, settled_at
		FROM ai_trades WHERE user_id = ? ORDER BY opened_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.UserID, &t.ContractID, &t.Symbol, &t.Direction, &t.LastDigit,
			&t.Stake, &t.PayoutPct, &t.SorosLevel, &t.MartingaleLevel, &t.Status, &t.Profit,
			&t.SessionPnLAfter, &t.EntryPrice, &t.ExitPrice, &t.OpenedAt, &t.SettledAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetLogs returns a user's recent log lines, enforcing ownership.
func (q *SessionQueries) GetLogs(ctx context.Context, userID string, limit int) ([]LogEntry, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(session_id, ''), level, message, COALESCE(details, ''), timestamp_ms, created_at
		FROM ai_logs WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.UserID, &l.SessionID, &l.Type, &l.Message, &l.Details, &l.TimestampMs, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountActiveSessions reports how many users currently have a running
// session, used by the ops health endpoint.
func (q *SessionQueries) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_user_config WHERE is_active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}
