package db

import (
	"context"
	"database/sql"
	"time"
)

// UserSession is a user's persisted trading configuration and lifecycle
// status. Exactly one row exists per user_id; IsActive/Status reflect
// whether the orchestrator currently owns a running session for it.
type UserSession struct {
	UserID               string
	VenueTokenEncrypted  string `json:"-"`
	VenueTokenKeyVersion int
	VenueAccountID       string
	Strategy             string // orion, atlas, ...
	Profile              string // conservador, moderado, agressivo (martingale risk profile)
	Currency             string
	Symbol               string
	Mode                 string
	StakeBase            float64
	MartingaleTier       string
	MartingaleMaxLevels  int
	SorosEnabled         bool
	SorosMaxLevels       int
	InitialCapital       float64
	SessionBalance       float64 // cumulative P&L since session start
	TakeProfit           sql.NullFloat64
	StopLoss             sql.NullFloat64
	ShieldedStopPercent  float64
	IsActive             bool
	Status               string // active, stopped_profit, stopped_loss, stopped_blindado, stopped_server_restart, ERROR
	TradesCount          int
	WinsCount            int
	LossesCount          int
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeactivatedAt        sql.NullTime
}

// TradeRecord is one PAR/IMPAR operation in the ledger.
type TradeRecord struct {
	ID              string
	UserID          string
	ContractID      string
	Symbol          string
	Direction       string // PAR or IMPAR
	LastDigit       sql.NullInt64
	Stake           float64
	PayoutPct       float64
	SorosLevel      int
	MartingaleLevel int
	Status          string // PENDING, ACTIVE, WON, LOST, ERROR
	Profit          sql.NullFloat64
	SessionPnLAfter sql.NullFloat64
	EntryPrice      sql.NullFloat64
	ExitPrice       sql.NullFloat64
	OpenedAt        time.Time
	SettledAt       sql.NullTime
}

// LogEntry is one append-only operational log line surfaced to the
// per-user log stream. Type is one of info, tick, analise, sinal,
// operacao, resultado, alerta, erro. Message and Details (optional JSON)
// are capped before insert by AppendLog, and by TruncateLogFields on the
// log-queue path.
type LogEntry struct {
	ID          int64
	UserID      string
	SessionID   string
	Type        string
	Message     string
	Details     string
	TimestampMs int64
	CreatedAt   time.Time
}

const (
	LogTypeInfo      = "info"
	LogTypeTick      = "tick"
	LogTypeAnalise   = "analise"
	LogTypeSinal     = "sinal"
	LogTypeOperacao  = "operacao"
	LogTypeResultado = "resultado"
	LogTypeAlerta    = "alerta"
	LogTypeErro      = "erro"

	// DefaultLogMessageCap and DefaultLogDetailsCap are the spec.md §6
	// caps used unless SetLogCaps overrides them at startup.
	DefaultLogMessageCap = 5000
	DefaultLogDetailsCap = 10000
)

var (
	logMessageCap = DefaultLogMessageCap
	logDetailsCap = DefaultLogDetailsCap
)

// SetLogCaps overrides the Message/Details truncation caps every
// AppendLog/TruncateLogFields call applies afterward. Non-positive
// values are ignored, leaving the existing cap in place.
func SetLogCaps(messageCap, detailsCap int) {
	if messageCap > 0 {
		logMessageCap = messageCap
	}
	if detailsCap > 0 {
		logDetailsCap = detailsCap
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// TruncateLogFields applies the same Message/Details caps AppendLog
// uses, for callers (such as the log queue) that build the insert
// themselves instead of going through AppendLog.
func TruncateLogFields(message, details string) (string, string) {
	return truncate(message, logMessageCap), truncate(details, logDetailsCap)
}

// StreamSnapshot is the recovery snapshot of a symbol's tick stream,
// persisted so a restart does not require waiting for a fresh window
// before the Analysis Kernel can evaluate signals again.
type StreamSnapshot struct {
	Symbol             string
	SubscriptionID      string
	TicksDataJSON       string
	TotalTicks          int64
	LastTickReceivedAt  sql.NullTime
	IsConnected         bool
	UpdatedAt           time.Time
}

// ----------------------------------------
// ai_user_config
// ----------------------------------------

const sessionColumns = `user_id, venue_token_encrypted, venue_token_key_version, COALESCE(venue_account_id, ''),
	strategy, profile, currency, symbol, mode, stake_base, martingale_tier, martingale_max_levels,
	soros_enabled, soros_max_levels, initial_capital, session_balance, take_profit, stop_loss,
	shielded_stop_percent, is_active, status, trades_count, wins_count, losses_count,
	created_at, updated_at, deactivated_at`

func scanSession(row interface{ Scan(...any) error }, s *UserSession) error {
	return row.Scan(&s.UserID, &s.VenueTokenEncrypted, &s.VenueTokenKeyVersion, &s.VenueAccountID,
		&s.Strategy, &s.Profile, &s.Currency, &s.Symbol, &s.Mode, &s.StakeBase, &s.MartingaleTier, &s.MartingaleMaxLevels,
		&s.SorosEnabled, &s.SorosMaxLevels, &s.InitialCapital, &s.SessionBalance, &s.TakeProfit, &s.StopLoss,
		&s.ShieldedStopPercent, &s.IsActive, &s.Status, &s.TradesCount, &s.WinsCount, &s.LossesCount,
		&s.CreatedAt, &s.UpdatedAt, &s.DeactivatedAt)
}

// UpsertUserSession creates or fully replaces a user's session config.
func (d *Database) UpsertUserSession(ctx context.Context, s UserSession) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO ai_user_config (
			user_id, venue_token_encrypted, venue_token_key_version, venue_account_id,
			strategy, profile, currency, symbol, mode, stake_base, martingale_tier, martingale_max_levels,
			soros_enabled, soros_max_levels, initial_capital, session_balance,
			take_profit, stop_loss, shielded_stop_percent, is_active, status, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			venue_token_encrypted = excluded.venue_token_encrypted,
			venue_token_key_version = excluded.venue_token_key_version,
			venue_account_id = excluded.venue_account_id,
			strategy = excluded.strategy,
			profile = excluded.profile,
			currency = excluded.currency,
			symbol = excluded.symbol,
			mode = excluded.mode,
			stake_base = excluded.stake_base,
			martingale_tier = excluded.martingale_tier,
			martingale_max_levels = excluded.martingale_max_levels,
			soros_enabled = excluded.soros_enabled,
			soros_max_levels = excluded.soros_max_levels,
			initial_capital = excluded.initial_capital,
			session_balance = excluded.session_balance,
			take_profit = excluded.take_profit,
			stop_loss = excluded.stop_loss,
			shielded_stop_percent = excluded.shielded_stop_percent,
			updated_at = CURRENT_TIMESTAMP
	`, s.UserID, s.VenueTokenEncrypted, s.VenueTokenKeyVersion, s.VenueAccountID,
		s.Strategy, s.Profile, s.Currency, s.Symbol, s.Mode, s.StakeBase, s.MartingaleTier, s.MartingaleMaxLevels,
		s.SorosEnabled, s.SorosMaxLevels, s.InitialCapital, s.SessionBalance,
		s.TakeProfit, s.StopLoss, s.ShieldedStopPercent, s.IsActive, s.Status)
	return err
}

// GetUserSession returns a user's session config, or nil if none exists.
func (d *Database) GetUserSession(ctx context.Context, userID string) (*UserSession, error) {
	var s UserSession
	err := scanSession(d.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM ai_user_config WHERE user_id = ?`, userID), &s)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActiveSessions returns every session currently marked active, used
// to rehydrate in-memory state machines on startup.
func (d *Database) ListActiveSessions(ctx context.Context) ([]UserSession, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM ai_user_config WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []UserSession
	for rows.Next() {
		var s UserSession
		if err := scanSession(rows, &s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListAllSessions returns every configured session regardless of
// activity, for operator-driven maintenance such as encryption key
// rotation. Unlike ListActiveSessions this includes stopped sessions,
// since their stored venue token still needs re-encrypting.
func (d *Database) ListAllSessions(ctx context.Context) ([]UserSession, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM ai_user_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []UserSession
	for rows.Next() {
		var s UserSession
		if err := scanSession(rows, &s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionToken overwrites a session's encrypted venue token and the
// key version it was encrypted with, used by encryption key rotation.
func (d *Database) UpdateSessionToken(ctx context.Context, userID, encryptedToken string, keyVersion int) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE ai_user_config
		SET venue_token_encrypted = ?, venue_token_key_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?
	`, encryptedToken, keyVersion, userID)
	return err
}

// ActivateSession flips a session to active, resetting the running
// session-balance and counters to start a fresh accounting period.
// Only one session per user can exist by construction (user_id is the
// primary key), so this is a single-row update rather than a
// deactivate-then-activate dance.
func (d *Database) ActivateSession(ctx context.Context, userID string, initialCapital float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE ai_user_config
		SET is_active = 1, status = 'active', initial_capital = ?, session_balance = 0,
			trades_count = 0, wins_count = 0, losses_count = 0,
			deactivated_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?
	`, initialCapital, userID)
	return err
}

// DeactivateSession stops a session and records the terminal status
// (stopped_profit, stopped_loss, stopped_blindado, stopped_server_restart, or ERROR).
func (d *Database) DeactivateSession(ctx context.Context, userID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE ai_user_config
		SET is_active = 0, status = ?, deactivated_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?
	`, status, userID)
	return err
}

// RecordSettlement applies a trade's profit/loss to the running session
// balance and increments the trade/win/loss counters atomically.
func (d *Database) RecordSettlement(ctx context.Context, userID string, profit float64, won bool) (newBalance float64, err error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	winDelta, lossDelta := 0, 0
	if won {
		winDelta = 1
	} else {
		lossDelta = 1
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE ai_user_config
		SET session_balance = session_balance + ?, trades_count = trades_count + 1,
			wins_count = wins_count + ?, losses_count = losses_count + ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?
	`, profit, winDelta, lossDelta, userID); err != nil {
		return 0, err
	}
	if err = tx.QueryRowContext(ctx, `SELECT session_balance FROM ai_user_config WHERE user_id = ?`, userID).Scan(&newBalance); err != nil {
		return 0, err
	}
	return newBalance, tx.Commit()
}

// ----------------------------------------
// ai_trades
// ----------------------------------------

// CreateTrade inserts a PENDING trade row.
func (d *Database) CreateTrade(ctx context.Context, t TradeRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO ai_trades (
			id, user_id, contract_id, symbol, direction, last_digit, stake, payout_pct,
			soros_level, martingale_level, status, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.ID, t.UserID, t.ContractID, t.Symbol, t.Direction, t.LastDigit, t.Stake, t.PayoutPct,
		t.SorosLevel, t.MartingaleLevel, t.Status, t.OpenedAt)
	return err
}

// MarkTradeActive records the venue's contract id and entry spot once
// the buy confirms, transitioning the trade PENDING -> ACTIVE.
func (d *Database) MarkTradeActive(ctx context.Context, id, contractID string, entryPrice float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE ai_trades SET contract_id = ?, entry_price = ?, status = 'ACTIVE' WHERE id = ?
	`, contractID, entryPrice, id)
	return err
}

// SettleTrade transitions a trade to its terminal WON/LOST/ERROR status,
// recording the venue's exit spot per §8's settlement invariant.
func (d *Database) SettleTrade(ctx context.Context, id, status string, profit, exitPrice, sessionPnLAfter float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE ai_trades
		SET status = ?, profit = ?, exit_price = ?, session_pnl_after = ?, settled_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, profit, exitPrice, sessionPnLAfter, id)
	return err
}

// ErrorPendingTrades flips every PENDING/ACTIVE trade for a user to ERROR.
// Called at startup: a trade left PENDING across a restart has no
// reliable outcome and must not be treated as resolved or replayed.
func (d *Database) ErrorPendingTrades(ctx context.Context, userID string) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE ai_trades SET status = 'ERROR', settled_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND status IN ('PENDING', 'ACTIVE')
	`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListTradesByUser returns recent trades for a user, newest first.
func (d *Database) ListTradesByUser(ctx context.Context, userID string, limit int) ([]TradeRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(contract_id, ''), symbol, direction, last_digit, stake, payout_pct,
			soros_level, martingale_level, status, profit, session_pnl_after, entry_price, exit_price,
			opened_at, settled_at
		FROM ai_trades WHERE user_id = ? ORDER BY opened_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.UserID, &t.ContractID, &t.Symbol, &t.Direction, &t.LastDigit,
			&t.Stake, &t.PayoutPct, &t.SorosLevel, &t.MartingaleLevel, &t.Status, &t.Profit,
			&t.SessionPnLAfter, &t.EntryPrice, &t.ExitPrice, &t.OpenedAt, &t.SettledAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// ai_logs
// ----------------------------------------

// AppendLog inserts one log line, truncating Message/Details to their
// caps per §6's configuration parameters.
func (d *Database) AppendLog(ctx context.Context, l LogEntry) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO ai_logs (user_id, session_id, level, message, details, timestamp_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, l.UserID, l.SessionID, l.Type, truncate(l.Message, logMessageCap), truncate(l.Details, logDetailsCap), l.TimestampMs)
	return err
}

// ListRecentLogs returns the most recent log lines for a user.
func (d *Database) ListRecentLogs(ctx context.Context, userID string, limit int) ([]LogEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(session_id, ''), level, message, COALESCE(details, ''), timestamp_ms, created_at
		FROM ai_logs WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.UserID, &l.SessionID, &l.Type, &l.Message, &l.Details, &l.TimestampMs, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PruneLogs deletes all but the newest keep rows for a user, bounding
// table growth for long-running sessions.
func (d *Database) PruneLogs(ctx context.Context, userID string, keep int) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM ai_logs WHERE user_id = ? AND id NOT IN (
			SELECT id FROM ai_logs WHERE user_id = ? ORDER BY id DESC LIMIT ?
		)
	`, userID, userID, keep)
	return err
}

// ----------------------------------------
// ai_websocket_state
// ----------------------------------------

// SaveStreamSnapshot upserts the recovery snapshot for a symbol stream.
func (d *Database) SaveStreamSnapshot(ctx context.Context, s StreamSnapshot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO ai_websocket_state (
			symbol, subscription_id, ticks_data, total_ticks, last_tick_received_at, is_connected, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			subscription_id = excluded.subscription_id,
			ticks_data = excluded.ticks_data,
			total_ticks = excluded.total_ticks,
			last_tick_received_at = excluded.last_tick_received_at,
			is_connected = excluded.is_connected,
			updated_at = CURRENT_TIMESTAMP
	`, s.Symbol, s.SubscriptionID, s.TicksDataJSON, s.TotalTicks, s.LastTickReceivedAt, s.IsConnected)
	return err
}

// GetStreamSnapshot returns a symbol's recovery snapshot, or nil if none.
func (d *Database) GetStreamSnapshot(ctx context.Context, symbol string) (*StreamSnapshot, error) {
	var s StreamSnapshot
	err := d.DB.QueryRowContext(ctx, `
		SELECT symbol, COALESCE(subscription_id, ''), ticks_data, total_ticks,
			last_tick_received_at, is_connected, updated_at
		FROM ai_websocket_state WHERE symbol = ?
	`, symbol).Scan(&s.Symbol, &s.SubscriptionID, &s.TicksDataJSON, &s.TotalTicks,
		&s.LastTickReceivedAt, &s.IsConnected, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
