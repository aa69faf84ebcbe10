package gateway

import (
	"context"
	"fmt"

	"zenixcore/pkg/config"
	"zenixcore/pkg/db"
	"zenixcore/pkg/venue"
)

// DefaultClientFactory builds the ClientFactory every session's
// market-data feed uses, wiring the venue URL/app-id and timeouts from
// the process configuration.
func DefaultClientFactory(cfg *config.Config) ClientFactory {
	return func(session *db.UserSession, token string) *venue.Client {
		return venue.NewClient(
			cfg.VenueWSURL,
			cfg.VenueAppID,
			venue.DefaultReconnectConfig(),
			venue.Timeouts{
				Payout:          cfg.PayoutQueryTimeout,
				Balance:         cfg.PayoutQueryTimeout,
				TradeSend:       cfg.TradeSendTimeout,
				FullContract:    cfg.FullContractTimeout,
				ContractMonitor: cfg.ContractMonitorTTL,
			},
			cfg.KeepAliveInterval,
		)
	}
}

// Caller performs short-lived, per-trade venue calls (propose/buy/monitor,
// payout query, balance query) that do not need a pooled market-data
// connection — every call dials, authorizes and closes its own socket,
// per spec.md §4.1.
type Caller struct {
	db     *db.Database
	pool   *Manager
	client *venue.Client
}

// NewCaller builds a Caller sharing dial parameters with the pool's feeds
// but issuing its own short-lived connections.
func NewCaller(database *db.Database, pool *Manager, cfg *config.Config) *Caller {
	client := venue.NewClient(
		cfg.VenueWSURL, cfg.VenueAppID,
		venue.ReconnectConfig{},
		venue.Timeouts{
			Payout:          cfg.PayoutQueryTimeout,
			Balance:         cfg.PayoutQueryTimeout,
			TradeSend:       cfg.TradeSendTimeout,
			FullContract:    cfg.FullContractTimeout,
			ContractMonitor: cfg.ContractMonitorTTL,
		},
		0,
	)
	return &Caller{db: database, pool: pool, client: client}
}

func (c *Caller) token(ctx context.Context, userID string) (string, error) {
	session, err := c.db.GetUserSession(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return "", ErrSessionNotFound
	}
	if c.pool.crypto == nil || session.VenueTokenEncrypted == "" {
		return session.VenueTokenEncrypted, nil
	}
	return c.pool.crypto.Decrypt(session.VenueTokenEncrypted)
}

// ExecuteContract runs the propose→buy→monitor sequence for userID.
func (c *Caller) ExecuteContract(ctx context.Context, userID string, params venue.ContractParams) (venue.Settlement, error) {
	token, err := c.token(ctx, userID)
	if err != nil {
		return venue.Settlement{}, err
	}
	settlement, err := c.client.ExecuteContract(ctx, token, params)
	if err != nil {
		c.pool.RecordFailure(userID)
		return venue.Settlement{}, err
	}
	c.pool.RecordSuccess(userID)
	return settlement, nil
}

// QueryPayout prices side for userID. ok is false if the venue quote
// could not be obtained, in which case the caller falls back to the
// default client payout per spec.md §7 instead of marking this result up.
func (c *Caller) QueryPayout(ctx context.Context, userID, currency string, side venue.Side) (payout float64, ok bool) {
	token, err := c.token(ctx, userID)
	if err != nil {
		return 0, false
	}
	payout, err = c.client.QueryPayout(ctx, token, currency, side)
	if err != nil {
		return 0, false
	}
	return payout, true
}

// QueryBalance reads userID's venue account balance.
func (c *Caller) QueryBalance(ctx context.Context, userID string) (venue.Balance, error) {
	token, err := c.token(ctx, userID)
	if err != nil {
		return venue.Balance{}, err
	}
	return c.client.QueryBalance(ctx, token)
}
