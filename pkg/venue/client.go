package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ReconnectConfig controls the exponential backoff used when a long-lived
// market-data connection drops.
type ReconnectConfig struct {
	Enabled      bool
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultReconnectConfig mirrors the venue's ~120s idle timeout: a 90s
// keep-alive ping comfortably beats it, backoff tops out well under a
// minute so a dropped feed recovers before a strategy tick is missed.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:      true,
		MaxRetries:   0,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (c ReconnectConfig) backoff(attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.Multiplier
	}
	if time.Duration(delay) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// Timeouts bounds every blocking venue call, per the session's configured
// durations.
type Timeouts struct {
	Payout         time.Duration
	Balance        time.Duration
	TradeSend      time.Duration
	FullContract   time.Duration
	ContractMonitor time.Duration
}

// Client speaks the venue's JSON-frame websocket protocol. One Client
// serves one symbol's long-lived market-data feed (via EnsureMarketData)
// plus any number of short-lived per-trade connections (ExecuteContract,
// QueryPayout, QueryBalance), each dialed fresh and closed when done —
// mirroring the venue's own connection-per-call design for anything that
// authorizes a user token.
type Client struct {
	wsURL    string
	appID    string
	dialer   *websocket.Dialer
	reconnect ReconnectConfig
	timeouts Timeouts

	keepAlive time.Duration

	mu         sync.Mutex
	recreating bool
	conn       *websocket.Conn
	subID      string
	reconnects int
	lastTick   time.Time

	reqSeq int64

	ticks chan Tick
	done  chan struct{}
}

// Tick is the subset of a venue tick frame the Tick Store needs.
type Tick struct {
	Value  float64
	Epoch  int64
	Symbol string
}

// NewClient builds a Client for a single symbol's market-data feed and for
// short-lived authorized calls against wsURL/appID.
func NewClient(wsURL, appID string, reconnect ReconnectConfig, timeouts Timeouts, keepAlive time.Duration) *Client {
	return &Client{
		wsURL:     wsURL,
		appID:     appID,
		dialer:    websocket.DefaultDialer,
		reconnect: reconnect,
		timeouts:  timeouts,
		keepAlive: keepAlive,
		ticks:     make(chan Tick, 256),
		done:      make(chan struct{}),
	}
}

func (c *Client) connectURL() string {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return c.wsURL
	}
	q := u.Query()
	q.Set("app_id", c.appID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) nextReqID() int64 {
	return atomic.AddInt64(&c.reqSeq, 1)
}

// Ticks returns the channel EnsureMarketData publishes parsed ticks on.
func (c *Client) Ticks() <-chan Tick { return c.ticks }

// ReconnectCount reports how many times the market-data socket has been
// recreated since EnsureMarketData was first called.
func (c *Client) ReconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// SubscriptionID returns the venue-assigned id of the current tick
// subscription, or "" if none is active.
func (c *Client) SubscriptionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subID
}

// EnsureMarketData idempotently establishes the long-lived connection for
// symbol, backfills up to maxHistory ticks, and keeps streaming. It returns
// once the initial backfill has been delivered; the feed continues on the
// background goroutine until ctx is cancelled or Close is called.
func (c *Client) EnsureMarketData(ctx context.Context, symbol string, maxHistory int) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.recreating {
		c.mu.Unlock()
		return fmt.Errorf("venue: market data socket already recreating")
	}
	c.recreating = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.recreating = false
		c.mu.Unlock()
	}()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("venue: dial market data: %w", err)
	}

	req := ticksHistoryRequest{
		TicksHistory:    symbol,
		Subscribe:       1,
		Count:           maxHistory,
		End:             "latest",
		Style:           "ticks",
		AdjustStartTime: 1,
		ReqID:           c.nextReqID(),
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return fmt.Errorf("venue: send ticks_history: %w", err)
	}

	// Read frames until the synchronous history response arrives, then
	// hand the connection to the background reader loop.
	deadline := time.Now().Add(c.timeouts.Payout)
	for {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return fmt.Errorf("venue: read history response: %w", err)
		}
		var resp historyResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.Error != nil {
			conn.Close()
			return fmt.Errorf("venue: ticks_history error: %s", resp.Error.Message)
		}
		if resp.MsgType != "history" && resp.MsgType != "ticks_history" {
			continue
		}
		if resp.Subscription != nil {
			c.mu.Lock()
			c.subID = resp.Subscription.ID
			c.mu.Unlock()
		}
		if resp.History != nil {
			for i, p := range resp.History.Prices {
				t := Tick{Value: p, Symbol: symbol}
				if i < len(resp.History.Times) {
					t.Epoch = resp.History.Times[i]
				}
				c.publish(t)
			}
		}
		break
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.lastTick = time.Now()
	c.mu.Unlock()

	go c.runFeed(ctx, symbol, maxHistory)
	go c.runKeepAlive(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.connectURL(), nil)
	return conn, err
}

// publish drops the oldest buffered tick rather than block a slow reader,
// per the bounded-buffer policy the strategy runtime also uses.
func (c *Client) publish(t Tick) {
	select {
	case c.ticks <- t:
	default:
		select {
		case <-c.ticks:
		default:
		}
		select {
		case c.ticks <- t:
		default:
		}
	}
}

func (c *Client) runFeed(ctx context.Context, symbol string, maxHistory int) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			log.Printf("venue: [%s] market data read error: %v", symbol, err)
			newConn, err := c.recreateWithBackoff(ctx, symbol)
			if err != nil {
				log.Printf("venue: [%s] giving up reconnecting: %v", symbol, err)
				return
			}
			c.mu.Lock()
			c.conn = newConn
			c.reconnects++
			c.mu.Unlock()
			continue
		}

		var frame historyResponse
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			log.Printf("venue: [%s] protocol error: %s", symbol, frame.Error.Message)
			continue
		}
		if frame.Tick != nil && frame.Tick.Quote > 0 {
			c.mu.Lock()
			c.lastTick = time.Now()
			c.mu.Unlock()
			c.publish(Tick{Value: frame.Tick.Quote, Epoch: frame.Tick.Epoch, Symbol: frame.Tick.Symbol})
		}
	}
}

func (c *Client) recreateWithBackoff(ctx context.Context, symbol string) (*websocket.Conn, error) {
	if !c.reconnect.Enabled {
		return nil, fmt.Errorf("reconnect disabled")
	}
	maxRetries := c.reconnect.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1 << 30
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, fmt.Errorf("closed")
		case <-time.After(c.reconnect.backoff(attempt)):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			continue
		}
		req := ticksHistoryRequest{TicksHistory: symbol, Subscribe: 1, Count: 1, End: "latest", Style: "ticks", ReqID: c.nextReqID()}
		if err := conn.WriteJSON(req); err != nil {
			conn.Close()
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("max reconnect attempts exceeded")
}

func (c *Client) runKeepAlive(ctx context.Context) {
	if c.keepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			_ = conn.WriteJSON(pingRequest{Ping: 1, ReqID: c.nextReqID()})
		}
	}
}

// Close stops the market-data feed and releases its connection.
func (c *Client) Close() {
	close(c.done)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
}

// shortLivedCall dials a fresh connection, authorizes token, runs fn, and
// always closes the connection — the venue's own per-trade-call pattern.
func (c *Client) shortLivedCall(ctx context.Context, token string, timeout time.Duration, fn func(conn *websocket.Conn) error) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dial(dialCtx)
	if err != nil {
		return fmt.Errorf("venue: dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(authorizeRequest{Authorize: token, ReqID: c.nextReqID()}); err != nil {
		return fmt.Errorf("venue: send authorize: %w", err)
	}
	if _, raw, err := conn.ReadMessage(); err != nil {
		return fmt.Errorf("venue: read authorize response: %w", err)
	} else {
		var resp authorizeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("venue: decode authorize response: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("venue: authorize failed: %s", resp.Error.Message)
		}
	}

	return fn(conn)
}

// ExecuteContract runs the full propose → buy → monitor sequence on its
// own short-lived connection, per §4.1. Any venue error message fails the
// trade with a non-nil error; the caller marks the ledger row ERROR.
func (c *Client) ExecuteContract(ctx context.Context, token string, params ContractParams) (Settlement, error) {
	var result Settlement
	err := c.shortLivedCall(ctx, token, c.timeouts.FullContract, func(conn *websocket.Conn) error {
		propReq := proposalRequest{
			Proposal: 1, Amount: params.Stake, Basis: "stake",
			ContractType: params.Side, Currency: params.Currency,
			Duration: 1, DurationUnit: "t", Symbol: params.Symbol,
			ReqID: c.nextReqID(),
		}
		if err := conn.WriteJSON(propReq); err != nil {
			return fmt.Errorf("send proposal: %w", err)
		}
		var prop proposalResponse
		if err := readUntil(conn, &prop, func() bool { return prop.MsgType == "proposal" }); err != nil {
			return err
		}
		if prop.Error != nil {
			return fmt.Errorf("proposal rejected: %s", prop.Error.Message)
		}
		if prop.Proposal == nil {
			return fmt.Errorf("proposal response missing proposal field")
		}

		buyReq := buyRequest{Buy: prop.Proposal.ID, Price: prop.Proposal.AskPrice, ReqID: c.nextReqID()}
		if err := conn.WriteJSON(buyReq); err != nil {
			return fmt.Errorf("send buy: %w", err)
		}
		var buy buyResponse
		if err := readUntil(conn, &buy, func() bool { return buy.MsgType == "buy" }); err != nil {
			return err
		}
		if buy.Error != nil {
			return fmt.Errorf("buy rejected: %s", buy.Error.Message)
		}
		if buy.Buy == nil {
			return fmt.Errorf("buy response missing buy field")
		}
		result.ContractID = buy.Buy.ContractID
		result.BuyPrice = buy.Buy.BuyPrice
		result.EntrySpot = buy.Buy.EntrySpot
		if params.OnBuyConfirmed != nil {
			params.OnBuyConfirmed(result.ContractID, result.BuyPrice, result.EntrySpot)
		}

		conn.SetReadDeadline(time.Now().Add(c.timeouts.ContractMonitor))
		monReq := openContractRequest{ProposalOpenContract: 1, ContractID: result.ContractID, Subscribe: 1, ReqID: c.nextReqID()}
		if err := conn.WriteJSON(monReq); err != nil {
			return fmt.Errorf("send proposal_open_contract: %w", err)
		}
		for {
			var poc openContractResponse
			if err := readUntil(conn, &poc, func() bool { return poc.MsgType == "proposal_open_contract" }); err != nil {
				return err
			}
			if poc.Error != nil {
				return fmt.Errorf("contract monitor error: %s", poc.Error.Message)
			}
			if poc.ProposalOpenContract == nil {
				continue
			}
			oc := poc.ProposalOpenContract
			if oc.IsSold != 1 {
				continue
			}
			result.Profit = oc.Profit
			result.ExitSpot = oc.ExitSpot
			if oc.Profit >= 0 {
				result.Status = "WON"
			} else {
				result.Status = "LOST"
			}
			_ = conn.WriteJSON(forgetRequest{Forget: prop.Proposal.ID, ReqID: c.nextReqID()})
			return nil
		}
	})
	if err != nil {
		return Settlement{}, err
	}
	return result, nil
}

// readUntil reads frames until one unmarshals into dst and matches is
// true, or the connection's read deadline is hit.
func readUntil(conn *websocket.Conn, dst interface{ reset() }, is func() bool) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		dst.reset()
		if err := json.Unmarshal(raw, dst); err != nil {
			continue
		}
		if is() {
			return nil
		}
	}
}

func (r *proposalResponse) reset()     { *r = proposalResponse{} }
func (r *buyResponse) reset()          { *r = buyResponse{} }
func (r *openContractResponse) reset() { *r = openContractResponse{} }
func (r *balanceResponse) reset()      { *r = balanceResponse{} }

// QueryPayout runs a cheap 1-unit proposal to price a side, returning the
// client-facing payout percent after the house markup is applied by the
// caller (this method returns the raw venue payout/ask_price ratio; money
// management applies payoutMarkup — see internal/moneymanagement).
func (c *Client) QueryPayout(ctx context.Context, token, currency string, side Side) (payoutPercent float64, err error) {
	callErr := c.shortLivedCall(ctx, token, c.timeouts.Payout, func(conn *websocket.Conn) error {
		req := proposalRequest{
			Proposal: 1, Amount: 1, Basis: "stake", ContractType: side,
			Currency: currency, Duration: 1, DurationUnit: "t", Symbol: "", ReqID: c.nextReqID(),
		}
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("send proposal: %w", err)
		}
		var prop proposalResponse
		if err := readUntil(conn, &prop, func() bool { return prop.MsgType == "proposal" }); err != nil {
			return err
		}
		if prop.Error != nil {
			return fmt.Errorf("proposal rejected: %s", prop.Error.Message)
		}
		if prop.Proposal == nil || prop.Proposal.AskPrice == 0 {
			return fmt.Errorf("proposal missing ask_price")
		}
		payoutPercent = ((prop.Proposal.Payout / prop.Proposal.AskPrice) - 1) * 100
		return nil
	})
	if callErr != nil {
		return 0, callErr
	}
	return payoutPercent, nil
}

// QueryBalance authorizes token and reads the account balance.
func (c *Client) QueryBalance(ctx context.Context, token string) (Balance, error) {
	var bal Balance
	err := c.shortLivedCall(ctx, token, c.timeouts.Balance, func(conn *websocket.Conn) error {
		if err := conn.WriteJSON(balanceRequest{Balance: 1, ReqID: c.nextReqID()}); err != nil {
			return fmt.Errorf("send balance: %w", err)
		}
		var resp balanceResponse
		if err := readUntil(conn, &resp, func() bool { return resp.MsgType == "balance" }); err != nil {
			return err
		}
		if resp.Error != nil {
			return fmt.Errorf("balance rejected: %s", resp.Error.Message)
		}
		if resp.Balance == nil {
			return fmt.Errorf("balance response missing balance field")
		}
		bal = Balance{Amount: resp.Balance.Balance, Currency: resp.Balance.Currency, LoginID: resp.Balance.LoginID}
		return nil
	})
	return bal, err
}

// ResolveAccount picks demo-vs-real from a user's persisted raw venue
// account list, per §4.1: prefer a currency match, then nonzero balance,
// then the first real account. accounts is supplied by the caller (the
// gateway layer owns persistence of the raw list); this function is pure
// so its selection rules are independently testable.
func ResolveAccount(accounts []Account, providedToken, requestedCurrency string) ResolvedAccount {
	var best *Account
	score := func(a Account) int {
		s := 0
		if a.Currency == requestedCurrency {
			s += 4
		}
		if a.Balance != 0 {
			s += 2
		}
		if !a.IsVirtual {
			s += 1
		}
		return s
	}
	for i := range accounts {
		a := accounts[i]
		if best == nil || score(a) > score(*best) {
			best = &accounts[i]
		}
	}
	if best == nil {
		return ResolvedAccount{Token: providedToken, Currency: requestedCurrency}
	}
	return ResolvedAccount{Token: best.Token, Currency: best.Currency, LoginID: best.LoginID, IsVirtual: best.IsVirtual}
}
