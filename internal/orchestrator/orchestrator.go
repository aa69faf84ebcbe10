// Package orchestrator implements the top-level process lifecycle
// (spec.md §4.8): the crash-recovery clean-up that runs once before any
// tick is accepted, the periodic/fast sync that mirrors persisted
// sessions into the in-memory Strategy Runtime, and the per-user
// market-data feeds that turn venue ticks into Tick Store appends and
// Strategy Runtime dispatches.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"zenixcore/internal/moneymanagement"
	"zenixcore/internal/reconciliation"
	"zenixcore/internal/risk"
	"zenixcore/internal/strategy"
	"zenixcore/internal/tickstore"
	"zenixcore/pkg/db"
	"zenixcore/pkg/venue"
)

// GatewayPool is the subset of *gateway.Manager the orchestrator needs:
// one pooled venue client per active user, used only for its
// market-data feed (trade execution goes through strategy.Caller
// instead). Defined locally so a fake pool can stand in for tests.
type GatewayPool interface {
	GetOrCreate(ctx context.Context, userID string) (*venue.Client, error)
}

// Orchestrator owns the process-level lifecycle. One instance per
// process; it holds no per-request state.
type Orchestrator struct {
	db      *db.Database
	risk    *risk.Manager
	runtime *strategy.Runtime
	ticks   *tickstore.Store
	gateway GatewayPool
	recon   *reconciliation.Service

	maxHistory   int
	syncInterval time.Duration

	mu    sync.Mutex
	feeds map[string]context.CancelFunc // userID -> cancel for its market-data feed goroutine
}

// New builds an Orchestrator. recon may be nil to disable balance
// reconciliation (e.g. in a dry-run/test configuration).
func New(database *db.Database, riskMgr *risk.Manager, runtime *strategy.Runtime, ticks *tickstore.Store,
	gatewayPool GatewayPool, recon *reconciliation.Service, maxHistory int, syncInterval time.Duration) *Orchestrator {
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	return &Orchestrator{
		db: database, risk: riskMgr, runtime: runtime, ticks: ticks,
		gateway: gatewayPool, recon: recon,
		maxHistory: maxHistory, syncInterval: syncInterval,
		feeds: make(map[string]context.CancelFunc),
	}
}

// StartupCleanup runs spec.md §4.8's once-per-boot crash recovery: any
// trade left PENDING/ACTIVE across a restart is marked ERROR (it has no
// reliable outcome), then every still-active session is transitioned to
// stopped_server_restart. The schema carries no ancillary "copy
// session" table, so that step of the original clean-up has nothing to
// close here.
func (o *Orchestrator) StartupCleanup(ctx context.Context) error {
	sessions, err := o.db.ListAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list sessions: %w", err)
	}
	for _, s := range sessions {
		if _, err := o.db.ErrorPendingTrades(ctx, s.UserID); err != nil {
			return fmt.Errorf("orchestrator: error pending trades for %s: %w", s.UserID, err)
		}
	}
	n, err := o.risk.MarkServerRestart(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: mark server restart: %w", err)
	}
	log.Printf("orchestrator: startup clean-up stopped %d session(s) left active across restart", n)
	return nil
}

// Start runs the startup clean-up, performs one synchronous sync pass
// so dispatch has a populated user set immediately, then launches the
// periodic sync loop and (if wired) the balance reconciliation loop.
// It returns once the first sync pass completes; the background loops
// keep running until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.StartupCleanup(ctx); err != nil {
		return err
	}
	if err := o.PeriodicSync(ctx); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(o.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := o.PeriodicSync(ctx); err != nil {
					log.Printf("orchestrator: periodic sync: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if o.recon != nil {
		o.recon.Start(ctx)
	}
	return nil
}

// PeriodicSync implements spec.md §4.8's periodic sync: it never
// creates sessions, only mirrors the persisted active set into the
// Strategy Runtime and starts/stops each user's market-data feed to
// match.
func (o *Orchestrator) PeriodicSync(ctx context.Context) error {
	sessions, err := o.db.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list active sessions: %w", err)
	}

	active := make(map[string]db.UserSession, len(sessions))
	for _, s := range sessions {
		active[s.UserID] = s
		o.activateUser(ctx, s)
	}

	for _, uc := range o.runtime.AssignedUsers() {
		if _, ok := active[uc.UserID]; !ok {
			o.deactivateUser(uc.UserID, uc.Symbol)
		}
	}
	return nil
}

// FastSync implements spec.md §4.8's fast sync: called directly by the
// activation/deactivation path instead of waiting for the next periodic
// tick, for one user.
func (o *Orchestrator) FastSync(ctx context.Context, userID string) error {
	session, err := o.db.GetUserSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("orchestrator: get session for %s: %w", userID, err)
	}
	if session == nil || !session.IsActive {
		for _, uc := range o.runtime.AssignedUsers() {
			if uc.UserID == userID {
				o.deactivateUser(userID, uc.Symbol)
				break
			}
		}
		return nil
	}
	o.activateUser(ctx, *session)
	return nil
}

func (o *Orchestrator) activateUser(ctx context.Context, s db.UserSession) {
	uc := strategy.UserContext{
		UserID:              s.UserID,
		Symbol:              s.Symbol,
		Mode:                strategy.Mode(s.Mode),
		Profile:             moneymanagement.Profile(s.Profile),
		Currency:            s.Currency,
		StakeBase:           s.StakeBase,
		ShieldedStopPercent: s.ShieldedStopPercent,
	}
	o.runtime.Assign(uc, s.InitialCapital)
	o.ensureFeed(ctx, s.UserID, s.Symbol)
}

func (o *Orchestrator) deactivateUser(userID, symbol string) {
	o.runtime.Unassign(userID, symbol)
	o.stopFeed(userID)
}

// ensureFeed starts this user's market-data feed goroutine if one is
// not already running. Multiple users sharing a symbol each keep their
// own venue connection, matching the Venue Gateway's per-user pooling.
func (o *Orchestrator) ensureFeed(ctx context.Context, userID, symbol string) {
	o.mu.Lock()
	if _, ok := o.feeds[userID]; ok {
		o.mu.Unlock()
		return
	}
	feedCtx, cancel := context.WithCancel(ctx)
	o.feeds[userID] = cancel
	o.mu.Unlock()

	go o.runFeed(feedCtx, userID, symbol)
}

func (o *Orchestrator) stopFeed(userID string) {
	o.mu.Lock()
	cancel, ok := o.feeds[userID]
	delete(o.feeds, userID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// runFeed dials userID's venue connection, subscribes to symbol's
// market data, and forwards every tick into the shared Tick Store
// before dispatching it to the Strategy Runtime. One goroutine per
// active user; it exits when feedCtx is cancelled (deactivation) or the
// client's tick channel closes (connection torn down).
func (o *Orchestrator) runFeed(feedCtx context.Context, userID, symbol string) {
	defer o.clearFeed(userID)

	client, err := o.gateway.GetOrCreate(feedCtx, userID)
	if err != nil {
		log.Printf("orchestrator: feed for %s: get venue client: %v", userID, err)
		return
	}
	if err := client.EnsureMarketData(feedCtx, symbol, o.maxHistory); err != nil {
		log.Printf("orchestrator: feed for %s: subscribe %s: %v", userID, symbol, err)
		return
	}

	for {
		select {
		case t, ok := <-client.Ticks():
			if !ok {
				return
			}
			o.ticks.Append(symbol, tickstore.NewTick(t.Value, t.Epoch))
			o.runtime.Dispatch(feedCtx, symbol)
		case <-feedCtx.Done():
			return
		}
	}
}

// clearFeed removes userID's feed bookkeeping once its goroutine exits
// (connection failure or cancellation), so a later sync pass can retry
// it instead of believing a dead feed is still running.
func (o *Orchestrator) clearFeed(userID string) {
	o.mu.Lock()
	delete(o.feeds, userID)
	o.mu.Unlock()
}

// Stop cancels every running market-data feed goroutine. The venue
// connection pool itself (*gateway.Manager) is stopped separately by
// the caller that owns it.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for userID, cancel := range o.feeds {
		cancel()
		delete(o.feeds, userID)
	}
}
