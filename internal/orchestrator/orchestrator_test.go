package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"zenixcore/internal/events"
	"zenixcore/internal/logqueue"
	"zenixcore/internal/risk"
	"zenixcore/internal/state"
	"zenixcore/internal/strategy"
	"zenixcore/internal/tickstore"
	"zenixcore/pkg/cache"
	"zenixcore/pkg/config"
	"zenixcore/pkg/db"
	"zenixcore/pkg/venue"
)

// fakeGatewayPool never succeeds in dialing, so ensureFeed's goroutine
// fails fast instead of trying to reach a real venue socket — exactly
// what a disconnected-network integration scenario looks like.
type fakeGatewayPool struct{}

func (fakeGatewayPool) GetOrCreate(ctx context.Context, userID string) (*venue.Client, error) {
	return nil, errors.New("no network in test")
}

type noopCaller struct{}

func (noopCaller) ExecuteContract(ctx context.Context, userID string, params venue.ContractParams) (venue.Settlement, error) {
	return venue.Settlement{}, errors.New("not used in this test")
}
func (noopCaller) QueryPayout(ctx context.Context, userID, currency string, side venue.Side) (float64, bool) {
	return 0, false
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	cfgCache := cache.NewConfigCache(time.Second)
	riskMgr := risk.NewManager(database, cfgCache)
	states := state.NewManager()
	logs := logqueue.New(database, 50, time.Minute)
	t.Cleanup(func() { logs.Close() })
	bus := events.NewBus()
	ticks := tickstore.NewStore()

	rt := strategy.New(config.DefaultModes(), ticks, states, riskMgr, noopCaller{}, database, logs, bus, 92, 3, 8)
	riskMgr.SetEvictor(rt)

	o := New(database, riskMgr, rt, ticks, fakeGatewayPool{}, nil, 100, time.Minute)
	return o, database
}

func upsertActiveSession(t *testing.T, database *db.Database, userID string) {
	t.Helper()
	ctx := context.Background()
	if err := database.UpsertUserSession(ctx, db.UserSession{
		UserID: userID, VenueTokenEncrypted: "ENC[v1]:x", Symbol: "R_100",
		Mode: "preciso", Profile: "moderado", Currency: "USD", StakeBase: 1, Status: "STOPPED",
	}); err != nil {
		t.Fatalf("UpsertUserSession: %v", err)
	}
	if err := database.ActivateSession(ctx, userID, 100); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
}

func TestStartupCleanupErrorsPendingTradesAndStopsActiveSessions(t *testing.T) {
	o, database := newTestOrchestrator(t)
	ctx := context.Background()
	upsertActiveSession(t, database, "u1")
	if err := database.CreateTrade(ctx, db.TradeRecord{ID: "t1", UserID: "u1", Symbol: "R_100", Direction: "PAR", Stake: 1, Status: "PENDING", OpenedAt: time.Now()}); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	if err := o.StartupCleanup(ctx); err != nil {
		t.Fatalf("StartupCleanup: %v", err)
	}

	trades, err := database.ListTradesByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListTradesByUser: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != "ERROR" {
		t.Fatalf("expected the pending trade to be marked ERROR, got %+v", trades)
	}

	session, err := database.GetUserSession(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserSession: %v", err)
	}
	if session.IsActive {
		t.Fatal("expected the session to be deactivated by startup clean-up")
	}
	if session.Status != string(risk.StatusStoppedRestart) {
		t.Fatalf("expected status %s, got %s", risk.StatusStoppedRestart, session.Status)
	}
}

func TestPeriodicSyncAssignsActiveSessions(t *testing.T) {
	o, database := newTestOrchestrator(t)
	ctx := context.Background()
	upsertActiveSession(t, database, "u1")

	if err := o.PeriodicSync(ctx); err != nil {
		t.Fatalf("PeriodicSync: %v", err)
	}

	users := o.runtime.AssignedUsers()
	if len(users) != 1 || users[0].UserID != "u1" {
		t.Fatalf("expected u1 assigned after sync, got %+v", users)
	}
}

func TestPeriodicSyncUnassignsStoppedSessions(t *testing.T) {
	o, database := newTestOrchestrator(t)
	ctx := context.Background()
	upsertActiveSession(t, database, "u1")
	if err := o.PeriodicSync(ctx); err != nil {
		t.Fatalf("PeriodicSync: %v", err)
	}
	if len(o.runtime.AssignedUsers()) != 1 {
		t.Fatal("expected u1 assigned before deactivation")
	}

	if err := database.DeactivateSession(ctx, "u1", "stopped_profit"); err != nil {
		t.Fatalf("DeactivateSession: %v", err)
	}

	if err := o.PeriodicSync(ctx); err != nil {
		t.Fatalf("PeriodicSync: %v", err)
	}
	if len(o.runtime.AssignedUsers()) != 0 {
		t.Fatal("expected u1 unassigned once its session stopped")
	}
}

func TestFastSyncActivatesAndDeactivatesSingleUser(t *testing.T) {
	o, database := newTestOrchestrator(t)
	ctx := context.Background()
	upsertActiveSession(t, database, "u1")

	if err := o.FastSync(ctx, "u1"); err != nil {
		t.Fatalf("FastSync: %v", err)
	}
	if len(o.runtime.AssignedUsers()) != 1 {
		t.Fatal("expected FastSync to assign an active session immediately")
	}

	if err := database.DeactivateSession(ctx, "u1", "stopped_loss"); err != nil {
		t.Fatalf("DeactivateSession: %v", err)
	}
	if err := o.FastSync(ctx, "u1"); err != nil {
		t.Fatalf("FastSync: %v", err)
	}
	if len(o.runtime.AssignedUsers()) != 0 {
		t.Fatal("expected FastSync to unassign a deactivated session immediately")
	}
}

func TestFastSyncOnUnknownUserIsANoop(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.FastSync(context.Background(), "ghost"); err != nil {
		t.Fatalf("FastSync on an unknown user should not error, got %v", err)
	}
}

func TestStopCancelsEveryRunningFeed(t *testing.T) {
	o, database := newTestOrchestrator(t)
	ctx := context.Background()
	upsertActiveSession(t, database, "u1")

	if err := o.FastSync(ctx, "u1"); err != nil {
		t.Fatalf("FastSync: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		n := len(o.feeds)
		o.mu.Unlock()
		if n == 0 {
			break // the fake gateway pool fails fast, feed goroutine already exited
		}
		time.Sleep(time.Millisecond)
	}

	o.Stop()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.feeds) != 0 {
		t.Fatal("expected Stop to clear every tracked feed")
	}
}
