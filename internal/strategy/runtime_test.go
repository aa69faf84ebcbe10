package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"zenixcore/internal/events"
	"zenixcore/internal/logqueue"
	"zenixcore/internal/moneymanagement"
	"zenixcore/internal/risk"
	"zenixcore/internal/state"
	"zenixcore/internal/tickstore"
	"zenixcore/pkg/cache"
	"zenixcore/pkg/config"
	"zenixcore/pkg/db"
	"zenixcore/pkg/venue"
)

// fakeCaller is a Caller test double: every ExecuteContract call
// returns the next scripted settlement in order, looping the last one
// if the script runs out. QueryPayout always returns a fixed quote.
type fakeCaller struct {
	mu          sync.Mutex
	payout      float64
	payoutFails bool
	script      []venue.Settlement
	calls       int
	lastParam   venue.ContractParams
}

func (f *fakeCaller) ExecuteContract(ctx context.Context, userID string, params venue.ContractParams) (venue.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastParam = params
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	return f.script[idx], nil
}

func (f *fakeCaller) QueryPayout(ctx context.Context, userID, currency string, side venue.Side) (float64, bool) {
	if f.payoutFails {
		return 0, false
	}
	return f.payout, true
}

func newTestRuntime(t *testing.T, caller *fakeCaller) (*Runtime, *db.Database, *state.Manager) {
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

	rt := New(config.DefaultModes(), tickstore.NewStore(), states, riskMgr, caller, database, logs, bus, 95.0, 3.0, 8)
	riskMgr.SetEvictor(rt)
	return rt, database, states
}

func activateSession(t *testing.T, database *db.Database, userID string, initialCapital float64) {
	t.Helper()
	ctx := context.Background()
	if err := database.UpsertUserSession(ctx, db.UserSession{
		UserID:              userID,
		VenueTokenEncrypted: "ENC[v1]:xx",
		Symbol:              "R_100",
		Mode:                "veloz",
		Profile:             "moderado",
		Currency:            "USD",
		StakeBase:           1.0,
		ShieldedStopPercent: 0,
		Status:              "STOPPED",
	}); err != nil {
		t.Fatalf("UpsertUserSession: %v", err)
	}
	if err := database.ActivateSession(ctx, userID, initialCapital); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
}

func feedTicks(rt *Runtime, symbol string, parities []tickstore.Parity) {
	epoch := int64(1)
	for _, p := range parities {
		var value float64
		if p == tickstore.PAR {
			value = 2.0 // last digit 2, even
		} else {
			value = 3.0 // last digit 3, odd
		}
		rt.ticks.Append(symbol, tickstore.NewTick(value, epoch))
		epoch++
	}
}

// parSkewedWindow returns a tick-parity sequence skewed 90% PAR / 10%
// IMPAR, well clear of every mode's ImbalanceMin/ConfidenceMin
// threshold so a signal always fires.
func parSkewedWindow(n int) []tickstore.Parity {
	out := make([]tickstore.Parity, n)
	for i := range out {
		if i%10 == 0 {
			out[i] = tickstore.IMPAR
		} else {
			out[i] = tickstore.PAR
		}
	}
	return out
}

func TestAssignCreatesStateOnce(t *testing.T) {
	rt, _, states := newTestRuntime(t, &fakeCaller{payout: 95})
	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1}

	rt.Assign(uc, 100)
	first := states.Get("u1")
	if first == nil {
		t.Fatal("expected state to be created on Assign")
	}
	rt.Assign(uc, 999) // re-assign must not recreate/reset existing state
	if states.Get("u1") != first {
		t.Fatal("re-Assign must not replace existing state")
	}

	users := rt.usersFor("R_100")
	if len(users) != 1 || users[0].UserID != "u1" {
		t.Fatalf("expected u1 assigned to R_100, got %+v", users)
	}
}

func TestUnassignRemovesUserAndState(t *testing.T) {
	rt, _, states := newTestRuntime(t, &fakeCaller{payout: 95})
	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1}
	rt.Assign(uc, 100)

	rt.Unassign("u1", "R_100")

	if states.Get("u1") != nil {
		t.Fatal("expected state evicted after Unassign")
	}
	if len(rt.usersFor("R_100")) != 0 {
		t.Fatal("expected no users assigned to R_100 after Unassign")
	}
}

func TestEvictRemovesFromEverySymbol(t *testing.T) {
	rt, _, states := newTestRuntime(t, &fakeCaller{payout: 95})
	rt.Assign(UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1}, 100)
	rt.Assign(UserContext{UserID: "u1", Symbol: "R_50", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1}, 100)

	rt.Evict("u1")

	if states.Get("u1") != nil {
		t.Fatal("expected state evicted")
	}
	if len(rt.usersFor("R_100")) != 0 || len(rt.usersFor("R_50")) != 0 {
		t.Fatal("expected u1 removed from every symbol")
	}
}

func TestPacingVelozRequiresMinimumTicks(t *testing.T) {
	rt, _, _ := newTestRuntime(t, &fakeCaller{payout: 95})
	sess := state.NewStrategyState(100, 1)
	uc := UserContext{UserID: "u1", Mode: ModeVeloz}

	sess.TicksSinceLastOp = 0
	if rt.pacingAllows(uc, sess) {
		t.Fatal("expected Veloz pacing to block with 0 ticks since last op")
	}
	sess.TicksSinceLastOp = rt.modeParams(ModeVeloz).PacingTicks
	if !rt.pacingAllows(uc, sess) {
		t.Fatal("expected Veloz pacing to allow once PacingTicks elapsed")
	}
}

func TestPacingModeradoRequiresWallClock(t *testing.T) {
	rt, _, _ := newTestRuntime(t, &fakeCaller{payout: 95})
	sess := state.NewStrategyState(100, 1)
	uc := UserContext{UserID: "u1", Mode: ModeModerado}

	sess.LastOperationAt = time.Now()
	if rt.pacingAllows(uc, sess) {
		t.Fatal("expected Moderado pacing to block immediately after an operation")
	}
	sess.LastOperationAt = time.Time{}
	if !rt.pacingAllows(uc, sess) {
		t.Fatal("expected Moderado pacing to allow when no prior operation recorded")
	}
}

func TestPacingPrecisoIsUnconditional(t *testing.T) {
	rt, _, _ := newTestRuntime(t, &fakeCaller{payout: 95})
	sess := state.NewStrategyState(100, 1)
	uc := UserContext{UserID: "u1", Mode: ModePreciso}
	sess.LastOperationAt = time.Now()
	sess.TicksSinceLastOp = 0
	if !rt.pacingAllows(uc, sess) {
		t.Fatal("expected Preciso pacing to always allow")
	}
}

// A single WON at entry 1 must advance the Soros counter rather than
// resetting the ladder.
func TestHandleUserTickWinAdvancesSorosOnEntryOne(t *testing.T) {
	caller := &fakeCaller{payout: 95, script: []venue.Settlement{{Status: "WON", Profit: 0.95}}}
	rt, database, states := newTestRuntime(t, caller)
	activateSession(t, database, "u1", 100)

	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1}
	rt.Assign(uc, 100)
	feedTicks(rt, "R_100", parSkewedWindow(60))

	rt.handleUserTick(context.Background(), uc)

	sess := states.Get("u1")
	sess.Mu.RLock()
	defer sess.Mu.RUnlock()
	if sess.IsOperationActive {
		t.Fatal("expected operation to be released after settlement")
	}
	if sess.ConsecutiveWins != 1 {
		t.Fatalf("expected ConsecutiveWins=1 after a first win, got %d", sess.ConsecutiveWins)
	}
	if sess.LossesAccum != 0 {
		t.Fatalf("expected no accumulated losses after a win, got %v", sess.LossesAccum)
	}
}

// When the venue payout quote fails, the trade must be priced at the
// default client payout directly rather than marking it up again.
func TestHandleUserTickFallsBackToDefaultPayoutWithoutReapplyingMarkup(t *testing.T) {
	caller := &fakeCaller{payoutFails: true, script: []venue.Settlement{{Status: "WON", Profit: 0.95}}}
	rt, database, _ := newTestRuntime(t, caller)
	activateSession(t, database, "u1", 100)

	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1}
	rt.Assign(uc, 100)
	feedTicks(rt, "R_100", parSkewedWindow(60))

	rt.handleUserTick(context.Background(), uc)

	trades, err := database.ListTradesByUser(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("ListTradesByUser: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].PayoutPct != rt.defaultClientPayout {
		t.Fatalf("PayoutPct = %v, want default client payout %v unmarked-up", trades[0].PayoutPct, rt.defaultClientPayout)
	}
}

// A loss must accumulate LossesAccum, record the martingale direction,
// and synchronously chain into entry 2 via the fake caller's second
// scripted settlement.
func TestHandleUserTickLossChainsIntoNextEntry(t *testing.T) {
	caller := &fakeCaller{payout: 95, script: []venue.Settlement{
		{Status: "LOST", Profit: -1},
		{Status: "WON", Profit: 1.2},
	}}
	rt, database, states := newTestRuntime(t, caller)
	activateSession(t, database, "u1", 100)

	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Agressivo, Currency: "USD", StakeBase: 1}
	rt.Assign(uc, 100)
	feedTicks(rt, "R_100", parSkewedWindow(60))

	rt.handleUserTick(context.Background(), uc)

	if caller.calls != 2 {
		t.Fatalf("expected the loss to chain synchronously into a second contract call, got %d calls", caller.calls)
	}
	sess := states.Get("u1")
	sess.Mu.RLock()
	defer sess.Mu.RUnlock()
	if sess.IsOperationActive {
		t.Fatal("expected operation released after the chained win settles")
	}
	if sess.LossesAccum != 0 {
		t.Fatalf("expected ladder reset after the chained win, got LossesAccum=%v", sess.LossesAccum)
	}
}

// Conservador profile stops chaining once entry+1 exceeds 5.
func TestOnLostConservadorCapsAtFiveEntries(t *testing.T) {
	caller := &fakeCaller{payout: 95, script: []venue.Settlement{{Status: "LOST", Profit: -1}}}
	rt, database, states := newTestRuntime(t, caller)
	activateSession(t, database, "u1", 100)

	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Conservador, Currency: "USD", StakeBase: 1}
	rt.Assign(uc, 100)

	sess := states.Get("u1")
	rt.onLost(context.Background(), uc, sess, "PAR", 5, 1.0)

	if caller.calls != 0 {
		t.Fatalf("expected no further contract call once the Conservador 5-entry cap is hit, got %d calls", caller.calls)
	}
	sess.Mu.RLock()
	defer sess.Mu.RUnlock()
	if sess.LossesAccum != 0 || sess.HasMartingaleDirection {
		t.Fatal("expected ladder reset once the Conservador cap is hit")
	}
}

// Dispatch must skip a user whose previous tick is still marked in
// flight rather than running two ticks for it concurrently.
func TestDispatchSkipsUserAlreadyInFlight(t *testing.T) {
	rt, _, _ := newTestRuntime(t, &fakeCaller{payout: 95})
	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1}
	rt.Assign(uc, 100)

	rt.inFlight.Store("u1", struct{}{})
	defer rt.inFlight.Delete("u1")

	rt.Dispatch(context.Background(), "R_100")

	// handleUserTick never ran (no session was touched), and the guard
	// for u1 was left untouched by Dispatch since it was already busy.
	if _, busy := rt.inFlight.Load("u1"); !busy {
		t.Fatal("expected in-flight marker for a busy user to remain untouched")
	}
}

func TestDispatchProcessesAssignedUser(t *testing.T) {
	caller := &fakeCaller{payout: 95, script: []venue.Settlement{{Status: "WON", Profit: 0.95}}}
	rt, database, states := newTestRuntime(t, caller)
	activateSession(t, database, "u1", 100)

	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1}
	rt.Assign(uc, 100)
	feedTicks(rt, "R_100", parSkewedWindow(60))

	rt.Dispatch(context.Background(), "R_100")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, busy := rt.inFlight.Load("u1"); !busy {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if caller.calls == 0 {
		t.Fatal("expected Dispatch to have driven at least one contract execution")
	}
	_ = states.Get("u1")
}

func TestCheckShieldedStopTriggersAfterWin(t *testing.T) {
	caller := &fakeCaller{payout: 95, script: []venue.Settlement{{Status: "WON", Profit: 50}}}
	rt, database, states := newTestRuntime(t, caller)
	activateSession(t, database, "u1", 100)
	// Give the session a balance boost so the ratcheted peak is above
	// the post-win shielded level, forcing the check to trigger.
	ctx := context.Background()
	if _, err := database.RecordSettlement(ctx, "u1", 40, true); err != nil {
		t.Fatalf("RecordSettlement: %v", err)
	}

	uc := UserContext{UserID: "u1", Symbol: "R_100", Mode: ModePreciso, Profile: moneymanagement.Moderado, Currency: "USD", StakeBase: 1, ShieldedStopPercent: 90}
	rt.Assign(uc, 100)
	sess := states.Get("u1")
	sess.RatchetPeak(140)

	rt.onWon(ctx, uc, sess, 1, 50, 1, 150)

	s, err := database.GetUserSession(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserSession: %v", err)
	}
	if s.IsActive {
		t.Fatal("expected the shielded stop to deactivate the session once triggered")
	}
	if s.Status != string(risk.StatusStoppedShield) {
		t.Fatalf("expected status %s, got %s", risk.StatusStoppedShield, s.Status)
	}
}

func TestNewDefaultsConcurrencyWhenNonPositive(t *testing.T) {
	rt, _, _ := newTestRuntime(t, &fakeCaller{payout: 95})
	rt2 := New(config.DefaultModes(), rt.ticks, rt.states, rt.risk, &fakeCaller{}, rt.db, rt.logs, rt.bus, 95, 3, 0)
	if cap(rt2.sem) != 32 {
		t.Fatalf("expected default concurrency of 32, got %d", cap(rt2.sem))
	}
}
