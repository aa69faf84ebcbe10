package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"zenixcore/internal/events"
	"zenixcore/internal/logqueue"
	"zenixcore/internal/moneymanagement"
	"zenixcore/internal/risk"
	"zenixcore/internal/state"
	"zenixcore/internal/tickstore"
	"zenixcore/internal/zenix"
	"zenixcore/pkg/config"
	"zenixcore/pkg/db"
	"zenixcore/pkg/venue"
)

// Caller is the subset of *gateway.Caller the runtime needs: the
// per-trade venue calls. Defined here so tests can inject a fake
// without dialing a real venue websocket.
type Caller interface {
	ExecuteContract(ctx context.Context, userID string, params venue.ContractParams) (venue.Settlement, error)
	QueryPayout(ctx context.Context, userID, currency string, side venue.Side) (payout float64, ok bool)
}

// Runtime is the single Strategy Runtime instance serving every user on
// every symbol (spec.md §4.8). The orchestrator assigns/unassigns
// users as sessions activate/deactivate; Dispatch is called once per
// tick received for a symbol and fans out bounded-concurrency work to
// that symbol's assigned users.
type Runtime struct {
	modes config.ModesFile

	ticks  *tickstore.Store
	states *state.Manager
	risk   *risk.Manager
	caller Caller
	db     *db.Database
	logs   *logqueue.Queue
	bus    *events.Bus

	defaultClientPayout float64
	payoutMarkup        float64

	mu       sync.RWMutex
	bySymbol map[string]map[string]UserContext // symbol -> userID -> context

	inFlight sync.Map      // userID -> struct{}, guards per-user tick serialization
	sem      chan struct{} // bounds concurrent per-tick goroutines across all symbols
}

// New builds a Strategy Runtime. maxConcurrency bounds how many users'
// ticks are processed simultaneously across the whole process.
func New(modes config.ModesFile, ticks *tickstore.Store, states *state.Manager, riskMgr *risk.Manager,
	caller Caller, database *db.Database, logs *logqueue.Queue, bus *events.Bus,
	defaultClientPayout, payoutMarkup float64, maxConcurrency int) *Runtime {
	if maxConcurrency <= 0 {
		maxConcurrency = 32
	}
	return &Runtime{
		modes:               modes,
		ticks:               ticks,
		states:              states,
		risk:                riskMgr,
		caller:              caller,
		db:                  database,
		logs:                logs,
		bus:                 bus,
		defaultClientPayout: defaultClientPayout,
		payoutMarkup:        payoutMarkup,
		bySymbol:            make(map[string]map[string]UserContext),
		sem:                 make(chan struct{}, maxConcurrency),
	}
}

// Assign registers or updates a user's slow-changing context, creating
// its in-memory StrategyState if this user was not already tracked.
// Called by the orchestrator on activation and on periodic/fast sync.
func (r *Runtime) Assign(uc UserContext, initialCapital float64) {
	r.mu.Lock()
	symbolUsers, ok := r.bySymbol[uc.Symbol]
	if !ok {
		symbolUsers = make(map[string]UserContext)
		r.bySymbol[uc.Symbol] = symbolUsers
	}
	symbolUsers[uc.UserID] = uc
	r.mu.Unlock()

	if r.states.Get(uc.UserID) == nil {
		r.states.Create(uc.UserID, initialCapital, uc.StakeBase)
	}
}

// Unassign removes a user from tick dispatch and tears down its
// in-memory state. Called on deactivation and when periodic sync finds
// a persisted session is no longer active.
func (r *Runtime) Unassign(userID, symbol string) {
	r.mu.Lock()
	if users, ok := r.bySymbol[symbol]; ok {
		delete(users, userID)
	}
	r.mu.Unlock()
	r.states.Evict(userID)
}

// Evict satisfies risk.Evictor by tearing down in-memory state without
// needing the symbol (used for the risk gate's cooperative-cancellation
// callback, which only knows the userID).
func (r *Runtime) Evict(userID string) {
	r.mu.Lock()
	for _, users := range r.bySymbol {
		delete(users, userID)
	}
	r.mu.Unlock()
	r.states.Evict(userID)
}

// AssignedUsers returns a snapshot of every user currently assigned to
// any symbol, for the orchestrator's periodic sync to diff against the
// persisted set of active sessions.
func (r *Runtime) AssignedUsers() []UserContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UserContext, 0)
	for _, users := range r.bySymbol {
		for _, uc := range users {
			out = append(out, uc)
		}
	}
	return out
}

// usersFor returns a snapshot of the users currently assigned to symbol.
func (r *Runtime) usersFor(symbol string) []UserContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.bySymbol[symbol]
	out := make([]UserContext, 0, len(users))
	for _, uc := range users {
		out = append(out, uc)
	}
	return out
}

// Dispatch fans a newly-arrived tick for symbol out to every assigned
// user, bounded by the runtime's concurrency semaphore. A user still
// processing a previous tick is skipped this round — spec.md §5
// guarantees a user's state machine never observes two concurrent
// ticks of its own, so dispatch backpressure (not blocking) is correct.
func (r *Runtime) Dispatch(ctx context.Context, symbol string) {
	for _, uc := range r.usersFor(symbol) {
		if _, busy := r.inFlight.LoadOrStore(uc.UserID, struct{}{}); busy {
			continue
		}

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			r.inFlight.Delete(uc.UserID)
			return
		}

		go func(uc UserContext) {
			defer func() {
				<-r.sem
				r.inFlight.Delete(uc.UserID)
			}()
			r.handleUserTick(ctx, uc)
		}(uc)
	}
}

func (r *Runtime) modeParams(mode Mode) config.ModeParams {
	switch mode {
	case ModeVeloz:
		return r.modes.Veloz
	case ModePreciso:
		return r.modes.Preciso
	default:
		return r.modes.Moderado
	}
}

// handleUserTick implements spec.md §4.4's per-tick state machine for
// one user.
func (r *Runtime) handleUserTick(ctx context.Context, uc UserContext) {
	sess := r.states.Get(uc.UserID)
	if sess == nil {
		return
	}

	sess.Mu.Lock()
	if sess.IsOperationActive {
		sess.Mu.Unlock()
		return
	}
	if uc.Mode == ModeVeloz {
		sess.TicksSinceLastOp++
	}
	recovering := sess.LossesAccum > 0 && sess.HasMartingaleDirection
	nextEntry := sess.MartingaleStep + 1
	direction := sess.LastMartingaleDirection
	sess.Mu.Unlock()

	if recovering {
		if !r.pacingAllows(uc, sess) {
			return
		}
		decision, err := r.risk.PreTradeGate(ctx, uc.UserID)
		if err != nil || !decision.Allowed {
			return
		}
		r.executeOperation(ctx, uc, sess, zenixDirFromState(direction), nextEntry)
		return
	}

	decision, err := r.risk.PreTradeGate(ctx, uc.UserID)
	if err != nil || !decision.Allowed {
		return
	}
	if !r.pacingAllows(uc, sess) {
		return
	}

	window := r.ticks.LastN(uc.Symbol, r.modeParams(uc.Mode).Window)
	sig, ok := zenix.Evaluate(window, zenix.ModeParams{
		Window:        r.modeParams(uc.Mode).Window,
		ImbalanceMin:  r.modeParams(uc.Mode).ImbalanceMin,
		ConfidenceMin: r.modeParams(uc.Mode).ConfidenceMin,
	})
	if !ok {
		return
	}

	r.logAnalise(uc, sig)
	r.logSinal(uc, sig)
	r.executeOperation(ctx, uc, sess, sig.Direction, 1)
}

// pacingAllows implements the Veloz/Moderado/Preciso pacing rules.
func (r *Runtime) pacingAllows(uc UserContext, sess *state.StrategyState) bool {
	params := r.modeParams(uc.Mode)
	switch uc.Mode {
	case ModeVeloz:
		sess.Mu.RLock()
		defer sess.Mu.RUnlock()
		return sess.TicksSinceLastOp >= params.PacingTicks
	case ModeModerado:
		sess.Mu.RLock()
		last := sess.LastOperationAt
		sess.Mu.RUnlock()
		return last.IsZero() || time.Since(last) >= time.Duration(params.PacingSeconds*float64(time.Second))
	default: // Preciso: quality-gated only, no fixed interval
		return true
	}
}

// executeOperation implements spec.md §4.4's "Operation execution
// (entry n)" and, on settlement, §4.7's post-outcome handling,
// chaining synchronously into entry+1 when the profile calls for it.
func (r *Runtime) executeOperation(ctx context.Context, uc UserContext, sess *state.StrategyState, direction zenix.Direction, entry int) {
	sess.Mu.Lock()
	sess.IsOperationActive = true
	sess.MartingaleStep = entry
	sess.TicksSinceLastOp = 0
	consecutiveWins := sess.ConsecutiveWins
	lossesAccum := sess.LossesAccum
	lastProfit := sess.LastProfit
	var previousStake float64
	if sess.InitialStake > 0 {
		previousStake = sess.InitialStake
	} else {
		previousStake = uc.StakeBase
	}
	sess.Mu.Unlock()

	side := venueSideFromZenix(direction)
	// r.defaultClientPayout (spec.md §7's "default client payout") is
	// already the payout the client receives, not a venue quote to mark
	// up — applying the markup to it on the fallback path would charge
	// it twice.
	var payoutCliente float64
	if quoted, ok := r.caller.QueryPayout(ctx, uc.UserID, uc.Currency, side); ok {
		payoutCliente = moneymanagement.ClientPayout(quoted, r.payoutMarkup)
	} else {
		payoutCliente = r.defaultClientPayout
	}

	stakeOut := moneymanagement.NextStake(moneymanagement.Input{
		Entry:           entry,
		ConsecutiveWins: consecutiveWins,
		LossesAccum:     lossesAccum,
		LastProfit:      lastProfit,
		PreviousStake:   previousStake,
		BaseStake:       uc.StakeBase,
		Profile:         uc.Profile,
		PayoutCliente:   payoutCliente,
		MinStake:        moneymanagement.MinStakeForCurrency(uc.Currency),
	})
	stake := stakeOut.Stake

	if lossesAccum > 0 {
		session, err := r.db.GetUserSession(ctx, uc.UserID)
		if err == nil && session != nil && session.StopLoss.Valid {
			clamp := risk.ApplyMartingaleClamp(risk.ClampInput{
				InitialCapital: session.InitialCapital,
				SessionBalance: session.SessionBalance,
				LossLimit:      session.StopLoss.Float64,
				LossesAccum:    lossesAccum,
				BaseStake:      uc.StakeBase,
				NextStake:      stake,
			})
			stake = clamp.Stake
			if clamp.Clamped {
				sess.Mu.Lock()
				sess.ResetLadder()
				sess.Mu.Unlock()
			}
		}
	}

	tradeID := uuid.NewString()
	if err := r.db.CreateTrade(ctx, db.TradeRecord{
		ID: tradeID, UserID: uc.UserID, Symbol: uc.Symbol, Direction: string(direction),
		Stake: stake, PayoutPct: payoutCliente, SorosLevel: consecutiveWins, MartingaleLevel: entry,
		Status: "PENDING", OpenedAt: time.Now(),
	}); err != nil {
		r.logErro(uc, fmt.Sprintf("failed to create trade record: %v", err))
		r.releaseOperation(sess)
		return
	}
	r.logOperacao(uc, entry, direction, stake)

	settlement, err := r.caller.ExecuteContract(ctx, uc.UserID, venue.ContractParams{
		Currency: uc.Currency, Side: side, Stake: stake, Symbol: uc.Symbol,
		OnBuyConfirmed: func(contractID int64, buyPrice, entrySpot float64) {
			if err := r.db.MarkTradeActive(ctx, tradeID, strconv.FormatInt(contractID, 10), entrySpot); err != nil {
				r.logErro(uc, fmt.Sprintf("failed to mark trade active: %v", err))
			}
		},
	})
	if err != nil {
		_ = r.db.SettleTrade(ctx, tradeID, "ERROR", 0, 0, 0)
		r.logErro(uc, fmt.Sprintf("contract execution failed: %v", err))
		r.releaseOperation(sess)
		return
	}

	won := settlement.Status == "WON"
	newBalance, err := r.db.RecordSettlement(ctx, uc.UserID, settlement.Profit, won)
	if err != nil {
		r.logErro(uc, fmt.Sprintf("failed to record settlement: %v", err))
	}
	_ = r.db.SettleTrade(ctx, tradeID, settlement.Status, settlement.Profit, settlement.ExitSpot, newBalance)
	r.logResultado(uc, settlement, newBalance)

	if won {
		r.onWon(ctx, uc, sess, entry, settlement.Profit, stake, newBalance)
	} else {
		r.onLost(ctx, uc, sess, direction, entry, stake)
	}
}

func (r *Runtime) releaseOperation(sess *state.StrategyState) {
	sess.Mu.Lock()
	sess.IsOperationActive = false
	sess.LastOperationAt = time.Now()
	sess.Mu.Unlock()
}

// onWon implements spec.md §4.7's WON branch.
func (r *Runtime) onWon(ctx context.Context, uc UserContext, sess *state.StrategyState, entry int, profit, stake, newBalance float64) {
	sess.Mu.Lock()
	sess.RatchetPeak(newBalance)

	wasRecovering := sess.LossesAccum > 0
	if wasRecovering {
		sess.ResetLadder()
	} else {
		switch {
		case entry == 1:
			sess.ConsecutiveWins = 1
			sess.LastProfit = profit
			sess.InitialStake = stake
		case entry == 2 && sess.ConsecutiveWins == 1:
			sess.ConsecutiveWins = 2
			sess.LastProfit = profit
			sess.InitialStake = stake
		case entry == 3 && sess.ConsecutiveWins == 2:
			sess.ConsecutiveWins = 0
			sess.LastProfit = 0
			sess.InitialStake = uc.StakeBase
		}
	}

	sess.IsOperationActive = false
	sess.MartingaleStep = 0
	sess.LossesAccum = 0
	sess.HasMartingaleDirection = false
	sess.LastOperationAt = time.Now()
	peak := sess.PeakBalance
	sess.Mu.Unlock()

	if uc.ShieldedStopPercent > 0 {
		_, _ = r.risk.CheckShieldedStopNow(ctx, uc.UserID, uc.ShieldedStopPercent, peak)
	}
}

// onLost implements spec.md §4.7's LOST branch, including the
// synchronous chain into entry+1 when the profile calls for it.
func (r *Runtime) onLost(ctx context.Context, uc UserContext, sess *state.StrategyState, direction zenix.Direction, entry int, stake float64) {
	sess.Mu.Lock()
	sess.LossesAccum += stake
	sess.LastMartingaleDirection = stateDirFromZenix(direction)
	sess.HasMartingaleDirection = true
	sess.ConsecutiveWins = 0
	sess.LastProfit = 0
	sess.IsOperationActive = false
	sess.LastOperationAt = time.Now()
	sess.Mu.Unlock()

	if uc.Profile == moneymanagement.Conservador && entry+1 > 5 {
		sess.Mu.Lock()
		sess.ResetLadder()
		sess.Mu.Unlock()
		return
	}

	// moderado/agressivo continue indefinitely; conservador continues
	// until the 5-entry cap above.
	decision, err := r.risk.PreTradeGate(ctx, uc.UserID)
	if err != nil || !decision.Allowed {
		return
	}
	r.executeOperation(ctx, uc, sess, direction, entry+1)
}

func venueSideFromZenix(d zenix.Direction) venue.Side {
	if d == zenix.DirPar {
		return venue.SideEven
	}
	return venue.SideOdd
}

func stateDirFromZenix(d zenix.Direction) state.Direction {
	if d == zenix.DirPar {
		return state.DirectionEven
	}
	return state.DirectionOdd
}

func zenixDirFromState(d state.Direction) zenix.Direction {
	if d == state.DirectionEven {
		return zenix.DirPar
	}
	return zenix.DirImpar
}

func (r *Runtime) logAnalise(uc UserContext, sig zenix.Signal) {
	details, _ := json.Marshal(map[string]any{
		"par_count": sig.Detail.ParCount, "impar_count": sig.Detail.ImparCount,
		"window": sig.Detail.WindowSize, "imbalance_p": sig.Detail.ImbalanceP,
		"streak_bonus": sig.Detail.StreakBonus, "micro_trend_bonus": sig.Detail.MicroTrendBonus,
		"velocity_bonus": sig.Detail.VelocityBonus, "confidence": sig.Confidence,
	})
	r.enqueueLog(uc, db.LogTypeAnalise, fmt.Sprintf("analysis: %s confidence %.1f (%s)", sig.Direction, sig.Confidence, sig.Rationale), string(details))
}

func (r *Runtime) logSinal(uc UserContext, sig zenix.Signal) {
	r.enqueueLog(uc, db.LogTypeSinal, fmt.Sprintf("signal %s confidence %.1f", sig.Direction, sig.Confidence), "")
}

func (r *Runtime) logOperacao(uc UserContext, entry int, direction zenix.Direction, stake float64) {
	r.enqueueLog(uc, db.LogTypeOperacao, fmt.Sprintf("entry %d: %s stake %.2f", entry, direction, stake), "")
}

func (r *Runtime) logResultado(uc UserContext, settlement venue.Settlement, newBalance float64) {
	r.enqueueLog(uc, db.LogTypeResultado, fmt.Sprintf("%s profit %.2f balance %.2f", settlement.Status, settlement.Profit, newBalance), "")
}

func (r *Runtime) logErro(uc UserContext, message string) {
	r.enqueueLog(uc, db.LogTypeErro, message, "")
}

// enqueueLog routes high-frequency entries (tick/analise) through the
// batched log queue and the other entries (sinal/operacao/resultado/
// alerta/erro) through the immediate AppendLog path, then publishes to
// the event bus for the ops log-stream. The queue is flushed before each
// immediate AppendLog, so entries already queued are written ahead of it
// and a user's rows keep the order they were logged in.
func (r *Runtime) enqueueLog(uc UserContext, logType, message, details string) {
	now := time.Now().UnixMilli()
	entry := db.LogEntry{UserID: uc.UserID, SessionID: uc.UserID, Type: logType, Message: message, Details: details, TimestampMs: now}

	switch logType {
	case db.LogTypeTick, db.LogTypeAnalise:
		r.logs.Enqueue(entry)
	default:
		_ = r.logs.Flush()
		_ = r.db.AppendLog(context.Background(), entry)
	}

	if r.bus != nil {
		r.bus.Publish(events.EventLogAppended, events.LogAppendedPayload{
			UserID: uc.UserID, Type: logType, Message: message, Timestamp: now,
		})
	}
}
