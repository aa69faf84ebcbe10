package risk

import (
	"context"
	"database/sql"
	"fmt"

	"zenixcore/internal/events"
	"zenixcore/pkg/cache"
	"zenixcore/pkg/db"
)

// Evictor removes a user's in-memory strategy state. The Strategy
// Runtime implements this; Manager calls it whenever a session
// transitions to a stopped_* status so a blocked user is never left
// with stale state a later tick could act on.
type Evictor interface {
	Evict(userID string)
}

// Manager is the Risk Controller. It holds no per-user state of its
// own — ai_user_config in sqlite and the 1-second CachedUserConfig in
// cache are the source of truth — so a single Manager instance serves
// every user, keyed by userID on each call. This mirrors the teacher's
// risk.MultiUserManager/risk.Manager split, collapsed into one type
// because here the "per-user" data already lives in pkg/db and
// pkg/cache rather than in a map of Manager instances.
type Manager struct {
	db      *db.Database
	cache   *cache.ConfigCache
	evictor Evictor
	bus     *events.Bus
}

// NewManager builds a Risk Controller over database and configCache.
// SetEvictor may be called afterward to wire in-memory state eviction.
func NewManager(database *db.Database, configCache *cache.ConfigCache) *Manager {
	return &Manager{db: database, cache: configCache}
}

// SetEvictor wires the callback invoked after any stopped_* transition.
func (m *Manager) SetEvictor(e Evictor) {
	m.evictor = e
}

// SetBus wires the event bus a stopped_* transition publishes to. Optional:
// a nil bus (the default) simply skips publication.
func (m *Manager) SetBus(b *events.Bus) {
	m.bus = b
}

func (m *Manager) loadConfig(ctx context.Context, userID string) (cache.CachedUserConfig, error) {
	return m.cache.GetOrLoad(userID, func() (cache.CachedUserConfig, error) {
		s, err := m.db.GetUserSession(ctx, userID)
		if err != nil {
			return cache.CachedUserConfig{}, err
		}
		if s == nil {
			return cache.CachedUserConfig{}, fmt.Errorf("risk: no session for user %s", userID)
		}
		return cache.CachedUserConfig{
			InitialCapital: s.InitialCapital,
			SessionBalance: s.SessionBalance,
			ProfitTarget:   nullFloat(s.TakeProfit),
			LossLimit:      nullFloat(s.StopLoss),
			SessionStatus:  s.Status,
			IsActive:       s.IsActive,
		}, nil
	})
}

func nullFloat(f sql.NullFloat64) float64 {
	if !f.Valid {
		return 0
	}
	return f.Float64
}

// PreTradeGate implements spec §4.6's per-tick gate: it blocks when
// there is no active session, the session is already stopped, or the
// profit-target/loss-limit condition has just been met — in the latter
// two cases it performs the stopped_* transition itself.
func (m *Manager) PreTradeGate(ctx context.Context, userID string) (GateDecision, error) {
	cfg, err := m.loadConfig(ctx, userID)
	if err != nil {
		return GateDecision{}, err
	}

	if !cfg.IsActive {
		return blocked("no active session"), nil
	}
	if isStopped(cfg.SessionStatus) {
		return blocked("session already stopped: " + cfg.SessionStatus), nil
	}
	if cfg.ProfitTarget > 0 && cfg.SessionBalance >= cfg.ProfitTarget {
		if err := m.transition(ctx, userID, StatusStoppedProfit, "profit target reached"); err != nil {
			return GateDecision{}, err
		}
		return blockedWithTransition("profit target reached", StatusStoppedProfit), nil
	}
	if cfg.LossLimit > 0 && cfg.SessionBalance <= -cfg.LossLimit {
		if err := m.transition(ctx, userID, StatusStoppedLoss, "loss limit reached"); err != nil {
			return GateDecision{}, err
		}
		return blockedWithTransition("loss limit reached", StatusStoppedLoss), nil
	}

	return GateDecision{Allowed: true}, nil
}

// CheckShieldedStopNow runs the post-win shielded-stop check (spec
// §4.7): peakBalance is the caller's tracked high-water mark of
// SessionBalance for this session, ratcheted up by the caller after
// every win.
func (m *Manager) CheckShieldedStopNow(ctx context.Context, userID string, percent, peakBalance float64) (GateDecision, error) {
	// Runs right after a settlement changed the balance, so read it fresh.
	m.cache.Invalidate(userID)
	cfg, err := m.loadConfig(ctx, userID)
	if err != nil {
		return GateDecision{}, err
	}
	if !cfg.IsActive || isStopped(cfg.SessionStatus) {
		return blocked("session not active"), nil
	}

	res := CheckShieldedStop(ShieldedStopInput{
		InitialCapital: cfg.InitialCapital,
		SessionBalance: cfg.SessionBalance,
		PeakBalance:    peakBalance,
		Percent:        percent,
	})
	if !res.Triggered {
		return GateDecision{Allowed: true}, nil
	}
	if err := m.transition(ctx, userID, StatusStoppedShield, res.Reason); err != nil {
		return GateDecision{}, err
	}
	return blockedWithTransition(res.Reason, StatusStoppedShield), nil
}

// transition writes the stopped_* status through to sqlite, invalidates
// the cache entry, evicts in-memory strategy state if an Evictor is
// wired, and publishes EventSessionStopped if a bus is wired.
func (m *Manager) transition(ctx context.Context, userID string, status SessionStatus, reason string) error {
	if err := m.db.DeactivateSession(ctx, userID, string(status)); err != nil {
		return fmt.Errorf("risk: deactivate session for %s: %w", userID, err)
	}
	m.cache.Invalidate(userID)
	if m.evictor != nil {
		m.evictor.Evict(userID)
	}
	if m.bus != nil {
		m.bus.Publish(events.EventSessionStopped, events.SessionStoppedPayload{
			UserID: userID, Status: string(status), Reason: reason,
		})
	}
	return nil
}

// MarkServerRestart deactivates every still-active session at startup
// with stopped_server_restart, per spec §7's crash-recovery clean-up.
func (m *Manager) MarkServerRestart(ctx context.Context) (int, error) {
	sessions, err := m.db.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if err := m.transition(ctx, s.UserID, StatusStoppedRestart, "server restart"); err != nil {
			return 0, err
		}
	}
	return len(sessions), nil
}
