// Package strategy implements the per-user PAR/IMPAR state machine: the
// pacing cursor, signal generation, operation execution and
// post-outcome chaining described in spec.md §4.4/§4.7. One Runtime
// instance serves every user across every symbol; the orchestrator
// assigns and unassigns users as sessions activate and deactivate.
package strategy

import "zenixcore/internal/moneymanagement"

// Mode names a pacing/signal-quality profile, not a risk profile.
type Mode string

const (
	ModeVeloz    Mode = "veloz"
	ModeModerado Mode = "moderado"
	ModePreciso  Mode = "preciso"
)

// UserContext is the slow-changing part of a user's session the
// Runtime needs on every tick: the parts of ai_user_config that only
// change on activation/reconfiguration, not on every trade. Orchestrator
// sync (spec.md §4.8) keeps this mirrored from persistence so the
// per-tick hot path never hits sqlite for it.
type UserContext struct {
	UserID              string
	Symbol              string
	Mode                Mode
	Profile             moneymanagement.Profile
	Currency            string
	StakeBase           float64
	ShieldedStopPercent float64
}
