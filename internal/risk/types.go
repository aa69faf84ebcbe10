// Package risk implements the Risk Controller: the per-session
// pre-trade gate, the martingale clamp, and the shielded trailing stop.
package risk

import "fmt"

// SessionStatus mirrors ai_user_config.status.
type SessionStatus string

const (
	StatusActive         SessionStatus = "active"
	StatusStoppedProfit  SessionStatus = "stopped_profit"
	StatusStoppedLoss    SessionStatus = "stopped_loss"
	StatusStoppedShield  SessionStatus = "stopped_blindado"
	StatusStoppedRestart SessionStatus = "stopped_server_restart"
	StatusError          SessionStatus = "ERROR"
)

// isStopped reports whether status already blocks new operations.
func isStopped(status string) bool {
	switch SessionStatus(status) {
	case StatusStoppedProfit, StatusStoppedLoss, StatusStoppedShield, StatusStoppedRestart, StatusError:
		return true
	default:
		return false
	}
}

// GateDecision is the pre-trade gate's verdict for one tick.
type GateDecision struct {
	Allowed    bool
	Reason     string
	Transition SessionStatus // non-empty if the gate just transitioned the session
}

func blocked(reason string) GateDecision {
	return GateDecision{Allowed: false, Reason: reason}
}

func blockedWithTransition(reason string, status SessionStatus) GateDecision {
	return GateDecision{Allowed: false, Reason: reason, Transition: status}
}

// ClampInput is the state the martingale clamp needs to decide whether a
// computed stake would exceed the session's remaining loss budget.
type ClampInput struct {
	InitialCapital float64
	SessionBalance float64
	LossLimit      float64 // 0 disables the clamp
	LossesAccum    float64
	BaseStake      float64
	NextStake      float64
}

// ClampOutput is the clamp's verdict.
type ClampOutput struct {
	Stake   float64
	Clamped bool // true if the ladder was reset to BaseStake
}

// ApplyMartingaleClamp implements spec §4.6: available is the remaining
// loss budget before stopLoss triggers; if lossesAccum plus the next
// computed stake would exceed it, the ladder resets to the base stake.
func ApplyMartingaleClamp(in ClampInput) ClampOutput {
	if in.LossLimit <= 0 {
		return ClampOutput{Stake: in.NextStake}
	}
	available := in.InitialCapital + in.SessionBalance - (in.InitialCapital - in.LossLimit)
	if in.LossesAccum+in.NextStake > available {
		return ClampOutput{Stake: in.BaseStake, Clamped: true}
	}
	return ClampOutput{Stake: in.NextStake}
}

// ShieldedStopInput is the state the trailing shielded stop evaluates
// after a settlement, only while the session has ever been net positive.
// PeakBalance is the highest SessionBalance reached so far this session
// (a high-water mark the caller ratchets up after every win) — the
// floor is armed against that peak, not against the balance at the
// instant of the check, otherwise a floor computed from the live
// balance on both sides of the comparison could never trip.
type ShieldedStopInput struct {
	InitialCapital float64
	SessionBalance float64 // current net P&L since session start
	PeakBalance    float64 // high-water mark of SessionBalance this session
	Percent        float64 // 0 disables the shielded stop
}

// ShieldedStopResult reports whether the shielded stop has just tripped,
// along with a human-readable reason for the deactivation log line.
type ShieldedStopResult struct {
	Triggered bool
	Reason    string
}

// CheckShieldedStop implements spec §4.6: armedFloor preserves Percent%
// of the peak accumulated profit; if current capital falls to or below
// that floor, the session stops to protect the accumulated profit.
func CheckShieldedStop(in ShieldedStopInput) ShieldedStopResult {
	if in.Percent <= 0 || in.PeakBalance <= 0 {
		return ShieldedStopResult{}
	}
	protected := in.PeakBalance * (in.Percent / 100)
	armedFloor := in.InitialCapital + protected
	currentCapital := in.InitialCapital + in.SessionBalance
	if currentCapital <= armedFloor {
		return ShieldedStopResult{
			Triggered: true,
			Reason:    fmt.Sprintf("shielded stop: protected %.2f of accumulated profit", protected),
		}
	}
	return ShieldedStopResult{}
}
