package state

import (
	"sync"
	"time"
)

// Direction is the side a recovery continuation must repeat regardless
// of any new signal, per spec.md §4.4 step 2.
type Direction string

const (
	DirectionEven Direction = "DIGITEVEN"
	DirectionOdd  Direction = "DIGITODD"
)

// StrategyState is the in-memory, per-user mutable state the Strategy
// Runtime owns between ticks. It has no sqlite row of its own — it is
// created on session activation and destroyed on deactivation, derived
// at creation time from the session's InitialCapital and StakeBase.
type StrategyState struct {
	// Mu guards every field below. The Strategy Runtime's per-user
	// in-flight guard already keeps ticks for one user from overlapping,
	// but Mu also protects reads from other paths (e.g. a snapshot for
	// the ops API) racing a tick in progress.
	Mu sync.RWMutex

	Capital        float64
	VirtualCapital float64

	IsOperationActive bool

	MartingaleStep          int
	LossesAccum             float64
	BaseStake               float64
	InitialStake            float64
	ConsecutiveWins         int // 0..2, Soros progression
	LastProfit              float64
	LastMartingaleDirection Direction
	HasMartingaleDirection  bool

	// PeakBalance is the high-water mark of SessionBalance this session
	// has reached, ratcheted up after every win. It feeds the Risk
	// Controller's shielded-stop check (internal/risk.ShieldedStopInput).
	PeakBalance float64

	// pacingCursor, per mode (spec.md §3): Veloz counts ticks since the
	// last operation, Moderado tracks wall-clock, Preciso uses neither.
	TicksSinceLastOp int
	LastOperationAt  time.Time
}

// NewStrategyState seeds state for a freshly activated session.
func NewStrategyState(initialCapital, baseStake float64) *StrategyState {
	return &StrategyState{
		Capital:        initialCapital,
		VirtualCapital: initialCapital,
		BaseStake:      baseStake,
		InitialStake:   baseStake,
	}
}

// ResetLadder returns the state to the base stake with no accumulated
// losses or martingale direction, used after a martingale cap is hit or
// after a Soros cycle completes (third consecutive win).
func (s *StrategyState) ResetLadder() {
	s.MartingaleStep = 0
	s.LossesAccum = 0
	s.ConsecutiveWins = 0
	s.LastProfit = 0
	s.LastMartingaleDirection = ""
	s.HasMartingaleDirection = false
}

// RatchetPeak raises PeakBalance to sessionBalance if it is higher.
func (s *StrategyState) RatchetPeak(sessionBalance float64) {
	if sessionBalance > s.PeakBalance {
		s.PeakBalance = sessionBalance
	}
}
