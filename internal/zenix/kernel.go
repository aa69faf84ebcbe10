// Package zenix implements the ZENIX analysis kernel: a set of pure
// functions over a tick window that produce a PAR/IMPAR signal with a
// confidence score. The kernel neither reads nor writes state.
package zenix

import (
	"fmt"
	"math"

	"zenixcore/internal/tickstore"
)

// Direction is the side ZENIX recommends: the minority parity, since
// the kernel trades mean-reversion.
type Direction string

const (
	DirPar   Direction = "PAR"
	DirImpar Direction = "IMPAR"
)

// ModeParams is the tunable parameter set a mode supplies to the kernel.
type ModeParams struct {
	Window        int
	ImbalanceMin  float64
	ConfidenceMin float64
}

// Signal is the kernel's verdict for one evaluation.
type Signal struct {
	Direction  Direction
	Confidence float64
	Rationale  string
	Detail     Detail
}

// Detail captures the inputs that produced a Signal, for audit logging.
type Detail struct {
	ParCount      int
	ImparCount    int
	WindowSize    int
	ImbalanceP    float64
	StreakBonus   float64
	MicroTrendBonus float64
	VelocityBonus   float64
}

// Evaluate runs the full ZENIX analysis over ticks using params. ticks
// must be ordered oldest-first; only the trailing params.Window ticks
// are used for the base imbalance, but the full slice may be consulted
// by the complementary analyses (micro-trend, velocity) when longer.
// Returns ok=false when the window is too short or no signal clears
// the thresholds.
func Evaluate(ticks []tickstore.Tick, params ModeParams) (Signal, bool) {
	if len(ticks) < params.Window {
		return Signal{}, false
	}

	window := ticks[len(ticks)-params.Window:]
	p, q, parCount, imparCount := imbalance(window)

	maxPQ := math.Max(p, q)
	if maxPQ < params.ImbalanceMin {
		return Signal{}, false
	}
	if p == q {
		return Signal{}, false
	}

	direction := DirImpar
	if q > p {
		direction = DirPar
	}

	confidenceBase := maxPQ * 100

	streakLen := currentStreak(window)
	streakBonus := 0.0
	if streakLen >= 5 {
		streakBonus = 12
	}

	microTrendBonus := 0.0
	if microTrendFires(ticks) {
		microTrendBonus = 8
	}

	velocityBonus := 0.0
	if velocityFires(ticks) {
		velocityBonus = 10
	}

	confidence := math.Min(95, confidenceBase+streakBonus+microTrendBonus+velocityBonus)
	if confidence < params.ConfidenceMin*100 {
		return Signal{}, false
	}

	rationale := rationaleString(streakBonus, microTrendBonus, velocityBonus)

	return Signal{
		Direction:  direction,
		Confidence: confidence,
		Rationale:  rationale,
		Detail: Detail{
			ParCount:        parCount,
			ImparCount:      imparCount,
			WindowSize:      params.Window,
			ImbalanceP:      p,
			StreakBonus:     streakBonus,
			MicroTrendBonus: microTrendBonus,
			VelocityBonus:   velocityBonus,
		},
	}, true
}

// imbalance returns p = fraction PAR, q = fraction IMPAR over ticks.
func imbalance(ticks []tickstore.Tick) (p, q float64, parCount, imparCount int) {
	for _, t := range ticks {
		if t.Parity == tickstore.PAR {
			parCount++
		} else {
			imparCount++
		}
	}
	n := float64(len(ticks))
	if n == 0 {
		return 0, 0, 0, 0
	}
	p = float64(parCount) / n
	q = 1 - p
	return p, q, parCount, imparCount
}

// imbalanceOf returns the PAR fraction over the trailing n ticks of
// slice, or 0 if slice is shorter than n.
func imbalanceOf(ticks []tickstore.Tick, n int) float64 {
	if len(ticks) < n || n <= 0 {
		return 0
	}
	p, _, _, _ := imbalance(ticks[len(ticks)-n:])
	return p
}

// currentStreak returns the run length of the current parity counted
// backwards from the end of ticks.
func currentStreak(ticks []tickstore.Tick) int {
	if len(ticks) == 0 {
		return 0
	}
	last := ticks[len(ticks)-1].Parity
	streak := 0
	for i := len(ticks) - 1; i >= 0; i-- {
		if ticks[i].Parity != last {
			break
		}
		streak++
	}
	return streak
}

// microTrendFires reports whether |imbalance(last10) - imbalance(last20)| > 0.10.
func microTrendFires(ticks []tickstore.Tick) bool {
	if len(ticks) < 20 {
		return false
	}
	last10 := imbalanceOf(ticks, 10)
	last20 := imbalanceOf(ticks, 20)
	return math.Abs(last10-last20) > 0.10
}

// velocityFires reports whether |imbalance(slice) - imbalance(slice[:-1])| > 0.05.
func velocityFires(ticks []tickstore.Tick) bool {
	if len(ticks) < 2 {
		return false
	}
	full := imbalanceOf(ticks, len(ticks))
	prior := imbalanceOf(ticks[:len(ticks)-1], len(ticks)-1)
	return math.Abs(full-prior) > 0.05
}

func rationaleString(streak, microTrend, velocity float64) string {
	if streak == 0 && microTrend == 0 && velocity == 0 {
		return "base imbalance only"
	}
	s := ""
	if streak > 0 {
		s += fmt.Sprintf("streak+%.0f ", streak)
	}
	if microTrend > 0 {
		s += fmt.Sprintf("microtrend+%.0f ", microTrend)
	}
	if velocity > 0 {
		s += fmt.Sprintf("velocity+%.0f ", velocity)
	}
	return s
}
