// Package moneymanagement implements the Soros-then-martingale stake
// ladder. NextStake is a pure function of its inputs: it never reads a
// clock or performs I/O, so the same inputs always produce the same
// stake.
package moneymanagement

import (
	"github.com/shopspring/decimal"
)

// Profile is a risk profile driving the martingale recovery meta and
// entry cap.
type Profile string

const (
	Conservador Profile = "conservador"
	Moderado    Profile = "moderado"
	Agressivo   Profile = "agressivo"
)

// DefaultPayoutMarkup is the house markup subtracted from the venue's
// quoted payout to obtain the effective client payout, per spec.md
// §6's payoutMarkup configuration parameter, absent an operator override.
const DefaultPayoutMarkup = 3.0

// ClientPayout applies markup (percentage points) to a venue-quoted payout.
func ClientPayout(payoutOriginal, markup float64) float64 {
	return payoutOriginal - markup
}

// Input is the full set of state NextStake needs to compute the next
// operation's stake and whether the ladder resets.
type Input struct {
	Entry           int // the entry number about to be attempted (1, 2, 3, ...)
	ConsecutiveWins int // 0, 1, or 2, Soros progress before this entry
	LossesAccum     float64
	LastProfit      float64
	PreviousStake   float64
	BaseStake       float64
	Profile         Profile
	PayoutCliente   float64
	MinStake        float64
}

// Outcome tags which branch of the ladder produced a stake.
type Outcome string

const (
	OutcomeBaseEntry   Outcome = "base_entry"   // entry 1, no losses accrued
	OutcomeSoros       Outcome = "soros"        // compounding entry 2 or 3
	OutcomeMartingale  Outcome = "martingale"   // recovery entry
	OutcomeLadderReset Outcome = "ladder_reset" // conservador 5-loss cap hit
)

// Output is NextStake's result.
type Output struct {
	Stake         float64
	Outcome       Outcome
	SorosComplete bool // entry 3 Soros win just completed a full cycle
}

// NextStake computes the stake for the upcoming entry. When
// LossesAccum == 0, it is a Soros computation (base or compounding);
// when LossesAccum > 0, it is a martingale recovery computation.
// NextStake never applies the Risk Controller's clamp — that is a
// distinct, stateful step the caller performs afterward.
func NextStake(in Input) Output {
	if in.LossesAccum > 0 {
		return martingaleStake(in)
	}
	return sorosStake(in)
}

func sorosStake(in Input) Output {
	if in.Entry <= 1 || in.ConsecutiveWins == 0 {
		return Output{Stake: round2(in.BaseStake), Outcome: OutcomeBaseEntry}
	}

	// Entry 2 (consecutiveWins==1) or entry 3 (consecutiveWins==2):
	// stake = round2(previousStake + lastProfit).
	stake := round2(in.PreviousStake + in.LastProfit)
	sorosComplete := in.Entry >= 3 && in.ConsecutiveWins >= 2
	if sorosComplete {
		// The caller resets to baseStake for the *next* operation; this
		// entry itself still executes at the compounded stake.
		return Output{Stake: stake, Outcome: OutcomeSoros, SorosComplete: true}
	}
	return Output{Stake: stake, Outcome: OutcomeSoros}
}

func martingaleStake(in Input) Output {
	if in.Profile == Conservador && in.Entry > 5 {
		return Output{Stake: round2(in.BaseStake), Outcome: OutcomeLadderReset}
	}

	meta := metaFor(in.Profile, in.LossesAccum)
	stake := round2(meta * 100 / in.PayoutCliente)
	if stake < in.MinStake {
		stake = in.MinStake
	}
	return Output{Stake: stake, Outcome: OutcomeMartingale}
}

// metaFor computes the martingale meta amount per §3's profile formulas.
func metaFor(profile Profile, lossesAccum float64) float64 {
	switch profile {
	case Conservador:
		return lossesAccum
	case Agressivo:
		return lossesAccum * 1.50
	default: // Moderado
		return lossesAccum * 1.25
	}
}

// round2 rounds to 2 decimal places using exact decimal arithmetic to
// avoid float64 drift across a long martingale chain.
func round2(v float64) float64 {
	d := decimal.NewFromFloat(v).Round(2)
	f, _ := d.Float64()
	return f
}

// MinStakeForCurrency returns the minimum allowed stake for a currency.
// Fiat currencies have a 0.35 minimum; the listed crypto currencies use
// 0.00000001.
func MinStakeForCurrency(currency string) float64 {
	switch currency {
	case "BTC", "ETH", "LTC", "USDC", "eUSDT":
		return 0.00000001
	default:
		return 0.35 // venue's typical fiat minimum stake
	}
}
