package amplifier

import (
	"fmt"
	"math/big"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/record"
)

const (
	// Trade sizing, in wei of the native token.
	baseTradeWei  = 200_000_000_000_000 // 0.0002 ETH before phi scaling
	floorTradeWei = 100_000_000_000_000 // 0.0001 ETH minimum
	dustWei       = 10_000_000_000_000  // legibility dust threshold

	// Confidence above this engages the Fibonacci boost; exactly at the
	// threshold it does not.
	fibBoostThreshold = 0.95
	fibBoostFactor    = 13.0 / 8.0

	slippageTolerance = 0.05
)

// sizing captures every multiplier that formed a trade amount, for logging.
type sizing struct {
	PairMultiplier   float64
	GasBucket        float64
	Confidence       float64
	WindowMultiplier float64
	AmountWei        *big.Int
}

// tradeAmount derives the bait size from the phi-scaled base, the per-pair
// multiplier table, the gas-price bucket, the record's confidence and the
// consensus-window multiplier. The floor is enforced last.
func tradeAmount(rec *record.SignalRecord, table *config.ChainTable, gasGwei float64, windowMult float64) sizing {
	amp, _ := rec.StepFor(record.ActorAmplifier)

	pairMult := 0.5
	if m, ok := table.PairMultipliers[amp.From+"/"+amp.To]; ok {
		pairMult = m
	}

	gasBucket := gasPriceBucket(gasGwei)
	confidence := confidenceOf(rec)

	// Window alignment nudges size rather than scaling it outright.
	window := 1 + (windowMult-1)*0.1

	scale := config.Phi * pairMult * gasBucket * confidence * window
	if confidence > fibBoostThreshold {
		scale *= fibBoostFactor
	}

	amount := new(big.Int).Mul(big.NewInt(baseTradeWei), big.NewInt(int64(scale*1000)))
	amount.Div(amount, big.NewInt(1000))
	if amount.Cmp(big.NewInt(floorTradeWei)) < 0 {
		amount = big.NewInt(floorTradeWei)
	}

	return sizing{
		PairMultiplier:   pairMult,
		GasBucket:        gasBucket,
		Confidence:       confidence,
		WindowMultiplier: window,
		AmountWei:        amount,
	}
}

// gasPriceBucket reduces size under elevated gas.
func gasPriceBucket(gasGwei float64) float64 {
	switch {
	case gasGwei < 0.05:
		return 1.0
	case gasGwei < 0.5:
		return 0.85
	case gasGwei < 5:
		return 0.7
	default:
		return 0.5
	}
}

// confidenceOf folds resonance into a [0,1] confidence term.
func confidenceOf(rec *record.SignalRecord) float64 {
	c := rec.Resonance / config.PhiSq
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

// validateLegibility enforces the semantic constraints a bait trade must
// satisfy before touching a router: whitelisted tokens, a two-hop path, an
// amount above dust and well-formed steps.
func validateLegibility(rec *record.SignalRecord, table *config.ChainTable, amount *big.Int) error {
	if len(rec.Steps) != 2 {
		return fmt.Errorf("pattern has %d steps, want 2", len(rec.Steps))
	}
	for _, s := range rec.Steps {
		if s.From == "" || s.To == "" || s.Action == "" || s.Actor == "" {
			return fmt.Errorf("malformed step in pattern %s", rec.Pattern)
		}
		if _, ok := table.Tokens[s.From]; !ok {
			return fmt.Errorf("token %s outside whitelist", s.From)
		}
		if _, ok := table.Tokens[s.To]; !ok {
			return fmt.Errorf("token %s outside whitelist", s.To)
		}
	}
	if amount.Cmp(big.NewInt(dustWei)) <= 0 {
		return fmt.Errorf("trade amount %s below dust threshold", amount)
	}
	return nil
}

// coarseMinOut is the bait's minimum output: 95% of the trade amount scaled
// down three orders of magnitude, a deliberately loose bound that keeps the
// bait fillable.
func coarseMinOut(amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(950))
	out.Div(out, big.NewInt(1000*1000))
	return out
}

// applySlippage returns v reduced by the slippage tolerance.
func applySlippage(v *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64((1-slippageTolerance)*1000)))
	out.Div(out, big.NewInt(1000))
	return out
}

// captureBribe is 80% of the expected capture value net of gas, floored at
// zero.
func captureBribe(expectedEth, gasCost *big.Int) *big.Int {
	net := new(big.Int).Sub(expectedEth, gasCost)
	if net.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(net, big.NewInt(80))
	out.Div(out, big.NewInt(100))
	return out
}
