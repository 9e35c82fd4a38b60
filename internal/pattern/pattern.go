// Package pattern defines the closed set of token-pair patterns the emitter
// announces, and the selector that scores them from success history,
// freshness and the time-of-day emission window.
package pattern

import (
	"github.com/resofield/jamnet/internal/record"
)

// The closed pattern set.
const (
	ClassicArbitrage = "CLASSIC_ARBITRAGE"
	StableRotation   = "STABLE_ROTATION"
	EthDaiFlow       = "ETH_DAI_FLOW"
	DefiGovernance   = "DEFI_GOVERNANCE"
)

// Definition binds a pattern name to its two-leg reversible swap and its
// fixed selection priors.
type Definition struct {
	Name           string
	Steps          []record.Step
	ClarityPrior   float64
	IncentivePrior float64
}

// Definitions returns the pattern table in canonical order.
func Definitions() []Definition {
	return []Definition{
		{
			Name: ClassicArbitrage,
			Steps: []record.Step{
				{From: "WETH", To: "USDC", Action: "SWAP", Actor: record.ActorAmplifier},
				{From: "USDC", To: "WETH", Action: "SWAP", Actor: record.ActorMirror},
			},
			ClarityPrior:   0.95,
			IncentivePrior: 0.90,
		},
		{
			Name: StableRotation,
			Steps: []record.Step{
				{From: "USDC", To: "USDT", Action: "SWAP", Actor: record.ActorAmplifier},
				{From: "USDT", To: "USDC", Action: "SWAP", Actor: record.ActorMirror},
			},
			ClarityPrior:   0.85,
			IncentivePrior: 0.80,
		},
		{
			Name: EthDaiFlow,
			Steps: []record.Step{
				{From: "WETH", To: "DAI", Action: "SWAP", Actor: record.ActorAmplifier},
				{From: "DAI", To: "WETH", Action: "SWAP", Actor: record.ActorMirror},
			},
			ClarityPrior:   0.80,
			IncentivePrior: 0.75,
		},
		{
			Name: DefiGovernance,
			Steps: []record.Step{
				{From: "WETH", To: "AERO", Action: "SWAP", Actor: record.ActorAmplifier},
				{From: "AERO", To: "WETH", Action: "SWAP", Actor: record.ActorMirror},
			},
			ClarityPrior:   0.70,
			IncentivePrior: 0.60,
		},
	}
}

// ByName returns the definition for a pattern name.
func ByName(name string) (Definition, bool) {
	for _, d := range Definitions() {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
