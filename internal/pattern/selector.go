package pattern

import (
	"math"
	"time"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/state"
	"github.com/resofield/jamnet/pkg/logger"
)

// Window multiplier buckets by modular distance to the nearest anchor.
const (
	WindowTight  = 2.618 // within 2 minutes
	WindowNear   = 1.618 // within 5 minutes
	WindowLoose  = 1.382 // within 10 minutes
	WindowNone   = 1.0
	vetoBelow    = 0.7
	successPrior = 0.618
	// Freshness saturates after this many hours unused.
	freshnessSaturation = 6.0
)

// Composite score weights.
const (
	wClarity   = 0.30
	wSuccess   = 0.25
	wFreshness = 0.20
	wPhiAlign  = 0.15
	wIncentive = 0.10
)

// MarketHint is an optional market snapshot input. Zero value means no hint.
type MarketHint struct {
	// PairLiquidity keys are "FROM/TO"; zero liquidity penalizes a pattern.
	PairLiquidity map[string]float64
}

// Choice is a scored selection.
type Choice struct {
	Pattern    Definition
	Score      float64
	WindowMult float64
}

// Selector scores the closed pattern set. Deterministic given its inputs.
type Selector struct {
	table *config.ChainTable
	log   *logger.Logger
	now   func() time.Time
}

// NewSelector creates a selector over the configured anchor table.
func NewSelector(table *config.ChainTable, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault("pattern")
	}
	return &Selector{table: table, log: log, now: time.Now}
}

// Select returns the best-scoring pattern, or (zero, false) as a veto when
// the window forbids emission or no pattern clears the threshold.
func (s *Selector) Select(stats map[string]*state.PatternStats, hint MarketHint) (Choice, bool) {
	now := s.now().UTC()

	for _, h := range s.table.QuietHours {
		if now.Hour() == h {
			s.log.WithField("hour", h).Debug("quiet hour, emission vetoed")
			return Choice{}, false
		}
	}

	mult := s.WindowMultiplier(now)

	var best Choice
	for _, def := range Definitions() {
		score := s.composite(def, stats[def.Name], now, hint) * mult
		if score > best.Score {
			best = Choice{Pattern: def, Score: score, WindowMult: mult}
		}
	}

	if best.Score < vetoBelow {
		s.log.WithField("best", best.Score).Debug("best composite below threshold, vetoed")
		return Choice{}, false
	}
	return best, true
}

// WindowMultiplier maps the minimum modular distance to any anchor or
// subdivision mark onto a multiplier bucket.
func (s *Selector) WindowMultiplier(now time.Time) float64 {
	minuteOfDay := now.Hour()*60 + now.Minute()

	minDist := math.MaxFloat64
	consider := func(anchor int) {
		d := float64(modularDistance(minuteOfDay, anchor, 24*60))
		if d < minDist {
			minDist = d
		}
	}
	for _, a := range s.table.Anchors {
		consider(a.Hour*60 + a.Minute)
	}
	for hour := 0; hour < 24; hour++ {
		for _, m := range s.table.SubdivisionMinutes {
			consider(hour*60 + m)
		}
	}

	switch {
	case minDist <= 2:
		return WindowTight
	case minDist <= 5:
		return WindowNear
	case minDist <= 10:
		return WindowLoose
	default:
		return WindowNone
	}
}

func (s *Selector) composite(def Definition, st *state.PatternStats, now time.Time, hint MarketHint) float64 {
	rate := successRate(st)
	fresh := freshness(st, now)
	align := phiAlignment(def.ClarityPrior)

	score := wClarity*def.ClarityPrior +
		wSuccess*rate +
		wFreshness*fresh +
		wPhiAlign*align +
		wIncentive*def.IncentivePrior

	if st != nil && st.Reinforced {
		score *= config.SqrtPhi / 1.2
	}

	if len(hint.PairLiquidity) > 0 && len(def.Steps) > 0 {
		key := def.Steps[0].From + "/" + def.Steps[0].To
		if liq, ok := hint.PairLiquidity[key]; ok && liq == 0 {
			score *= 0.9
		}
	}
	return score
}

// successRate folds the empirical record with a fixed prior so unproven
// patterns start near the prior rather than at zero.
func successRate(st *state.PatternStats) float64 {
	if st == nil || st.Attempts == 0 {
		return successPrior
	}
	r := (float64(st.Successes) + successPrior) / (float64(st.Attempts) + 1)
	if r > 1 {
		r = 1
	}
	return r
}

// freshness favors patterns unused for several hours; never-used is fully
// fresh.
func freshness(st *state.PatternStats, now time.Time) float64 {
	if st == nil || st.LastUsedAt == 0 {
		return 1.0
	}
	hours := now.Sub(time.UnixMilli(st.LastUsedAt)).Hours()
	if hours < 0 {
		hours = 0
	}
	f := hours / freshnessSaturation
	if f > 1 {
		f = 1
	}
	return f
}

// phiAlignment is the resonance alignment factor: the fractional part of
// clarity scaled by phi, mapped into [0.5, 1).
func phiAlignment(clarity float64) float64 {
	frac := math.Mod(clarity*config.Phi, 1)
	return 0.5 + 0.5*frac
}

// modularDistance is the minimum distance between two points on a cycle.
func modularDistance(a, b, cycle int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if cycle-d < d {
		d = cycle - d
	}
	return d
}

// Resonance derives a record's resonance scalar from its pattern and depth.
// Opaque weighting, persisted verbatim on the record.
func Resonance(def Definition, cascadeDepth int) float64 {
	r := config.Phi * def.ClarityPrior
	for i := 1; i < cascadeDepth && i < 4; i++ {
		r *= config.SqrtPhi
	}
	return math.Round(r*10000) / 10000
}
