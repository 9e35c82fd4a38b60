package pattern

import (
	"testing"
	"time"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/state"
)

func anchorTable() *config.ChainTable {
	t := config.DefaultChainTable()
	t.Anchors = []config.Anchor{{Hour: 11, Minute: 11}}
	t.SubdivisionMinutes = nil
	t.QuietHours = nil
	return t
}

func selectorAt(tbl *config.ChainTable, at time.Time) *Selector {
	s := NewSelector(tbl, nil)
	s.now = func() time.Time { return at }
	return s
}

func TestWindowMultiplierBuckets(t *testing.T) {
	tbl := anchorTable()
	s := NewSelector(tbl, nil)

	cases := []struct {
		minute int
		want   float64
	}{
		{11*60 + 11, WindowTight}, // on the anchor
		{11*60 + 13, WindowTight}, // distance 2
		{11*60 + 14, WindowNear},  // distance 3
		{11*60 + 16, WindowNear},  // distance 5
		{11*60 + 17, WindowLoose}, // distance 6
		{11*60 + 21, WindowLoose}, // distance 10
		{11*60 + 22, WindowNone},  // distance 11
		{11*60 + 9, WindowTight},  // approach from below
	}
	for _, tc := range cases {
		at := time.Date(2026, 3, 1, tc.minute/60, tc.minute%60, 0, 0, time.UTC)
		if got := s.WindowMultiplier(at); got != tc.want {
			t.Fatalf("minute %d: multiplier %v, want %v", tc.minute, got, tc.want)
		}
	}
}

func TestWindowMultiplierSubdivisions(t *testing.T) {
	tbl := anchorTable()
	tbl.SubdivisionMinutes = []int{18}
	s := NewSelector(tbl, nil)

	// Any hour's :18 is an anchor when subdivisions are configured.
	at := time.Date(2026, 3, 1, 7, 18, 0, 0, time.UTC)
	if got := s.WindowMultiplier(at); got != WindowTight {
		t.Fatalf("subdivision minute not honored: %v", got)
	}
}

func TestSelectDefaultsPickHighestClarity(t *testing.T) {
	// Far from any anchor, with no history every pattern scores from its
	// priors and the clearest one wins.
	at := time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)
	s := selectorAt(anchorTable(), at)

	choice, ok := s.Select(map[string]*state.PatternStats{}, MarketHint{})
	if !ok {
		t.Fatal("selection vetoed with fresh priors")
	}
	if choice.Pattern.Name != ClassicArbitrage {
		t.Fatalf("selected %s, want %s", choice.Pattern.Name, ClassicArbitrage)
	}
	if choice.WindowMult != WindowNone {
		t.Fatalf("window multiplier %v, want %v", choice.WindowMult, WindowNone)
	}
}

func TestSelectVetoOnWeakScores(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)
	s := selectorAt(anchorTable(), at)

	// Every pattern recently used and failing: freshness collapses to zero
	// and the empirical rate drags the composite under the threshold.
	stats := map[string]*state.PatternStats{}
	for _, def := range Definitions() {
		stats[def.Name] = &state.PatternStats{
			Attempts:   20,
			Successes:  0,
			LastUsedAt: at.UnixMilli(),
		}
	}

	if _, ok := s.Select(stats, MarketHint{}); ok {
		t.Fatal("weak scores were not vetoed")
	}
}

func TestSelectQuietHourVeto(t *testing.T) {
	tbl := anchorTable()
	tbl.QuietHours = []int{4}
	at := time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC)
	s := selectorAt(tbl, at)

	if _, ok := s.Select(map[string]*state.PatternStats{}, MarketHint{}); ok {
		t.Fatal("quiet hour did not veto emission")
	}
}

func TestSelectWindowLiftsWeakPattern(t *testing.T) {
	tbl := anchorTable()

	// Inside the tight window the multiplier rescues a score that would be
	// vetoed outside it.
	stats := map[string]*state.PatternStats{}
	for _, def := range Definitions() {
		stats[def.Name] = &state.PatternStats{
			Attempts:   20,
			Successes:  0,
			LastUsedAt: time.Date(2026, 3, 1, 11, 11, 0, 0, time.UTC).UnixMilli(),
		}
	}

	aligned := selectorAt(tbl, time.Date(2026, 3, 1, 11, 11, 0, 0, time.UTC))
	if _, ok := aligned.Select(stats, MarketHint{}); !ok {
		t.Fatal("tight window failed to lift the score")
	}
}

func TestZeroLiquidityPenalty(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)
	s := selectorAt(anchorTable(), at)

	// Draining the top pattern's pool should hand the win to the runner-up.
	hint := MarketHint{PairLiquidity: map[string]float64{"WETH/USDC": 0}}
	choice, ok := s.Select(map[string]*state.PatternStats{}, hint)
	if !ok {
		t.Fatal("selection vetoed")
	}
	if choice.Pattern.Name == ClassicArbitrage {
		t.Fatal("zero-liquidity pattern still selected")
	}
}

func TestReinforcedBoost(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)
	s := selectorAt(anchorTable(), at)

	base := s.composite(Definitions()[0], nil, at, MarketHint{})
	boosted := s.composite(Definitions()[0], &state.PatternStats{Reinforced: true}, at, MarketHint{})
	if boosted <= base {
		t.Fatalf("reinforcement did not boost: %v vs %v", boosted, base)
	}
}

func TestSuccessRatePrior(t *testing.T) {
	if got := successRate(nil); got != successPrior {
		t.Fatalf("nil stats rate %v, want prior %v", got, successPrior)
	}
	if got := successRate(&state.PatternStats{Attempts: 0}); got != successPrior {
		t.Fatalf("zero attempts rate %v, want prior %v", got, successPrior)
	}
	perfect := successRate(&state.PatternStats{Attempts: 10, Successes: 10})
	if perfect > 1 {
		t.Fatalf("rate exceeded 1: %v", perfect)
	}
}

func TestResonance(t *testing.T) {
	def := Definitions()[0]

	r1 := Resonance(def, 1)
	r2 := Resonance(def, 2)
	if r2 <= r1 {
		t.Fatalf("resonance should grow with depth: %v vs %v", r2, r1)
	}

	// Depth compounding saturates.
	if Resonance(def, 4) != Resonance(def, 5) {
		t.Fatal("resonance depth compounding should saturate")
	}

	want := 1.5371 // phi * 0.95 rounded to 4 decimals
	if r1 != want {
		t.Fatalf("depth-1 resonance %v, want %v", r1, want)
	}
}
