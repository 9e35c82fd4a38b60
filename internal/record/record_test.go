package record

import (
	"strings"
	"testing"
)

func sampleRecord() *SignalRecord {
	return &SignalRecord{
		Pattern: "CLASSIC_ARBITRAGE",
		Steps: []Step{
			{From: "WETH", To: "USDC", Action: "SWAP", Actor: ActorAmplifier},
			{From: "USDC", To: "WETH", Action: "SWAP", Actor: ActorMirror},
		},
		CascadeDepth: 1,
		Resonance:    1.618,
		Description:  "jam:resonant-liquidity-rotation uuid=1700000000000_abc12345_999_0",
		Category:     1,
		CreatedAt:    1700000000000,
		Meta:         Meta{AuditPass: true, IntentClass: "STANDARD"},
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()

	ha, err := ComputeHash(a)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	hb, err := ComputeHash(b)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if ha != hb {
		t.Fatalf("identical content hashed differently: %s vs %s", ha, hb)
	}
	if !strings.HasPrefix(ha, "0x") || len(ha) != 66 {
		t.Fatalf("hash not a 0x-prefixed 32-byte hex: %q", ha)
	}
}

func TestComputeHashIgnoresMutableStamps(t *testing.T) {
	base := sampleRecord()
	want, err := ComputeHash(base)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}

	stamped := sampleRecord()
	stamped.Hash = want
	stamped.AmplificationAt = 1700000012000
	stamped.AmplificationBlock = 123456
	stamped.AttestedAt = 1700000015000
	stamped.OnchainTx = "0xdeadbeef"
	stamped.OnchainHash = "0xfeedface"
	stamped.RecursiveTopology = Topology{Primary: 2, Failed: 1}

	got, err := ComputeHash(stamped)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if got != want {
		t.Fatalf("mutable stamps leaked into the hash: %s vs %s", got, want)
	}
}

func TestComputeHashSensitiveToContent(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.CascadeDepth = 2
	b.ParentHash = "0xabc"

	ha, _ := ComputeHash(a)
	hb, _ := ComputeHash(b)
	if ha == hb {
		t.Fatal("different content produced the same hash")
	}
}

func TestCanonicalizeFixedPoint(t *testing.T) {
	rec := sampleRecord()
	first, err := Canonicalize(rec)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	second, err := Canonicalize(rec)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("canonical form is not stable under re-serialization")
	}
}

func TestIsReversePattern(t *testing.T) {
	rec := sampleRecord()
	if !rec.IsReversePattern() {
		t.Fatal("sample record should be a reverse pattern")
	}

	rec.Steps[1].To = "DAI"
	if rec.IsReversePattern() {
		t.Fatal("broken mirror leg still classified reversible")
	}

	noMirror := sampleRecord()
	noMirror.Steps = noMirror.Steps[:1]
	if noMirror.IsReversePattern() {
		t.Fatal("single-leg record classified reversible")
	}
}

func TestValidate(t *testing.T) {
	if err := sampleRecord().Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*SignalRecord)
	}{
		{"no pattern", func(r *SignalRecord) { r.Pattern = "" }},
		{"zero depth", func(r *SignalRecord) { r.CascadeDepth = 0 }},
		{"parent at depth 1", func(r *SignalRecord) { r.ParentHash = "0xparent" }},
		{"one step", func(r *SignalRecord) { r.Steps = r.Steps[:1] }},
	}
	for _, tc := range cases {
		rec := sampleRecord()
		tc.mutate(rec)
		if err := rec.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestStepFor(t *testing.T) {
	rec := sampleRecord()
	amp, ok := rec.StepFor(ActorAmplifier)
	if !ok || amp.From != "WETH" || amp.To != "USDC" {
		t.Fatalf("amplifier step wrong: %+v ok=%v", amp, ok)
	}
	if _, ok := rec.StepFor("NOBODY"); ok {
		t.Fatal("unknown actor resolved a step")
	}
}
