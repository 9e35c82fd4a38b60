package dex

import (
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/record"
)

func testTable(t *testing.T) []DEX {
	t.Helper()
	table, err := TableFrom(config.DefaultChainTable())
	if err != nil {
		t.Fatalf("TableFrom: %v", err)
	}
	return table
}

func TestTableFromDefaults(t *testing.T) {
	table := testTable(t)
	if len(table) < 3 {
		t.Fatalf("default table has %d routers, want at least 3", len(table))
	}
	for _, d := range table {
		if d.Addr == (common.Address{}) {
			t.Fatalf("router %s has zero address", d.Name)
		}
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"concentrated": KindConcentrated,
		"univ3":        KindConcentrated,
		"univ2":        KindUniV2,
		"univ2fork":    KindUniV2Fork,
		"solidly":      KindSolidly,
		" Solidly ":    KindSolidly,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseKind(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseKind("balancer"); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestCascadeDeterministic(t *testing.T) {
	table := testTable(t)
	topo := record.Topology{Primary: 1, Alt: 2}

	a := Cascade(table, 1.618, 2, topo)
	b := Cascade(table, 1.618, 2, topo)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same inputs produced different cascade orders")
	}
	if len(a) != len(table) {
		t.Fatalf("cascade dropped routers: %d vs %d", len(a), len(table))
	}

	// Every router appears exactly once.
	seen := map[string]bool{}
	for _, d := range a {
		if seen[d.Name] {
			t.Fatalf("router %s repeated in cascade", d.Name)
		}
		seen[d.Name] = true
	}
}

func TestCascadeVariesWithInputs(t *testing.T) {
	table := testTable(t)
	a := Cascade(table, 1.618, 1, record.Topology{})
	b := Cascade(table, 2.618, 2, record.Topology{})
	if a[0].Name == b[0].Name && a[1].Name == b[1].Name {
		// With a rotation over >=3 routers differing seeds should usually
		// shift the head; equal heads here means the seeds collided.
		seedA := int(1.618*1000) + 1
		seedB := int(2.618*1000) + 2
		if seedA%len(table) != seedB%len(table) {
			t.Fatal("different seeds produced identical rotation")
		}
	}
}

func TestQuoteVenue(t *testing.T) {
	table := testTable(t)

	var conc, other DEX
	for _, d := range table {
		if d.Kind == KindConcentrated && conc.Name == "" {
			conc = d
		}
		if d.Kind != KindConcentrated && other.Name == "" {
			other = d
		}
	}
	if conc.Name == "" || other.Name == "" {
		t.Fatal("default table missing a kind needed here")
	}

	got, ok := QuoteVenue(table, other)
	if !ok || got.Name != other.Name {
		t.Fatalf("quotable venue should answer for itself, got %+v", got)
	}

	got, ok = QuoteVenue(table, conc)
	if !ok || got.Kind == KindConcentrated {
		t.Fatalf("concentrated venue should defer to another kind, got %+v", got)
	}

	onlyConc := []DEX{{Name: "v3", Kind: KindConcentrated}}
	if _, ok := QuoteVenue(onlyConc, onlyConc[0]); ok {
		t.Fatal("all-concentrated table cannot answer a quote")
	}
}

func encoderForTest(t *testing.T) *Encoder {
	t.Helper()
	e, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	return e
}

func swapParams() SwapParams {
	return SwapParams{
		TokenIn:   common.HexToAddress("0x4200000000000000000000000000000000000006"),
		TokenOut:  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		Recipient: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		AmountIn:  big.NewInt(200_000_000_000_000),
		MinOut:    big.NewInt(190),
		Deadline:  big.NewInt(1_900_000_000),
		ETHIn:     true,
	}
}

func TestEncodeSwapPerKind(t *testing.T) {
	e := encoderForTest(t)
	kinds := []Kind{KindUniV2, KindUniV2Fork, KindSolidly, KindConcentrated}
	selectors := map[string][]byte{}
	for _, k := range kinds {
		d := DEX{Name: k.String(), Addr: common.HexToAddress("0xb1"), Kind: k, FeeBps: 5}
		data, err := e.EncodeSwap(d, swapParams())
		if err != nil {
			t.Fatalf("EncodeSwap(%v): %v", k, err)
		}
		if len(data) < 4 {
			t.Fatalf("EncodeSwap(%v): calldata too short", k)
		}
		selectors[k.String()] = data[:4]
	}

	// The two V2 families share an ABI; the others differ.
	if string(selectors["univ2"]) != string(selectors["univ2fork"]) {
		t.Fatal("univ2 variants should share a selector")
	}
	if string(selectors["univ2"]) == string(selectors["concentrated"]) {
		t.Fatal("concentrated selector should differ from univ2")
	}
}

func TestEncodeSwapTokenExit(t *testing.T) {
	e := encoderForTest(t)
	p := swapParams()
	p.ETHIn = false

	d := DEX{Name: "baseswap", Addr: common.HexToAddress("0xb2"), Kind: KindUniV2Fork}
	data, err := e.EncodeSwap(d, p)
	if err != nil {
		t.Fatalf("EncodeSwap token exit: %v", err)
	}

	ethIn := p
	ethIn.ETHIn = true
	dataETH, err := e.EncodeSwap(d, ethIn)
	if err != nil {
		t.Fatalf("EncodeSwap eth entry: %v", err)
	}
	if string(data[:4]) == string(dataETH[:4]) {
		t.Fatal("entry and exit swaps should use different entrypoints")
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	e := encoderForTest(t)
	d := DEX{Name: "baseswap", Addr: common.HexToAddress("0xb2"), Kind: KindUniV2Fork}

	in := swapParams()
	data, err := e.EncodeGetAmountsOut(d, in.AmountIn, in.TokenIn, in.TokenOut, false)
	if err != nil {
		t.Fatalf("EncodeGetAmountsOut: %v", err)
	}
	if len(data) < 4 {
		t.Fatal("quote calldata too short")
	}

	// Simulate the router's return: amounts[] with the final output last.
	ret, err := e.router.Methods["getAmountsOut"].Outputs.Pack([]*big.Int{
		in.AmountIn, big.NewInt(777),
	})
	if err != nil {
		t.Fatalf("pack return: %v", err)
	}
	out, err := e.DecodeAmountsOut(d, ret)
	if err != nil {
		t.Fatalf("DecodeAmountsOut: %v", err)
	}
	if out.Int64() != 777 {
		t.Fatalf("decoded amount %d, want 777", out.Int64())
	}
}

func TestConcentratedHasNoQuote(t *testing.T) {
	e := encoderForTest(t)
	d := DEX{Name: "uniswap-v3", Addr: common.HexToAddress("0xb3"), Kind: KindConcentrated}
	if _, err := e.EncodeGetAmountsOut(d, big.NewInt(1), common.Address{}, common.Address{}, false); err == nil {
		t.Fatal("concentrated quote encoding should be rejected")
	}
}
