package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Router describes one DEX router in the cascade table.
type Router struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	// Kind selects the swap encoding: concentrated, univ2, univ2fork, solidly.
	Kind   string `yaml:"kind"`
	FeeBps int    `yaml:"fee_bps"`
}

// Anchor is one wall-clock emission-window anchor.
type Anchor struct {
	Hour   int `yaml:"hour"`
	Minute int `yaml:"minute"`
}

// ChainTable holds the closed sets the pipeline operates over: routers,
// pair factories, the token whitelist, per-pair sizing multipliers and the
// emission-window anchors.
type ChainTable struct {
	Routers   []Router          `yaml:"routers"`
	Factories []string          `yaml:"factories"`
	Tokens    map[string]string `yaml:"tokens"`
	// PairMultipliers keys are "FROM/TO" symbol pairs.
	PairMultipliers map[string]float64 `yaml:"pair_multipliers"`
	Anchors         []Anchor           `yaml:"anchors"`
	// SubdivisionMinutes are per-hour minute marks treated as minor anchors.
	SubdivisionMinutes []int `yaml:"subdivision_minutes"`
	// QuietHours are do-not-emit hours (0-23); the selector vetoes inside
	// them regardless of scores.
	QuietHours []int `yaml:"quiet_hours"`
}

// DefaultChainTable returns the Base-mainnet table used when no override
// file is configured.
func DefaultChainTable() *ChainTable {
	return &ChainTable{
		Routers: []Router{
			{Name: "uniswap-v3", Address: "0x2626664c2603336E57B271c5C0b26F421741e481", Kind: "concentrated", FeeBps: 30},
			{Name: "baseswap", Address: "0x327Df1E6de05895d2ab08513aaDD9313Fe505d86", Kind: "univ2fork", FeeBps: 25},
			{Name: "sushiswap", Address: "0x6BDED42c6DA8FBf0d2bA55B2fa120C5e0c8D7891", Kind: "univ2", FeeBps: 30},
			{Name: "aerodrome", Address: "0xcF77a3Ba9A5CA399B7c97c74d54e5b1Beb874E43", Kind: "solidly", FeeBps: 5},
		},
		Factories: []string{
			"0x33128a8fC17869897dcE68Ed026d694621f6FDfD",
			"0xFDa619b6d20975be80A10332cD39b9a4b0FAa8BB",
			"0x420DD381b31aEf6683db6B902084cB0FFECe40Da",
		},
		Tokens: map[string]string{
			"WETH": "0x4200000000000000000000000000000000000006",
			"USDC": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			"USDT": "0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2",
			"DAI":  "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb",
			"AERO": "0x940181a94A35A4569E4529A3CDfB74e38FD98631",
		},
		PairMultipliers: map[string]float64{
			"WETH/USDC": 1.0,
			"USDC/USDT": 0.618,
			"WETH/DAI":  0.809,
			"WETH/AERO": 0.5,
		},
		Anchors: []Anchor{
			{Hour: 3, Minute: 33},
			{Hour: 6, Minute: 18},
			{Hour: 11, Minute: 11},
			{Hour: 13, Minute: 8},
			{Hour: 16, Minute: 18},
			{Hour: 21, Minute: 12},
		},
		SubdivisionMinutes: []int{18, 33},
	}
}

// LoadChainTable reads the YAML override at path, or returns the default
// table when path is empty.
func LoadChainTable(path string) (*ChainTable, error) {
	if path == "" {
		return DefaultChainTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain table: %w", err)
	}

	var table ChainTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse chain table: %w", err)
	}
	if len(table.Routers) == 0 {
		return nil, fmt.Errorf("chain table lists no routers")
	}
	if len(table.Tokens) == 0 {
		return nil, fmt.Errorf("chain table lists no tokens")
	}
	return &table, nil
}

// TokenSymbol reverse-maps an address to its whitelisted symbol. The second
// return is false for addresses outside the whitelist.
func (t *ChainTable) TokenSymbol(address string) (string, bool) {
	for sym, addr := range t.Tokens {
		if equalAddress(addr, address) {
			return sym, true
		}
	}
	return "", false
}

func equalAddress(a, b string) bool {
	trim := func(s string) string {
		if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
			s = s[2:]
		}
		return s
	}
	a, b = trim(a), trim(b)
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
