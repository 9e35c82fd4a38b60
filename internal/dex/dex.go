// Package dex models the router cascade: a closed table of DEX routers,
// each tagged with the variant that drives swap encoding, and a
// deterministic ordering function over (resonance, depth, topology).
package dex

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/record"
)

// Kind selects the ABI family for a router.
type Kind int

const (
	KindConcentrated Kind = iota
	KindUniV2
	KindUniV2Fork
	KindSolidly
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConcentrated:
		return "concentrated"
	case KindUniV2:
		return "univ2"
	case KindUniV2Fork:
		return "univ2fork"
	case KindSolidly:
		return "solidly"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configuration label to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "concentrated", "univ3":
		return KindConcentrated, nil
	case "univ2":
		return KindUniV2, nil
	case "univ2fork":
		return KindUniV2Fork, nil
	case "solidly":
		return KindSolidly, nil
	default:
		return 0, fmt.Errorf("unknown dex kind %q", s)
	}
}

// DEX is one router in the cascade table.
type DEX struct {
	Name   string
	Addr   common.Address
	Kind   Kind
	FeeBps int
}

// TableFrom builds the router table from configuration.
func TableFrom(table *config.ChainTable) ([]DEX, error) {
	out := make([]DEX, 0, len(table.Routers))
	for _, r := range table.Routers {
		kind, err := ParseKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("router %s: %w", r.Name, err)
		}
		if !common.IsHexAddress(r.Address) {
			return nil, fmt.Errorf("router %s: bad address %q", r.Name, r.Address)
		}
		out = append(out, DEX{
			Name:   r.Name,
			Addr:   common.HexToAddress(r.Address),
			Kind:   kind,
			FeeBps: r.FeeBps,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty router table")
	}
	return out, nil
}

// Cascade orders the table deterministically from the record's resonance,
// cascade depth and echo topology. Same inputs, same order.
func Cascade(table []DEX, resonance float64, depth int, topology record.Topology) []DEX {
	n := len(table)
	if n == 0 {
		return nil
	}
	seed := int(resonance*1000) + depth + topology.Primary + topology.Alt
	if seed < 0 {
		seed = -seed
	}
	start := seed % n

	out := make([]DEX, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, table[(start+i)%n])
	}
	return out
}

// QuoteVenue returns the venue whose router answers getAmountsOut for a
// cascade position. Concentrated routers expose no on-router quote; the
// first venue of another kind in the table answers for them.
func QuoteVenue(table []DEX, d DEX) (DEX, bool) {
	if d.Kind != KindConcentrated {
		return d, true
	}
	for _, alt := range table {
		if alt.Kind != KindConcentrated {
			return alt, true
		}
	}
	return DEX{}, false
}

// =============================================================================
// Swap encoding
// =============================================================================

const routerABIJSON = `[
	{"type":"function","name":"swapExactETHForTokens","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForETH","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const concentratedABIJSON = `[
	{"type":"function","name":"exactInputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],"outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const solidlyABIJSON = `[
	{"type":"function","name":"swapExactETHForTokens","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"routes","type":"tuple[]","components":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"stable","type":"bool"}]},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForETH","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"routes","type":"tuple[]","components":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"stable","type":"bool"}]},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"routes","type":"tuple[]","components":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"stable","type":"bool"}]}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// Encoder packs swap and quote calldata for every router kind.
type Encoder struct {
	router       abi.ABI
	concentrated abi.ABI
	solidly      abi.ABI
}

// NewEncoder parses the router ABI set once.
func NewEncoder() (*Encoder, error) {
	router, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	conc, err := abi.JSON(strings.NewReader(concentratedABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse concentrated abi: %w", err)
	}
	sol, err := abi.JSON(strings.NewReader(solidlyABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse solidly abi: %w", err)
	}
	return &Encoder{router: router, concentrated: conc, solidly: sol}, nil
}

// SwapParams describes one swap leg for encoding.
type SwapParams struct {
	TokenIn   common.Address
	TokenOut  common.Address
	Recipient common.Address
	AmountIn  *big.Int
	MinOut    *big.Int
	Deadline  *big.Int
	// ETHIn selects the value-carrying entrypoint (path starts at the
	// wrapped native token).
	ETHIn bool
	// Stable marks solidly routes over correlated assets.
	Stable bool
}

type solidlyRoute struct {
	From   common.Address
	To     common.Address
	Stable bool
}

type concentratedParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// EncodeSwap dispatches on the router kind and returns calldata. For ETHIn
// swaps the transaction must carry AmountIn as value.
func (e *Encoder) EncodeSwap(d DEX, p SwapParams) ([]byte, error) {
	switch d.Kind {
	case KindUniV2, KindUniV2Fork:
		path := []common.Address{p.TokenIn, p.TokenOut}
		if p.ETHIn {
			return e.router.Pack("swapExactETHForTokens", p.MinOut, path, p.Recipient, p.Deadline)
		}
		return e.router.Pack("swapExactTokensForETH", p.AmountIn, p.MinOut, path, p.Recipient, p.Deadline)

	case KindSolidly:
		routes := []solidlyRoute{{From: p.TokenIn, To: p.TokenOut, Stable: p.Stable}}
		if p.ETHIn {
			return e.solidly.Pack("swapExactETHForTokens", p.MinOut, routes, p.Recipient, p.Deadline)
		}
		return e.solidly.Pack("swapExactTokensForETH", p.AmountIn, p.MinOut, routes, p.Recipient, p.Deadline)

	case KindConcentrated:
		fee := big.NewInt(int64(d.FeeBps) * 100) // bps to hundredths of a bip
		return e.concentrated.Pack("exactInputSingle", concentratedParams{
			TokenIn:           p.TokenIn,
			TokenOut:          p.TokenOut,
			Fee:               fee,
			Recipient:         p.Recipient,
			Deadline:          p.Deadline,
			AmountIn:          p.AmountIn,
			AmountOutMinimum:  p.MinOut,
			SqrtPriceLimitX96: big.NewInt(0),
		})

	default:
		return nil, fmt.Errorf("no encoding for dex kind %s", d.Kind)
	}
}

// EncodeGetAmountsOut packs a quote query for the router kind.
func (e *Encoder) EncodeGetAmountsOut(d DEX, amountIn *big.Int, tokenIn, tokenOut common.Address, stable bool) ([]byte, error) {
	switch d.Kind {
	case KindUniV2, KindUniV2Fork:
		return e.router.Pack("getAmountsOut", amountIn, []common.Address{tokenIn, tokenOut})
	case KindSolidly:
		return e.solidly.Pack("getAmountsOut", amountIn, []solidlyRoute{{From: tokenIn, To: tokenOut, Stable: stable}})
	default:
		return nil, fmt.Errorf("no quote encoding for dex kind %s", d.Kind)
	}
}

// DecodeAmountsOut extracts the final output amount from a getAmountsOut
// result.
func (e *Encoder) DecodeAmountsOut(d DEX, data []byte) (*big.Int, error) {
	var out []any
	var err error
	switch d.Kind {
	case KindUniV2, KindUniV2Fork:
		out, err = e.router.Unpack("getAmountsOut", data)
	case KindSolidly:
		out, err = e.solidly.Unpack("getAmountsOut", data)
	default:
		return nil, fmt.Errorf("no quote decoding for dex kind %s", d.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unpack getAmountsOut: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getAmountsOut returned %d values, want 1", len(out))
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, fmt.Errorf("getAmountsOut result has unexpected shape")
	}
	return amounts[len(amounts)-1], nil
}
