// Package market snapshots pair liquidity from the closed factory list. The
// snapshot feeds pattern selection and trade sizing; every read degrades to
// defaults on RPC failure so market data never blocks emission.
package market

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/pkg/logger"
)

const factoryABIJSON = `[
	{"type":"function","name":"getPair","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"outputs":[{"name":"pair","type":"address"}]}
]`

const pairABIJSON = `[
	{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
	{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

// Caller performs eth_call reads.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// PairReserves holds one pair's reserves in pair token order.
type PairReserves struct {
	Pair     common.Address
	Token0   common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// Snapshot is one market observation.
type Snapshot struct {
	// Liquidity keys are "FROM/TO" symbol pairs; value is the raw reserve
	// product scaled down, zero when no pool was found.
	Liquidity map[string]float64
	// BaseFeeWei is the latest observed base fee, nil when unknown.
	BaseFeeWei *big.Int
	// Degraded marks a snapshot built from defaults after RPC failure.
	Degraded bool
}

// Watcher reads pair state from the configured factories.
type Watcher struct {
	caller    Caller
	table     *config.ChainTable
	factories []common.Address
	factory   abi.ABI
	pair      abi.ABI
	log       *logger.Logger
}

// NewWatcher builds a watcher over the configured factory list.
func NewWatcher(caller Caller, table *config.ChainTable, log *logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.NewDefault("market")
	}
	factory, err := abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	pair, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}

	factories := make([]common.Address, 0, len(table.Factories))
	for _, f := range table.Factories {
		if !common.IsHexAddress(f) {
			return nil, fmt.Errorf("bad factory address %q", f)
		}
		factories = append(factories, common.HexToAddress(f))
	}

	return &Watcher{
		caller:    caller,
		table:     table,
		factories: factories,
		factory:   factory,
		pair:      pair,
		log:       log,
	}, nil
}

// Snapshot reads reserves for every configured pair. RPC failures degrade
// individual pairs to zero and mark the snapshot degraded; the call itself
// never fails.
func (w *Watcher) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Liquidity: make(map[string]float64, len(w.table.PairMultipliers))}

	for key := range w.table.PairMultipliers {
		parts := strings.SplitN(key, "/", 2)
		if len(parts) != 2 {
			continue
		}
		fromAddr, okF := w.table.Tokens[parts[0]]
		toAddr, okT := w.table.Tokens[parts[1]]
		if !okF || !okT {
			continue
		}

		reserves, err := w.PairReserves(ctx, common.HexToAddress(fromAddr), common.HexToAddress(toAddr))
		if err != nil {
			w.log.WithError(err).WithField("pair", key).Debug("reserve read failed, degrading")
			snap.Liquidity[key] = 0
			snap.Degraded = true
			continue
		}
		snap.Liquidity[key] = scaleReserves(reserves)
	}
	return snap
}

// PairReserves finds the first factory exposing a pool for (tokenA, tokenB)
// and returns its reserves.
func (w *Watcher) PairReserves(ctx context.Context, tokenA, tokenB common.Address) (*PairReserves, error) {
	var lastErr error
	for _, f := range w.factories {
		data, err := w.factory.Pack("getPair", tokenA, tokenB)
		if err != nil {
			return nil, fmt.Errorf("pack getPair: %w", err)
		}
		raw, err := w.caller.CallContract(ctx, f, data)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := w.factory.Unpack("getPair", raw)
		if err != nil || len(out) != 1 {
			lastErr = fmt.Errorf("unpack getPair: %v", err)
			continue
		}
		pairAddr, ok := out[0].(common.Address)
		if !ok || pairAddr == (common.Address{}) {
			continue
		}

		reserves, err := w.readReserves(ctx, pairAddr)
		if err != nil {
			lastErr = err
			continue
		}
		return reserves, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no factory exposes pair %s/%s", tokenA.Hex(), tokenB.Hex())
	}
	return nil, lastErr
}

func (w *Watcher) readReserves(ctx context.Context, pairAddr common.Address) (*PairReserves, error) {
	data, err := w.pair.Pack("getReserves")
	if err != nil {
		return nil, fmt.Errorf("pack getReserves: %w", err)
	}
	raw, err := w.caller.CallContract(ctx, pairAddr, data)
	if err != nil {
		return nil, err
	}
	out, err := w.pair.Unpack("getReserves", raw)
	if err != nil || len(out) != 3 {
		return nil, fmt.Errorf("unpack getReserves: %v", err)
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, fmt.Errorf("getReserves result has unexpected shape")
	}

	token0 := common.Address{}
	if data, err := w.pair.Pack("token0"); err == nil {
		if raw, err := w.caller.CallContract(ctx, pairAddr, data); err == nil {
			if out, err := w.pair.Unpack("token0", raw); err == nil && len(out) == 1 {
				if addr, ok := out[0].(common.Address); ok {
					token0 = addr
				}
			}
		}
	}

	return &PairReserves{Pair: pairAddr, Token0: token0, Reserve0: r0, Reserve1: r1}, nil
}

// scaleReserves folds raw reserves into a comparable liquidity scalar.
func scaleReserves(r *PairReserves) float64 {
	if r == nil || r.Reserve0 == nil || r.Reserve1 == nil {
		return 0
	}
	f0, _ := new(big.Float).Quo(new(big.Float).SetInt(r.Reserve0), big.NewFloat(1e18)).Float64()
	f1, _ := new(big.Float).Quo(new(big.Float).SetInt(r.Reserve1), big.NewFloat(1e18)).Float64()
	if f0 <= 0 || f1 <= 0 {
		return 0
	}
	return f0 * f1
}
