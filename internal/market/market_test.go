package market

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/resofield/jamnet/internal/config"
)

// scriptCaller lets tests swap the eth_call behavior after the watcher is
// built, so responses can be packed with the watcher's own ABIs.
type scriptCaller struct {
	fn func(to common.Address, data []byte) ([]byte, error)
}

func (s *scriptCaller) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return s.fn(to, data)
}

func TestSnapshotDegradesOnRPCFailure(t *testing.T) {
	sc := &scriptCaller{fn: func(common.Address, []byte) ([]byte, error) {
		return nil, errors.New("rpc down")
	}}
	w, err := NewWatcher(sc, config.DefaultChainTable(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	snap := w.Snapshot(context.Background())
	if !snap.Degraded {
		t.Fatal("snapshot not marked degraded")
	}
	for pair, liq := range snap.Liquidity {
		if liq != 0 {
			t.Fatalf("pair %s has liquidity %v after total failure", pair, liq)
		}
	}
	if len(snap.Liquidity) == 0 {
		t.Fatal("degraded snapshot lost its pair keys")
	}
}

func TestSnapshotReadsReserves(t *testing.T) {
	table := config.DefaultChainTable()
	pairAddr := common.HexToAddress("0x00000000000000000000000000000000000fa1fa")
	token0 := common.HexToAddress(table.Tokens["WETH"])

	sc := &scriptCaller{}
	w, err := NewWatcher(sc, table, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	sc.fn = func(to common.Address, data []byte) ([]byte, error) {
		switch {
		case bytes.Equal(data[:4], w.factory.Methods["getPair"].ID):
			return w.factory.Methods["getPair"].Outputs.Pack(pairAddr)
		case bytes.Equal(data[:4], w.pair.Methods["getReserves"].ID):
			return w.pair.Methods["getReserves"].Outputs.Pack(
				new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18)),
				new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)),
				uint32(0),
			)
		case bytes.Equal(data[:4], w.pair.Methods["token0"].ID):
			return w.pair.Methods["token0"].Outputs.Pack(token0)
		}
		return nil, errors.New("unexpected call")
	}

	snap := w.Snapshot(context.Background())
	if snap.Degraded {
		t.Fatal("healthy snapshot marked degraded")
	}
	if got := snap.Liquidity["WETH/USDC"]; got != 6 {
		t.Fatalf("WETH/USDC liquidity %v, want 6", got)
	}
}

func TestPairReservesTriesNextFactory(t *testing.T) {
	table := config.DefaultChainTable()
	pairAddr := common.HexToAddress("0x00000000000000000000000000000000000fa1fa")
	firstFactory := common.HexToAddress(table.Factories[0])

	sc := &scriptCaller{}
	w, err := NewWatcher(sc, table, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	sc.fn = func(to common.Address, data []byte) ([]byte, error) {
		switch {
		case bytes.Equal(data[:4], w.factory.Methods["getPair"].ID):
			if to == firstFactory {
				// First factory has no pool.
				return w.factory.Methods["getPair"].Outputs.Pack(common.Address{})
			}
			return w.factory.Methods["getPair"].Outputs.Pack(pairAddr)
		case bytes.Equal(data[:4], w.pair.Methods["getReserves"].ID):
			return w.pair.Methods["getReserves"].Outputs.Pack(
				big.NewInt(10), big.NewInt(20), uint32(0),
			)
		case bytes.Equal(data[:4], w.pair.Methods["token0"].ID):
			return w.pair.Methods["token0"].Outputs.Pack(common.Address{})
		}
		return nil, errors.New("unexpected call")
	}

	weth := common.HexToAddress(table.Tokens["WETH"])
	usdc := common.HexToAddress(table.Tokens["USDC"])
	got, err := w.PairReserves(context.Background(), weth, usdc)
	if err != nil {
		t.Fatalf("PairReserves: %v", err)
	}
	if got.Pair != pairAddr || got.Reserve0.Int64() != 10 || got.Reserve1.Int64() != 20 {
		t.Fatalf("reserves %+v", got)
	}
}

func TestNewWatcherRejectsBadFactory(t *testing.T) {
	table := config.DefaultChainTable()
	table.Factories = []string{"not-an-address"}
	if _, err := NewWatcher(&scriptCaller{}, table, nil); err == nil {
		t.Fatal("bad factory address accepted")
	}
}

func TestScaleReserves(t *testing.T) {
	if got := scaleReserves(nil); got != 0 {
		t.Fatalf("nil reserves scaled to %v", got)
	}
	r := &PairReserves{
		Reserve0: new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18)),
		Reserve1: new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)),
	}
	if got := scaleReserves(r); got != 10 {
		t.Fatalf("scaled %v, want 10", got)
	}
	if got := scaleReserves(&PairReserves{Reserve0: big.NewInt(0), Reserve1: big.NewInt(1)}); got != 0 {
		t.Fatalf("zero reserve scaled to %v", got)
	}
}
