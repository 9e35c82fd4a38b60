// Package testutil provides the in-memory chain fake shared by the service
// tests. It implements every node-surface interface the pipeline consumes.
package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/resofield/jamnet/internal/rpc"
)

// FakeChain is a scripted node. Zero value is usable; fields configure
// canned responses and Err* fields force failures.
type FakeChain struct {
	mu sync.Mutex

	Head     uint64
	Blocks   map[uint64]*rpc.Block
	Txs      map[common.Hash]*rpc.Transaction
	Receipts map[common.Hash]*rpc.Receipt
	Balances map[common.Address]*big.Int
	Nonces   map[common.Address]uint64
	LogsByID []rpc.Log
	Fees     *rpc.FeeHistory

	// CallFn, when set, answers CallContract.
	CallFn func(to common.Address, data []byte) ([]byte, error)

	// Sent collects every raw transaction broadcast through the fake,
	// decoded for assertions.
	Sent []*types.Transaction

	// AutoReceipt registers a successful receipt for every broadcast
	// transaction, landing it in AutoReceiptBlock.
	AutoReceipt      bool
	AutoReceiptBlock uint64

	ErrBlockNumber error
	ErrSend        error
	ErrReceipt     error
	ErrBalance     error
}

// NewFakeChain returns an empty scripted chain.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		Blocks:   map[uint64]*rpc.Block{},
		Txs:      map[common.Hash]*rpc.Transaction{},
		Receipts: map[common.Hash]*rpc.Receipt{},
		Balances: map[common.Address]*big.Int{},
		Nonces:   map[common.Address]uint64{},
	}
}

func (f *FakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrBlockNumber != nil {
		return 0, f.ErrBlockNumber
	}
	return f.Head, nil
}

func (f *FakeChain) LatestBlock(ctx context.Context) (*rpc.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if blk, ok := f.Blocks[f.Head]; ok {
		return blk, nil
	}
	return nil, fmt.Errorf("no block at head %d", f.Head)
}

func (f *FakeChain) BlockByNumber(ctx context.Context, number uint64, withTxs bool) (*rpc.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blk, ok := f.Blocks[number]
	if !ok {
		return nil, fmt.Errorf("no block %d", number)
	}
	return blk, nil
}

func (f *FakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*rpc.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.Txs[hash]
	if !ok {
		return nil, fmt.Errorf("no transaction %s", hash.Hex())
	}
	return tx, nil
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrReceipt != nil {
		return nil, f.ErrReceipt
	}
	rcpt, ok := f.Receipts[hash]
	if !ok {
		return nil, rpc.ErrReceiptPending
	}
	return rcpt, nil
}

func (f *FakeChain) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*rpc.Receipt, error) {
	return f.TransactionReceipt(ctx, hash)
}

func (f *FakeChain) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonces[addr], nil
}

func (f *FakeChain) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrBalance != nil {
		return nil, f.ErrBalance
	}
	bal, ok := f.Balances[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (f *FakeChain) FeeHistory(ctx context.Context, blocks int, percentiles []float64) (*rpc.FeeHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fees == nil {
		return &rpc.FeeHistory{}, nil
	}
	return f.Fees, nil
}

func (f *FakeChain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if f.CallFn != nil {
		return f.CallFn(to, data)
	}
	return nil, fmt.Errorf("no contract at %s", to.Hex())
}

func (f *FakeChain) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ErrSend != nil {
		return common.Hash{}, f.ErrSend
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("malformed raw transaction: %w", err)
	}
	f.Sent = append(f.Sent, tx)
	if f.AutoReceipt {
		f.Receipts[tx.Hash()] = &rpc.Receipt{
			TransactionHash:   tx.Hash(),
			Status:            1,
			BlockNumber:       hexutil.Uint64(f.AutoReceiptBlock),
			GasUsed:           21_000,
			EffectiveGasPrice: (*hexutil.Big)(big.NewInt(60_000_000)),
		}
	}
	return tx.Hash(), nil
}

func (f *FakeChain) Logs(ctx context.Context, filter rpc.LogFilter) ([]rpc.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LogsByID, nil
}

// SentHashes returns the hashes of every broadcast transaction in order.
func (f *FakeChain) SentHashes() []common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]common.Hash, len(f.Sent))
	for i, tx := range f.Sent {
		out[i] = tx.Hash()
	}
	return out
}

// AddBlock registers a block and advances head when it is newer.
func (f *FakeChain) AddBlock(blk *rpc.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := uint64(blk.Number)
	f.Blocks[n] = blk
	if n > f.Head {
		f.Head = n
	}
}
