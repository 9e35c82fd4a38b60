package attributor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/record"
	"github.com/resofield/jamnet/internal/rpc"
	"github.com/resofield/jamnet/internal/state"
	"github.com/resofield/jamnet/internal/wallet"
	"github.com/resofield/jamnet/pkg/testutil"
)

const testAttestorKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type attrFixture struct {
	at      *Attributor
	chain   *testutil.FakeChain
	records *record.Store
	states  *state.Store
	primary *wallet.Wallet
}

func newAttrFixture(t *testing.T) *attrFixture {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &config.Config{
		PrivateKey:   testAttestorKey,
		VaultAddress: "0x00000000000000000000000000000000000aa001",
		ChainID:      8453,
		DataDir:      dataDir,
	}

	primary, err := wallet.FromHex(testAttestorKey, cfg.ChainID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	records, err := record.NewStore(dataDir, nil)
	if err != nil {
		t.Fatalf("record store: %v", err)
	}
	states, err := state.NewStore(dataDir, nil)
	if err != nil {
		t.Fatalf("state store: %v", err)
	}

	chain := testutil.NewFakeChain()
	chain.AutoReceipt = true // attestation receipts

	at, err := New(cfg, config.DefaultChainTable(), chain, primary, records, states, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &attrFixture{at: at, chain: chain, records: records, states: states, primary: primary}
}

func TestNewRequiresVault(t *testing.T) {
	cfg := &config.Config{PrivateKey: testAttestorKey, ChainID: 8453}
	primary, err := wallet.FromHex(testAttestorKey, cfg.ChainID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if _, err := New(cfg, config.DefaultChainTable(), testutil.NewFakeChain(), primary, nil, nil, nil); err == nil {
		t.Fatal("missing vault address accepted")
	}
}

func TestEligibleWindow(t *testing.T) {
	f := newAttrFixture(t)

	const blockTS = uint64(2_000_000_000)
	blockMS := int64(blockTS) * 1000

	rec := ampRecord()
	rec.AmplificationBlock = 100
	blk := &rpc.Block{Number: 103, Timestamp: hexutil.Uint64(blockTS)}

	cases := []struct {
		name    string
		deltaMS int64
		want    bool
	}{
		{"below window", 1617, false},
		{"window floor", 1618, true},
		{"inside window", 2500, true},
		{"window ceiling", 4236, true},
		{"above window", 4237, false},
	}
	for _, tc := range cases {
		rec.AmplificationAt = blockMS - tc.deltaMS
		if got := f.at.eligible(rec, blk); got != tc.want {
			t.Fatalf("%s: eligible = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEligibleBlockGates(t *testing.T) {
	f := newAttrFixture(t)

	const blockTS = uint64(2_000_000_000)
	rec := ampRecord()
	rec.AmplificationBlock = 100
	rec.AmplificationAt = int64(blockTS)*1000 - 2000 // inside the window

	mkBlk := func(n uint64) *rpc.Block {
		return &rpc.Block{Number: hexutil.Uint64(n), Timestamp: hexutil.Uint64(blockTS)}
	}

	if f.at.eligible(rec, mkBlk(99)) {
		t.Fatal("block before amplification accepted")
	}
	if !f.at.eligible(rec, mkBlk(150)) {
		t.Fatal("age exactly at bound rejected")
	}
	if f.at.eligible(rec, mkBlk(151)) {
		t.Fatal("over-age block accepted")
	}

	rec.AmplificationAt = 0
	if f.at.eligible(rec, mkBlk(103)) {
		t.Fatal("unamplified record accepted")
	}
}

// seedMatch stores an amplified record and returns a bot transaction plus its
// containing block, both shaped to score similarity 1.0.
func (f *attrFixture) seedMatch(t *testing.T) (*record.SignalRecord, *rpc.Transaction, *rpc.Block) {
	t.Helper()

	const blockTS = uint64(2_000_000_000)
	rec := ampRecord()
	rec.AmplificationBlock = 100
	rec.AmplificationAt = int64(blockTS)*1000 - 2000
	if err := f.records.Put(rec.Hash, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	router := firstRouter(t)
	tx := &rpc.Transaction{
		Hash:  common.HexToHash("0xb0b"),
		From:  common.HexToAddress("0x00000000000000000000000000000000000b0b01"),
		To:    &router,
		Input: swapCalldata(wethAddr, usdcAddr),
	}
	blk := &rpc.Block{Number: 102, Timestamp: hexutil.Uint64(blockTS)}
	return rec, tx, blk
}

func TestInspectAttestsAndReinforces(t *testing.T) {
	f := newAttrFixture(t)
	rec, tx, blk := f.seedMatch(t)

	// A strong yield: 200k gas at 0.01 gwei scaled by 1.61 clears the
	// reinforcement bar.
	f.chain.Receipts[tx.Hash] = &rpc.Receipt{
		TransactionHash:   tx.Hash,
		Status:            1,
		GasUsed:           200_000,
		EffectiveGasPrice: (*hexutil.Big)(big.NewInt(10_000_000)),
	}

	f.at.inspect(context.Background(), tx, blk, []*record.SignalRecord{rec})

	if len(f.chain.Sent) != 1 {
		t.Fatalf("attestations broadcast: %d, want 1", len(f.chain.Sent))
	}
	seen, err := f.records.HasAttribution(rec.Hash, tx.Hash.Hex())
	if err != nil || !seen {
		t.Fatalf("attribution not logged: %v", err)
	}

	stored, err := f.records.Get(rec.Hash)
	if err != nil || stored == nil || stored.AttestedAt == 0 {
		t.Fatalf("attestation stamp missing: %+v", stored)
	}

	doc, err := f.states.Load()
	if err != nil {
		t.Fatalf("state load: %v", err)
	}
	st := doc.Metrics.Patterns[rec.Pattern]
	if st == nil || st.Successes != 1 {
		t.Fatalf("pattern stats not updated: %+v", st)
	}
	if !st.Reinforced {
		t.Fatal("strong match did not reinforce pattern")
	}

	// Rescanning the same window is idempotent.
	f.at.inspect(context.Background(), tx, blk, []*record.SignalRecord{rec})
	if len(f.chain.Sent) != 1 {
		t.Fatalf("duplicate attestation broadcast: %d", len(f.chain.Sent))
	}
}

func TestInspectSkipsOwnTransactions(t *testing.T) {
	f := newAttrFixture(t)
	rec, tx, blk := f.seedMatch(t)
	tx.From = f.primary.Address()

	f.at.inspect(context.Background(), tx, blk, []*record.SignalRecord{rec})
	if len(f.chain.Sent) != 0 {
		t.Fatal("own transaction attributed")
	}
}

func TestInspectIgnoresRevertedBot(t *testing.T) {
	f := newAttrFixture(t)
	rec, tx, blk := f.seedMatch(t)

	f.chain.Receipts[tx.Hash] = &rpc.Receipt{TransactionHash: tx.Hash, Status: 0}

	f.at.inspect(context.Background(), tx, blk, []*record.SignalRecord{rec})
	if len(f.chain.Sent) != 0 {
		t.Fatal("reverted bot transaction attributed")
	}
}

func TestInspectRequiresThresholdSimilarity(t *testing.T) {
	f := newAttrFixture(t)
	rec, tx, blk := f.seedMatch(t)
	tx.Input = swapCalldata(wethAddr) // single token: similarity 0.625

	f.at.inspect(context.Background(), tx, blk, []*record.SignalRecord{rec})
	if len(f.chain.Sent) != 0 {
		t.Fatal("weak match attributed")
	}
}
