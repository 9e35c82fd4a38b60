// Package attributor correlates later on-chain transactions with emitted
// signals and attests attributed yield into the vault. Matches feed back
// into the emitter's pattern weights through the shared state document.
package attributor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/contracts"
	"github.com/resofield/jamnet/internal/metrics"
	"github.com/resofield/jamnet/internal/record"
	"github.com/resofield/jamnet/internal/rpc"
	"github.com/resofield/jamnet/internal/state"
	"github.com/resofield/jamnet/internal/wallet"
	"github.com/resofield/jamnet/pkg/logger"
)

const (
	scanInterval = 12 * time.Second

	// scanDepth blocks behind head are rescanned every loop; the attribution
	// log dedupe keeps reprocessing idempotent.
	scanDepth = 5

	// maxBlockAge bounds how long after its amplification a record stays
	// eligible. Age exactly at the bound is still eligible.
	maxBlockAge = 50

	// The phi window on (botTxTimestamp - amplificationAt), inclusive.
	windowMinMS = 1618
	windowMaxMS = 4236

	similarityThreshold = 0.8

	// Reinforcement needs a tight match and a non-trivial yield.
	reinforceSimilarity = 0.9

	attestGasLimit       = 200_000
	attestReceiptTimeout = 45 * time.Second
)

// reinforceYieldWei is phi micro-ETH in wei.
var reinforceYieldWei = big.NewInt(1_618_033_988_700)

// Chain is the node surface the attributor consumes.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64, withTxs bool) (*rpc.Block, error)
	LatestBlock(ctx context.Context) (*rpc.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.Receipt, error)
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*rpc.Receipt, error)
}

// Attributor is the block-scan correlation service.
type Attributor struct {
	cfg     *config.Config
	chain   Chain
	primary *wallet.Wallet
	vault   *contracts.Vault
	records *record.Store
	states  *state.Store
	log     *logger.Logger

	// routers and tokens are address-keyed views of the chain table.
	routers map[common.Address]bool
	tokens  map[common.Address]string

	ownAddrs map[common.Address]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New wires the attributor. The vault address is required; without it there
// is nothing to attest into.
func New(cfg *config.Config, table *config.ChainTable, chain Chain, primary *wallet.Wallet, records *record.Store, states *state.Store, log *logger.Logger) (*Attributor, error) {
	if log == nil {
		log = logger.NewDefault("attributor")
	}
	if !common.IsHexAddress(cfg.VaultAddress) {
		return nil, fmt.Errorf("attributor requires VAULT_ADDRESS")
	}
	vault, err := contracts.NewVault(common.HexToAddress(cfg.VaultAddress))
	if err != nil {
		return nil, err
	}

	routers := make(map[common.Address]bool, len(table.Routers))
	for _, r := range table.Routers {
		if common.IsHexAddress(r.Address) {
			routers[common.HexToAddress(r.Address)] = true
		}
	}
	tokens := make(map[common.Address]string, len(table.Tokens))
	for sym, addr := range table.Tokens {
		if common.IsHexAddress(addr) {
			tokens[common.HexToAddress(addr)] = sym
		}
	}

	own := map[common.Address]bool{primary.Address(): true}
	if cfg.WalletAddress != "" && common.IsHexAddress(cfg.WalletAddress) {
		own[common.HexToAddress(cfg.WalletAddress)] = true
	}

	return &Attributor{
		cfg:      cfg,
		chain:    chain,
		primary:  primary,
		vault:    vault,
		records:  records,
		states:   states,
		log:      log,
		routers:  routers,
		tokens:   tokens,
		ownAddrs: own,
		now:      time.Now,
	}, nil
}

// Name implements system.Service.
func (at *Attributor) Name() string { return "attributor" }

// Start launches the scan loop.
func (at *Attributor) Start(ctx context.Context) error {
	active, err := at.records.ListActive()
	if err != nil {
		return fmt.Errorf("load active records: %w", err)
	}
	at.log.WithField("active_records", len(active)).Info("attributor started")

	loopCtx, cancel := context.WithCancel(context.Background())
	at.cancel = cancel

	at.wg.Add(1)
	go func() {
		defer at.wg.Done()
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := at.scan(loopCtx); err != nil {
					at.log.WithError(err).Warn("block scan failed")
				}
			}
		}
	}()
	return nil
}

// Stop halts the scan loop.
func (at *Attributor) Stop(ctx context.Context) error {
	if at.cancel != nil {
		at.cancel()
	}
	done := make(chan struct{})
	go func() {
		at.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scan walks the trailing block window and tests every foreign transaction
// against the active record set.
func (at *Attributor) scan(ctx context.Context) error {
	head, err := at.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}

	// Active records are re-read each pass so fresh amplifications join
	// immediately.
	active, err := at.records.ListActive()
	if err != nil {
		return fmt.Errorf("list active records: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	from := uint64(0)
	if head > scanDepth {
		from = head - scanDepth
	}
	for b := from; b <= head; b++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		blk, err := at.chain.BlockByNumber(ctx, b, true)
		if err != nil {
			at.log.WithError(err).WithField("block", b).Debug("block read failed, continuing")
			continue
		}
		if blk == nil {
			continue
		}
		for i := range blk.Transactions {
			at.inspect(ctx, &blk.Transactions[i], blk, active)
		}
	}
	return nil
}

// inspect tests one transaction against every active record.
func (at *Attributor) inspect(ctx context.Context, tx *rpc.Transaction, blk *rpc.Block, active []*record.SignalRecord) {
	if tx == nil || at.ownAddrs[tx.From] {
		return
	}

	cp := Coarsify(tx, at.routers, at.tokens)
	if cp.Action == "" {
		return
	}

	var rcpt *rpc.Receipt
	for _, rec := range active {
		if !at.eligible(rec, blk) {
			continue
		}

		sim := Similarity(rec, cp)
		metrics.ObserveSimilarity(sim)
		if sim < similarityThreshold {
			continue
		}

		if rcpt == nil {
			var err error
			rcpt, err = at.chain.TransactionReceipt(ctx, tx.Hash)
			if err != nil || rcpt == nil {
				at.log.WithError(err).WithField("tx", tx.Hash.Hex()).Debug("receipt unavailable, skipping")
				return
			}
			if rcpt.Status == 0 {
				return
			}
		}

		if err := at.attest(ctx, rec, tx, rcpt, sim); err != nil {
			at.log.WithError(err).
				WithField("signal", rec.Hash).
				WithField("tx", tx.Hash.Hex()).
				Warn("attestation failed")
		}
	}
}

// eligible applies the record-level gates: amplification stamped, block age
// within bound, timestamp inside the phi window.
func (at *Attributor) eligible(rec *record.SignalRecord, blk *rpc.Block) bool {
	if rec.AmplificationAt == 0 {
		return false
	}
	if rec.AmplificationBlock > 0 {
		if uint64(blk.Number) < rec.AmplificationBlock {
			return false
		}
		if uint64(blk.Number)-rec.AmplificationBlock > maxBlockAge {
			return false
		}
	}

	deltaMS := int64(blk.Timestamp)*1000 - rec.AmplificationAt
	return deltaMS >= windowMinMS && deltaMS <= windowMaxMS
}

// attest signs and submits one attestYield call, then records the event.
func (at *Attributor) attest(ctx context.Context, rec *record.SignalRecord, tx *rpc.Transaction, rcpt *rpc.Receipt, sim float64) error {
	seen, err := at.records.HasAttribution(rec.Hash, tx.Hash.Hex())
	if err != nil {
		return fmt.Errorf("attribution dedupe: %w", err)
	}
	if seen {
		return nil
	}

	var effGasPrice *big.Int
	if rcpt.EffectiveGasPrice != nil {
		effGasPrice = rcpt.EffectiveGasPrice.ToInt()
	}
	yield := yieldEstimate(uint64(rcpt.GasUsed), effGasPrice)
	signalHash := common.HexToHash(rec.OnchainHash)
	if rec.OnchainHash == "" {
		signalHash = common.HexToHash(rec.Hash)
	}

	digest := contracts.AttestationDigest(signalHash, tx.From, yield)
	sig, err := at.primary.SignMessage(digest)
	if err != nil {
		return fmt.Errorf("sign attestation: %w", err)
	}
	calldata, err := at.vault.PackAttestYield(signalHash, tx.From, yield, sig)
	if err != nil {
		return err
	}

	txHash, err := at.submit(ctx, calldata)
	if err != nil {
		metrics.RecordAttestation("submit_failed")
		return err
	}
	arcpt, err := at.chain.WaitForReceipt(ctx, txHash, attestReceiptTimeout)
	if err != nil {
		metrics.RecordAttestation("unconfirmed")
		return fmt.Errorf("await attestation receipt: %w", err)
	}
	if arcpt.Status == 0 {
		metrics.RecordAttestation("reverted")
		return fmt.Errorf("attestYield reverted")
	}
	metrics.RecordAttestation("confirmed")

	now := at.now().UnixMilli()
	if err := at.records.AppendAttribution(record.AttributionEvent{
		Timestamp:    now,
		SignalHash:   rec.Hash,
		Counterparty: tx.From.Hex(),
		YieldAmount:  yield.String(),
		Similarity:   sim,
		TxHash:       tx.Hash.Hex(),
	}); err != nil {
		at.log.WithError(err).Warn("attribution log append failed")
	}
	if err := at.records.Update(rec.Hash, func(r *record.SignalRecord) {
		r.AttestedAt = now
	}); err != nil {
		at.log.WithError(err).Warn("attestation stamp failed")
	}

	at.feedback(rec, sim, yield)

	at.log.WithField("signal", rec.Hash).
		WithField("counterparty", tx.From.Hex()).
		WithField("similarity", sim).
		WithField("yield_wei", yield.String()).
		Info("yield attested")
	return nil
}

// feedback folds the match into the pattern stats. Strong matches with
// non-trivial yield mark the pattern reinforced.
func (at *Attributor) feedback(rec *record.SignalRecord, sim float64, yield *big.Int) {
	reinforce := sim > reinforceSimilarity && yield.Cmp(reinforceYieldWei) > 0
	if err := at.states.Mutate(func(doc *state.Document) {
		if doc.Metrics.Patterns == nil {
			doc.Metrics.Patterns = map[string]*state.PatternStats{}
		}
		st := doc.Metrics.Patterns[rec.Pattern]
		if st == nil {
			st = &state.PatternStats{}
			doc.Metrics.Patterns[rec.Pattern] = st
		}
		st.Successes++
		if reinforce {
			st.Reinforced = true
		}
	}); err != nil {
		at.log.WithError(err).Warn("pattern feedback failed")
	}
}

// submit signs and broadcasts the attestation with a chain-derived nonce
// and fees from the latest base fee.
func (at *Attributor) submit(ctx context.Context, calldata []byte) (common.Hash, error) {
	nonce, err := at.chain.TransactionCount(ctx, at.primary.Address())
	if err != nil {
		return common.Hash{}, fmt.Errorf("read nonce: %w", err)
	}

	base := big.NewInt(10_000_000) // 0.01 gwei fallback
	if latest, err := at.chain.LatestBlock(ctx); err == nil && latest != nil && latest.BaseFee != nil {
		base = latest.BaseFee.ToInt()
	}
	tip := big.NewInt(50_000_000) // 0.05 gwei
	feeCap := new(big.Int).Mul(base, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	to := at.vault.Address()
	signed, err := at.primary.SignTx(&types.DynamicFeeTx{
		Nonce:     nonce,
		To:        &to,
		Value:     big.NewInt(0),
		Gas:       attestGasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      calldata,
	})
	if err != nil {
		return common.Hash{}, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode attestation: %w", err)
	}
	return at.chain.SendRawTransaction(ctx, raw)
}
