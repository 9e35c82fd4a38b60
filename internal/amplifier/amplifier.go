// Package amplifier watches the signal registry for the emitter's signals
// and executes the bait-and-capture sequence: a small public swap that
// advertises the pattern, then a private bundle that takes the reverse side
// from the mirror wallet in the next block.
package amplifier

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/contracts"
	"github.com/resofield/jamnet/internal/dex"
	"github.com/resofield/jamnet/internal/echo"
	"github.com/resofield/jamnet/internal/metrics"
	"github.com/resofield/jamnet/internal/pattern"
	"github.com/resofield/jamnet/internal/record"
	"github.com/resofield/jamnet/internal/rpc"
	"github.com/resofield/jamnet/internal/wallet"
	"github.com/resofield/jamnet/pkg/logger"
)

const (
	pollInterval = 12 * time.Second

	// baitDelay decouples the bait visually from the registry event.
	baitDelay = 10 * time.Second

	baitGasLimit    = 350_000
	captureGasLimit = 250_000
	transferGas     = 21_000

	baitReceiptTimeout = 60 * time.Second

	// maxLogSpan bounds one eth_getLogs range after downtime.
	maxLogSpan = 500

	handleAttempts = 3

	reasonAllRoutersRejected = "All DEX routers rejected bait"
	reasonNoRelay            = "Builder relay not configured"
	reasonNoMirrorStep       = "Record has no mirror step"
	reasonTokenUnknown       = "Capture token outside whitelist"
	reasonInventoryUnknown   = "Mirror inventory unreadable"
	reasonNoInventory        = "Mirror holds no capture inventory"
	reasonNoQuote            = "Capture quote unavailable"
	reasonCaptureBuild       = "Capture transaction build failed"
	reasonCaptureFailed      = "Capture reverted or not included"
)

var handleBackoffs = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Chain is the node surface the amplifier consumes.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	LatestBlock(ctx context.Context) (*rpc.Block, error)
	BlockByNumber(ctx context.Context, number uint64, withTxs bool) (*rpc.Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*rpc.Transaction, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.Receipt, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*rpc.Receipt, error)
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	Logs(ctx context.Context, filter rpc.LogFilter) ([]rpc.Log, error)
}

// Amplifier is the bait-and-capture service. Signals are handled strictly
// one at a time; a signal arriving mid-amplification waits for the next poll.
type Amplifier struct {
	cfg      *config.Config
	table    *config.ChainTable
	chain    Chain
	primary  *wallet.Wallet
	mirror   *wallet.Wallet
	records  *record.Store
	dmap     *contracts.DMAP
	erc20    *contracts.ERC20
	encoder  *dex.Encoder
	dexes    []dex.DEX
	bundles  *BundleClient
	selector *pattern.Selector
	echoes   *echo.Chain
	log      *logger.Logger

	emitterAddr common.Address
	vaultAddr   common.Address

	mu            sync.Mutex
	amplifying    bool
	lastProcessed uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the amplifier. The mirror wallet is required; capture is the
// whole point of this process.
func New(cfg *config.Config, table *config.ChainTable, chain Chain, primary, mirror *wallet.Wallet, records *record.Store, bundles *BundleClient, echoes *echo.Chain, log *logger.Logger) (*Amplifier, error) {
	if log == nil {
		log = logger.NewDefault("amplifier")
	}
	if mirror == nil {
		return nil, fmt.Errorf("amplifier requires a mirror wallet")
	}
	if primary.Address() == mirror.Address() {
		return nil, fmt.Errorf("mirror wallet must differ from primary")
	}

	dmap, err := contracts.NewDMAP(common.HexToAddress(cfg.DMAPAddress))
	if err != nil {
		return nil, err
	}
	erc20, err := contracts.NewERC20()
	if err != nil {
		return nil, err
	}
	encoder, err := dex.NewEncoder()
	if err != nil {
		return nil, err
	}
	dexes, err := dex.TableFrom(table)
	if err != nil {
		return nil, err
	}

	emitterAddr := primary.Address()
	if cfg.WalletAddress != "" {
		emitterAddr = common.HexToAddress(cfg.WalletAddress)
	}

	return &Amplifier{
		cfg:         cfg,
		table:       table,
		chain:       chain,
		primary:     primary,
		mirror:      mirror,
		records:     records,
		dmap:        dmap,
		erc20:       erc20,
		encoder:     encoder,
		dexes:       dexes,
		bundles:     bundles,
		selector:    pattern.NewSelector(table, log.Named("selector")),
		echoes:      echoes,
		log:         log,
		emitterAddr: emitterAddr,
		vaultAddr:   common.HexToAddress(cfg.VaultAddress),
		now:         time.Now,
		sleep:       sleepCtx,
	}, nil
}

// Name implements system.Service.
func (a *Amplifier) Name() string { return "amplifier" }

// Start launches the registry poll loop.
func (a *Amplifier) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := a.poll(loopCtx); err != nil {
					a.log.WithError(err).Warn("registry poll failed")
				}
			}
		}
	}()

	a.log.WithField("emitter", a.emitterAddr.Hex()).Info("amplifier started")
	return nil
}

// Stop halts the poll loop and waits for any in-flight amplification.
func (a *Amplifier) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Amplifying reports whether a signal is currently being worked.
func (a *Amplifier) Amplifying() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.amplifying
}

// poll scans new blocks for SignalRegistered events and handles each hit
// sequentially.
func (a *Amplifier) poll(ctx context.Context) error {
	head, err := a.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}

	a.mu.Lock()
	last := a.lastProcessed
	a.mu.Unlock()

	if last == 0 {
		// First observation; never replay history.
		a.setLastProcessed(head)
		return nil
	}
	if head <= last {
		return nil
	}
	from := last + 1
	if head-from > maxLogSpan {
		from = head - maxLogSpan
	}

	logs, err := a.chain.Logs(ctx, rpc.LogFilter{
		FromBlock: fmt.Sprintf("0x%x", from),
		ToBlock:   fmt.Sprintf("0x%x", head),
		Address:   []common.Address{a.dmap.Address()},
		Topics:    [][]common.Hash{{a.dmap.SignalRegisteredTopic()}},
	})
	if err != nil {
		return fmt.Errorf("scan registry logs: %w", err)
	}

	for _, lg := range logs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.handleWithRetry(ctx, lg)
	}

	a.setLastProcessed(head)
	return nil
}

func (a *Amplifier) setLastProcessed(n uint64) {
	a.mu.Lock()
	a.lastProcessed = n
	a.mu.Unlock()
}

// handleWithRetry retries transient failures with widening pauses. A skip
// (nil error) never retries.
func (a *Amplifier) handleWithRetry(ctx context.Context, lg rpc.Log) {
	for attempt := 0; attempt < handleAttempts; attempt++ {
		err := a.handleSignal(ctx, lg)
		if err == nil {
			return
		}
		a.log.WithError(err).WithField("attempt", attempt+1).Warn("amplification attempt failed")
		if attempt+1 < handleAttempts {
			if serr := a.sleep(ctx, handleBackoffs[attempt]); serr != nil {
				return
			}
		}
	}
	metrics.RecordAmplification("exhausted")
}

// handleSignal runs the full bait-and-capture sequence for one registry
// event. Returning nil means done or deliberately skipped; an error is
// retryable.
func (a *Amplifier) handleSignal(ctx context.Context, lg rpc.Log) error {
	a.mu.Lock()
	if a.amplifying {
		a.mu.Unlock()
		a.log.Debug("amplification already in flight, deferring signal")
		return nil
	}
	a.amplifying = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.amplifying = false
		a.mu.Unlock()
	}()

	eventHash, err := a.dmap.ParseSignalRegistered(lg.Topics)
	if err != nil {
		a.log.WithError(err).Debug("ignoring foreign log")
		return nil
	}
	slog := a.log.WithField("signal", eventHash.Hex())

	// Only our own emitter's signals are amplified.
	tx, err := a.chain.TransactionByHash(ctx, lg.TxHash)
	if err != nil {
		return fmt.Errorf("load signal tx: %w", err)
	}
	if tx == nil || tx.From != a.emitterAddr {
		slog.Debug("signal from foreign emitter, skipping")
		return nil
	}
	if tx.To != nil && a.vaultAddr != (common.Address{}) && *tx.To == a.vaultAddr {
		if !a.dmap.IsEmitSignalCall(tx.Input) {
			slog.Debug("vault-routed tx is not an emitSignal call, skipping")
			return nil
		}
	}

	// Decouple the bait from the registry event in time.
	if err := a.sleep(ctx, baitDelay); err != nil {
		return err
	}

	rec := a.loadRecord(eventHash)
	if rec == nil {
		slog.Debug("no local record for signal, skipping")
		metrics.RecordAmplification("unknown_signal")
		return nil
	}
	slog = slog.WithField("pattern", rec.Pattern)

	if !rec.Meta.AuditPass {
		slog.Info("record failed audit, skipping")
		metrics.RecordAmplification("audit_reject")
		return nil
	}
	if !rec.IsReversePattern() || rec.Resonance < 1.0 {
		slog.WithField("resonance", rec.Resonance).Info("pattern not capturable, skipping")
		metrics.RecordAmplification("not_capturable")
		return nil
	}

	latest, err := a.chain.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("read latest block: %w", err)
	}
	baseGwei := baseFeeGwei(latest)
	if baseGwei > a.cfg.MaxGasGwei {
		slog.WithField("base_fee_gwei", baseGwei).Info("gas above ceiling, skipping")
		metrics.RecordAmplification("gas_ceiling")
		return nil
	}

	size := tradeAmount(rec, a.table, baseGwei, a.selector.WindowMultiplier(a.now()))
	if err := validateLegibility(rec, a.table, size.AmountWei); err != nil {
		slog.WithError(err).Info("bait failed legibility check, skipping")
		metrics.RecordAmplification("illegible")
		return nil
	}
	slog.WithField("amount_wei", size.AmountWei.String()).
		WithField("confidence", size.Confidence).
		Info("amplifying signal")

	ethBefore, err := a.chain.Balance(ctx, a.primary.Address())
	if err != nil {
		return fmt.Errorf("read primary balance: %w", err)
	}

	a.prefundMirror(ctx, rec)

	cascade := dex.Cascade(a.dexes, rec.Resonance, rec.CascadeDepth, rec.RecursiveTopology)
	var bait *baitResult
	var venue dex.DEX
	for _, d := range cascade {
		res, berr := a.executeBait(ctx, d, rec, size.AmountWei, latest)
		if berr != nil {
			slog.WithError(berr).WithField("dex", d.Name).Warn("bait rejected, trying next venue")
			continue
		}
		bait, venue = res, d
		break
	}
	if bait == nil {
		metrics.RecordAmplification("bait_failed")
		return a.records.AppendProfit(record.ProfitEntry{
			Timestamp:  a.now().UnixMilli(),
			SignalHash: rec.Hash,
			Success:    false,
			Reason:     reasonAllRoutersRejected,
		})
	}
	slog = slog.WithField("dex", venue.Name).WithField("bait_tx", bait.txHash.Hex())
	slog.WithField("block", bait.block).Info("bait confirmed")

	// The attribution window compares block timestamps, so the stamp is the
	// bait block's time, not the wall clock at receipt arrival.
	stampedAt := int64(bait.blockTime) * 1000
	if stampedAt == 0 {
		stampedAt = a.now().UnixMilli()
	}
	if err := a.records.Update(rec.Hash, func(r *record.SignalRecord) {
		r.AmplificationAt = stampedAt
		r.AmplificationBlock = bait.block
	}); err != nil {
		slog.WithError(err).Warn("failed to stamp amplification")
	}
	rec.AmplificationAt = stampedAt
	rec.AmplificationBlock = bait.block
	if err := a.records.WriteBeacon(record.Beacon{Hash: rec.Hash, ConfirmedTimestamp: stampedAt}); err != nil {
		slog.WithError(err).Warn("failed to write beacon")
	}

	a.capture(ctx, venue, rec, bait, ethBefore)

	a.sideChannels(ctx, rec, bait)

	metrics.RecordAmplification("completed")
	return nil
}

// loadRecord resolves the registry hash to a local record, falling back to
// the beacon when registry and content hashes diverge.
func (a *Amplifier) loadRecord(eventHash common.Hash) *record.SignalRecord {
	rec, err := a.records.Get(eventHash.Hex())
	if err == nil && rec != nil {
		return rec
	}
	b, err := a.records.ReadBeacon()
	if err != nil || b == nil {
		return nil
	}
	rec, err = a.records.Get(b.Hash)
	if err != nil {
		return nil
	}
	return rec
}

// =============================================================================
// Bait
// =============================================================================

type baitResult struct {
	txHash      common.Hash
	block       uint64
	blockTime   uint64
	effGasPrice *big.Int
	// proposerHint is the bait block's fee recipient, the best available
	// guess for who proposes the next block.
	proposerHint common.Address
}

// executeBait submits the public advertisement swap on one venue and waits
// for its receipt.
func (a *Amplifier) executeBait(ctx context.Context, d dex.DEX, rec *record.SignalRecord, amount *big.Int, latest *rpc.Block) (*baitResult, error) {
	amp, ok := rec.StepFor(record.ActorAmplifier)
	if !ok {
		return nil, fmt.Errorf("record has no amplifier step")
	}
	tokenIn, err := a.tokenAddress(amp.From)
	if err != nil {
		return nil, err
	}
	tokenOut, err := a.tokenAddress(amp.To)
	if err != nil {
		return nil, err
	}

	ethIn := strings.EqualFold(amp.From, "WETH")
	stable := isStablePair(amp.From, amp.To)
	deadline := big.NewInt(a.now().Add(5 * time.Minute).Unix())

	calldata, err := a.encoder.EncodeSwap(d, dex.SwapParams{
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		Recipient: a.primary.Address(),
		AmountIn:  amount,
		MinOut:    coarseMinOut(amount),
		Deadline:  deadline,
		ETHIn:     ethIn,
		Stable:    stable,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bait swap: %w", err)
	}

	value := big.NewInt(0)
	if ethIn {
		value = amount
	}
	feeCap, tip := baitFees(latest)

	txHash, err := a.sendSigned(ctx, a.primary, &types.DynamicFeeTx{
		To:        &d.Addr,
		Value:     value,
		Gas:       baitGasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      calldata,
	})
	if err != nil {
		return nil, err
	}

	rcpt, err := a.chain.WaitForReceipt(ctx, txHash, baitReceiptTimeout)
	if err != nil {
		return nil, fmt.Errorf("await bait receipt: %w", err)
	}
	if rcpt.Status == 0 {
		return nil, fmt.Errorf("bait reverted on %s", d.Name)
	}

	eff := big.NewInt(0)
	if rcpt.EffectiveGasPrice != nil {
		eff = rcpt.EffectiveGasPrice.ToInt()
	}

	proposer := latest.Miner
	var blockTime uint64
	if blk, err := a.chain.BlockByNumber(ctx, uint64(rcpt.BlockNumber), false); err == nil && blk != nil {
		proposer = blk.Miner
		blockTime = uint64(blk.Timestamp)
	}

	return &baitResult{
		txHash:       txHash,
		block:        uint64(rcpt.BlockNumber),
		blockTime:    blockTime,
		effGasPrice:  eff,
		proposerHint: proposer,
	}, nil
}

// =============================================================================
// Capture
// =============================================================================

// capture builds and submits the private reverse bundle for the block after
// the bait, then reconciles profit from the primary wallet's ETH delta.
func (a *Amplifier) capture(ctx context.Context, d dex.DEX, rec *record.SignalRecord, bait *baitResult, ethBefore *big.Int) {
	slog := a.log.WithField("signal", rec.Hash).WithField("dex", d.Name)

	if a.bundles == nil || !a.bundles.Enabled() {
		slog.Info("no builder relay, bait stands alone")
		a.appendProfit(rec, false, reasonNoRelay, nil, bait, 0)
		return
	}

	mir, ok := rec.StepFor(record.ActorMirror)
	if !ok {
		slog.Warn("record has no mirror step")
		a.appendProfit(rec, false, reasonNoMirrorStep, nil, bait, 0)
		return
	}
	sellToken, err := a.tokenAddress(mir.From)
	if err != nil {
		slog.WithError(err).Warn("mirror token unresolvable")
		a.appendProfit(rec, false, reasonTokenUnknown, nil, bait, 0)
		return
	}
	wethAddr, err := a.tokenAddress("WETH")
	if err != nil {
		slog.WithError(err).Warn("WETH unresolvable")
		a.appendProfit(rec, false, reasonTokenUnknown, nil, bait, 0)
		return
	}

	inventory, err := a.tokenBalance(ctx, sellToken, a.mirror.Address())
	if err != nil {
		slog.WithError(err).Warn("mirror inventory read failed")
		a.appendProfit(rec, false, reasonInventoryUnknown, nil, bait, 0)
		return
	}
	if inventory.Sign() == 0 {
		slog.Info("mirror inventory empty, no capture")
		a.appendProfit(rec, false, reasonNoInventory, nil, bait, 0)
		return
	}

	expected, err := a.quote(ctx, d, inventory, sellToken, wethAddr, isStablePair(mir.From, mir.To))
	if err != nil {
		slog.WithError(err).Warn("capture quote failed")
		a.appendProfit(rec, false, reasonNoQuote, nil, bait, 0)
		return
	}
	minOut := applySlippage(expected)

	// Outbid the bait so the bundle lands in the very next block.
	capGas := new(big.Int).Mul(bait.effGasPrice, big.NewInt(2))
	if capGas.Sign() == 0 {
		capGas = big.NewInt(100_000_000) // 0.1 gwei floor
	}
	gasCost := new(big.Int).Mul(capGas, big.NewInt(captureGasLimit))
	bribe := captureBribe(expected, gasCost)

	swapData, err := a.encoder.EncodeSwap(d, dex.SwapParams{
		TokenIn:   sellToken,
		TokenOut:  wethAddr,
		Recipient: a.mirror.Address(),
		AmountIn:  inventory,
		MinOut:    minOut,
		Deadline:  big.NewInt(a.now().Add(5 * time.Minute).Unix()),
		ETHIn:     false,
		Stable:    isStablePair(mir.From, mir.To),
	})
	if err != nil {
		slog.WithError(err).Warn("encode capture swap failed")
		a.appendProfit(rec, false, reasonCaptureBuild, nil, bait, 0)
		return
	}

	rawSwap, swapHash, err := a.signRaw(ctx, a.mirror, &types.DynamicFeeTx{
		To:        &d.Addr,
		Value:     big.NewInt(0),
		Gas:       captureGasLimit,
		GasFeeCap: capGas,
		GasTipCap: capGas,
		Data:      swapData,
	})
	if err != nil {
		slog.WithError(err).Warn("sign capture swap failed")
		a.appendProfit(rec, false, reasonCaptureBuild, nil, bait, 0)
		return
	}

	txs := [][]byte{rawSwap}
	if bribe.Sign() > 0 {
		proposer := bait.proposerHint
		rawBribe, _, berr := a.signRaw(ctx, a.primary, &types.DynamicFeeTx{
			To:        &proposer,
			Value:     bribe,
			Gas:       transferGas,
			GasFeeCap: capGas,
			GasTipCap: capGas,
		})
		if berr != nil {
			slog.WithError(berr).Warn("sign bribe failed")
			a.appendProfit(rec, false, reasonCaptureBuild, nil, bait, 0)
			return
		}
		txs = append(txs, rawBribe)
	}

	target := bait.block + 1
	bundleID, err := a.bundles.Submit(ctx, txs, target)
	if err != nil {
		slog.WithError(err).Warn("bundle submission failed")
		metrics.RecordBundle("rejected")
		a.appendProfit(rec, false, reasonCaptureFailed, nil, bait, target)
		return
	}
	metrics.RecordBundle("submitted")
	slog.WithField("bundle", bundleID).WithField("target_block", target).Info("capture bundle submitted")

	included := a.awaitInclusion(ctx, swapHash, target)

	ethAfter, err := a.chain.Balance(ctx, a.primary.Address())
	var delta *big.Int
	if err == nil {
		delta = new(big.Int).Sub(ethAfter, ethBefore)
	}

	if included {
		metrics.RecordBundle("included")
		a.appendProfit(rec, true, "", delta, bait, target)
		slog.WithField("delta_wei", bigString(delta)).Info("capture included")
	} else {
		metrics.RecordBundle("missed")
		a.appendProfit(rec, false, reasonCaptureFailed, delta, bait, target)
		slog.Info("capture reverted or not included")
	}
}

// awaitInclusion waits past the target block, then checks the mirror swap's
// receipt. One shot: no resubmission for later blocks.
func (a *Amplifier) awaitInclusion(ctx context.Context, txHash common.Hash, target uint64) bool {
	deadline := a.now().Add(90 * time.Second)
	for a.now().Before(deadline) {
		head, err := a.chain.BlockNumber(ctx)
		if err == nil && head > target {
			break
		}
		if a.sleep(ctx, 3*time.Second) != nil {
			return false
		}
	}

	rcpt, err := a.chain.TransactionReceipt(ctx, txHash)
	if err != nil || rcpt == nil {
		return false
	}
	return rcpt.Status == 1
}

// =============================================================================
// Supporting moves
// =============================================================================

// prefundMirror moves the primary wallet's balance of the mirror's sell
// token over to the mirror. Best effort; capture copes with an empty mirror.
func (a *Amplifier) prefundMirror(ctx context.Context, rec *record.SignalRecord) {
	mir, ok := rec.StepFor(record.ActorMirror)
	if !ok {
		return
	}
	token, err := a.tokenAddress(mir.From)
	if err != nil {
		return
	}
	bal, err := a.tokenBalance(ctx, token, a.primary.Address())
	if err != nil || bal.Sign() == 0 {
		return
	}

	transfer, err := a.erc20.PackTransfer(a.mirror.Address(), bal)
	if err != nil {
		return
	}
	latest, err := a.chain.LatestBlock(ctx)
	if err != nil {
		return
	}
	feeCap, tip := baitFees(latest)
	txHash, err := a.sendSigned(ctx, a.primary, &types.DynamicFeeTx{
		To:        &token,
		Value:     big.NewInt(0),
		Gas:       100_000,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      transfer,
	})
	if err != nil {
		a.log.WithError(err).Debug("mirror prefund failed")
		return
	}
	if _, err := a.chain.WaitForReceipt(ctx, txHash, 45*time.Second); err != nil {
		a.log.WithError(err).Debug("mirror prefund unconfirmed")
	}
}

// sideChannels fires the honeypot hint and the cross-chain echo. Both are
// best effort and never fail the amplification.
func (a *Amplifier) sideChannels(ctx context.Context, rec *record.SignalRecord, bait *baitResult) {
	if a.cfg.HoneypotAddress != "" && common.IsHexAddress(a.cfg.HoneypotAddress) {
		honeypot := common.HexToAddress(a.cfg.HoneypotAddress)
		if _, err := a.sendSigned(ctx, a.primary, &types.DynamicFeeTx{
			To:        &honeypot,
			Value:     big.NewInt(dustWei),
			Gas:       transferGas,
			GasFeeCap: bait.effGasPrice,
			GasTipCap: bait.effGasPrice,
		}); err != nil {
			a.log.WithError(err).Debug("honeypot hint failed")
		}
	}

	if a.echoes != nil {
		topo := a.echoes.Publish(ctx, rec, echo.Meta{
			ConfirmedTimestamp: rec.AmplificationAt,
			Block:              bait.block,
		})
		if topo != (record.Topology{}) {
			if err := a.records.Update(rec.Hash, func(r *record.SignalRecord) {
				r.RecursiveTopology.Primary += topo.Primary
				r.RecursiveTopology.Alt += topo.Alt
				r.RecursiveTopology.Failed += topo.Failed
			}); err != nil {
				a.log.WithError(err).Debug("echo topology update failed")
			}
		}
	}
}

// =============================================================================
// Plumbing
// =============================================================================

// signRaw signs a dynamic-fee tx with a chain-derived nonce and returns the
// raw encoding plus its hash.
func (a *Amplifier) signRaw(ctx context.Context, w *wallet.Wallet, txData *types.DynamicFeeTx) ([]byte, common.Hash, error) {
	nonce, err := a.chain.TransactionCount(ctx, w.Address())
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("read nonce: %w", err)
	}
	txData.Nonce = nonce
	signed, err := w.SignTx(txData)
	if err != nil {
		return nil, common.Hash{}, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("encode transaction: %w", err)
	}
	return raw, signed.Hash(), nil
}

// sendSigned signs and broadcasts through the public mempool.
func (a *Amplifier) sendSigned(ctx context.Context, w *wallet.Wallet, txData *types.DynamicFeeTx) (common.Hash, error) {
	raw, _, err := a.signRaw(ctx, w, txData)
	if err != nil {
		return common.Hash{}, err
	}
	return a.chain.SendRawTransaction(ctx, raw)
}

func (a *Amplifier) tokenAddress(symbol string) (common.Address, error) {
	addr, ok := a.table.Tokens[symbol]
	if !ok || !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("token %s not in whitelist", symbol)
	}
	return common.HexToAddress(addr), nil
}

func (a *Amplifier) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := a.erc20.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	raw, err := a.chain.CallContract(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return a.erc20.UnpackBalanceOf(raw)
}

// quote asks the venue's router for the expected output. Concentrated
// routers expose no getAmountsOut, so another venue in the table answers
// for them and slippage tolerance absorbs the curve difference.
func (a *Amplifier) quote(ctx context.Context, d dex.DEX, amountIn *big.Int, tokenIn, tokenOut common.Address, stable bool) (*big.Int, error) {
	qd, ok := dex.QuoteVenue(a.dexes, d)
	if !ok {
		return nil, fmt.Errorf("no quotable venue in table for %s", d.Name)
	}
	data, err := a.encoder.EncodeGetAmountsOut(qd, amountIn, tokenIn, tokenOut, stable)
	if err != nil {
		return nil, err
	}
	raw, err := a.chain.CallContract(ctx, qd.Addr, data)
	if err != nil {
		return nil, err
	}
	return a.encoder.DecodeAmountsOut(qd, raw)
}

func (a *Amplifier) appendProfit(rec *record.SignalRecord, success bool, reason string, delta *big.Int, bait *baitResult, bundleBlock uint64) {
	entry := record.ProfitEntry{
		Timestamp:   a.now().UnixMilli(),
		SignalHash:  rec.Hash,
		Success:     success,
		Reason:      reason,
		BundleBlock: bundleBlock,
	}
	if bait != nil {
		entry.BaitTx = bait.txHash.Hex()
	}
	if delta != nil {
		entry.DeltaWei = delta.String()
	}
	if err := a.records.AppendProfit(entry); err != nil {
		a.log.WithError(err).Warn("profit log append failed")
	}
}

// baitFees derives the bait's fee caps from the latest base fee: headroom of
// 2x base plus a fixed 0.05 gwei tip.
func baitFees(latest *rpc.Block) (feeCap, tip *big.Int) {
	base := big.NewInt(10_000_000) // 0.01 gwei fallback
	if latest != nil && latest.BaseFee != nil {
		base = latest.BaseFee.ToInt()
	}
	tip = big.NewInt(50_000_000) // 0.05 gwei
	feeCap = new(big.Int).Mul(base, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return feeCap, tip
}

func baseFeeGwei(latest *rpc.Block) float64 {
	if latest == nil || latest.BaseFee == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(latest.BaseFee.ToInt()), big.NewFloat(1e9)).Float64()
	return f
}

func isStablePair(from, to string) bool {
	stables := map[string]bool{"USDC": true, "USDT": true, "DAI": true}
	return stables[from] && stables[to]
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
