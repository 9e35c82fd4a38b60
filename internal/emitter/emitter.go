// Package emitter implements the signal emission service: a scheduled,
// single-writer loop that selects a pattern, persists a content-addressed
// record and registers the signal on-chain with fee-escalating retries.
package emitter

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/resofield/jamnet/internal/config"
	"github.com/resofield/jamnet/internal/contracts"
	"github.com/resofield/jamnet/internal/market"
	"github.com/resofield/jamnet/internal/metrics"
	"github.com/resofield/jamnet/internal/nonce"
	"github.com/resofield/jamnet/internal/pattern"
	"github.com/resofield/jamnet/internal/record"
	"github.com/resofield/jamnet/internal/rpc"
	"github.com/resofield/jamnet/internal/state"
	"github.com/resofield/jamnet/internal/wallet"
	"github.com/resofield/jamnet/pkg/logger"
)

const (
	baseGasLimit = 300_000

	gwei = 1e9

	// Initial priority fee clamp and escalation ceilings.
	priorityClampWei = 2 * gwei
	priorityCapWei   = 3 * gwei
	maxFeeCapWei     = 70 * gwei

	submitAttempts = 5

	signalCategory = 1

	insufficientFundsPause = 30 * time.Second
)

// Chain is the RPC surface the emitter consumes.
type Chain interface {
	LatestBlock(ctx context.Context) (*rpc.Block, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	FeeHistory(ctx context.Context, blocks int, percentiles []float64) (*rpc.FeeHistory, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*rpc.Receipt, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Emitter is the lifecycle-managed emission service.
type Emitter struct {
	cfg      *config.Config
	chain    Chain
	wallet   *wallet.Wallet
	nonces   *nonce.Manager
	records  *record.Store
	states   *state.Store
	selector *pattern.Selector
	watcher  *market.Watcher
	dmap     *contracts.DMAP
	log      *logger.Logger

	cron *cron.Cron
	now  func() time.Time
}

// New wires an emitter from its injected dependencies.
func New(cfg *config.Config, chain Chain, w *wallet.Wallet, nonces *nonce.Manager,
	records *record.Store, states *state.Store, selector *pattern.Selector,
	watcher *market.Watcher, dmap *contracts.DMAP, log *logger.Logger) *Emitter {
	if log == nil {
		log = logger.NewDefault("emitter")
	}
	return &Emitter{
		cfg:      cfg,
		chain:    chain,
		wallet:   w,
		nonces:   nonces,
		records:  records,
		states:   states,
		selector: selector,
		watcher:  watcher,
		dmap:     dmap,
		log:      log,
		now:      time.Now,
	}
}

// Name implements system.Service.
func (e *Emitter) Name() string { return "emitter" }

// Start schedules the emission tick. Ticks never overlap: a running tick
// causes the next fire to be skipped rather than queued.
func (e *Emitter) Start(ctx context.Context) error {
	e.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", e.cfg.DetectInterval())
	if _, err := e.cron.AddFunc(spec, func() {
		start := time.Now()
		outcome := e.Tick(ctx)
		metrics.RecordEmission(outcome, time.Since(start))
	}); err != nil {
		return fmt.Errorf("schedule emission tick: %w", err)
	}
	e.cron.Start()
	e.log.WithField("interval", e.cfg.DetectInterval().String()).Info("emitter started")
	return nil
}

// Stop halts the scheduler and waits for a running tick.
func (e *Emitter) Stop(ctx context.Context) error {
	if e.cron == nil {
		return nil
	}
	done := e.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Tick runs one emission attempt end to end and returns the outcome label.
func (e *Emitter) Tick(ctx context.Context) string {
	if err := e.states.AcquireLock(ctx); err != nil {
		e.log.WithError(err).Info("emission lock unavailable, skipping tick")
		return "lock_conflict"
	}
	defer e.states.ReleaseLockBestEffort()

	res, err := e.nonces.Reserve(ctx)
	if err != nil {
		e.log.WithError(err).Warn("nonce reservation failed")
		return "nonce_unavailable"
	}

	doc, err := e.states.Load()
	if err != nil {
		res.Rollback()
		e.log.WithError(err).Error("state load failed")
		return "state_error"
	}

	snap := e.watcher.Snapshot(ctx)

	choice, ok := e.selector.Select(doc.Metrics.Patterns, pattern.MarketHint{PairLiquidity: snap.Liquidity})
	if !ok {
		res.Rollback()
		return "veto"
	}

	e.bumpAttempt(choice.Pattern.Name)

	rec, err := e.buildRecord(doc, choice)
	if err != nil {
		res.Rollback()
		e.log.WithError(err).Error("record construction failed")
		return "record_error"
	}
	if err := e.records.Put(rec.Hash, rec); err != nil {
		res.Rollback()
		e.log.WithError(err).Error("record persist failed")
		return "store_error"
	}

	plan, err := e.planFees(ctx, rec)
	if err != nil {
		res.Rollback()
		e.log.WithError(err).Warn("fee planning failed")
		return "fee_error"
	}

	if ok, err := e.preflight(ctx, plan); err != nil || !ok {
		res.Rollback()
		if err != nil {
			e.log.WithError(err).Warn("preflight balance read failed")
			return "preflight_error"
		}
		e.log.WithField("hash", rec.Hash).Warn("insufficient funds, keeping jam-only record")
		e.countError("insufficient_funds")
		sleepCtx(ctx, insufficientFundsPause)
		return "insufficient_funds"
	}

	outcome := e.submit(ctx, res, rec, plan)
	return outcome
}

// buildRecord constructs and hashes the next record in the causal chain.
func (e *Emitter) buildRecord(doc *state.Document, choice pattern.Choice) (*record.SignalRecord, error) {
	depth := 1
	if doc.LastHash != "" {
		parent, err := e.records.Get(doc.LastHash)
		if err == nil && parent != nil {
			depth = parent.CascadeDepth + 1
		}
	}

	now := e.now()
	rec := &record.SignalRecord{
		Pattern:      choice.Pattern.Name,
		Steps:        choice.Pattern.Steps,
		ParentHash:   doc.LastHash,
		CascadeDepth: depth,
		Resonance:    pattern.Resonance(choice.Pattern, depth),
		Description:  e.description(now, 0),
		Category:     signalCategory,
		CreatedAt:    now.UnixMilli(),
		Meta: record.Meta{
			AuditPass:   true,
			BaitHooks:   []string{"MEV_tag:legible", "phi_window"},
			IntentClass: "STANDARD",
		},
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	hash, err := record.ComputeHash(rec)
	if err != nil {
		return nil, err
	}
	rec.Hash = hash
	return rec, nil
}

// description builds the registerSignal payload with a unique suffix so the
// registry never sees a hash collision across retries.
func (e *Emitter) description(now time.Time, retry int) string {
	return fmt.Sprintf("jam:%s uuid=%d_%s_%d_%d",
		"resonant-liquidity-rotation",
		now.UnixMilli(), uuid.NewString()[:8], os.Getpid(), retry)
}

// feePlan carries the mutable fee state across the escalation loop.
type feePlan struct {
	gasLimit uint64
	priority *big.Int
	baseFee  *big.Int
}

func (p *feePlan) maxFee() *big.Int {
	// Base fee headroom scaled by phi, plus the tip.
	scaled := new(big.Float).Mul(new(big.Float).SetInt(p.baseFee), big.NewFloat(1+config.PhiInv))
	out, _ := scaled.Int(nil)
	out.Add(out, p.priority)
	if out.Cmp(big.NewInt(maxFeeCapWei)) > 0 {
		out = big.NewInt(maxFeeCapWei)
	}
	return out
}

func (e *Emitter) planFees(ctx context.Context, rec *record.SignalRecord) (*feePlan, error) {
	head, err := e.chain.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("read head block: %w", err)
	}
	baseFee := big.NewInt(gwei / 100) // 0.01 gwei floor for quiet L2 blocks
	if head.BaseFee != nil {
		baseFee = (*big.Int)(head.BaseFee)
	}

	priority := big.NewInt(gwei / 20) // 0.05 gwei baseline
	if hist, err := e.chain.FeeHistory(ctx, 5, []float64{50}); err == nil {
		for _, rewards := range hist.Reward {
			if len(rewards) > 0 && rewards[0] != nil && (*big.Int)(rewards[0]).Sign() > 0 {
				priority = (*big.Int)(rewards[0])
			}
		}
	}
	priority = new(big.Int).Mul(priority, big.NewInt(1618))
	priority.Div(priority, big.NewInt(1000))
	if priority.Cmp(big.NewInt(priorityClampWei)) > 0 {
		priority = big.NewInt(priorityClampWei)
	}

	gasLimit := uint64(float64(baseGasLimit) * depthMultiplier(rec.CascadeDepth) * resonanceMultiplier(rec.Resonance))

	return &feePlan{gasLimit: gasLimit, priority: priority, baseFee: baseFee}, nil
}

func depthMultiplier(depth int) float64 {
	m := 1 + 0.1*float64(depth-1)
	if m > 1.5 {
		m = 1.5
	}
	return m
}

func resonanceMultiplier(resonance float64) float64 {
	m := 1 + (resonance-1)*0.2
	if m < 1 {
		m = 1
	}
	if m > 1.5 {
		m = 1.5
	}
	return m
}

// preflight requires available balance of at least phi-squared times the
// estimated cost.
func (e *Emitter) preflight(ctx context.Context, plan *feePlan) (bool, error) {
	balance, err := e.chain.Balance(ctx, e.wallet.Address())
	if err != nil {
		return false, err
	}
	cost := new(big.Int).Mul(plan.maxFee(), new(big.Int).SetUint64(plan.gasLimit))
	headroom := config.PhiSq * 1000
	needed := new(big.Int).Mul(cost, big.NewInt(int64(headroom)))
	needed.Div(needed, big.NewInt(1000))
	return balance.Cmp(needed) >= 0, nil
}

// submit runs the fee-escalating retry loop, waits for confirmation and
// finalizes state. Returns the outcome label.
func (e *Emitter) submit(ctx context.Context, res *nonce.Reservation, rec *record.SignalRecord, plan *feePlan) string {
	var txHash common.Hash
	broadcast := false
	desc := rec.Description

	for attempt := 1; attempt <= submitAttempts; attempt++ {
		if attempt > 1 {
			desc = e.description(e.now(), attempt-1)
		}
		data, err := e.dmap.PackRegisterSignal(desc, big.NewInt(signalCategory))
		if err != nil {
			res.Rollback()
			e.log.WithError(err).Error("calldata encoding failed")
			return "encode_error"
		}

		to := e.dmap.Address()
		tx, err := e.wallet.SignTx(&types.DynamicFeeTx{
			Nonce:     res.Value(),
			To:        &to,
			Gas:       plan.gasLimit,
			GasTipCap: new(big.Int).Set(plan.priority),
			GasFeeCap: plan.maxFee(),
			Data:      data,
		})
		if err != nil {
			res.Rollback()
			e.log.WithError(err).Error("transaction signing failed")
			return "sign_error"
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			res.Rollback()
			e.log.WithError(err).Error("transaction encoding failed")
			return "encode_error"
		}

		txHash, err = e.chain.SendRawTransaction(ctx, raw)
		if err == nil {
			broadcast = true
			break
		}

		class := rpc.ClassifySubmit(err)
		e.countError(string(class))
		e.log.WithError(err).
			WithField("attempt", attempt).
			WithField("class", string(class)).
			Warn("registerSignal broadcast failed")

		switch class {
		case rpc.ClassUnderpriced:
			e.escalate(plan, config.Phi)
		case rpc.ClassNonce:
			e.nonces.Reset()
			res.Rollback()
			fresh, rerr := e.nonces.Reserve(ctx)
			if rerr != nil {
				return "nonce_unavailable"
			}
			res = fresh
		case rpc.ClassInsufficient:
			res.Rollback()
			sleepCtx(ctx, insufficientFundsPause)
			return "insufficient_funds"
		case rpc.ClassReverted:
			res.Rollback()
			return "reverted"
		default:
			e.escalate(plan, 1.2)
		}

		// phi-scaled linear backoff with jitter.
		d := time.Duration(config.Phi*1000*float64(attempt))*time.Millisecond +
			time.Duration(rand.Intn(250))*time.Millisecond
		if err := sleepCtx(ctx, d); err != nil {
			res.Rollback()
			return "cancelled"
		}
	}

	if !broadcast {
		res.Rollback()
		return "broadcast_failed"
	}

	res.Commit()
	e.nonces.AddPending(txHash)
	defer e.nonces.RemovePending(txHash)

	rec.OnchainTx = txHash.Hex()
	if desc != rec.Description {
		// A retry regenerated the payload; the registry saw this one.
		rec.OnchainDescription = desc
	}

	blockMarker, confirmedAt := e.awaitConfirmation(ctx, txHash)
	if blockMarker == "reverted" {
		e.log.WithField("tx", txHash.Hex()).Warn("registerSignal reverted on-chain")
		return "reverted"
	}

	e.finalize(ctx, rec, txHash, blockMarker, confirmedAt)
	return "emitted"
}

// awaitConfirmation waits phi-scaled for one confirmation. Unreadable
// receipts after a successful broadcast are optimistic successes carrying an
// ambiguity marker instead of a block number.
func (e *Emitter) awaitConfirmation(ctx context.Context, txHash common.Hash) (string, int64) {
	timeout := time.Duration(config.Phi * float64(30*time.Second))
	rcpt, err := e.chain.WaitForReceipt(ctx, txHash, timeout)
	switch {
	case err == nil && rcpt != nil:
		if rcpt.Status == 0 {
			return "reverted", 0
		}
		return strconv.FormatUint(uint64(rcpt.BlockNumber), 10), e.now().UnixMilli()
	case err == rpc.ErrReceiptPending:
		return "indexing", e.now().UnixMilli()
	default:
		if _, isTotal := err.(*rpc.ErrAllEndpointsFailed); isTotal {
			return "rpc_failure", e.now().UnixMilli()
		}
		return "error_recovery", e.now().UnixMilli()
	}
}

// finalize persists the emission outcome: record stamps, successful log,
// causal chain head, pattern success counter and the latest-jam beacon.
func (e *Emitter) finalize(ctx context.Context, rec *record.SignalRecord, txHash common.Hash, blockMarker string, confirmedAt int64) {
	e.verifyRegistryIdentity(ctx, rec)

	if err := e.records.Put(rec.Hash, rec); err != nil {
		e.log.WithError(err).Warn("record stamp write failed")
	}

	if err := e.records.AppendSuccessful(record.SuccessEntry{
		Hash:         rec.Hash,
		Pattern:      rec.Pattern,
		IntentClass:  rec.Meta.IntentClass,
		CascadeDepth: rec.CascadeDepth,
		Resonance:    rec.Resonance,
		CreatedAt:    rec.CreatedAt,
		OnchainTx:    txHash.Hex(),
		BlockNumber:  blockMarker,
	}); err != nil {
		e.log.WithError(err).Warn("successful log append failed")
	}

	if err := e.states.Mutate(func(doc *state.Document) {
		doc.LastHash = rec.Hash
		st := doc.Metrics.Patterns[rec.Pattern]
		if st == nil {
			st = &state.PatternStats{}
			doc.Metrics.Patterns[rec.Pattern] = st
		}
		st.Successes++
		st.LastUsedAt = e.now().UnixMilli()
	}); err != nil {
		e.log.WithError(err).Warn("state update failed")
	}

	if err := e.records.WriteBeacon(record.Beacon{Hash: rec.Hash, ConfirmedTimestamp: confirmedAt}); err != nil {
		e.log.WithError(err).Warn("beacon write failed")
	}

	e.log.WithField("hash", rec.Hash).
		WithField("tx", txHash.Hex()).
		WithField("block", blockMarker).
		WithField("pattern", rec.Pattern).
		Info("signal emitted")
}

// verifyRegistryIdentity reads the registry's view of the signal and binds
// the returned identity onto the record. Best effort.
func (e *Emitter) verifyRegistryIdentity(ctx context.Context, rec *record.SignalRecord) {
	data, err := e.dmap.PackGetSignal(common.HexToHash(rec.Hash))
	if err != nil {
		return
	}
	raw, err := e.chain.CallContract(ctx, e.dmap.Address(), data)
	if err != nil {
		return
	}
	info, err := e.dmap.UnpackGetSignal(raw)
	if err != nil || info.Emitter == (common.Address{}) {
		return
	}
	rec.OnchainHash = rec.Hash
}

func (e *Emitter) escalate(plan *feePlan, factor float64) {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(plan.priority), big.NewFloat(factor))
	next, _ := scaled.Int(nil)
	if next.Cmp(big.NewInt(priorityCapWei)) > 0 {
		next = big.NewInt(priorityCapWei)
	}
	plan.priority = next
}

func (e *Emitter) bumpAttempt(name string) {
	if err := e.states.Mutate(func(doc *state.Document) {
		st := doc.Metrics.Patterns[name]
		if st == nil {
			st = &state.PatternStats{}
			doc.Metrics.Patterns[name] = st
		}
		st.Attempts++
	}); err != nil {
		e.log.WithError(err).Warn("pattern attempt count update failed")
	}
}

func (e *Emitter) countError(class string) {
	if err := e.states.Mutate(func(doc *state.Document) {
		doc.Metrics.ErrorCounts[class]++
	}); err != nil {
		e.log.WithError(err).Warn("error count update failed")
	}
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
