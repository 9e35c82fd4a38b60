// Package rpc implements the resilient multi-endpoint JSON-RPC client used
// by every jamnet process. Calls rotate through the configured endpoints
// with error-class-aware backoff; a call fails only after every endpoint has
// been tried twice.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"github.com/resofield/jamnet/internal/metrics"
	"github.com/resofield/jamnet/pkg/logger"
)

const (
	baseTimeout = 48 * time.Second
	// Receipt reads poll fast paths; keep them short.
	receiptTimeoutScale = 0.6
	// After one full rotation, give slower endpoints more room.
	rotatedTimeoutScale = 1.5

	indexingStreakLimit = 3
	maxIndexingSleep    = 30 * time.Second
	maxRotationBackoff  = 10 * time.Second

	endpointRPS   = 20
	endpointBurst = 40
)

// Client is a failover JSON-RPC client over an ordered endpoint list.
type Client struct {
	endpoints []string
	http      *http.Client
	limiters  []*rate.Limiter
	log       *logger.Logger

	mu             sync.Mutex
	nextID         int
	indexingStreak int
}

// NewClient creates a client over the ordered endpoint list.
func NewClient(endpoints []string, log *logger.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint required")
	}
	if log == nil {
		log = logger.NewDefault("rpc")
	}

	limiters := make([]*rate.Limiter, len(endpoints))
	for i := range limiters {
		limiters[i] = rate.NewLimiter(endpointRPS, endpointBurst)
	}

	return &Client{
		endpoints: endpoints,
		// Per-attempt deadlines come from the call context.
		http:     &http.Client{},
		limiters: limiters,
		log:      log,
		nextID:   1,
	}, nil
}

// Endpoints returns the configured endpoint list.
func (c *Client) Endpoints() []string { return c.endpoints }

// Send performs one failover call and decodes the result into out. Pass a
// nil out to discard the result.
func (c *Client) Send(ctx context.Context, method string, params any, out any) error {
	n := len(c.endpoints)
	budget := 2 * n
	timeout := baseTimeout
	if method == "eth_getTransactionReceipt" {
		timeout = time.Duration(float64(baseTimeout) * receiptTimeoutScale)
	}

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		idx := attempt % n
		if attempt == n {
			timeout = time.Duration(float64(timeout) * rotatedTimeoutScale)
		}

		err := c.attempt(ctx, idx, method, params, out, timeout)
		class := Classify(err)
		metrics.RecordRPCAttempt(c.endpoints[idx], string(class))
		if err == nil {
			c.resetIndexingStreak()
			return nil
		}
		lastErr = err
		metrics.RecordRPCFailover()
		c.log.WithError(err).
			WithField("method", method).
			WithField("endpoint", idx).
			WithField("class", string(class)).
			Debug("rpc attempt failed")

		if err := c.reactTo(ctx, class); err != nil {
			return err
		}

		// Full rotation exhausted without success: exponential backoff.
		if (attempt+1)%n == 0 {
			round := (attempt + 1) / n
			if err := sleepCtx(ctx, backoff(round)); err != nil {
				return err
			}
		}
	}

	return &ErrAllEndpointsFailed{Last: lastErr}
}

func (c *Client) attempt(ctx context.Context, idx int, method string, params, out any, timeout time.Duration) error {
	if err := c.limiters[idx].Wait(ctx); err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoints[idx], bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("too many requests (status 429)")
	}

	var rpcResp response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		if msg := probeErrorMessage(respBody); msg != "" {
			return fmt.Errorf("provider error: %s", msg)
		}
		return fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return fmt.Errorf("%s: empty result", method)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// reactTo applies the per-class sleep policy between attempts.
func (c *Client) reactTo(ctx context.Context, class Class) error {
	switch class {
	case ClassIndexing:
		c.mu.Lock()
		c.indexingStreak++
		streak := c.indexingStreak
		if streak >= indexingStreakLimit {
			c.indexingStreak = 0
		}
		c.mu.Unlock()
		if streak >= indexingStreakLimit {
			d := time.Duration(streak) * 5 * time.Second
			if d > maxIndexingSleep {
				d = maxIndexingSleep
			}
			return sleepCtx(ctx, d)
		}
		return nil
	case ClassRate:
		return sleepCtx(ctx, 5*time.Second)
	case ClassNetwork:
		return sleepCtx(ctx, time.Second)
	default:
		return nil
	}
}

func (c *Client) resetIndexingStreak() {
	c.mu.Lock()
	c.indexingStreak = 0
	c.mu.Unlock()
}

func backoff(round int) time.Duration {
	d := time.Second << uint(round)
	if d > maxRotationBackoff {
		d = maxRotationBackoff
	}
	return d
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

// =============================================================================
// Typed methods
// =============================================================================

// BlockNumber returns the head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	if err := c.Send(ctx, "eth_blockNumber", []any{}, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// Balance returns the latest balance of an address in wei.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out hexutil.Big
	if err := c.Send(ctx, "eth_getBalance", []any{addr, "latest"}, &out); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

// TransactionCount returns the pending nonce of an address.
func (c *Client) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	var out hexutil.Uint64
	if err := c.Send(ctx, "eth_getTransactionCount", []any{addr, "pending"}, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// FeeHistory returns recent base fees and priority-fee rewards.
func (c *Client) FeeHistory(ctx context.Context, blocks int, percentiles []float64) (*FeeHistory, error) {
	var out FeeHistory
	params := []any{hexutil.Uint64(blocks), "latest", percentiles}
	if err := c.Send(ctx, "eth_feeHistory", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CallContract performs an eth_call against latest state.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out hexutil.Bytes
	arg := map[string]any{"to": to, "data": hexutil.Bytes(data)}
	if err := c.Send(ctx, "eth_call", []any{arg, "latest"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockByNumber returns a block, optionally with full transactions.
func (c *Client) BlockByNumber(ctx context.Context, number uint64, withTxs bool) (*Block, error) {
	var out Block
	if err := c.Send(ctx, "eth_getBlockByNumber", []any{hexutil.Uint64(number), withTxs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestBlock returns the head block without transaction bodies.
func (c *Client) LatestBlock(ctx context.Context) (*Block, error) {
	var out Block
	if err := c.Send(ctx, "eth_getBlockByNumber", []any{"latest", false}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransactionByHash returns a transaction by hash.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var out Transaction
	if err := c.Send(ctx, "eth_getTransactionByHash", []any{hash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransactionReceipt returns a receipt by transaction hash.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var out Receipt
	if err := c.Send(ctx, "eth_getTransactionReceipt", []any{hash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var out common.Hash
	if err := c.Send(ctx, "eth_sendRawTransaction", []any{hexutil.Bytes(raw)}, &out); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}

// Logs queries event logs matching the filter.
func (c *Client) Logs(ctx context.Context, filter LogFilter) ([]Log, error) {
	var out []Log
	if err := c.Send(ctx, "eth_getLogs", []any{filter}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForReceipt polls for a receipt until the deadline. A persistent
// indexing fault is reported as ErrReceiptPending, never as success.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		rcpt, err := c.TransactionReceipt(ctx, hash)
		if err == nil && rcpt != nil {
			return rcpt, nil
		}
		lastErr = err
		if Classify(err) == ClassIndexing {
			lastErr = ErrReceiptPending
		}
		if err := sleepCtx(ctx, 3*time.Second); err != nil {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("receipt %s not found before deadline", hash.Hex())
	}
	return nil, lastErr
}
