package amplifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"

	"github.com/resofield/jamnet/pkg/logger"
)

// BundleClient submits signed capture bundles to the single configured
// builder relay. One bundle targets exactly one block; there is no
// resubmission for later blocks.
type BundleClient struct {
	url  string
	http *http.Client
	log  *logger.Logger
}

// NewBundleClient creates a relay client. An empty URL disables capture
// bundles entirely.
func NewBundleClient(url string, log *logger.Logger) *BundleClient {
	if log == nil {
		log = logger.NewDefault("bundle")
	}
	return &BundleClient{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

// Enabled reports whether a relay is configured.
func (b *BundleClient) Enabled() bool { return b.url != "" }

type bundleParams struct {
	Txs         []hexutil.Bytes `json:"txs"`
	BlockNumber string          `json:"blockNumber"`
}

// Submit sends the raw signed transactions as one bundle for targetBlock.
// Returns the relay's bundle identifier when it supplies one.
func (b *BundleClient) Submit(ctx context.Context, rawTxs [][]byte, targetBlock uint64) (string, error) {
	if !b.Enabled() {
		return "", fmt.Errorf("no builder relay configured")
	}

	txs := make([]hexutil.Bytes, len(rawTxs))
	for i, raw := range rawTxs {
		txs[i] = raw
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_sendBundle",
		"params": []bundleParams{{
			Txs:         txs,
			BlockNumber: hexutil.EncodeUint64(targetBlock),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create bundle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit bundle: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read bundle response: %w", err)
	}

	// Relays differ in their envelopes; probe the common shapes.
	if errMsg := gjson.GetBytes(respBody, "error.message"); errMsg.Exists() {
		return "", fmt.Errorf("relay rejected bundle: %s", errMsg.String())
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	if id := gjson.GetBytes(respBody, "result.bundleHash"); id.Exists() {
		return id.String(), nil
	}
	if id := gjson.GetBytes(respBody, "result"); id.Exists() && id.Type == gjson.String {
		return id.String(), nil
	}
	return "", nil
}
