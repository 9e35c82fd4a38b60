// Package echo implements the cross-chain side-channel: best-effort
// publication of a compressed record to a prioritized list of alternative
// ledgers and pinning services. Every failure is swallowed; the main
// pipeline never blocks on an echo.
package echo

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/resofield/jamnet/internal/record"
	"github.com/resofield/jamnet/pkg/logger"
)

// Meta carries the confirmation context alongside the record.
type Meta struct {
	ConfirmedTimestamp int64  `json:"confirmedTimestamp"`
	Block              uint64 `json:"block"`
}

// Publisher publishes one record somewhere else. Implementations never
// return partial results; an error means this publisher failed entirely.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, rec *record.SignalRecord, meta Meta) error
}

// Chain tries publishers in priority order with bounded retries each and
// returns after the first success. Failures are logged and swallowed.
type Chain struct {
	publishers []Publisher
	log        *logger.Logger
	retries    int
}

// NewChain builds a fallback chain over the given publishers.
func NewChain(log *logger.Logger, publishers ...Publisher) *Chain {
	if log == nil {
		log = logger.NewDefault("echo")
	}
	return &Chain{publishers: publishers, log: log, retries: 2}
}

// Publish is fire and forget: the first publisher to succeed wins, and the
// outcome only feeds the record's echo topology counters.
func (c *Chain) Publish(ctx context.Context, rec *record.SignalRecord, meta Meta) record.Topology {
	topo := record.Topology{}
	for i, p := range c.publishers {
		var lastErr error
		for attempt := 0; attempt <= c.retries; attempt++ {
			if err := p.Publish(ctx, rec, meta); err != nil {
				lastErr = err
				continue
			}
			lastErr = nil
			break
		}
		if lastErr == nil {
			if i == 0 {
				topo.Primary++
			} else {
				topo.Alt++
			}
			c.log.WithField("publisher", p.Name()).Debug("echo published")
			return topo
		}
		topo.Failed++
		c.log.WithError(lastErr).WithField("publisher", p.Name()).Debug("echo publisher failed")
	}
	return topo
}

// =============================================================================
// IPFS pin publisher
// =============================================================================

// IPFSPinner posts the compressed record to a pinning service.
type IPFSPinner struct {
	url   string
	token string
	http  *http.Client
}

// NewIPFSPinner creates a pinner against the given pin endpoint.
func NewIPFSPinner(url, token string) *IPFSPinner {
	return &IPFSPinner{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *IPFSPinner) Name() string { return "ipfs-pin" }

// Publish pins the gzip-compressed record JSON.
func (p *IPFSPinner) Publish(ctx context.Context, rec *record.SignalRecord, meta Meta) error {
	body, err := compressRecord(rec, meta)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("pin request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 {
		if msg := gjson.GetBytes(respBody, "error.message"); msg.Exists() {
			return fmt.Errorf("pin rejected: %s", msg.String())
		}
		return fmt.Errorf("pin rejected with status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// Alt-ledger publisher
// =============================================================================

// AltLedger drops the record envelope onto a generic alternative-ledger
// ingestion endpoint.
type AltLedger struct {
	url  string
	http *http.Client
}

// NewAltLedger creates an alt-ledger publisher.
func NewAltLedger(url string) *AltLedger {
	return &AltLedger{url: url, http: &http.Client{Timeout: 15 * time.Second}}
}

func (a *AltLedger) Name() string { return "alt-ledger" }

// Publish posts the record envelope as JSON.
func (a *AltLedger) Publish(ctx context.Context, rec *record.SignalRecord, meta Meta) error {
	envelope := map[string]any{"record": rec, "meta": meta}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal echo envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create echo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("echo request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("echo rejected with status %d", resp.StatusCode)
	}
	return nil
}

func compressRecord(rec *record.SignalRecord, meta Meta) ([]byte, error) {
	envelope := map[string]any{"record": rec, "meta": meta}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish compression: %w", err)
	}
	return buf.Bytes(), nil
}
