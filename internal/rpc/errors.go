package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tidwall/gjson"
)

// Class buckets an RPC failure for retry policy. The client reacts to each
// class differently (§ failover loop in client.go).
type Class string

const (
	ClassOK       Class = "ok"
	ClassIndexing Class = "indexing"
	ClassRate     Class = "rate_limit"
	ClassNetwork  Class = "network"
	ClassOther    Class = "other"

	// Submission-only classes, surfaced to the emitter's retry loop.
	ClassNonce        Class = "nonce"
	ClassUnderpriced  Class = "underpriced"
	ClassInsufficient Class = "insufficient_funds"
	ClassReverted     Class = "reverted"
)

// ErrAllEndpointsFailed wraps the last error after the full attempt budget.
type ErrAllEndpointsFailed struct {
	Last error
}

func (e *ErrAllEndpointsFailed) Error() string {
	return fmt.Sprintf("all rpc endpoints failed: %v", e.Last)
}

func (e *ErrAllEndpointsFailed) Unwrap() error { return e.Last }

// ErrReceiptPending reports that a receipt could not be read because the
// endpoint is still indexing. Callers must treat this as pending, never as
// success.
var ErrReceiptPending = errors.New("receipt pending: endpoint indexing")

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Classify buckets an error from a call attempt.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "indexing"),
		strings.Contains(msg, "still syncing"),
		strings.Contains(msg, "block is not available"),
		strings.Contains(msg, "in progress"):
		return ClassIndexing
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ClassRate
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"):
		return ClassNetwork
	}
	return ClassOther
}

// ClassifySubmit buckets a transaction-submission error for the emitter's
// escalation loop. Falls back to Classify for transport faults.
func ClassifySubmit(err error) Class {
	if err == nil {
		return ClassOK
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "fee too low"):
		return ClassUnderpriced
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "invalid nonce"):
		return ClassNonce
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient balance"):
		return ClassInsufficient
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "revert"):
		return ClassReverted
	}
	return Classify(err)
}

// probeErrorMessage extracts an error message from a raw provider payload
// that failed structured decoding. Some gateways wrap JSON-RPC errors in
// their own envelopes.
func probeErrorMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}
