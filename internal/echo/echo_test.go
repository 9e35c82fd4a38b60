package echo

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/resofield/jamnet/internal/record"
)

type scriptedPublisher struct {
	name string
	errs []error
	hits int
}

func (s *scriptedPublisher) Name() string { return s.name }

func (s *scriptedPublisher) Publish(ctx context.Context, rec *record.SignalRecord, meta Meta) error {
	idx := s.hits
	s.hits++
	if idx < len(s.errs) {
		return s.errs[idx]
	}
	return nil
}

func echoRecord() *record.SignalRecord {
	return &record.SignalRecord{
		Hash:    "0xabc",
		Pattern: "CLASSIC_ARBITRAGE",
		Steps: []record.Step{
			{From: "WETH", To: "USDC", Action: "SWAP", Actor: record.ActorAmplifier},
		},
	}
}

func TestChainFirstSuccessWins(t *testing.T) {
	first := &scriptedPublisher{name: "a"}
	second := &scriptedPublisher{name: "b"}

	topo := NewChain(nil, first, second).Publish(context.Background(), echoRecord(), Meta{})
	if topo.Primary != 1 || topo.Alt != 0 || topo.Failed != 0 {
		t.Fatalf("topology %+v", topo)
	}
	if second.hits != 0 {
		t.Fatal("fallback publisher hit despite primary success")
	}
}

func TestChainFallsBack(t *testing.T) {
	boom := errors.New("down")
	first := &scriptedPublisher{name: "a", errs: []error{boom, boom, boom}}
	second := &scriptedPublisher{name: "b"}

	topo := NewChain(nil, first, second).Publish(context.Background(), echoRecord(), Meta{})
	if topo.Primary != 0 || topo.Alt != 1 || topo.Failed != 1 {
		t.Fatalf("topology %+v", topo)
	}
	// Two retries on top of the first attempt.
	if first.hits != 3 {
		t.Fatalf("primary attempts %d, want 3", first.hits)
	}
}

func TestChainRetriesBeforeFailing(t *testing.T) {
	flaky := &scriptedPublisher{name: "a", errs: []error{errors.New("blip")}}

	topo := NewChain(nil, flaky).Publish(context.Background(), echoRecord(), Meta{})
	if topo.Primary != 1 || topo.Failed != 0 {
		t.Fatalf("topology %+v", topo)
	}
	if flaky.hits != 2 {
		t.Fatalf("attempts %d, want 2", flaky.hits)
	}
}

func TestChainAllFail(t *testing.T) {
	boom := errors.New("down")
	a := &scriptedPublisher{name: "a", errs: []error{boom, boom, boom}}
	b := &scriptedPublisher{name: "b", errs: []error{boom, boom, boom}}

	topo := NewChain(nil, a, b).Publish(context.Background(), echoRecord(), Meta{})
	if topo.Primary != 0 || topo.Alt != 0 || topo.Failed != 2 {
		t.Fatalf("topology %+v", topo)
	}
}

func TestIPFSPinnerPublish(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewIPFSPinner(srv.URL, "sekrit")
	rec := echoRecord()
	if err := p.Publish(context.Background(), rec, Meta{ConfirmedTimestamp: 42, Block: 7}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("auth header %q", gotAuth)
	}

	// The payload is a gzip-compressed record envelope.
	zr, err := gzip.NewReader(bytes.NewReader(gotBody))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	var envelope struct {
		Record record.SignalRecord `json:"record"`
		Meta   Meta                `json:"meta"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if envelope.Record.Hash != rec.Hash || envelope.Meta.Block != 7 {
		t.Fatalf("envelope mismatch: %+v", envelope)
	}
}

func TestIPFSPinnerSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"message":"quota exceeded"}}`)
	}))
	defer srv.Close()

	err := NewIPFSPinner(srv.URL, "").Publish(context.Background(), echoRecord(), Meta{})
	if err == nil {
		t.Fatal("service rejection not surfaced")
	}
}

func TestAltLedgerPublish(t *testing.T) {
	var envelope map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
	}))
	defer srv.Close()

	if err := NewAltLedger(srv.URL).Publish(context.Background(), echoRecord(), Meta{Block: 9}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, ok := envelope["record"]; !ok {
		t.Fatal("envelope missing record")
	}
	if _, ok := envelope["meta"]; !ok {
		t.Fatal("envelope missing meta")
	}
}

func TestAltLedgerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := NewAltLedger(srv.URL).Publish(context.Background(), echoRecord(), Meta{}); err == nil {
		t.Fatal("rejection not surfaced")
	}
}
