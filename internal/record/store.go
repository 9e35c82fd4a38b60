package record

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/resofield/jamnet/pkg/logger"
)

// On-disk layout under the data directory.
const (
	jamsDir         = "jams"
	successfulDir   = "jams/successful"
	successfulLog   = "jams/successful/successful-jams.jsonl"
	interactionsLog = "jams/interactions.jsonl"
	logsDir         = "logs"
	attributionsLog = "logs/attributions.jsonl"
	profitLog       = "logs/profit-monitor.jsonl"
	latestBeacon    = "latest-jam.json"
)

// SuccessEntry is one line of the successful-jams log.
type SuccessEntry struct {
	Hash         string  `json:"hash"`
	Pattern      string  `json:"pattern"`
	IntentClass  string  `json:"intent_class"`
	CascadeDepth int     `json:"cascade_depth"`
	Resonance    float64 `json:"resonance"`
	CreatedAt    int64   `json:"created_at"`
	OnchainTx    string  `json:"onchain_tx,omitempty"`
	// BlockNumber is the decimal block number, or one of the ambiguity
	// markers indexing|rpc_failure|error_recovery when confirmation could
	// not be read.
	BlockNumber string `json:"block_number"`
}

// Interaction is one line of the interactions log.
type Interaction struct {
	Timestamp    int64  `json:"timestamp"`
	SignalHash   string `json:"signal_hash"`
	Counterparty string `json:"counterparty"`
	Yield        string `json:"yield"`
}

// AttributionEvent is one line of the attributions log.
type AttributionEvent struct {
	Timestamp    int64   `json:"timestamp"`
	SignalHash   string  `json:"signal_hash"`
	Counterparty string  `json:"counterparty"`
	YieldAmount  string  `json:"yield_amount"`
	Similarity   float64 `json:"similarity"`
	TxHash       string  `json:"tx_hash"`
}

// ProfitEntry is one line of the profit monitor log.
type ProfitEntry struct {
	Timestamp   int64  `json:"timestamp"`
	SignalHash  string `json:"signal_hash"`
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
	DeltaWei    string `json:"delta_wei,omitempty"`
	BaitTx      string `json:"bait_tx,omitempty"`
	BundleBlock uint64 `json:"bundle_block,omitempty"`
}

// Beacon is the latest-jam sync file polled by the amplifier and attributor.
type Beacon struct {
	Hash               string `json:"hash"`
	ConfirmedTimestamp int64  `json:"confirmedTimestamp"`
}

// Store is the content-addressed record store plus the append-only logs.
// Per-record writes are atomic (temp file + rename); log writes are
// append-only single lines. Readers tolerate corrupt entries.
type Store struct {
	dir string
	log *logger.Logger
	mu  sync.Mutex
}

// NewStore creates the directory layout under dir.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("record-store")
	}
	for _, sub := range []string{jamsDir, successfulDir, logsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) recordPath(hash string) string {
	return filepath.Join(s.dir, jamsDir, sanitizeHash(hash)+".json")
}

// Put writes a record atomically under its hash.
func (s *Store) Put(hash string, rec *SignalRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.atomicWrite(s.recordPath(hash), data)
}

// Get loads a record by hash. Missing records return (nil, nil).
func (s *Store) Get(hash string) (*SignalRecord, error) {
	data, err := os.ReadFile(s.recordPath(hash))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", hash, err)
	}
	var rec SignalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", hash, err)
	}
	return &rec, nil
}

// Update applies patch to the stored record and writes it back. Last writer
// wins; only one process updates a given record.
func (s *Store) Update(hash string, patch func(*SignalRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(hash)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record %s not found", hash)
	}
	patch(rec)
	return s.Put(hash, rec)
}

// AppendSuccessful appends one line to the successful-jams log.
func (s *Store) AppendSuccessful(entry SuccessEntry) error {
	return s.appendLine(successfulLog, entry)
}

// AppendInteraction appends one line to the interactions log.
func (s *Store) AppendInteraction(it Interaction) error {
	return s.appendLine(interactionsLog, it)
}

// AppendAttribution appends one line to the attributions log.
func (s *Store) AppendAttribution(ev AttributionEvent) error {
	return s.appendLine(attributionsLog, ev)
}

// AppendProfit appends one line to the profit monitor log.
func (s *Store) AppendProfit(p ProfitEntry) error {
	return s.appendLine(profitLog, p)
}

// ListSuccessful streams the successful log, skipping corrupt lines.
func (s *Store) ListSuccessful() ([]SuccessEntry, error) {
	var out []SuccessEntry
	err := s.scanLines(successfulLog, func(line []byte) {
		var e SuccessEntry
		if err := json.Unmarshal(line, &e); err != nil {
			s.log.WithError(err).Warn("skipping corrupt successful entry")
			return
		}
		out = append(out, e)
	})
	return out, err
}

// ListByIntent returns successful entries with the given intent class.
func (s *Store) ListByIntent(intent string) ([]SuccessEntry, error) {
	all, err := s.ListSuccessful()
	if err != nil {
		return nil, err
	}
	var out []SuccessEntry
	for _, e := range all {
		if e.IntentClass == intent {
			out = append(out, e)
		}
	}
	return out, nil
}

// InteractionHistory returns the appended interactions for a signal, in
// order.
func (s *Store) InteractionHistory(signalHash string) ([]Interaction, error) {
	var out []Interaction
	err := s.scanLines(interactionsLog, func(line []byte) {
		var it Interaction
		if err := json.Unmarshal(line, &it); err != nil {
			s.log.WithError(err).Warn("skipping corrupt interaction entry")
			return
		}
		if it.SignalHash == signalHash {
			out = append(out, it)
		}
	})
	return out, err
}

// HasAttribution reports whether an attestation for (signalHash, txHash) was
// already recorded. The on-chain contract accepts cumulative attestations;
// this log is the dedupe source.
func (s *Store) HasAttribution(signalHash, txHash string) (bool, error) {
	found := false
	err := s.scanLines(attributionsLog, func(line []byte) {
		var ev AttributionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		if ev.SignalHash == signalHash && ev.TxHash == txHash {
			found = true
		}
	})
	return found, err
}

// ListActive returns stored records that pass the audit gate.
func (s *Store) ListActive() ([]*SignalRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, jamsDir))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var out []*SignalRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		hash := strings.TrimSuffix(e.Name(), ".json")
		rec, err := s.Get(hash)
		if err != nil {
			s.log.WithError(err).WithField("hash", hash).Warn("skipping unreadable record")
			continue
		}
		if rec != nil && rec.Meta.AuditPass {
			out = append(out, rec)
		}
	}
	return out, nil
}

// WriteBeacon writes latest-jam.json atomically.
func (s *Store) WriteBeacon(b Beacon) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal beacon: %w", err)
	}
	return s.atomicWrite(filepath.Join(s.dir, latestBeacon), data)
}

// ReadBeacon reads latest-jam.json. Missing beacon returns (nil, nil).
func (s *Store) ReadBeacon() (*Beacon, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, latestBeacon))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read beacon: %w", err)
	}
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse beacon: %w", err)
	}
	return &b, nil
}

func (s *Store) appendLine(rel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, rel), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", rel, err)
	}
	return nil
}

func (s *Store) scanLines(rel string, fn func(line []byte)) error {
	f, err := os.Open(filepath.Join(s.dir, rel))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fn([]byte(line))
	}
	return sc.Err()
}

func (s *Store) atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// sanitizeHash keeps record filenames inside the jams directory.
func sanitizeHash(hash string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r >= '0' && r <= '9', r == 'x':
			return r
		default:
			return '_'
		}
	}, hash)
}
