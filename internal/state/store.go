// Package state persists the emitter's shared state document
// (system-state.json): the last emitted hash, per-pattern metrics, the
// cached nonce, and the cross-process emission lock with stale-lock
// recovery.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/resofield/jamnet/pkg/logger"
)

const (
	stateFile = "system-state.json"

	// LockStaleAfter is the age past which a held lock is recoverable.
	LockStaleAfter = 5 * time.Minute
	// Grace window while another live process holds the lock.
	lockGraceWindow = 30 * time.Second
	lockGracePoll   = 5 * time.Second
)

// ErrLockHeld reports that another live emitter holds the lock and did not
// release it within the grace window.
var ErrLockHeld = errors.New("emission lock held by another process")

// Lock is the persisted cross-process emission lock.
type Lock struct {
	Locked     bool  `json:"locked"`
	PID        int   `json:"pid,omitempty"`
	AcquiredAt int64 `json:"acquiredAt,omitempty"` // unix milliseconds
}

// PatternStats tracks attempts and successes for one pattern.
type PatternStats struct {
	Attempts   int   `json:"attempts"`
	Successes  int   `json:"successes"`
	LastUsedAt int64 `json:"lastUsedAt,omitempty"` // unix milliseconds
	Reinforced bool  `json:"reinforced,omitempty"`
}

// Metrics is the counters section of the state document.
type Metrics struct {
	Patterns    map[string]*PatternStats `json:"patterns,omitempty"`
	ErrorCounts map[string]int           `json:"errorCounts,omitempty"`
}

// Document is the whole system-state.json.
type Document struct {
	LastHash string  `json:"lastHash,omitempty"`
	Metrics  Metrics `json:"metrics"`
	Lock     Lock    `json:"lock"`
	Nonce    uint64  `json:"nonce,omitempty"`
}

// Store reads and writes the state document atomically. The emitter owns
// writes; other processes only read.
type Store struct {
	path string
	log  *logger.Logger

	// pidAlive is swappable for tests.
	pidAlive func(pid int) bool
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("state")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		path:     filepath.Join(dir, stateFile),
		log:      log,
		pidAlive: pidAlive,
	}, nil
}

// Load reads the current document. A missing file yields a zero document.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Document{Metrics: Metrics{Patterns: map[string]*PatternStats{}, ErrorCounts: map[string]int{}}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if doc.Metrics.Patterns == nil {
		doc.Metrics.Patterns = map[string]*PatternStats{}
	}
	if doc.Metrics.ErrorCounts == nil {
		doc.Metrics.ErrorCounts = map[string]int{}
	}
	return &doc, nil
}

// Save writes the document via temp file + rename.
func (s *Store) Save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Mutate loads, patches and saves the document.
func (s *Store) Mutate(patch func(*Document)) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	patch(doc)
	return s.Save(doc)
}

// AcquireLock takes the emission lock for this process, recovering stale or
// dead-owner locks. When a live owner holds it, the caller waits inside a
// bounded grace window before giving up with ErrLockHeld.
func (s *Store) AcquireLock(ctx context.Context) error {
	deadline := time.Now().Add(lockGraceWindow)
	for {
		doc, err := s.Load()
		if err != nil {
			return err
		}

		switch {
		case !doc.Lock.Locked:
			return s.writeLock(doc)
		case doc.Lock.PID == os.Getpid():
			// A lock left by a previous crash of this same PID slot.
			s.log.WithField("pid", doc.Lock.PID).Warn("recovering self-held lock")
			return s.writeLock(doc)
		case s.lockStale(doc.Lock):
			s.log.WithField("pid", doc.Lock.PID).Warn("recovering stale lock")
			return s.writeLock(doc)
		case !s.pidAlive(doc.Lock.PID):
			s.log.WithField("pid", doc.Lock.PID).Warn("recovering lock from dead process")
			return s.writeLock(doc)
		}

		if time.Now().After(deadline) {
			return ErrLockHeld
		}
		t := time.NewTimer(lockGracePoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ReleaseLock unconditionally clears the lock.
func (s *Store) ReleaseLock() error {
	return s.Mutate(func(doc *Document) {
		doc.Lock = Lock{}
	})
}

// ReleaseLockBestEffort clears the lock on shutdown paths, logging failures.
func (s *Store) ReleaseLockBestEffort() {
	if err := s.ReleaseLock(); err != nil {
		s.log.WithError(err).Warn("lock release on shutdown failed")
	}
}

// ReleaseLockIfOwned clears the lock only when this process holds it. Used
// by process teardown, where clobbering another emitter's lock would break
// the single-writer guarantee.
func (s *Store) ReleaseLockIfOwned() {
	err := s.Mutate(func(doc *Document) {
		if doc.Lock.Locked && doc.Lock.PID == os.Getpid() {
			doc.Lock = Lock{}
		}
	})
	if err != nil {
		s.log.WithError(err).Warn("owned-lock release failed")
	}
}

func (s *Store) writeLock(doc *Document) error {
	doc.Lock = Lock{
		Locked:     true,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UnixMilli(),
	}
	return s.Save(doc)
}

func (s *Store) lockStale(l Lock) bool {
	if l.AcquiredAt == 0 {
		return true
	}
	return time.Since(time.UnixMilli(l.AcquiredAt)) > LockStaleAfter
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// When the probe itself fails, assume alive and let the staleness
		// rule decide.
		return true
	}
	return alive
}
