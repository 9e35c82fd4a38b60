package nonce

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type scriptedReader struct {
	mu     sync.Mutex
	counts []uint64
	errs   []error
	calls  int
}

func (r *scriptedReader) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return 0, r.errs[i]
	}
	if i < len(r.counts) {
		return r.counts[i], nil
	}
	if len(r.counts) == 0 {
		return 0, fmt.Errorf("no scripted count")
	}
	return r.counts[len(r.counts)-1], nil
}

func (r *scriptedReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var testAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestReserveCommitAdvances(t *testing.T) {
	reader := &scriptedReader{counts: []uint64{5}}
	m := NewManager(reader, testAddr, nil)

	res, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Value() != 5 {
		t.Fatalf("reserved nonce %d, want 5", res.Value())
	}
	res.Commit()

	// The cache is fresh, so the next reserve issues 6 without touching the
	// chain again.
	res2, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer res2.Rollback()
	if res2.Value() != 6 {
		t.Fatalf("nonce after commit %d, want 6", res2.Value())
	}
	if reader.callCount() != 1 {
		t.Fatalf("chain consulted %d times, want 1", reader.callCount())
	}
}

func TestReserveRollbackReissues(t *testing.T) {
	reader := &scriptedReader{counts: []uint64{9}}
	m := NewManager(reader, testAddr, nil)

	res, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res.Rollback()

	res2, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer res2.Rollback()
	if res2.Value() != 9 {
		t.Fatalf("rollback did not reissue: got %d, want 9", res2.Value())
	}
}

func TestReserveBlocksUntilSettled(t *testing.T) {
	reader := &scriptedReader{counts: []uint64{1}}
	m := NewManager(reader, testAddr, nil)

	res, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Reserve(ctx); err == nil {
		t.Fatal("second reserve succeeded while first outstanding")
	}

	res.Commit()
	res2, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve after settle: %v", err)
	}
	res2.Rollback()
}

func TestPendingForcesRefresh(t *testing.T) {
	reader := &scriptedReader{counts: []uint64{3, 4}}
	m := NewManager(reader, testAddr, nil)

	res, _ := m.Reserve(context.Background())
	res.Commit()
	m.AddPending(common.HexToHash("0xaa"))

	res2, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer res2.Rollback()
	if res2.Value() != 4 {
		t.Fatalf("pending tx did not force refresh: got %d, want 4", res2.Value())
	}
	if reader.callCount() != 2 {
		t.Fatalf("chain consulted %d times, want 2", reader.callCount())
	}
}

func TestRefreshRejectsRegression(t *testing.T) {
	// First refresh caches 10; a lagging endpoint then reports 4, which must
	// be retried rather than accepted.
	reader := &scriptedReader{counts: []uint64{10, 4, 11}}
	m := NewManager(reader, testAddr, nil)

	res, _ := m.Reserve(context.Background())
	res.Commit()
	m.AddPending(common.HexToHash("0xbb"))

	res2, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer res2.Rollback()
	if res2.Value() != 11 {
		t.Fatalf("regression accepted: got %d, want 11", res2.Value())
	}
}

func TestResetClearsCache(t *testing.T) {
	reader := &scriptedReader{counts: []uint64{7, 2}}
	m := NewManager(reader, testAddr, nil)

	res, _ := m.Reserve(context.Background())
	res.Commit()

	m.Reset()

	// After reset the chain value wins even though it is lower.
	res2, err := m.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer res2.Rollback()
	if res2.Value() != 2 {
		t.Fatalf("reset did not clear cache: got %d, want 2", res2.Value())
	}
}
