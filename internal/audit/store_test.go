package audit

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestService opens a fresh audit trail in a temp directory.
func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), Options{})
	if err != nil {
		t.Fatalf("opening test service: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func logSimple(t *testing.T, s *Service, actor string, action Action, entityID string) *Entry {
	t.Helper()
	e, err := s.LogOperation(Operation{
		Actor:      actor,
		Action:     action,
		EntityType: "product",
		EntityID:   entityID,
	})
	if err != nil {
		t.Fatalf("LogOperation: %v", err)
	}
	return e
}

func TestChainStore_RejectsUpdate(t *testing.T) {
	s := newTestService(t)
	logSimple(t, s, "alice", ActionCreate, "P1")

	before, err := s.chain.allOrdered()
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.db.Exec(`UPDATE chain_entries SET actor = 'mallory' WHERE seq = 1`)
	if err == nil {
		t.Fatal("update on chain_entries should fail")
	}
	if !errIsImmutable(err) {
		t.Errorf("expected immutability violation, got: %v", err)
	}

	// The stored entry must be byte-for-byte unchanged.
	after, err := s.chain.allOrdered()
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].Actor != before[0].Actor || after[0].Hash != before[0].Hash {
		t.Error("rejected update must leave the entry unchanged")
	}
}

func TestChainStore_RejectsDelete(t *testing.T) {
	s := newTestService(t)
	logSimple(t, s, "alice", ActionCreate, "P1")

	_, err := s.db.Exec(`DELETE FROM chain_entries`)
	if err == nil {
		t.Fatal("delete on chain_entries should fail")
	}
	if !errIsImmutable(err) {
		t.Errorf("expected immutability violation, got: %v", err)
	}

	n, err := s.chain.count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("chain should still hold 1 entry, got %d", n)
	}
}

func TestChainStore_TailAndOrder(t *testing.T) {
	s := newTestService(t)

	tail, err := s.chain.tail()
	if err != nil {
		t.Fatal(err)
	}
	if tail != nil {
		t.Fatal("empty chain should have no tail")
	}

	for i := 0; i < 3; i++ {
		logSimple(t, s, "alice", ActionUpdate, fmt.Sprintf("P%d", i))
	}

	entries, err := s.chain.allOrdered()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 chain entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Error("seq must be strictly increasing")
		}
		if entries[i].WrittenAt.Before(entries[i-1].WrittenAt) {
			t.Error("writtenAt must be non-decreasing in chain order")
		}
	}

	tail, err = s.chain.tail()
	if err != nil {
		t.Fatal(err)
	}
	if tail == nil || tail.Seq != entries[2].Seq {
		t.Error("tail should be the entry with the highest seq")
	}
}

func TestChainWriter_Concurrent(t *testing.T) {
	s := newTestService(t)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.LogOperation(Operation{
				Actor:      fmt.Sprintf("user-%d", i%7),
				Action:     ActionStockAdjustment,
				EntityType: "product",
				EntityID:   fmt.Sprintf("P%d", i),
			})
			if err != nil {
				t.Errorf("concurrent LogOperation: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := s.ChainWriteFailures(); got != 0 {
		t.Fatalf("expected no chain write failures, got %d", got)
	}

	entries, err := s.chain.allOrdered()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d chain entries, got %d", n, len(entries))
	}

	// No two entries may claim the same predecessor.
	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.PreviousHash] {
			t.Fatalf("duplicate previousHash %s — lost append race", e.PreviousHash)
		}
		seen[e.PreviousHash] = true
	}

	result, err := s.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Errorf("chain after concurrent appends should verify, issues: %+v", result.Issues)
	}
}

func TestChainWriter_RecoversTailAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	logSimple(t, s, "alice", ActionCreate, "P1")
	tail, err := s.chain.tail()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	logSimple(t, s2, "alice", ActionUpdate, "P1")

	entries, err := s2.chain.allOrdered()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", len(entries))
	}
	if entries[1].PreviousHash != tail.Hash {
		t.Error("entry written after reopen should chain to the recovered tail")
	}

	result, err := s2.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Errorf("chain should verify after reopen, issues: %+v", result.Issues)
	}
}

func TestLogStore_Timestamps(t *testing.T) {
	s := newTestService(t)

	ts := time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)
	_, err := s.LogOperation(Operation{
		Actor:      "bob",
		Action:     ActionCreate,
		EntityType: "sale",
		EntityID:   "S1",
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.logs.recent(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !entries[0].Timestamp.Equal(ts) {
		t.Errorf("caller-supplied event time should round trip, got %v", entries[0].Timestamp)
	}
}
