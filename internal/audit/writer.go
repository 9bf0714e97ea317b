package audit

import (
	"fmt"
	"sync"
	"time"
)

// chainWriter is the single owner of the chain tail. Every append funnels
// through its mutex, which linearizes the read-tail / compute-hash /
// persist sequence — the classic check-then-act race of a naive
// "get latest then insert" implementation cannot occur.
//
// Deployment assumption: one process writes a given chain (one serve
// process per audit.db); sqlite's file locking backs that up.
type chainWriter struct {
	mu    sync.Mutex
	store *chainStore

	// tailHash is the hash of the last committed entry, or GenesisHash
	// for an empty chain. Only read or written under mu.
	tailHash string

	// lastWritten keeps WrittenAt monotonically non-decreasing even if
	// the wall clock steps backwards between appends.
	lastWritten time.Time
}

// newChainWriter recovers the current tail from the store so the chain
// continues correctly after a restart.
func newChainWriter(store *chainStore) (*chainWriter, error) {
	w := &chainWriter{store: store, tailHash: GenesisHash}

	tail, err := store.tail()
	if err != nil {
		return nil, fmt.Errorf("recovering chain tail: %w", err)
	}
	if tail != nil {
		w.tailHash = tail.Hash
		w.lastWritten = tail.WrittenAt
	}
	return w, nil
}

// append commits a derived chain entry. The candidate's Seq, WrittenAt,
// Hash and PreviousHash fields are filled in here; everything happens
// under the writer lock as one indivisible unit with respect to other
// concurrent appends.
func (w *chainWriter) append(candidate ChainEntry) (*ChainEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	writtenAt := time.Now().UTC()
	if !writtenAt.After(w.lastWritten) {
		writtenAt = w.lastWritten.Add(time.Nanosecond)
	}

	changes, err := canonicalizeChanges(candidate.Changes)
	if err != nil {
		return nil, err
	}
	candidate.Changes = changes
	candidate.WrittenAt = writtenAt
	candidate.PreviousHash = w.tailHash

	hash, err := computeHash(&candidate)
	if err != nil {
		return nil, err
	}
	candidate.Hash = hash

	if err := w.store.insert(&candidate); err != nil {
		// The tail is unchanged: nothing was committed, the next append
		// reuses the same previous hash.
		return nil, err
	}

	w.tailHash = candidate.Hash
	w.lastWritten = candidate.WrittenAt
	return &candidate, nil
}
