package audit

import (
	"strings"
	"testing"
	"time"
)

func testChainEntry() ChainEntry {
	return ChainEntry{
		AuditEntryID: "ae-1",
		EntityType:   "product",
		EntityID:     "P1",
		Action:       ActionUpdate,
		Changes: ChainChanges{
			Before:        map[string]any{"price": 9.99},
			After:         map[string]any{"price": 12.5},
			FieldsChanged: []string{"price"},
		},
		Actor:        "alice",
		Timestamp:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		WrittenAt:    time.Date(2026, 3, 1, 10, 0, 0, 100, time.UTC),
		IPAddress:    "10.0.0.9",
		PreviousHash: GenesisHash,
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	e := testChainEntry()

	h1, err := computeHash(&e)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := computeHash(&e)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Error("same entry should produce the same hash")
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Errorf("hash should start with 'sha256:', got %q", h1)
	}
}

func TestComputeHash_SensitiveToAllHashedFields(t *testing.T) {
	base := testChainEntry()
	baseHash, err := computeHash(&base)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		modify func(e *ChainEntry)
	}{
		{"previousHash", func(e *ChainEntry) { e.PreviousHash = "sha256:other" }},
		{"auditEntryId", func(e *ChainEntry) { e.AuditEntryID = "ae-2" }},
		{"entityType", func(e *ChainEntry) { e.EntityType = "sale" }},
		{"entityId", func(e *ChainEntry) { e.EntityID = "P2" }},
		{"action", func(e *ChainEntry) { e.Action = ActionDelete }},
		{"changes", func(e *ChainEntry) { e.Changes.After = map[string]any{"price": 99.0} }},
		{"actor", func(e *ChainEntry) { e.Actor = "mallory" }},
		{"timestamp", func(e *ChainEntry) { e.Timestamp = e.Timestamp.Add(time.Second) }},
		{"ipAddress", func(e *ChainEntry) { e.IPAddress = "10.0.0.10" }},
		{"writtenAt", func(e *ChainEntry) { e.WrittenAt = e.WrittenAt.Add(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := testChainEntry()
			tt.modify(&modified)
			h, err := computeHash(&modified)
			if err != nil {
				t.Fatal(err)
			}
			if h == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestComputeHash_IgnoresNonProjectionFields(t *testing.T) {
	base := testChainEntry()
	baseHash, err := computeHash(&base)
	if err != nil {
		t.Fatal(err)
	}

	modified := testChainEntry()
	modified.UserAgent = "curl/8"
	modified.RequestPath = "/other"
	modified.ResponseStatus = 500
	modified.Seq = 42

	h, err := computeHash(&modified)
	if err != nil {
		t.Fatal(err)
	}
	if h != baseHash {
		t.Error("fields outside the canonical projection must not affect the hash")
	}
}

func TestVerifyEntry(t *testing.T) {
	e := testChainEntry()
	hash, err := computeHash(&e)
	if err != nil {
		t.Fatal(err)
	}
	e.Hash = hash

	ok, err := verifyEntry(&e)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("entry with correct hash should verify")
	}

	e.Actor = "tampered"
	ok, err = verifyEntry(&e)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("tampered entry should not verify")
	}
}

// A hash computed from struct-typed snapshots must survive a JSON storage
// round trip, which turns them into generic maps. canonicalizeChanges
// guarantees that.
func TestCanonicalizeChanges_RoundTripStable(t *testing.T) {
	type productSnap struct {
		Name  string  `json:"name"`
		Price float64 `json:"price"`
		Stock int     `json:"stock"`
	}

	e := testChainEntry()
	e.Changes = ChainChanges{
		Before: productSnap{Name: "kettle", Price: 9.99, Stock: 3},
		After:  productSnap{Name: "kettle", Price: 12.5, Stock: 3},
	}

	canonical, err := canonicalizeChanges(e.Changes)
	if err != nil {
		t.Fatal(err)
	}
	e.Changes = canonical

	h1, err := computeHash(&e)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the storage round trip.
	again, err := canonicalizeChanges(e.Changes)
	if err != nil {
		t.Fatal(err)
	}
	e.Changes = again
	h2, err := computeHash(&e)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Error("canonicalized changes should hash identically after a round trip")
	}

	if _, ok := canonical.Before.(map[string]any); !ok {
		t.Errorf("canonical Before should be a generic map, got %T", canonical.Before)
	}
}
