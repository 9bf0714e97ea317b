package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the explicit previousHash sentinel of the first chain
// entry ever written. Using a pinned sentinel (rather than "field not
// set") means a dropped first entry breaks the chain visibly.
const GenesisHash = "sha256:genesis"

// ChainChanges is the before/after payload committed into the chain.
// FieldsChanged lists the field names from the computed diff.
type ChainChanges struct {
	Before        any      `json:"before,omitempty"`
	After         any      `json:"after,omitempty"`
	FieldsChanged []string `json:"fieldsChanged,omitempty"`
}

// ChainEntry is the immutable, hash-chained counterpart of an Entry.
// Written exactly once by the chain writer; the store rejects any update
// or delete afterwards.
type ChainEntry struct {
	// Seq is assigned by the store on insert and strictly increases.
	// Chain order (by WrittenAt) and seq order always agree because the
	// writer holds its lock across reserve-hash-persist.
	Seq int64 `json:"seq"`

	AuditEntryID string `json:"auditEntryId"`
	EntityType   string `json:"entityType"`
	EntityID     string `json:"entityId,omitempty"`
	Action       Action `json:"action"`

	Changes ChainChanges `json:"changes"`

	Actor string `json:"actor"`

	// Timestamp is the event time copied from the audit entry; WrittenAt
	// is the commit time, monotonically non-decreasing across the chain.
	Timestamp time.Time `json:"timestamp"`
	WrittenAt time.Time `json:"writtenAt"`

	IPAddress      string `json:"ipAddress,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	RequestMethod  string `json:"requestMethod,omitempty"`
	RequestPath    string `json:"requestPath,omitempty"`
	RequestBody    any    `json:"requestBody,omitempty"`
	ResponseStatus int    `json:"responseStatus,omitempty"`

	Hash         string `json:"hash"`
	PreviousHash string `json:"previousHash"`
	Immutable    bool   `json:"immutable"`
}

// hashProjection is the canonical, explicitly ordered subset of ChainEntry
// fields covered by the hash. All fields are structs/scalars (never free
// map iteration) so json.Marshal produces identical bytes for logically
// identical entries, which is what makes the chain portable across
// implementations. Timestamps encode as UnixNano — fixed-width, unlike
// RFC3339Nano which trims trailing zeros.
type hashProjection struct {
	PreviousHash string       `json:"previousHash"`
	AuditEntryID string       `json:"auditEntryId"`
	EntityType   string       `json:"entityType"`
	EntityID     string       `json:"entityId"`
	Action       Action       `json:"action"`
	Changes      ChainChanges `json:"changes"`
	Actor        string       `json:"actor"`
	TimestampNs  int64        `json:"timestampNs"`
	IPAddress    string       `json:"ipAddress"`
	WrittenAtNs  int64        `json:"writtenAtNs"`
}

// computeHash returns the content hash of a chain entry as
// "sha256:<hex>". The entry's Changes must already be in canonical JSON
// form (see canonicalizeChanges) or the hash will not survive a storage
// round trip.
func computeHash(e *ChainEntry) (string, error) {
	proj := hashProjection{
		PreviousHash: e.PreviousHash,
		AuditEntryID: e.AuditEntryID,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		Action:       e.Action,
		Changes:      e.Changes,
		Actor:        e.Actor,
		TimestampNs:  e.Timestamp.UnixNano(),
		IPAddress:    e.IPAddress,
		WrittenAtNs:  e.WrittenAt.UnixNano(),
	}
	data, err := json.Marshal(proj)
	if err != nil {
		return "", fmt.Errorf("canonicalizing chain entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// verifyEntry recomputes an entry's hash from its stored fields and
// compares it to the stored value.
func verifyEntry(e *ChainEntry) (bool, error) {
	expected, err := computeHash(e)
	if err != nil {
		return false, err
	}
	return e.Hash == expected, nil
}

// canonicalizeChanges round-trips the before/after snapshots through JSON
// so the value hashed at write time has the exact shape the verifier sees
// after reading it back from storage (maps with sorted keys, float64
// numbers). Without this, a struct snapshot would hash with struct field
// order but re-hash with sorted map keys.
func canonicalizeChanges(c ChainChanges) (ChainChanges, error) {
	var err error
	if c.Before, err = canonicalValue(c.Before); err != nil {
		return c, err
	}
	if c.After, err = canonicalValue(c.After); err != nil {
		return c, err
	}
	return c, nil
}

func canonicalValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing snapshot: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("canonicalizing snapshot: %w", err)
	}
	return out, nil
}
