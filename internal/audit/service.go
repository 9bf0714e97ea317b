package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trailguard/trailguard/internal/diff"
	"github.com/trailguard/trailguard/internal/redact"
)

// defaultWindow is the trailing range applied when an investigation is
// called without explicit from/to bounds.
const defaultWindow = 30 * 24 * time.Hour

// defaultRecentWindow bounds the verifier's completeness sample: the N
// newest audit entries are checked for a chain counterpart.
const defaultRecentWindow = 100

// Options configures a Service.
type Options struct {
	// Policy is the redaction policy applied to request bodies.
	// Nil means the built-in sensitive-field list.
	Policy *redact.Policy

	// RecentWindow overrides the verifier's completeness sample size.
	RecentWindow int
}

// Service is the public entry point of the audit trail. All business
// code logs through LogOperation; forensic tooling reads through the
// Investigate* queries and VerifyIntegrity.
//
// Thread-safe: LogOperation is called inline from concurrent request
// handlers. The chain writer serializes chain appends internally; the
// stores rely on sqlite's own locking.
type Service struct {
	db     *sql.DB
	logs   *logStore
	chain  *chainStore
	writer *chainWriter

	policyMu sync.RWMutex
	policy   *redact.Policy

	notifyMu sync.RWMutex
	notify   func(Entry)

	chainFailures atomic.Int64
	recentWindow  int
}

// Open opens (or creates) the audit trail database at path and recovers
// the chain tail.
func Open(path string, opts Options) (*Service, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	logs, err := newLogStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	chain, err := newChainStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	writer, err := newChainWriter(chain)
	if err != nil {
		db.Close()
		return nil, err
	}

	policy := opts.Policy
	if policy == nil {
		policy = redact.DefaultPolicy()
	}
	recentWindow := opts.RecentWindow
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}

	s := &Service{
		db:           db,
		logs:         logs,
		chain:        chain,
		writer:       writer,
		policy:       policy,
		recentWindow: recentWindow,
	}

	slog.Info("audit trail opened", "path", path, "tail", writer.tailHash)
	return s, nil
}

// Close releases the underlying database.
func (s *Service) Close() error {
	return s.db.Close()
}

// SetPolicy swaps the redaction policy. Called by the config watcher on
// redaction.yaml hot reload.
func (s *Service) SetPolicy(p *redact.Policy) {
	if p == nil {
		p = redact.DefaultPolicy()
	}
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()
	slog.Info("redaction policy updated",
		"substrings", len(p.Substrings), "patterns", len(p.Patterns))
}

// SetNotify registers a callback invoked after each successfully logged
// operation. The forensics live feed hooks in here. Best-effort — the
// callback must not block.
func (s *Service) SetNotify(fn func(Entry)) {
	s.notifyMu.Lock()
	s.notify = fn
	s.notifyMu.Unlock()
}

// ChainWriteFailures returns the number of chain appends absorbed since
// the service was opened. Non-zero values warrant operator attention
// (the mutable log is ahead of the chain).
func (s *Service) ChainWriteFailures() int64 {
	return s.chainFailures.Load()
}

// LogOperation records one sensitive mutation: an audit entry in the
// mutable log, then a derived entry appended to the immutable chain.
//
// A validation failure or a failure writing the mutable entry is
// returned to the caller. A failure appending to the chain is NOT — it
// is logged, counted, and absorbed, so audit logging can never abort the
// business operation it observes. The created entry is returned either way.
func (s *Service) LogOperation(op Operation) (*Entry, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}

	ts := op.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	s.policyMu.RLock()
	policy := s.policy
	s.policyMu.RUnlock()

	// Recompute the diff whenever both snapshots are available; a
	// caller-supplied change list is trusted only when one side is missing.
	changes := op.Changes
	if op.Before != nil && op.After != nil {
		changes = diff.Compute(op.Before, op.After)
	}

	entry := &Entry{
		ID:               uuid.NewString(),
		EntityType:       op.EntityType,
		EntityID:         op.EntityID,
		Action:           op.Action,
		DocumentType:     op.DocumentType,
		DocumentID:       op.DocumentID,
		OldValue:         op.Before,
		NewValue:         op.After,
		Changes:          changes,
		Actor:            op.Actor,
		IPAddress:        op.IPAddress,
		UserAgent:        op.UserAgent,
		RequestMethod:    op.RequestMethod,
		RequestPath:      op.RequestPath,
		RequestBody:      redact.Sanitize(op.RequestBody, policy),
		ResponseStatus:   op.ResponseStatus,
		DurationMs:       op.DurationMs,
		Reason:           op.Reason,
		ApprovalRequired: op.ApprovalRequired,
		ApprovedBy:       op.ApprovedBy,
		Timestamp:        ts,
	}

	if err := s.logs.insert(entry); err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, c.Field)
	}

	if _, err := s.writer.append(ChainEntry{
		AuditEntryID: entry.ID,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		Changes: ChainChanges{
			Before:        entry.OldValue,
			After:         entry.NewValue,
			FieldsChanged: fields,
		},
		Actor:          entry.Actor,
		Timestamp:      entry.Timestamp,
		IPAddress:      entry.IPAddress,
		UserAgent:      entry.UserAgent,
		RequestMethod:  entry.RequestMethod,
		RequestPath:    entry.RequestPath,
		RequestBody:    entry.RequestBody,
		ResponseStatus: entry.ResponseStatus,
	}); err != nil {
		// Absorbed: the mutable entry stands, the chain is behind by one.
		s.chainFailures.Add(1)
		slog.Warn("chain append failed", "audit_entry", entry.ID, "error", err)
	}

	s.notifyMu.RLock()
	notify := s.notify
	s.notifyMu.RUnlock()
	if notify != nil {
		notify(*entry)
	}

	return entry, nil
}

// InvestigateByUser returns the entries logged for one actor within the
// closed interval [from, to], newest first. Zero bounds default to a
// trailing 30-day window.
func (s *Service) InvestigateByUser(userID string, from, to time.Time) ([]Entry, error) {
	from, to = normalizeRange(from, to)
	return s.logs.byActor(userID, from, to)
}

// InvestigateByEntity returns every entry for one entity, newest first,
// across all actions.
func (s *Service) InvestigateByEntity(entityType, entityID string) ([]Entry, error) {
	return s.logs.byEntity(entityType, entityID)
}

// InvestigateFinancialChanges returns entries within [from, to] where
// either snapshot references the account code, or where any diffed field
// is "amount" or "balance". Newest first.
func (s *Service) InvestigateFinancialChanges(accountCode string, from, to time.Time) ([]Entry, error) {
	from, to = normalizeRange(from, to)
	entries, err := s.logs.inRange(from, to)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range entries {
		if referencesFinancial(&e, accountCode) {
			out = append(out, e)
		}
	}
	return out, nil
}

// referencesFinancial applies the financial-investigation filter to one
// entry: account code present in a snapshot, or an amount/balance field
// in the change list.
func referencesFinancial(e *Entry, accountCode string) bool {
	for _, c := range e.Changes {
		if c.Field == "amount" || c.Field == "balance" {
			return true
		}
	}
	if accountCode == "" {
		return false
	}
	return snapshotContains(e.OldValue, accountCode) || snapshotContains(e.NewValue, accountCode)
}

// snapshotContains walks a generic snapshot looking for the reference
// value among its leaves (and keys, for account-code-keyed maps).
func snapshotContains(v any, ref string) bool {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if k == ref || snapshotContains(inner, ref) {
				return true
			}
		}
	case []any:
		for _, inner := range val {
			if snapshotContains(inner, ref) {
				return true
			}
		}
	case string:
		return val == ref
	}
	return false
}

// TransactionAuditTrail returns entries whose document id or snapshots
// reference the transaction, newest first.
func (s *Service) TransactionAuditTrail(transactionID string) ([]Entry, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrValidation)
	}
	return s.logs.byDocumentOrSnapshot(transactionID)
}

// Tail returns the N newest audit entries.
func (s *Service) Tail(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.logs.recent(limit)
}

// Follow polls for new audit entries and invokes the callback for each,
// oldest first, until the context is cancelled. The CLI uses this for
// `trailguard tail -f`.
func (s *Service) Follow(ctx context.Context, callback func(Entry)) error {
	lastNs := time.Now().UTC().UnixNano()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := s.logs.after(lastNs)
			if err != nil {
				slog.Error("follow: reading entries", "error", err)
				continue
			}
			for _, e := range entries {
				callback(e)
				if ns := e.Timestamp.UnixNano(); ns > lastNs {
					lastNs = ns
				}
			}
		}
	}
}

// normalizeRange applies the default trailing window to zero bounds.
func normalizeRange(from, to time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultWindow)
	}
	return from, to
}
