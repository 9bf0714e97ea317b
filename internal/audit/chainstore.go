package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// immutableMarker is the message raised by the chain table's triggers.
// Errors containing it are mapped to ErrImmutableLog.
const immutableMarker = "immutable audit chain"

// chainStore is the append-only store behind the hash chain. Immutability
// is structural — the store exposes no update or delete operation — and
// additionally enforced inside sqlite itself: BEFORE UPDATE and BEFORE
// DELETE triggers abort any mutation regardless of which code path (or
// ad hoc SQL) attempts it.
type chainStore struct {
	db *sql.DB
}

// newChainStore creates the chain_entries schema and its guard triggers.
func newChainStore(db *sql.DB) (*chainStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chain_entries (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_entry_id  TEXT NOT NULL,
			entity_type     TEXT NOT NULL DEFAULT '',
			entity_id       TEXT NOT NULL DEFAULT '',
			action          TEXT NOT NULL,
			changes         TEXT NOT NULL DEFAULT '',
			actor           TEXT NOT NULL,
			ts_ns           INTEGER NOT NULL,
			written_at_ns   INTEGER NOT NULL,
			ip_address      TEXT NOT NULL DEFAULT '',
			user_agent      TEXT NOT NULL DEFAULT '',
			request_method  TEXT NOT NULL DEFAULT '',
			request_path    TEXT NOT NULL DEFAULT '',
			request_body    TEXT NOT NULL DEFAULT '',
			response_status INTEGER NOT NULL DEFAULT 0,
			hash            TEXT NOT NULL,
			previous_hash   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chain_audit_entry ON chain_entries(audit_entry_id);
		CREATE TRIGGER IF NOT EXISTS chain_entries_no_update
		BEFORE UPDATE ON chain_entries
		BEGIN
			SELECT RAISE(ABORT, 'immutable audit chain: update rejected');
		END;
		CREATE TRIGGER IF NOT EXISTS chain_entries_no_delete
		BEFORE DELETE ON chain_entries
		BEGIN
			SELECT RAISE(ABORT, 'immutable audit chain: delete rejected');
		END;
	`)
	if err != nil {
		return nil, fmt.Errorf("creating chain_entries schema: %w", err)
	}
	return &chainStore{db: db}, nil
}

const chainColumns = `seq, audit_entry_id, entity_type, entity_id, action, changes,
	actor, ts_ns, written_at_ns, ip_address, user_agent, request_method,
	request_path, request_body, response_status, hash, previous_hash`

// insert persists a fully-formed chain entry and fills in its
// store-assigned seq. Only the chain writer calls this; nothing else in
// the package (or outside it) can reach the table.
func (s *chainStore) insert(e *ChainEntry) error {
	changesJSON, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("marshaling chain changes: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO chain_entries (
			audit_entry_id, entity_type, entity_id, action, changes, actor,
			ts_ns, written_at_ns, ip_address, user_agent, request_method,
			request_path, request_body, response_status, hash, previous_hash
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.AuditEntryID, e.EntityType, e.EntityID, string(e.Action), string(changesJSON),
		e.Actor, e.Timestamp.UnixNano(), e.WrittenAt.UnixNano(),
		e.IPAddress, e.UserAgent, e.RequestMethod, e.RequestPath,
		marshalField(e.RequestBody), e.ResponseStatus, e.Hash, e.PreviousHash,
	)
	if err != nil {
		return wrapImmutable(fmt.Errorf("inserting chain entry: %w", err))
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading chain entry seq: %w", err)
	}
	e.Seq = seq
	e.Immutable = true
	return nil
}

// tail returns the most recently written chain entry, or nil if the
// chain is empty.
func (s *chainStore) tail() (*ChainEntry, error) {
	entries, err := s.query(`SELECT ` + chainColumns + ` FROM chain_entries
		ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// allOrdered returns every chain entry ascending by commit order. Used
// by the verifier, not by hot paths.
func (s *chainStore) allOrdered() ([]ChainEntry, error) {
	return s.query(`SELECT ` + chainColumns + ` FROM chain_entries ORDER BY seq ASC`)
}

// hasAuditEntry reports whether the chain holds at least one entry for
// the given audit entry id.
func (s *chainStore) hasAuditEntry(auditEntryID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chain_entries WHERE audit_entry_id = ?`,
		auditEntryID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("looking up chain entry for %s: %w", auditEntryID, err)
	}
	return n > 0, nil
}

// count returns the chain length.
func (s *chainStore) count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chain_entries`).Scan(&n)
	return n, err
}

func (s *chainStore) query(q string, args ...any) ([]ChainEntry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chain entries: %w", err)
	}
	defer rows.Close()

	var entries []ChainEntry
	for rows.Next() {
		var (
			e           ChainEntry
			action      string
			changesJSON string
			bodyJSON    string
			tsNs        int64
			writtenNs   int64
		)
		err := rows.Scan(
			&e.Seq, &e.AuditEntryID, &e.EntityType, &e.EntityID, &action,
			&changesJSON, &e.Actor, &tsNs, &writtenNs, &e.IPAddress,
			&e.UserAgent, &e.RequestMethod, &e.RequestPath, &bodyJSON,
			&e.ResponseStatus, &e.Hash, &e.PreviousHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning chain entry: %w", err)
		}
		e.Action = Action(action)
		e.Timestamp = time.Unix(0, tsNs).UTC()
		e.WrittenAt = time.Unix(0, writtenNs).UTC()
		e.RequestBody = unmarshalField(bodyJSON)
		e.Immutable = true
		if changesJSON != "" {
			if err := json.Unmarshal([]byte(changesJSON), &e.Changes); err != nil {
				return nil, fmt.Errorf("decoding chain changes for seq %d: %w", e.Seq, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// wrapImmutable maps trigger-raised sqlite errors onto ErrImmutableLog so
// callers can test with errors.Is.
func wrapImmutable(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), immutableMarker) {
		return fmt.Errorf("%w: %v", ErrImmutableLog, err)
	}
	return err
}

// errIsImmutable reports whether an error (possibly from raw SQL against
// the chain table) is an immutability violation.
func errIsImmutable(err error) bool {
	return errors.Is(wrapImmutable(err), ErrImmutableLog)
}
