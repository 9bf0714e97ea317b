package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/trailguard/trailguard/internal/diff"
)

// openDB opens (or creates) the sqlite database holding both audit
// stores. WAL mode allows the serve process to write while CLI commands
// read the same file.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}
	return db, nil
}

// logStore is the mutable, queryable, indexed record of what happened —
// one row per logged operation. It only ever gains rows through insert;
// retention/purge is an administrative concern outside this package.
type logStore struct {
	db *sql.DB
}

// newLogStore creates the audit_entries schema if needed.
func newLogStore(db *sql.DB) (*logStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id                TEXT PRIMARY KEY,
			entity_type       TEXT NOT NULL DEFAULT '',
			entity_id         TEXT NOT NULL DEFAULT '',
			action            TEXT NOT NULL,
			document_type     TEXT NOT NULL DEFAULT '',
			document_id       TEXT NOT NULL DEFAULT '',
			old_value         TEXT NOT NULL DEFAULT '',
			new_value         TEXT NOT NULL DEFAULT '',
			changes           TEXT NOT NULL DEFAULT '',
			actor             TEXT NOT NULL,
			ip_address        TEXT NOT NULL DEFAULT '',
			user_agent        TEXT NOT NULL DEFAULT '',
			request_method    TEXT NOT NULL DEFAULT '',
			request_path      TEXT NOT NULL DEFAULT '',
			request_body      TEXT NOT NULL DEFAULT '',
			response_status   INTEGER NOT NULL DEFAULT 0,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			reason            TEXT NOT NULL DEFAULT '',
			approval_required INTEGER NOT NULL DEFAULT 0,
			approved_by       TEXT NOT NULL DEFAULT '',
			ts_ns             INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_actor    ON audit_entries(actor, ts_ns);
		CREATE INDEX IF NOT EXISTS idx_audit_entity   ON audit_entries(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_entries(document_id);
		CREATE INDEX IF NOT EXISTS idx_audit_ts       ON audit_entries(ts_ns);
	`)
	if err != nil {
		return nil, fmt.Errorf("creating audit_entries schema: %w", err)
	}
	return &logStore{db: db}, nil
}

const logColumns = `id, entity_type, entity_id, action, document_type, document_id,
	old_value, new_value, changes, actor, ip_address, user_agent,
	request_method, request_path, request_body, response_status,
	duration_ms, reason, approval_required, approved_by, ts_ns`

// insert persists a new entry. The entry's ID and Timestamp must already
// be set by the service.
func (s *logStore) insert(e *Entry) error {
	oldJSON := marshalField(e.OldValue)
	newJSON := marshalField(e.NewValue)
	bodyJSON := marshalField(e.RequestBody)
	changesJSON := ""
	if len(e.Changes) > 0 {
		data, err := json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("marshaling changes: %w", err)
		}
		changesJSON = string(data)
	}

	_, err := s.db.Exec(`INSERT INTO audit_entries (`+logColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.EntityType, e.EntityID, string(e.Action), e.DocumentType, e.DocumentID,
		oldJSON, newJSON, changesJSON, e.Actor, e.IPAddress, e.UserAgent,
		e.RequestMethod, e.RequestPath, bodyJSON, e.ResponseStatus,
		e.DurationMs, e.Reason, boolToInt(e.ApprovalRequired), e.ApprovedBy,
		e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry %s: %w", e.ID, err)
	}
	return nil
}

// byActor returns entries for one actor within [from, to], newest first.
func (s *logStore) byActor(actor string, from, to time.Time) ([]Entry, error) {
	return s.query(`SELECT `+logColumns+` FROM audit_entries
		WHERE actor = ? AND ts_ns BETWEEN ? AND ?
		ORDER BY ts_ns DESC`, actor, from.UnixNano(), to.UnixNano())
}

// byEntity returns all entries for one entity, newest first.
func (s *logStore) byEntity(entityType, entityID string) ([]Entry, error) {
	return s.query(`SELECT `+logColumns+` FROM audit_entries
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY ts_ns DESC`, entityType, entityID)
}

// inRange returns all entries within [from, to], newest first. The
// financial investigation narrows this set in memory, where snapshot and
// diff contents can be inspected precisely.
func (s *logStore) inRange(from, to time.Time) ([]Entry, error) {
	return s.query(`SELECT `+logColumns+` FROM audit_entries
		WHERE ts_ns BETWEEN ? AND ?
		ORDER BY ts_ns DESC`, from.UnixNano(), to.UnixNano())
}

// byDocumentOrSnapshot returns entries whose document_id matches ref or
// whose stored snapshots mention it, newest first.
func (s *logStore) byDocumentOrSnapshot(ref string) ([]Entry, error) {
	like := "%" + ref + "%"
	return s.query(`SELECT `+logColumns+` FROM audit_entries
		WHERE document_id = ? OR old_value LIKE ? OR new_value LIKE ?
		ORDER BY ts_ns DESC`, ref, like, like)
}

// recent returns the N newest entries.
func (s *logStore) recent(limit int) ([]Entry, error) {
	return s.query(`SELECT `+logColumns+` FROM audit_entries
		ORDER BY ts_ns DESC LIMIT ?`, limit)
}

// after returns entries with event time strictly greater than ns,
// oldest first. Used by Follow for polling.
func (s *logStore) after(ns int64) ([]Entry, error) {
	return s.query(`SELECT `+logColumns+` FROM audit_entries
		WHERE ts_ns > ? ORDER BY ts_ns ASC`, ns)
}

// count returns the total number of audit entries.
func (s *logStore) count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

// query runs a SELECT over logColumns and scans the rows into entries.
func (s *logStore) query(q string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanEntry reads one audit_entries row in logColumns order.
func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                          Entry
		action                     string
		oldJSON, newJSON, bodyJSON string
		changesJSON                string
		approvalRequired           int
		tsNs                       int64
	)
	err := rows.Scan(
		&e.ID, &e.EntityType, &e.EntityID, &action, &e.DocumentType, &e.DocumentID,
		&oldJSON, &newJSON, &changesJSON, &e.Actor, &e.IPAddress, &e.UserAgent,
		&e.RequestMethod, &e.RequestPath, &bodyJSON, &e.ResponseStatus,
		&e.DurationMs, &e.Reason, &approvalRequired, &e.ApprovedBy, &tsNs,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = Action(action)
	e.ApprovalRequired = approvalRequired != 0
	e.Timestamp = time.Unix(0, tsNs).UTC()
	e.OldValue = unmarshalField(oldJSON)
	e.NewValue = unmarshalField(newJSON)
	e.RequestBody = unmarshalField(bodyJSON)
	if changesJSON != "" {
		var changes []diff.Change
		if err := json.Unmarshal([]byte(changesJSON), &changes); err == nil {
			e.Changes = changes
		}
	}
	return e, nil
}

// marshalField JSON-encodes an opaque snapshot column. Nil encodes as the
// empty string so absent snapshots stay distinguishable from JSON null.
func marshalField(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// unmarshalField decodes a snapshot column back into its generic form.
func unmarshalField(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
