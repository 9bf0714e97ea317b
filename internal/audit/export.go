package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Export writes the newest audit entries (all of them when limit <= 0)
// to w in the given format. Supported formats: "jsonl" (default),
// "json", "csv". CSV carries the flat forensic columns; snapshots and
// diffs stay in the JSON formats.
func (s *Service) Export(w io.Writer, format string, limit int) error {
	if limit <= 0 {
		limit = int(^uint(0) >> 1)
	}
	entries, err := s.logs.recent(limit)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{
			"id", "timestamp", "actor", "action", "entity_type", "entity_id",
			"document_id", "ip_address", "request_method", "request_path",
			"response_status", "reason",
		}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Actor,
				string(e.Action),
				e.EntityType,
				e.EntityID,
				e.DocumentID,
				e.IPAddress,
				e.RequestMethod,
				e.RequestPath,
				strconv.Itoa(e.ResponseStatus),
				e.Reason,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
