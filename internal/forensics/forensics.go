// Package forensics serves the TrailGuard investigation surface: a small
// JSON API over the audit service's queries, a WebSocket live feed of
// logged operations, and an ingestion endpoint for out-of-process
// business services.
//
//   - Web UI:     GET  /            — single-page forensic viewer
//   - WebSocket:  GET  /ws          — live feed of logged operations
//   - REST API:   GET  /api/audit        — recent audit entries
//     GET  /api/verify       — run the integrity verifier
//     GET  /api/user         — entries for one actor in a range
//     GET  /api/entity       — entries for one entity
//     GET  /api/financial    — financial-change investigation
//     GET  /api/transaction  — transaction audit trail
//     POST /api/log          — log an operation
//
// In-process business code calls audit.Service directly; this HTTP
// surface exists for the CLI, reporting tools, and services that run in
// other processes.
package forensics

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/trailguard/trailguard/internal/audit"
)

// Options holds the dependencies injected into the forensics server.
type Options struct {
	Service *audit.Service
}

// Server serves the forensic API and live feed.
type Server struct {
	svc   *audit.Service
	wsHub *wsHub
}

// New creates a forensics server and starts its WebSocket hub.
func New(opts Options) *Server {
	s := &Server{
		svc:   opts.Service,
		wsHub: newWSHub(),
	}
	go s.wsHub.run()
	return s
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/user", s.handleUser)
	mux.HandleFunc("/api/entity", s.handleEntity)
	mux.HandleFunc("/api/financial", s.handleFinancial)
	mux.HandleFunc("/api/transaction", s.handleTransaction)
	mux.HandleFunc("/api/log", s.handleLog)

	return mux
}

// BroadcastEntry sends a logged operation to all connected WebSocket
// clients. Wired to Service.SetNotify by the serve command. Non-blocking —
// with no clients connected the event is dropped.
func (s *Server) BroadcastEntry(e audit.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast entry", "error", err)
		return
	}
	s.wsHub.broadcast(data)
}

// --- REST API handlers ---

// handleAudit returns recent audit entries.
// GET /api/audit?limit=50
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.svc.Tail(limit)
	if err != nil {
		slog.Error("audit query failed", "error", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emptyToSlice(entries))
}

// handleVerify runs the integrity verifier.
// GET /api/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	result, err := s.svc.VerifyIntegrity()
	if err != nil {
		slog.Error("integrity verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleUser returns entries for one actor within a range.
// GET /api/user?id=alice&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter required", http.StatusBadRequest)
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.svc.InvestigateByUser(id, from, to)
	if err != nil {
		slog.Error("user investigation failed", "user", id, "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emptyToSlice(entries))
}

// handleEntity returns all entries for one entity.
// GET /api/entity?type=product&id=P1
func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	entityType := r.URL.Query().Get("type")
	entityID := r.URL.Query().Get("id")
	if entityType == "" || entityID == "" {
		http.Error(w, "type and id query parameters required", http.StatusBadRequest)
		return
	}

	entries, err := s.svc.InvestigateByEntity(entityType, entityID)
	if err != nil {
		slog.Error("entity investigation failed", "entity", entityID, "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emptyToSlice(entries))
}

// handleFinancial runs the financial-change investigation.
// GET /api/financial?account=4000-SALES&from=...&to=...
func (s *Server) handleFinancial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.svc.InvestigateFinancialChanges(r.URL.Query().Get("account"), from, to)
	if err != nil {
		slog.Error("financial investigation failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emptyToSlice(entries))
}

// handleTransaction returns the audit trail of one transaction.
// GET /api/transaction?id=TXN-42
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter required", http.StatusBadRequest)
		return
	}

	entries, err := s.svc.TransactionAuditTrail(id)
	if err != nil {
		slog.Error("transaction trail failed", "transaction", id, "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emptyToSlice(entries))
}

// logRequest is the JSON body accepted by POST /api/log.
type logRequest struct {
	Actor            string       `json:"actor"`
	Action           audit.Action `json:"action"`
	EntityType       string       `json:"entityType"`
	EntityID         string       `json:"entityId"`
	DocumentType     string       `json:"documentType"`
	DocumentID       string       `json:"documentId"`
	Before           any          `json:"before"`
	After            any          `json:"after"`
	RequestBody      any          `json:"requestBody"`
	ResponseStatus   int          `json:"responseStatus"`
	DurationMs       int64        `json:"durationMs"`
	RequestMethod    string       `json:"requestMethod"`
	RequestPath      string       `json:"requestPath"`
	UserAgent        string       `json:"userAgent"`
	Reason           string       `json:"reason"`
	ApprovalRequired bool         `json:"approvalRequired"`
	ApprovedBy       string       `json:"approvedBy"`
	Timestamp        time.Time    `json:"timestamp"`
}

// handleLog logs an operation on behalf of an out-of-process business
// service. Validation errors are the caller's fault (400); anything else
// is a 500. A chain-write failure is invisible here by design.
// POST /api/log
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req logRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	entry, err := s.svc.LogOperation(audit.Operation{
		Actor:            req.Actor,
		Action:           req.Action,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		DocumentType:     req.DocumentType,
		DocumentID:       req.DocumentID,
		Before:           req.Before,
		After:            req.After,
		IPAddress:        remoteIP(r),
		UserAgent:        req.UserAgent,
		RequestMethod:    req.RequestMethod,
		RequestPath:      req.RequestPath,
		RequestBody:      req.RequestBody,
		ResponseStatus:   req.ResponseStatus,
		DurationMs:       req.DurationMs,
		Reason:           req.Reason,
		ApprovalRequired: req.ApprovalRequired,
		ApprovedBy:       req.ApprovedBy,
		Timestamp:        req.Timestamp,
	})
	if err != nil {
		if errors.Is(err, audit.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("log via API failed", "error", err)
		http.Error(w, "log failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// handleIndex serves the embedded forensic viewer page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(viewerHTML))
}

// --- Helpers ---

// parseRange reads optional from/to RFC3339 query parameters. Missing
// values stay zero — the service applies its trailing default window.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errors.New("from must be RFC3339")
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errors.New("to must be RFC3339")
		}
		to = t
	}
	return from, to, nil
}

// remoteIP extracts the caller address without the port.
func remoteIP(r *http.Request) string {
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// emptyToSlice keeps empty result sets serializing as [] instead of null.
func emptyToSlice(entries []audit.Entry) []audit.Entry {
	if entries == nil {
		return []audit.Entry{}
	}
	return entries
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// viewerHTML is the embedded single-page forensic viewer: chain status,
// recent entries, and the live feed. Minimal on purpose — heavyweight
// reporting lives in the out-of-scope back-office UI.
const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>TrailGuard Forensics</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px;
          padding: 16px; margin-bottom: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .ok { color: #3fb950; font-weight: bold; }
  .bad { color: #f85149; font-weight: bold; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
</style>
</head>
<body>
<h1>TrailGuard Forensics</h1>
<p class="subtitle">Tamper-evident audit trail</p>

<div class="card">
  <h2>Chain Integrity</h2>
  <div id="verify-status">Checking...</div>
</div>

<div class="card">
  <h2>Recent Entries</h2>
  <table>
    <thead><tr><th>Time</th><th>Actor</th><th>Action</th><th>Entity</th><th>Reason</th></tr></thead>
    <tbody id="audit-tbody"><tr><td colspan="5">Loading...</td></tr></tbody>
  </table>
</div>

<div class="card">
  <h2>Live Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
async function refresh() {
  try {
    const [verifyRes, auditRes] = await Promise.all([
      fetch('/api/verify'), fetch('/api/audit?limit=20')
    ]);
    renderVerify(await verifyRes.json());
    renderAudit(await auditRes.json());
  } catch(e) { console.error('refresh failed:', e); }
}

function renderVerify(v) {
  const el = document.getElementById('verify-status');
  if (v.verified) {
    el.innerHTML = '<span class="ok">VALID</span> — ' + v.totalLogs + ' chain entries verified';
  } else {
    el.innerHTML = '<span class="bad">BROKEN</span> — ' + v.issues.length + ' issue(s), ' +
      v.missingImmutableLogs.length + ' missing immutable cop(ies)';
  }
}

function renderAudit(entries) {
  const tbody = document.getElementById('audit-tbody');
  if (!entries || entries.length === 0) { tbody.innerHTML = '<tr><td colspan="5">No entries yet</td></tr>'; return; }
  tbody.innerHTML = entries.map(e =>
    '<tr><td>' + esc(e.timestamp) + '</td><td>' + esc(e.actor) + '</td><td>' + esc(e.action) +
    '</td><td>' + esc(e.entityType) + '/' + esc(e.entityId||'-') + '</td><td>' + esc(e.reason) + '</td></tr>'
  ).join('');
}

// WebSocket for the live feed.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/ws');
  ws.onmessage = function(ev) {
    try {
      const e = JSON.parse(ev.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.textContent = '[' + e.timestamp + '] ' + e.actor + ' ' + e.action + ' ' +
        e.entityType + '/' + (e.entityId || '-');
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
