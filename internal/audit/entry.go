// Package audit implements the tamper-evident audit trail: a mutable,
// queryable log of every sensitive back-office mutation plus an
// append-only, hash-chained immutable copy of each record.
//
// Two stores back the trail. The log store (audit_entries) answers
// forensic queries — who touched what, when. The chain store
// (chain_entries) holds the cryptographic counterpart: each entry commits
// to its predecessor's hash, so any retroactive edit breaks the chain
// from that point forward and is caught by VerifyIntegrity.
//
// Business code calls Service.LogOperation inline from request handlers.
// A chain-write failure is absorbed and logged — audit logging must never
// be the reason a business operation fails.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/trailguard/trailguard/internal/diff"
)

// Action classifies what a logged operation did to its entity.
type Action string

// Enumerated actions. Callers must use one of these; LogOperation rejects
// anything else.
const (
	ActionCreate             Action = "CREATE"
	ActionUpdate             Action = "UPDATE"
	ActionDelete             Action = "DELETE"
	ActionRestore            Action = "RESTORE"
	ActionStockAdjustment    Action = "STOCK_ADJUSTMENT"
	ActionPriceChange        Action = "PRICE_CHANGE"
	ActionStatusChange       Action = "STATUS_CHANGE"
	ActionBulkUpdate         Action = "BULK_UPDATE"
	ActionImport             Action = "IMPORT"
	ActionExport             Action = "EXPORT"
	ActionFinancialOperation Action = "FINANCIAL_OPERATION"
	ActionUnauthorizedAccess Action = "UNAUTHORIZED_ACCESS_ATTEMPT"
)

// validActions is the closed set accepted by LogOperation.
var validActions = map[Action]struct{}{
	ActionCreate: {}, ActionUpdate: {}, ActionDelete: {}, ActionRestore: {},
	ActionStockAdjustment: {}, ActionPriceChange: {}, ActionStatusChange: {},
	ActionBulkUpdate: {}, ActionImport: {}, ActionExport: {},
	ActionFinancialOperation: {}, ActionUnauthorizedAccess: {},
}

// Valid reports whether a is one of the enumerated actions.
func (a Action) Valid() bool {
	_, ok := validActions[a]
	return ok
}

// Sentinel errors for the audit subsystem.
var (
	// ErrValidation marks a rejected LogOperation input (missing actor,
	// unknown action). Surfaced to the caller — the mutable write is
	// expected to be correct by construction.
	ErrValidation = errors.New("audit: invalid operation")

	// ErrImmutableLog marks any attempted mutation of a committed chain
	// entry, or an insert that bypasses the chain writer. Enforced at the
	// store boundary by sqlite triggers, not just by convention.
	ErrImmutableLog = errors.New("audit: chain entries are immutable")
)

// Entry is one record in the mutable audit log: the full context of a
// logged operation, ready for forensic querying. Entries are created
// exactly once by the service and never updated by normal code paths.
type Entry struct {
	ID         string `json:"id"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId,omitempty"`
	Action     Action `json:"action"`

	// Looser secondary tagging used by generic callers (e.g. document
	// pipelines that don't know the concrete entity type).
	DocumentType string `json:"documentType,omitempty"`
	DocumentID   string `json:"documentId,omitempty"`

	// Snapshots as supplied by the caller. Caller policy decides whether
	// these were sanitized; RequestBody is always sanitized by the service.
	OldValue any           `json:"oldValue,omitempty"`
	NewValue any           `json:"newValue,omitempty"`
	Changes  []diff.Change `json:"changes,omitempty"`

	Actor string `json:"actor"`

	IPAddress      string `json:"ipAddress,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	RequestMethod  string `json:"requestMethod,omitempty"`
	RequestPath    string `json:"requestPath,omitempty"`
	RequestBody    any    `json:"requestBody,omitempty"`
	ResponseStatus int    `json:"responseStatus,omitempty"`
	DurationMs     int64  `json:"durationMs,omitempty"`

	Reason           string `json:"reason,omitempty"`
	ApprovalRequired bool   `json:"approvalRequired,omitempty"`
	ApprovedBy       string `json:"approvedBy,omitempty"`

	// Timestamp is the event time: caller-supplied, or the log time when
	// the caller left it zero.
	Timestamp time.Time `json:"timestamp"`
}

// Operation is the input business code hands to Service.LogOperation.
// Actor and Action are required; everything else is context.
type Operation struct {
	Actor  string
	Action Action

	EntityType string
	EntityID   string

	DocumentType string
	DocumentID   string

	Before any
	After  any

	// Changes is trusted only when one of Before/After is missing; with
	// both snapshots present the service recomputes the diff itself.
	Changes []diff.Change

	IPAddress      string
	UserAgent      string
	RequestMethod  string
	RequestPath    string
	RequestBody    any
	ResponseStatus int
	DurationMs     int64

	Reason           string
	ApprovalRequired bool
	ApprovedBy       string

	// Timestamp is the event time. Zero means "now".
	Timestamp time.Time
}

// validate checks the required Operation fields.
func (op *Operation) validate() error {
	if op.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if !op.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrValidation, op.Action)
	}
	return nil
}
