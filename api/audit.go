package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of administrative action being logged.
type AuditEvent string

const (
	AuditProfileCreated   AuditEvent = "profile_created"
	AuditProfileCommitted AuditEvent = "profile_committed"
	AuditProfileEnabled   AuditEvent = "profile_enabled"
	AuditProfileDisabled  AuditEvent = "profile_disabled"
	AuditProfileDeleted   AuditEvent = "profile_deleted"
	AuditConnectorAdded   AuditEvent = "connector_added"
	AuditConnectorHost    AuditEvent = "connector_host_changed"
	AuditConnectorRemoved AuditEvent = "connector_removed"
	AuditRequestSubmitted AuditEvent = "request_submitted"
	AuditRequestApproved  AuditEvent = "request_approved"
	AuditRequestRejected  AuditEvent = "request_rejected"
	AuditRequestCanceled  AuditEvent = "request_canceled"
)

// auditLogger wraps slog.Logger for structured audit logging of
// administrative mutations.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}
