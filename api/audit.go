package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies a state-changing or key-revealing action.
type AuditEvent string

const (
	AuditCertificateCreated  AuditEvent = "certificate_created"
	AuditCertificateUpdated  AuditEvent = "certificate_updated"
	AuditCertificateDeleted  AuditEvent = "certificate_deleted"
	AuditCertificateSigned   AuditEvent = "certificate_signed"
	AuditCertificateExported AuditEvent = "certificate_exported"
	AuditCertificateInUse    AuditEvent = "certificate_in_use"
	AuditCertificateReleased AuditEvent = "certificate_released"
	AuditCACreated           AuditEvent = "ca_created"
	AuditCAUpdated           AuditEvent = "ca_updated"
	AuditCADeleted           AuditEvent = "ca_deleted"
	AuditPrivateKeyRevealed  AuditEvent = "private_key_revealed"
	AuditSettingsChanged     AuditEvent = "settings_changed"
)

// auditLogger writes audit entries to slog and, when configured, to a
// webhook. Key material is never part of an entry.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log records event against the entity refid.
func (al *auditLogger) log(event AuditEvent, r *http.Request, refid string, attrs ...slog.Attr) {
	now := time.Now().UTC()
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("refid", refid),
		slog.String("request_id", RequestIDFrom(r.Context())),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RefID:      refid,
			RequestID:  RequestIDFrom(r.Context()),
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now.Format(time.RFC3339),
		}
		if len(attrs) > 0 {
			evt.Attrs = make(map[string]string, len(attrs))
			for _, a := range attrs {
				evt.Attrs[a.Key] = a.Value.String()
			}
		}
		al.webhook.enqueue(evt)
	}
}
