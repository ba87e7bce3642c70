package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditChallenge       AuditEvent = "uia_challenge"
	AuditStagePassed     AuditEvent = "uia_stage_passed"
	AuditStageFailed     AuditEvent = "uia_stage_failed"
	AuditSatisfied       AuditEvent = "uia_satisfied"
	AuditRateLimited     AuditEvent = "uia_rate_limited"
	AuditRegister        AuditEvent = "register"
	AuditLogin           AuditEvent = "login"
	AuditDeactivate      AuditEvent = "deactivate"
	AuditPasswordChanged AuditEvent = "password_changed"
	AuditTokenCreated    AuditEvent = "token_created"
	AuditTokenUpdated    AuditEvent = "token_updated"
	AuditTokenDeleted    AuditEvent = "token_deleted"

	AuditAppStoreNotification AuditEvent = "appstore_notification"
)

// auditLogger writes security audit entries and hands them to the metrics
// collector and webhook when configured.
type auditLogger struct {
	logger   *slog.Logger
	metrics  *metricsCollector
	webhook  *auditWebhook
	clientIP func(*http.Request) string
	now      func() time.Time
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger:   logger.With("component", "audit"),
		clientIP: extractClientIP,
		now:      time.Now,
	}
}

// log writes a structured audit log entry for the request.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	rec := auditRecord{
		Event:    string(event),
		Time:     al.now().UTC(),
		ClientIP: al.clientIP(r),
		Method:   r.Method,
		Path:     r.URL.Path,
	}
	baseAttrs := []slog.Attr{
		slog.String("event", rec.Event),
		slog.String("client_ip", rec.ClientIP),
		slog.String("path", rec.Path),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook == nil {
		return
	}
	for _, a := range attrs {
		switch a.Key {
		case "user_id":
			rec.UserID = a.Value.String()
		case "session":
			rec.Session = a.Value.String()
		case "stage":
			rec.Stage = a.Value.String()
		default:
			if rec.Attrs == nil {
				rec.Attrs = make(map[string]string, len(attrs))
			}
			rec.Attrs[a.Key] = a.Value.String()
		}
	}
	al.webhook.enqueue(rec)
}

// logUIA records a UIA state transition for one session.
func (al *auditLogger) logUIA(event AuditEvent, r *http.Request, session, stage, userID string) {
	var attrs []slog.Attr
	if session != "" {
		attrs = append(attrs, slog.String("session", session))
	}
	if stage != "" {
		attrs = append(attrs, slog.String("stage", stage))
	}
	if userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	al.log(event, r, attrs...)
}

// logEvent is a convenience for account-level events.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func (al *auditLogger) close() {
	if al.webhook != nil {
		al.webhook.close()
	}
}
