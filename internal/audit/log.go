package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"collegium.org/internal/auth"
	"collegium.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger is the sink for audit entries; defaults to obs.Logger().
var Logger logrus.FieldLogger

// LogEvent writes an audit entry enriched with request and caller context.
// Its signature matches auth.AuditFunc.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":        "audit",
		"event":       event,
		"occurred_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry["actor_id"] = id.AccountID
		entry["actor_role"] = string(id.Role)
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	entry["fields"] = copied

	log := Logger
	if log == nil {
		log = obs.Logger()
	}
	log.WithFields(entry).Info("audit")
	return nil
}

var _ auth.AuditFunc = LogEvent
