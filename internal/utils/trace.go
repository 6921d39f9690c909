package utils

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// NewTraceID returns a short unique identifier used to correlate a logged
// failure with the opaque reference shown to the user. User messages never
// contain stack traces or keys, only this id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// LogError logs an unexpected error with a trace id and returns the id.
// Pass a non-empty traceID to reuse one already minted for the request.
func LogError(err error, traceID, context string, args ...any) string {
	if traceID == "" {
		traceID = NewTraceID()
	}
	all := append([]any{
		slog.String("trace_id", traceID),
		slog.String("context", context),
		slog.String("error", err.Error()),
	}, args...)
	Logger.Error("unexpected error", all...)
	return traceID
}
