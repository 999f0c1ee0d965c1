package sandbox

import (
	"context"
	"errors"
	"log/slog"
)

// LogLifecycle logs sandbox lifecycle events (create, dispose, reload)
// with a consistent event_type.
func LogLifecycle(logger *slog.Logger, level slog.Level, message string, fields ...slog.Attr) {
	attrs := make([]slog.Attr, 0, len(fields)+1)
	attrs = append(attrs, slog.String("event_type", "sandbox_lifecycle"))
	attrs = append(attrs, fields...)
	logger.LogAttrs(context.TODO(), level, message, attrs...)
}

// LogGuestError logs an error raised by guest code.
func LogGuestError(logger *slog.Logger, err *GuestError, fields ...slog.Attr) {
	attrs := make([]slog.Attr, 0, len(fields)+4)
	attrs = append(attrs,
		slog.String("event_type", "guest_error"),
		slog.String("kind", string(err.Kind)),
		slog.Int("line", err.Line),
		slog.String("error_message", err.Message),
	)
	attrs = append(attrs, fields...)
	logger.LogAttrs(context.TODO(), slog.LevelWarn, "Guest code raised an error", attrs...)
}

func logMarshalError(logger *slog.Logger, where string, err error) {
	logger.Warn("Value could not cross the guest boundary",
		"event_type", "marshal_error",
		"where", where,
		"error", err,
	)
}

func logCallError(logger *slog.Logger, err error) {
	var guestErr *GuestError
	if errors.As(err, &guestErr) {
		LogGuestError(logger, guestErr, slog.String("call", "guest_function"))
		return
	}
	logger.Warn("Guest function call failed", "event_type", "call_error", "error", err)
}
