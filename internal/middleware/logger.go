package middleware

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
)

type contextKey string

const loggerKey = contextKey("logger")

// HeaderDelivery carries the hosting platform's id for one webhook delivery.
const HeaderDelivery = "X-GitHub-Delivery"

// Logger is a middleware that injects a request-scoped logger into the context.
// The logger carries the request ID from the RequestID middleware and, for
// webhook deliveries, the delivery ID. It should be placed after RequestID.
func Logger(base *slog.Logger) echo.MiddlewareFunc {
	if base == nil {
		base = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestLogger := base.With("request_id", c.Response().Header().Get(echo.HeaderXRequestID))
			if delivery := c.Request().Header.Get(HeaderDelivery); delivery != "" {
				requestLogger = requestLogger.With("delivery", delivery)
			}

			newCtx := context.WithValue(c.Request().Context(), loggerKey, requestLogger)
			c.SetRequest(c.Request().WithContext(newCtx))

			return next(c)
		}
	}
}

// FromContext returns the request-scoped logger, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
