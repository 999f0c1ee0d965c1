// Package server hosts the HTTP surface of a fleet process: webhook
// ingest on workers, the fleet relay on the coordinator and a health
// endpoint on both.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/repobot/internal/middleware"
)

// HealthPath answers liveness probes.
const HealthPath = "/health"

// Server holds the echo instance of one process.
type Server struct {
	E      *echo.Echo
	logger *slog.Logger
}

// New creates a server with request ids, request-scoped logging, panic
// recovery and the health route.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.Recover())
	setupErrorHandling(e)

	e.GET(HealthPath, func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	return &Server{E: e, logger: logger.With("component", "http")}
}

// Mount lets a component register its routes.
func (s *Server) Mount(register func(e *echo.Echo)) {
	register(s.E)
}

// setupErrorHandling logs unhandled errors with a stack trace before the
// default handler writes the response.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			middleware.FromContext(c.Request().Context()).Error("Internal Server Error (Unhandled)",
				"error", err.Error(),
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"stack_trace", string(debug.Stack()))
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}
