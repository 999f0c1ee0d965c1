package middleware

import (
	"net/http"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
)

// PayloadContextKey holds the verified request body.
const PayloadContextKey = "webhook_payload"

// Signature verifies the X-Hub-Signature-256 HMAC of webhook deliveries
// against secret and stores the verified body under PayloadContextKey.
// An empty secret accepts unsigned deliveries.
func Signature(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			payload, err := github.ValidatePayload(c.Request(), secret)
			if err != nil {
				FromContext(c.Request().Context()).Warn("Rejected webhook delivery", "error", err)
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			}

			c.Set(PayloadContextKey, payload)
			return next(c)
		}
	}
}

// Payload returns the body verified by Signature.
func Payload(c echo.Context) []byte {
	payload, _ := c.Get(PayloadContextKey).([]byte)
	return payload
}
