package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// DefaultDeliveryRate is the per-sender limit on webhook deliveries, per second.
const DefaultDeliveryRate = 20

// HookIDHeader names the GitHub webhook that sent a delivery.
const HookIDHeader = "X-GitHub-Hook-ID"

// RateLimiter limits deliveries per sender to perSecond, with bursts of
// twice that. A sender is the webhook named by HookIDHeader or, without
// it, the client IP.
func RateLimiter(perSecond float64) echo.MiddlewareFunc {
	if perSecond <= 0 {
		perSecond = DefaultDeliveryRate
	}
	config := middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(perSecond),
			Burst: int(2 * perSecond),
		}),
		IdentifierExtractor: deliverySender,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many deliveries"})
		},
	}
	return middleware.RateLimiterWithConfig(config)
}

func deliverySender(c echo.Context) (string, error) {
	if id := c.Request().Header.Get(HookIDHeader); id != "" {
		return "hook:" + id, nil
	}
	return "ip:" + c.RealIP(), nil
}
