package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// orgHeader scopes every control API request to one organization.
const orgHeader = "X-Organization-ID"

// securityHeaders returns middleware that sets standard security
// response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// orgScope rejects requests without an organization header. Resources
// of other organizations are indistinguishable from missing ones.
func orgScope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if c.Request().Header.Get(orgHeader) == "" {
				return echo.NewHTTPError(http.StatusBadRequest, orgHeader+" header is required")
			}
			return next(c)
		}
	}
}

func orgID(c *echo.Context) string {
	return c.Request().Header.Get(orgHeader)
}
