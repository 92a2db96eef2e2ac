package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass bearer authentication. The payment webhook is
// authenticated by its provider signature instead.
var publicPaths = map[string]bool{
	"/health":              true,
	"/health/db":           true,
	"/metrics":             true,
	"/webhooks/payments":   true,
	"/api/v1/openapi.json": true,
	"/api/v1/docs":         true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path()) || IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether path is served without a bearer token.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
