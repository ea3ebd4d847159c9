// Package middleware holds the echo middleware of the operator API.
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// tokenMatches compares digests so the comparison time does not depend on
// where the tokens differ.
func tokenMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	a := sha256.Sum256([]byte(expected))
	b := sha256.Sum256([]byte(got))
	return hmac.Equal(a[:], b[:])
}

// bearer extracts the token of an "Authorization: Bearer" header. The scheme
// is case-insensitive.
func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// BearerAuth rejects requests whose bearer token does not match. An empty
// expected token disables the check.
func BearerAuth(getToken func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			expected := getToken()
			if expected == "" {
				return next(c)
			}
			if !tokenMatches(expected, bearer(c.Request())) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}
			return next(c)
		}
	}
}

// RequestLog logs each request through zerolog and counts it in requests,
// which may be nil.
func RequestLog(logger zerolog.Logger, requests *prometheus.CounterVec) echo.MiddlewareFunc {
	log := logger.With().Str("component", "http").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			route := c.Path()
			if requests != nil {
				requests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			}
			ev := log.Debug()
			if status >= http.StatusInternalServerError {
				ev = log.Warn().Err(err)
			}
			ev.Str("method", c.Request().Method).
				Str("route", route).
				Int("status", status).
				Dur("took", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}
