package httpserver

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/middleware"
)

// newEcho creates a configured Echo instance.
func newEcho(logger zerolog.Logger, requests *prometheus.CounterVec) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLog(logger, requests))
	return e
}
