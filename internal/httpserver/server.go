// Package httpserver exposes the operator API: health, metrics, read-only
// projections of the conversation state and ambient buffer, and mute/memory
// controls.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/ambient"
	"github.com/chadiek/voice-core/internal/convstate"
	"github.com/chadiek/voice-core/internal/middleware"
	"github.com/chadiek/voice-core/internal/protocol"
	"github.com/chadiek/voice-core/internal/session"
)

const (
	defaultWindowMinutes = 15
	actionCalibrate      = "calibrate"
)

// StateSource is the conversation state machine.
type StateSource interface {
	Metrics() convstate.Snapshot
}

// AmbientReader is the ambient buffer.
type AmbientReader interface {
	Highlights(window time.Duration) []ambient.Chunk
	RecentChunks(window time.Duration) []ambient.Chunk
	Len() int
}

// Controller is the voice session.
type Controller interface {
	Mute() bool
	Unmute() bool
	HardMute() bool
	HardUnmute() bool
	ClearMemory()
	Calibrate(ctx context.Context, window time.Duration) (float64, error)
	MuteLevel() session.MuteLevel
	Connected() bool
	Degraded() bool
}

// Deps are the collaborators served by the API.
type Deps struct {
	State     StateSource
	Ambient   AmbientReader
	Control   Controller
	Gatherer  prometheus.Gatherer
	Requests  *prometheus.CounterVec
	AuthToken string
	Logger    zerolog.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
	deps   Deps
}

// New constructs the HTTP server with routes.
func New(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	e := newEcho(deps.Logger, deps.Requests)
	s := &Server{Router: e, deps: deps}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1")
	v1.GET("/state", s.state)
	v1.GET("/ambient/highlights", s.highlights)
	v1.GET("/ambient/recent", s.recent)
	v1.POST("/control/:action", s.control, middleware.BearerAuth(func() string { return deps.AuthToken }))
	return s
}

type stateResponse struct {
	convstate.Snapshot
	Mute      session.MuteLevel `json:"mute"`
	Connected bool              `json:"connected"`
	Degraded  bool              `json:"degraded"`
}

func (s *Server) state(c echo.Context) error {
	resp := stateResponse{Snapshot: s.deps.State.Metrics()}
	if s.deps.Control != nil {
		resp.Mute = s.deps.Control.MuteLevel()
		resp.Connected = s.deps.Control.Connected()
		resp.Degraded = s.deps.Control.Degraded()
	}
	return c.JSON(http.StatusOK, resp)
}

type chunksResponse struct {
	WindowMinutes int             `json:"windowMinutes"`
	Count         int             `json:"count"`
	Buffered      int             `json:"buffered"`
	Chunks        []ambient.Chunk `json:"chunks"`
}

func windowParam(c echo.Context) (int, error) {
	raw := c.QueryParam("minutes")
	if raw == "" {
		return defaultWindowMinutes, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "minutes must be a positive integer")
	}
	return n, nil
}

func (s *Server) highlights(c echo.Context) error {
	return s.chunks(c, s.deps.Ambient.Highlights)
}

func (s *Server) recent(c echo.Context) error {
	return s.chunks(c, s.deps.Ambient.RecentChunks)
}

func (s *Server) chunks(c echo.Context, read func(time.Duration) []ambient.Chunk) error {
	minutes, err := windowParam(c)
	if err != nil {
		return err
	}
	chunks := read(time.Duration(minutes) * time.Minute)
	if chunks == nil {
		chunks = []ambient.Chunk{}
	}
	return c.JSON(http.StatusOK, chunksResponse{
		WindowMinutes: minutes,
		Count:         len(chunks),
		Buffered:      s.deps.Ambient.Len(),
		Chunks:        chunks,
	})
}

type controlResponse struct {
	Action  string            `json:"action"`
	Changed bool              `json:"changed"`
	Mute    session.MuteLevel `json:"mute"`
}

func (s *Server) control(c echo.Context) error {
	if s.deps.Control == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no active session")
	}
	action := c.Param("action")
	if action == actionCalibrate {
		return s.calibrate(c)
	}
	var changed bool
	switch action {
	case protocol.ActionMute:
		changed = s.deps.Control.Mute()
	case protocol.ActionUnmute:
		changed = s.deps.Control.Unmute()
	case protocol.ActionHardMute:
		changed = s.deps.Control.HardMute()
	case protocol.ActionHardUnmute:
		changed = s.deps.Control.HardUnmute()
	case protocol.ActionClearMemory:
		s.deps.Control.ClearMemory()
		changed = true
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported control action")
	}
	return c.JSON(http.StatusOK, controlResponse{Action: action, Changed: changed, Mute: s.deps.Control.MuteLevel()})
}

type calibrateResponse struct {
	Action    string  `json:"action"`
	Threshold float64 `json:"threshold"`
}

// calibrate measures the room for ?ms= milliseconds (default 2000) and
// answers with the new barge-in threshold.
func (s *Server) calibrate(c echo.Context) error {
	window := session.DefaultCalibrationWindow
	if raw := c.QueryParam("ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "ms must be a positive integer")
		}
		window = time.Duration(ms) * time.Millisecond
	}
	th, err := s.deps.Control.Calibrate(c.Request().Context(), window)
	switch {
	case errors.Is(err, session.ErrCannotCalibrate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, calibrateResponse{Action: actionCalibrate, Threshold: th})
}
