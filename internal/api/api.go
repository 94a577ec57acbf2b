// Package api serves the HTTP control API of the call audio engine.
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/audiomode"
	"github.com/tphakala/callaudio/internal/bluetooth"
	"github.com/tphakala/callaudio/internal/callaudio"
	"github.com/tphakala/callaudio/internal/events"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/observability"
)

// Engine is the part of the call audio manager the API drives.
type Engine interface {
	CurrentState() audio.CallAudioState
	ModeState() (audiomode.State, audio.Mode)
	BluetoothDevices() []bluetooth.DeviceRecord
	SetAudioRoute(route audio.Route, addr audio.DeviceID)
	Mute(on bool)
	ToggleMute()
	SwitchBaseline()

	Calls() []callaudio.Call
	OnCallAdded(call callaudio.Call) error
	OnCallStateChanged(id string, state callaudio.CallState) error
	SetIsVoip(id string, voip bool) error
	OnCallRemoved(id string) error
}

// StatsSource reports event bus statistics for the health endpoint.
type StatsSource interface {
	GetStats() events.EventBusStats
}

// Controller manages the API routes and handlers
type Controller struct {
	Echo    *echo.Echo
	Group   *echo.Group
	engine  Engine
	hub     *Hub
	stats   StatsSource
	metrics *observability.Metrics
	log     logger.Logger

	rateLimit float64
	startTime time.Time
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHub enables the websocket state stream.
func WithHub(h *Hub) Option {
	return func(c *Controller) { c.hub = h }
}

// WithStats adds event bus statistics to the health response.
func WithStats(s StatsSource) Option {
	return func(c *Controller) { c.stats = s }
}

// WithRateLimit limits mutating requests per client IP per second.
func WithRateLimit(perSecond float64) Option {
	return func(c *Controller) { c.rateLimit = perSecond }
}

// WithLogger replaces the module logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// New registers the API on e under /api/v1.
func New(e *echo.Echo, engine Engine, opts ...Option) *Controller {
	c := &Controller{
		Echo:      e,
		engine:    engine,
		rateLimit: defaultRateLimit,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("api")
	}

	e.HideBanner = true
	e.HidePort = true
	e.Use(requestID())
	e.Use(c.requestLogger())
	e.Use(recoverer())
	if c.metrics != nil {
		e.Use(c.requestMetrics())
		e.GET("/metrics", echo.WrapHandler(c.metrics.Handler()))
	}

	c.Group = e.Group("/api/v1")
	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)

	audioGroup := c.Group.Group("/audio")
	audioGroup.GET("/state", c.GetAudioState)
	audioGroup.GET("/mode", c.GetAudioMode)
	limited := audioGroup.Group("", c.rateLimiter())
	limited.POST("/route", c.SetRoute)
	limited.POST("/mute", c.SetMute)
	limited.POST("/baseline", c.SwitchBaseline)
	if c.hub != nil {
		audioGroup.GET("/stream", c.StreamAudioState)
	}

	c.Group.GET("/bluetooth/devices", c.GetBluetoothDevices)

	callsGroup := c.Group.Group("/calls")
	callsGroup.GET("", c.ListCalls)
	limitedCalls := callsGroup.Group("", c.rateLimiter())
	limitedCalls.POST("", c.AddCall)
	limitedCalls.PUT("/:id/state", c.SetCallState)
	limitedCalls.PUT("/:id/voip", c.SetCallVoip)
	limitedCalls.DELETE("/:id", c.RemoveCall)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
}

// HandleError logs err and writes an ErrorResponse with code.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)
	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("request_id", ctx.Response().Header().Get(echo.HeaderXRequestID)),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("ip", ctx.RealIP()),
		logger.Int("code", code),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		c.log.Error(message, fields...)
	} else {
		c.log.Warn(message, fields...)
	}
	if c.metrics != nil {
		c.metrics.HTTP.RecordHTTPRequestError(ctx.Request().Method, ctx.Path(), errorType(code))
	}
	return ctx.JSON(code, resp)
}

func errorType(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "rate_limit"
	case code >= http.StatusInternalServerError:
		return "system"
	default:
		return "validation"
	}
}
