package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/callaudio/internal/events"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string                `json:"status"`
	Timestamp     time.Time             `json:"timestamp"`
	Uptime        string                `json:"uptime"`
	GoVersion     string                `json:"goVersion"`
	Route         string                `json:"route"`
	ModeState     string                `json:"modeState"`
	StreamClients int                   `json:"streamClients"`
	EventBus      *events.EventBusStats `json:"eventBus,omitempty"`
}

// HealthCheck handles GET /api/v1/health
func (c *Controller) HealthCheck(ctx echo.Context) error {
	state, _ := c.engine.ModeState()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		GoVersion: runtime.Version(),
		Route:     c.engine.CurrentState().Route.String(),
		ModeState: state.String(),
	}
	if c.hub != nil {
		resp.StreamClients = c.hub.Clients()
	}
	if c.stats != nil {
		stats := c.stats.GetStats()
		resp.EventBus = &stats
	}
	return ctx.JSON(http.StatusOK, resp)
}
