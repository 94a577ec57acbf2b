package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/bluetooth"
	"github.com/tphakala/callaudio/internal/logger"
)

// AudioStateResponse is the JSON form of a call audio state.
type AudioStateResponse struct {
	Route                     audio.Route      `json:"route"`
	Muted                     bool             `json:"muted"`
	SupportedRoutes           []audio.Route    `json:"supportedRoutes"`
	ActiveBluetoothDevice     audio.DeviceID   `json:"activeBluetoothDevice,omitempty"`
	SupportedBluetoothDevices []audio.DeviceID `json:"supportedBluetoothDevices"`
}

func newAudioStateResponse(s audio.CallAudioState) AudioStateResponse {
	devices := s.SupportedBluetoothDevices
	if devices == nil {
		devices = []audio.DeviceID{}
	}
	return AudioStateResponse{
		Route:                     s.Route,
		Muted:                     s.Muted,
		SupportedRoutes:           s.SupportedRoutes.Routes(),
		ActiveBluetoothDevice:     s.ActiveBluetoothDevice,
		SupportedBluetoothDevices: devices,
	}
}

// AudioModeResponse reports the audio mode coordinator.
type AudioModeResponse struct {
	State string `json:"state"`
	Mode  string `json:"mode"`
}

// RouteRequest is the body of POST /audio/route.
type RouteRequest struct {
	Route   string         `json:"route"`
	Address audio.DeviceID `json:"address"`
}

// MuteRequest is the body of POST /audio/mute. A missing Muted toggles.
type MuteRequest struct {
	Muted *bool `json:"muted"`
}

// AcceptedResponse acknowledges a request that the route machine will
// handle asynchronously; watch the state or the stream for the outcome.
type AcceptedResponse struct {
	Accepted  bool      `json:"accepted"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// BluetoothDeviceResponse describes one connected HFP device.
type BluetoothDeviceResponse struct {
	Address audio.DeviceID `json:"address"`
	State   string         `json:"state"`
	Seq     uint64         `json:"seq"`
}

// GetAudioState handles GET /api/v1/audio/state
func (c *Controller) GetAudioState(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, newAudioStateResponse(c.engine.CurrentState()))
}

// GetAudioMode handles GET /api/v1/audio/mode
func (c *Controller) GetAudioMode(ctx echo.Context) error {
	state, mode := c.engine.ModeState()
	return ctx.JSON(http.StatusOK, AudioModeResponse{State: state.String(), Mode: mode.String()})
}

// SetRoute handles POST /api/v1/audio/route
func (c *Controller) SetRoute(ctx echo.Context) error {
	var req RouteRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	route, err := audio.ParseRoute(req.Route)
	if err != nil {
		return c.HandleError(ctx, err, "invalid route", http.StatusBadRequest)
	}
	if req.Address != "" && route != audio.RouteBluetooth {
		return c.HandleError(ctx, nil, "address is only valid for the bluetooth route", http.StatusBadRequest)
	}

	c.log.Info("route requested",
		logger.String("route", route.String()),
		logger.String("address", string(req.Address)),
		logger.String("ip", ctx.RealIP()))
	c.engine.SetAudioRoute(route, req.Address)
	return c.accepted(ctx, "route:"+route.String())
}

// SetMute handles POST /api/v1/audio/mute
func (c *Controller) SetMute(ctx echo.Context) error {
	var req MuteRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	if req.Muted == nil {
		c.engine.ToggleMute()
		return c.accepted(ctx, "toggle_mute")
	}
	c.engine.Mute(*req.Muted)
	if *req.Muted {
		return c.accepted(ctx, "mute")
	}
	return c.accepted(ctx, "unmute")
}

// SwitchBaseline handles POST /api/v1/audio/baseline
func (c *Controller) SwitchBaseline(ctx echo.Context) error {
	c.engine.SwitchBaseline()
	return c.accepted(ctx, "baseline")
}

// GetBluetoothDevices handles GET /api/v1/bluetooth/devices
func (c *Controller) GetBluetoothDevices(ctx echo.Context) error {
	records := c.engine.BluetoothDevices()
	out := make([]BluetoothDeviceResponse, 0, len(records))
	for _, r := range records {
		out = append(out, newBluetoothDeviceResponse(r))
	}
	return ctx.JSON(http.StatusOK, out)
}

func newBluetoothDeviceResponse(r bluetooth.DeviceRecord) BluetoothDeviceResponse {
	return BluetoothDeviceResponse{Address: r.Address, State: r.StateName(), Seq: r.Seq}
}

func (c *Controller) accepted(ctx echo.Context, action string) error {
	return ctx.JSON(http.StatusAccepted, AcceptedResponse{
		Accepted:  true,
		Action:    action,
		Timestamp: time.Now(),
	})
}
