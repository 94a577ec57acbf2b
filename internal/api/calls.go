package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/callaudio"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
)

// CallResponse describes one call in the call set.
type CallResponse struct {
	ID              string              `json:"id"`
	State           callaudio.CallState `json:"state"`
	Voip            bool                `json:"voip"`
	Video           bool                `json:"video"`
	Emergency       bool                `json:"emergency"`
	SupportedRoutes []audio.Route       `json:"supportedRoutes"`
}

// CallRequest is the body of POST /calls. An empty SupportedRoutes allows
// every route.
type CallRequest struct {
	ID              string   `json:"id"`
	State           string   `json:"state"`
	Voip            bool     `json:"voip"`
	Video           bool     `json:"video"`
	Emergency       bool     `json:"emergency"`
	SupportedRoutes []string `json:"supportedRoutes"`
}

// CallStateRequest is the body of PUT /calls/:id/state.
type CallStateRequest struct {
	State string `json:"state"`
}

// CallVoipRequest is the body of PUT /calls/:id/voip.
type CallVoipRequest struct {
	Voip bool `json:"voip"`
}

func newCallResponse(c callaudio.Call) CallResponse {
	routes := c.SupportedRoutes
	if routes == 0 {
		routes = audio.MaskAll
	}
	return CallResponse{
		ID:              c.ID,
		State:           c.State,
		Voip:            c.IsVoip,
		Video:           c.IsVideo,
		Emergency:       c.IsEmergency,
		SupportedRoutes: routes.Routes(),
	}
}

// ListCalls handles GET /api/v1/calls
func (c *Controller) ListCalls(ctx echo.Context) error {
	calls := c.engine.Calls()
	out := make([]CallResponse, 0, len(calls))
	for _, call := range calls {
		out = append(out, newCallResponse(call))
	}
	return ctx.JSON(http.StatusOK, out)
}

// AddCall handles POST /api/v1/calls
func (c *Controller) AddCall(ctx echo.Context) error {
	var req CallRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	state, err := callaudio.ParseCallState(req.State)
	if err != nil {
		return c.HandleError(ctx, err, "invalid call state", http.StatusBadRequest)
	}
	var mask audio.RouteMask
	for _, name := range req.SupportedRoutes {
		route, err := audio.ParseRoute(name)
		if err != nil {
			return c.HandleError(ctx, err, "invalid supported route", http.StatusBadRequest)
		}
		mask = mask.With(route)
	}

	call := callaudio.Call{
		ID:              req.ID,
		State:           state,
		IsVoip:          req.Voip,
		IsVideo:         req.Video,
		IsEmergency:     req.Emergency,
		SupportedRoutes: mask,
	}
	if err := c.engine.OnCallAdded(call); err != nil {
		return c.callError(ctx, err)
	}
	c.log.Info("call added",
		logger.String("call", call.ID),
		logger.String("state", state.String()),
		logger.Bool("voip", call.IsVoip))
	return ctx.JSON(http.StatusCreated, newCallResponse(call))
}

// SetCallState handles PUT /api/v1/calls/:id/state
func (c *Controller) SetCallState(ctx echo.Context) error {
	var req CallStateRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	state, err := callaudio.ParseCallState(req.State)
	if err != nil {
		return c.HandleError(ctx, err, "invalid call state", http.StatusBadRequest)
	}
	if err := c.engine.OnCallStateChanged(ctx.Param("id"), state); err != nil {
		return c.callError(ctx, err)
	}
	return c.accepted(ctx, "call_state:"+state.String())
}

// SetCallVoip handles PUT /api/v1/calls/:id/voip
func (c *Controller) SetCallVoip(ctx echo.Context) error {
	var req CallVoipRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	if err := c.engine.SetIsVoip(ctx.Param("id"), req.Voip); err != nil {
		return c.callError(ctx, err)
	}
	return c.accepted(ctx, "call_voip")
}

// RemoveCall handles DELETE /api/v1/calls/:id
func (c *Controller) RemoveCall(ctx echo.Context) error {
	id := ctx.Param("id")
	if err := c.engine.OnCallRemoved(id); err != nil {
		return c.callError(ctx, err)
	}
	c.log.Info("call removed", logger.String("call", id))
	return ctx.NoContent(http.StatusNoContent)
}

func (c *Controller) callError(ctx echo.Context, err error) error {
	switch {
	case errors.IsNotFound(err):
		return c.HandleError(ctx, err, "call not found", http.StatusNotFound)
	case errors.IsCategory(err, errors.CategoryValidation):
		return c.HandleError(ctx, err, "call rejected", http.StatusConflict)
	default:
		return c.HandleError(ctx, err, "call update failed", http.StatusInternalServerError)
	}
}
