package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/audiomode"
	"github.com/tphakala/callaudio/internal/bluetooth"
	"github.com/tphakala/callaudio/internal/callaudio"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/events"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/observability"
)

type fakeEngine struct {
	mu        sync.Mutex
	state     audio.CallAudioState
	devices   []bluetooth.DeviceRecord
	routes    []audio.Route
	addresses []audio.DeviceID
	mutes     []bool
	toggles   int
	baselines int
	calls     []callaudio.Call
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		state: audio.NewCallAudioState(false, audio.RouteEarpiece,
			audio.MaskOf(audio.RouteEarpiece, audio.RouteSpeaker), "", nil),
	}
}

func (f *fakeEngine) CurrentState() audio.CallAudioState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) ModeState() (audiomode.State, audio.Mode) {
	return audiomode.Unfocused, audio.ModeNormal
}

func (f *fakeEngine) BluetoothDevices() []bluetooth.DeviceRecord { return f.devices }

func (f *fakeEngine) SetAudioRoute(route audio.Route, addr audio.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, route)
	f.addresses = append(f.addresses, addr)
}

func (f *fakeEngine) Mute(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes = append(f.mutes, on)
}

func (f *fakeEngine) ToggleMute() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
}

func (f *fakeEngine) SwitchBaseline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baselines++
}

func (f *fakeEngine) Calls() []callaudio.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeEngine) OnCallAdded(call callaudio.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if call.ID == "" || f.indexLocked(call.ID) >= 0 {
		return errors.Newf("call %q rejected", call.ID).Category(errors.CategoryValidation).Build()
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeEngine) OnCallStateChanged(id string, state callaudio.CallState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(id)
	if i < 0 {
		return errors.Newf("unknown call %s", id).Category(errors.CategoryNotFound).Build()
	}
	f.calls[i].State = state
	return nil
}

func (f *fakeEngine) SetIsVoip(id string, voip bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(id)
	if i < 0 {
		return errors.Newf("unknown call %s", id).Category(errors.CategoryNotFound).Build()
	}
	f.calls[i].IsVoip = voip
	return nil
}

func (f *fakeEngine) OnCallRemoved(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(id)
	if i < 0 {
		return errors.Newf("unknown call %s", id).Category(errors.CategoryNotFound).Build()
	}
	f.calls = slices.Delete(f.calls, i, i+1)
	return nil
}

func (f *fakeEngine) indexLocked(id string) int {
	return slices.IndexFunc(f.calls, func(c callaudio.Call) bool { return c.ID == id })
}

type fakeStats struct{}

func (fakeStats) GetStats() events.EventBusStats {
	return events.EventBusStats{EventsReceived: 7, EventsProcessed: 6, EventsDropped: 1}
}

func newTestController(t *testing.T, engine Engine, opts ...Option) (*echo.Echo, *Controller) {
	t.Helper()
	e := echo.New()
	opts = append([]Option{WithLogger(logger.NewDiscard())}, opts...)
	return e, New(e, engine, opts...)
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGetAudioState(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	e, _ := newTestController(t, engine)

	rec := doRequest(e, http.MethodGet, "/api/v1/audio/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AudioStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, audio.RouteEarpiece, resp.Route)
	assert.False(t, resp.Muted)
	assert.Equal(t, []audio.Route{audio.RouteEarpiece, audio.RouteSpeaker}, resp.SupportedRoutes)
	assert.Empty(t, resp.SupportedBluetoothDevices)
	assert.Contains(t, rec.Body.String(), `"route":"earpiece"`)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestGetAudioMode(t *testing.T) {
	t.Parallel()

	e, _ := newTestController(t, newFakeEngine())
	rec := doRequest(e, http.MethodGet, "/api/v1/audio/mode", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AudioModeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, audiomode.Unfocused.String(), resp.State)
	assert.Equal(t, audio.ModeNormal.String(), resp.Mode)
}

func TestSetRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantSent bool
	}{
		{"speaker", `{"route":"speaker"}`, http.StatusAccepted, true},
		{"bluetooth with address", `{"route":"bluetooth","address":"AA:BB"}`, http.StatusAccepted, true},
		{"unknown route", `{"route":"loudhailer"}`, http.StatusBadRequest, false},
		{"address on speaker", `{"route":"speaker","address":"AA:BB"}`, http.StatusBadRequest, false},
		{"malformed body", `{"route":`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine := newFakeEngine()
			e, _ := newTestController(t, engine)

			rec := doRequest(e, http.MethodPost, "/api/v1/audio/route", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantSent {
				require.Len(t, engine.routes, 1)
				return
			}
			assert.Empty(t, engine.routes)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Len(t, resp.CorrelationID, 8)
		})
	}
}

func TestSetRoutePassesAddress(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	e, _ := newTestController(t, engine)

	rec := doRequest(e, http.MethodPost, "/api/v1/audio/route", `{"route":"bluetooth","address":"00:11:22:33:44:55"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []audio.Route{audio.RouteBluetooth}, engine.routes)
	assert.Equal(t, []audio.DeviceID{"00:11:22:33:44:55"}, engine.addresses)

	var resp AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, "route:bluetooth", resp.Action)
}

func TestSetMute(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	e, _ := newTestController(t, engine)

	require.Equal(t, http.StatusAccepted, doRequest(e, http.MethodPost, "/api/v1/audio/mute", `{"muted":true}`).Code)
	require.Equal(t, http.StatusAccepted, doRequest(e, http.MethodPost, "/api/v1/audio/mute", `{"muted":false}`).Code)
	require.Equal(t, http.StatusAccepted, doRequest(e, http.MethodPost, "/api/v1/audio/mute", `{}`).Code)

	assert.Equal(t, []bool{true, false}, engine.mutes)
	assert.Equal(t, 1, engine.toggles)
}

func TestSwitchBaseline(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	e, _ := newTestController(t, engine)

	rec := doRequest(e, http.MethodPost, "/api/v1/audio/baseline", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, engine.baselines)
}

func TestGetBluetoothDevices(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.devices = []bluetooth.DeviceRecord{
		{Address: "AA", State: bluetooth.AudioOn, Seq: 2},
		{Address: "BB", State: bluetooth.Connected, Seq: 1},
	}
	e, _ := newTestController(t, engine)

	rec := doRequest(e, http.MethodGet, "/api/v1/bluetooth/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []BluetoothDeviceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, audio.DeviceID("AA"), resp[0].Address)
	assert.Equal(t, bluetooth.AudioOn.String(), resp[0].State)
	assert.Equal(t, uint64(1), resp[1].Seq)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	e, _ := newTestController(t, newFakeEngine(), WithStats(fakeStats{}), WithHub(NewHub()))

	rec := doRequest(e, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "earpiece", resp.Route)
	require.NotNil(t, resp.EventBus)
	assert.Equal(t, uint64(7), resp.EventBus.EventsReceived)
	assert.Zero(t, resp.StreamClients)
}

func TestRateLimitOnMutatingRoutes(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	e, _ := newTestController(t, engine, WithRateLimit(1))

	assert.Equal(t, http.StatusAccepted, doRequest(e, http.MethodPost, "/api/v1/audio/baseline", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(e, http.MethodPost, "/api/v1/audio/baseline", "").Code)
	// Reads are never limited.
	for range 5 {
		assert.Equal(t, http.StatusOK, doRequest(e, http.MethodGet, "/api/v1/audio/state", "").Code)
	}
	assert.Equal(t, 1, engine.baselines)
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	m, err := observability.NewMetrics()
	require.NoError(t, err)
	e, _ := newTestController(t, newFakeEngine(), WithMetrics(m))

	require.Equal(t, http.StatusOK, doRequest(e, http.MethodGet, "/api/v1/audio/state", "").Code)
	require.Equal(t, http.StatusBadRequest, doRequest(e, http.MethodPost, "/api/v1/audio/route", `{"route":"nope"}`).Code)

	rec := doRequest(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `http_requests_total{method="GET",path="/api/v1/audio/state",status_code="200"} 1`)
	assert.Contains(t, body, `http_request_errors_total{error_type="validation",method="POST",path="/api/v1/audio/route"} 1`)
}

func TestStreamAudioState(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	e, _ := newTestController(t, newFakeEngine(), WithHub(hub))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/audio/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var initial AudioStateResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, audio.RouteEarpiece, initial.Route)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	next := audio.NewCallAudioState(true, audio.RouteSpeaker,
		audio.MaskOf(audio.RouteEarpiece, audio.RouteSpeaker), "", nil)
	require.NoError(t, hub.ProcessEvent(events.AudioStateEvent{New: next, Timestamp: time.Now()}))
	// Non-state events are ignored.
	require.NoError(t, hub.ProcessEvent(events.AudioModeEvent{State: "CALL"}))

	var got AudioStateResponse
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, audio.RouteSpeaker, got.Route)
	assert.True(t, got.Muted)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	_, c := newTestController(t, newFakeEngine())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
