package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/events"
)

func newCallAudioMetrics(t *testing.T) (*CallAudioMetrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m, err := NewCallAudioMetrics(registry)
	require.NoError(t, err)
	return m, registry
}

func TestPublishedStateTracksCurrentRoute(t *testing.T) {
	t.Parallel()
	m, _ := newCallAudioMetrics(t)

	speaker := audio.NewCallAudioState(true, audio.RouteSpeaker, audio.MaskAll, "", nil)
	earpiece := audio.NewCallAudioState(false, audio.RouteEarpiece, audio.MaskAll, "", nil)
	m.AudioStatePublished(speaker)
	m.AudioStatePublished(earpiece)
	m.AudioStatePublished(speaker)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.statesPublished.WithLabelValues(audio.RouteSpeaker.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.currentRoute.WithLabelValues(audio.RouteSpeaker.String())))
	assert.Equal(t, 1, testutil.CollectAndCount(m.currentRoute), "only the current route is reported")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.muted))
}

func TestBluetoothCounters(t *testing.T) {
	t.Parallel()
	m, _ := newCallAudioMetrics(t)

	tests := []struct {
		name     string
		record   func()
		result   string
		expected float64
	}{
		{"accepted attempt", func() { m.BluetoothConnectAttempt(true) }, "accepted", 1},
		{"rejected attempt", func() { m.BluetoothConnectAttempt(false) }, "rejected", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.record()
			assert.Equal(t, tc.expected, testutil.ToFloat64(m.btConnectAttempts.WithLabelValues(tc.result)))
		})
	}

	for range 3 {
		m.BluetoothConnectionTimeout()
	}
	m.BluetoothConnectFailed()
	m.BluetoothTransition("AudioOff", "Connecting")
	assert.Equal(t, float64(3), testutil.ToFloat64(m.btConnectionTimeouts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.btConnectFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.btTransitions.WithLabelValues("AudioOff", "Connecting")))
}

func TestAudioModeGaugeKeepsLatestMode(t *testing.T) {
	t.Parallel()
	m, _ := newCallAudioMetrics(t)

	m.AudioModeChanged(audio.ModeRingtone)
	m.AudioModeChanged(audio.ModeInCall)
	m.AudioFocusRequested(audio.StreamRing)
	m.AudioFocusRequested(audio.StreamVoiceCall)

	assert.Equal(t, 1, testutil.CollectAndCount(m.audioMode))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.audioMode.WithLabelValues(audio.ModeInCall.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.focusRequests.WithLabelValues(audio.StreamRing.String())))
}

func TestLooperAndBusObservers(t *testing.T) {
	t.Parallel()
	m, registry := newCallAudioMetrics(t)

	m.MessageHandled("routing", 1, time.Millisecond, 2*time.Millisecond)
	m.MessageHandled("routing", 2, time.Millisecond, time.Millisecond)
	m.QueueDepth("routing", 4)
	m.MessageDropped("bluetooth", 7)
	m.EventDropped(events.TypeAudioState)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesHandled.WithLabelValues("routing")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.queueDepth.WithLabelValues("routing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesDropped.WithLabelValues("bluetooth", "7")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.eventsDropped.WithLabelValues(string(events.TypeAudioState))))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["callaudio_looper_message_wait_seconds"])
	assert.True(t, names["callaudio_events_dropped_total"])
}

func TestWebsocketConnectionTracking(t *testing.T) {
	t.Parallel()
	m, err := NewHTTPMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.WebsocketConnectionStarted("/api/v1/audio/stream")
	m.WebsocketConnectionStarted("/api/v1/audio/stream")
	assert.Equal(t, float64(2), m.ActiveWebsocketConnections())

	m.WebsocketConnectionClosed("/api/v1/audio/stream", 1.5, "something odd")
	assert.Equal(t, float64(1), m.ActiveWebsocketConnections())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.wsTotalConnections.WithLabelValues("/api/v1/audio/stream", CloseReasonError)))
}
