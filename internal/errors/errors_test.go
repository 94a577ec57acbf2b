package errors

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []any
}

func (c *capturePublisher) TryPublish(event any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return true
}

type stubReporter struct {
	enabled  bool
	reported []*EnhancedError
}

func (s *stubReporter) ReportError(ee *EnhancedError) {
	s.reported = append(s.reported, ee)
	ee.MarkReported()
}

func (s *stubReporter) IsEnabled() bool { return s.enabled }

func TestFastPathNoReporting(t *testing.T) {
	SetEventPublisher(nil)
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("hfp connect failed")).Build()

	assert.Equal(t, "hfp connect failed", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.IsReported())
}

func TestBuilderSetsFields(t *testing.T) {
	SetEventPublisher(nil)
	SetTelemetryReporter(nil)

	ee := Newf("connect to %s failed", "AA:BB:CC:DD:EE:FF").
		Component("bluetooth").
		Category(CategoryBluetooth).
		Priority(PriorityHigh).
		DeviceContext("AA:BB:CC:DD:EE:FF", 3).
		Build()

	assert.Equal(t, "bluetooth", ee.GetComponent())
	assert.Equal(t, CategoryBluetooth, ee.Category)
	assert.Equal(t, PriorityHigh, ee.Priority)
	assert.Equal(t, 3, ee.GetContext()["attempt"])
	assert.True(t, IsCategory(ee, CategoryBluetooth))
	assert.False(t, IsCategory(ee, CategoryDBus))
}

func TestInvalidPriorityFallsBackToMedium(t *testing.T) {
	ee := New(NewStd("x")).Priority("urgent").Build()
	assert.Equal(t, PriorityMedium, ee.Priority)
}

func TestNilErrorBecomesUnknown(t *testing.T) {
	ee := New(nil).Build()
	require.Error(t, ee)
	assert.Equal(t, "unknown error", ee.Error())
}

func TestPublisherReceivesBuiltErrors(t *testing.T) {
	pub := &capturePublisher{}
	SetEventPublisher(pub)
	t.Cleanup(func() { SetEventPublisher(nil) })

	ee := New(NewStd("connection timeout")).Build()

	require.Len(t, pub.events, 1)
	assert.Same(t, ee, pub.events[0])
	assert.Equal(t, CategoryTimeout, ee.Category)
}

func TestTelemetryReporterDisabledIsSkipped(t *testing.T) {
	rep := &stubReporter{enabled: false}
	SetTelemetryReporter(rep)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	New(NewStd("x")).Build()
	assert.Empty(t, rep.reported)

	rep2 := &stubReporter{enabled: true}
	SetTelemetryReporter(rep2)
	ee := New(NewStd("y")).Category(CategoryAudioRouting).Build()
	require.Len(t, rep2.reported, 1)
	assert.True(t, ee.IsReported())
}

func TestIsMatchesWrappedAndCategory(t *testing.T) {
	sentinel := NewStd("sentinel")
	ee := New(fmt.Errorf("wrap: %w", sentinel)).Category(CategoryState).Build()

	assert.True(t, Is(ee, sentinel))
	assert.True(t, Is(ee, &EnhancedError{Category: CategoryState}))
	assert.False(t, Is(ee, &EnhancedError{Category: CategoryBluetooth}))
}

func TestScrubMessage(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		contains string
		absent   string
	}{
		{"mac address", "device 00:1A:7D:DA:71:13 lost", "[DEVICE]", "00:1A:7D"},
		{"dbus path mac", "dev_00_1A_7D_DA_71_13 gone", "[DEVICE]", "7D_DA"},
		{"broker url", "dial tcp://broker.local:1883 failed", "[URL]", "broker.local"},
		{"password", "auth password=hunter2 rejected", "[REDACTED]", "hunter2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := scrubMessage(tt.in)
			assert.Contains(t, out, tt.contains)
			assert.NotContains(t, out, tt.absent)
		})
	}
}

func TestErrorTitle(t *testing.T) {
	ee := &EnhancedError{
		Err:       NewStd("x"),
		Component: "bluetooth",
		Category:  CategoryBluetooth,
		Context:   map[string]any{"operation": "connect_audio"},
	}
	assert.Equal(t, "Bluetooth Bluetooth Error Connect Audio", errorTitle(ee))
}
