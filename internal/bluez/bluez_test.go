package bluez

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callaudio/internal/audio"
)

const (
	headset  audio.DeviceID = "AA:BB:CC:DD:EE:01"
	headset2 audio.DeviceID = "AA:BB:CC:DD:EE:02"
	speaker  audio.DeviceID = "AA:BB:CC:DD:EE:03"
)

type sentCall struct {
	Path   dbus.ObjectPath
	Method string
	Args   []any
}

type fakeCaller struct {
	mu      sync.Mutex
	props   map[dbus.ObjectPath]map[string]dbus.Variant
	objects ManagedObjects
	calls   []sentCall
	sent    []sentCall
	sendErr error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{props: make(map[dbus.ObjectPath]map[string]dbus.Variant)}
}

func (f *fakeCaller) set(path dbus.ObjectPath, prop string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.props[path] == nil {
		f.props[path] = make(map[string]dbus.Variant)
	}
	f.props[path][prop] = dbus.MakeVariant(value)
}

func (f *fakeCaller) device(addr audio.DeviceID, connected bool, uuids ...string) {
	path := devicePath("hci0", addr)
	f.set(path, "Connected", connected)
	f.set(path, "UUIDs", uuids)
}

func (f *fakeCaller) Call(_ context.Context, path dbus.ObjectPath, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{path, method, args})
	return nil
}

func (f *fakeCaller) Send(path dbus.ObjectPath, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentCall{path, method, args})
	return nil
}

func (f *fakeCaller) Property(path dbus.ObjectPath, _, prop string) (dbus.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.props[path][prop]
	if !ok {
		return dbus.Variant{}, errors.New("org.freedesktop.DBus.Error.UnknownObject")
	}
	return v, nil
}

func (f *fakeCaller) ManagedObjects(context.Context) (ManagedObjects, error) {
	return f.objects, nil
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) OnDeviceAdded(addr audio.DeviceID)         { m.Called(addr) }
func (m *mockSink) OnDeviceLost(addr audio.DeviceID)          { m.Called(addr) }
func (m *mockSink) OnActiveDeviceChanged(addr audio.DeviceID) { m.Called(addr) }
func (m *mockSink) HfpIsOn(addr audio.DeviceID)               { m.Called(addr) }
func (m *mockSink) HfpLost(addr audio.DeviceID)               { m.Called(addr) }

var sinkEventNames = map[string]string{
	"OnDeviceAdded":         "added",
	"OnDeviceLost":          "lost",
	"OnActiveDeviceChanged": "active",
	"HfpIsOn":               "hfp_on",
	"HfpLost":               "hfp_lost",
}

// events returns the sink calls as "<event> <address>", in order.
func (m *mockSink) events() []string {
	out := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		out = append(out, sinkEventNames[c.Method]+" "+string(c.Arguments.Get(0).(audio.DeviceID)))
	}
	return out
}

func newSink() *mockSink {
	s := &mockSink{}
	for method := range sinkEventNames {
		s.On(method, mock.Anything).Return()
	}
	return s
}

func propsChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsSignal,
		Body: []any{iface, changed, []string{}},
	}
}

func connectedSignal(addr audio.DeviceID, connected bool) *dbus.Signal {
	return propsChanged(devicePath("hci0", addr), deviceIface,
		map[string]dbus.Variant{"Connected": dbus.MakeVariant(connected)})
}

func transportSignal(addr audio.DeviceID, state string) *dbus.Signal {
	return propsChanged(devicePath("hci0", addr)+"/fd0", mediaTransportIface,
		map[string]dbus.Variant{"State": dbus.MakeVariant(state)})
}

func TestObjectPaths(t *testing.T) {
	t.Parallel()

	path := devicePath("hci0", "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), path)

	tests := []struct {
		name     string
		path     dbus.ObjectPath
		want     audio.DeviceID
		isDevice bool
	}{
		{"device", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF", true},
		{"transport", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/fd3", "AA:BB:CC:DD:EE:FF", false},
		{"other adapter", "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF", "", false},
		{"adapter", "/org/bluez/hci0", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, addressFromPath("hci0", tt.path))
			assert.Equal(t, tt.isDevice, isDevicePath("hci0", tt.path))
		})
	}
}

func TestStackConnectAudio(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	caller.device(headset, true, HFPHandsfreeUUID)
	caller.device(headset2, false, HFPHandsfreeUUID)
	stack := NewStack(caller, Config{Adapter: "hci0"})

	assert.False(t, stack.ConnectAudio(headset2), "disconnected device is rejected")
	assert.False(t, stack.ConnectAudio("11:22:33:44:55:66"), "unknown device is rejected")
	require.True(t, stack.ConnectAudio(headset))

	require.Len(t, caller.sent, 1)
	assert.Equal(t, devicePath("hci0", headset), caller.sent[0].Path)
	assert.Equal(t, deviceIface+".ConnectProfile", caller.sent[0].Method)
	assert.Equal(t, []any{HFPHandsfreeUUID}, caller.sent[0].Args)

	stack.DisconnectAudio()
	require.Len(t, caller.sent, 2)
	assert.Equal(t, deviceIface+".DisconnectProfile", caller.sent[1].Method)

	// Nothing left to disconnect.
	stack.DisconnectAudio()
	assert.Len(t, caller.sent, 2)
}

func TestStackConnectAudioSendFailure(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	caller.device(headset, true, HFPHandsfreeUUID)
	caller.sendErr = errors.New("org.bluez.Error.InProgress")
	stack := NewStack(caller, Config{})

	assert.False(t, stack.ConnectAudio(headset))
}

func TestStackActiveDevice(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	caller.device(headset, true, HFPHandsfreeUUID)
	stack := NewStack(caller, Config{InbandRinging: true})

	assert.True(t, stack.IsInbandRingingEnabled())
	assert.False(t, stack.SetActiveDevice(headset2))
	assert.True(t, stack.SetActiveDevice(headset))
	assert.Equal(t, headset, stack.ActiveDevice())
	assert.True(t, stack.SetActiveDevice(""))
	assert.Empty(t, stack.ActiveDevice())
}

func TestStackPowerOn(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	caller.set(adapterPath("hci0"), "Powered", false)
	stack := NewStack(caller, Config{})

	require.NoError(t, stack.PowerOn(t.Context()))
	require.Len(t, caller.calls, 1)
	assert.Equal(t, propsIface+".Set", caller.calls[0].Method)
	assert.Equal(t, adapterIface, caller.calls[0].Args[0])

	caller.set(adapterPath("hci0"), "Powered", true)
	require.NoError(t, stack.PowerOn(t.Context()))
	assert.Len(t, caller.calls, 1)

	missing := NewStack(newFakeCaller(), Config{Adapter: "hci9"})
	assert.Error(t, missing.PowerOn(t.Context()))
}

func TestWatcherDeviceLifecycle(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	caller.device(headset, true, HFPHandsfreeUUID)
	caller.device(headset2, true, HFPHandsfreeUUID)
	caller.device(speaker, true, "0000110b-0000-1000-8000-00805f9b34fb")
	stack := NewStack(caller, Config{})
	sink := newSink()
	w := NewWatcher(caller, stack, sink)

	w.Handle(connectedSignal(headset, true))
	w.Handle(connectedSignal(headset, true)) // repeated
	w.Handle(connectedSignal(speaker, true)) // no HFP
	w.Handle(connectedSignal(headset2, true))
	w.Handle(transportSignal(headset, transportPending))
	w.Handle(transportSignal(headset, transportActive))
	w.Handle(transportSignal(headset, transportActive)) // repeated
	w.Handle(transportSignal(headset, transportIdle))
	w.Handle(connectedSignal(speaker, false))
	w.Handle(connectedSignal(headset, false))

	assert.Equal(t, []string{
		"added " + string(headset),
		"active " + string(headset),
		"added " + string(headset2),
		"hfp_on " + string(headset),
		"hfp_lost " + string(headset),
		"lost " + string(headset),
		"active ",
	}, sink.events())
	assert.Empty(t, stack.ActiveDevice())
}

func TestWatcherIgnoresUnrelatedSignals(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	sink := newSink()
	w := NewWatcher(caller, NewStack(caller, Config{}), sink)

	w.Handle(nil)
	w.Handle(&dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []any{"a", "b", "c"}})
	w.Handle(&dbus.Signal{Name: propsSignal, Path: devicePath("hci0", headset), Body: []any{deviceIface}})
	w.Handle(propsChanged(adapterPath("hci0"), adapterIface,
		map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}))
	w.Handle(transportSignal(headset, transportActive)) // unknown device
	w.Handle(propsChanged(devicePath("hci0", headset), deviceIface,
		map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))}))

	sink.AssertNotCalled(t, "OnDeviceAdded", mock.Anything)
	sink.AssertNotCalled(t, "HfpIsOn", mock.Anything)
}

func TestWatcherScan(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	caller.objects = ManagedObjects{
		adapterPath("hci0"): {adapterIface: {"Powered": dbus.MakeVariant(true)}},
		devicePath("hci0", headset): {deviceIface: {
			"Connected": dbus.MakeVariant(true),
			"UUIDs":     dbus.MakeVariant([]string{HFPHandsfreeUUID}),
		}},
		devicePath("hci0", headset2): {deviceIface: {
			"Connected": dbus.MakeVariant(false),
			"UUIDs":     dbus.MakeVariant([]string{HFPHandsfreeUUID}),
		}},
		devicePath("hci0", headset) + "/fd1": {mediaTransportIface: {
			"State": dbus.MakeVariant(transportActive),
		}},
	}
	stack := NewStack(caller, Config{})
	sink := newSink()
	w := NewWatcher(caller, stack, sink)

	require.NoError(t, w.Scan(t.Context()))
	assert.Equal(t, []string{
		"added " + string(headset),
		"active " + string(headset),
		"hfp_on " + string(headset),
	}, sink.events())
	assert.Equal(t, headset, stack.ActiveDevice())
}
