package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tphakala/callaudio/internal/audio"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/events"
	"github.com/tphakala/callaudio/internal/observability/metrics"
)

// Topic suffixes under Config.Topic.
const (
	TopicState     = "state"
	TopicEvents    = "events"
	TopicMode      = "mode"
	TopicBluetooth = "bluetooth"
	TopicErrors    = "errors"
)

// Publisher is an event bus consumer that mirrors call audio state to MQTT.
// State topics are retained when Config.Retain is set; route changes and
// errors are plain messages.
type Publisher struct {
	client  Client
	cfg     Config
	metrics *metrics.MQTTMetrics
}

// NewPublisher wraps client. m may be nil.
func NewPublisher(client Client, cfg Config, m *metrics.MQTTMetrics) *Publisher {
	return &Publisher{client: client, cfg: cfg, metrics: m}
}

// Name implements events.EventConsumer.
func (p *Publisher) Name() string { return "mqtt" }

type statePayload struct {
	Route                     string           `json:"route"`
	Muted                     bool             `json:"muted"`
	SupportedRoutes           []audio.Route    `json:"supportedRoutes"`
	ActiveBluetoothDevice     audio.DeviceID   `json:"activeBluetoothDevice,omitempty"`
	SupportedBluetoothDevices []audio.DeviceID `json:"supportedBluetoothDevices"`
	Timestamp                 time.Time        `json:"timestamp"`
}

func newStatePayload(s audio.CallAudioState, ts time.Time) statePayload {
	return statePayload{
		Route:                     s.Route.String(),
		Muted:                     s.Muted,
		SupportedRoutes:           s.SupportedRoutes.Routes(),
		ActiveBluetoothDevice:     s.ActiveBluetoothDevice,
		SupportedBluetoothDevices: s.SupportedBluetoothDevices,
		Timestamp:                 ts,
	}
}

type routeChangePayload struct {
	Type      string    `json:"type"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Session   string    `json:"session,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type modePayload struct {
	State     string    `json:"state"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

type errorPayload struct {
	Component string         `json:"component"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProcessEvent implements events.EventConsumer.
func (p *Publisher) ProcessEvent(event events.Event) error {
	switch e := event.(type) {
	case events.AudioStateEvent:
		if err := p.publish(TopicState, newStatePayload(e.New, e.Timestamp), p.cfg.Retain); err != nil {
			return err
		}
		if e.Old.Route == e.New.Route {
			return nil
		}
		return p.publish(TopicEvents, routeChangePayload{
			Type:      "route_change",
			From:      e.Old.Route.String(),
			To:        e.New.Route.String(),
			Session:   e.Session,
			Timestamp: e.Timestamp,
		}, false)
	case events.AudioModeEvent:
		return p.publish(TopicMode, modePayload{State: e.State, Mode: e.Mode.String(), Timestamp: e.Timestamp}, p.cfg.Retain)
	case events.BluetoothDevicesEvent:
		return p.publish(TopicBluetooth, e, p.cfg.Retain)
	case events.ErrorEvent:
		return p.publish(TopicErrors, errorPayload{
			Component: e.GetComponent(),
			Category:  e.GetCategory(),
			Message:   e.GetMessage(),
			Context:   e.GetContext(),
			Timestamp: e.GetTimestamp(),
		}, false)
	default:
		return nil
	}
}

func (p *Publisher) publish(suffix string, v any, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", suffix).
			Build()
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.cfg.Topic+"/"+suffix, payload, retain); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.IncrementPublished(suffix)
	}
	return nil
}
