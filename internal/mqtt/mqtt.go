// Package mqtt publishes call audio state to an MQTT broker.
package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/callaudio/internal/logger"
)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	Connect(ctx context.Context) error

	// Publish sends payload to topic. It returns an error if the client is
	// not connected or the broker does not acknowledge in time.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error

	// IsConnected returns true if the client is currently connected to the MQTT broker.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // Prefix for every published topic
	Retain   bool   // true to retain state messages at the broker

	ReconnectCooldown time.Duration
	MaxReconnectDelay time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

var log = logger.Global().Module("mqtt")

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ClientID:          "callaudio",
		Topic:             "callaudio",
		Retain:            true,
		ReconnectCooldown: 5 * time.Second,
		MaxReconnectDelay: 5 * time.Minute,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}
