// Package serve implements the serve command, which runs the routing
// engine against the host audio and BlueZ with its API, MQTT and metrics
// surfaces.
package serve

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/callaudio/internal/api"
	"github.com/tphakala/callaudio/internal/audiodev"
	"github.com/tphakala/callaudio/internal/bluetooth"
	"github.com/tphakala/callaudio/internal/bluez"
	"github.com/tphakala/callaudio/internal/callaudio"
	"github.com/tphakala/callaudio/internal/conf"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/events"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/mqtt"
	"github.com/tphakala/callaudio/internal/observability"
	"github.com/tphakala/callaudio/internal/observability/metrics"
	"github.com/tphakala/callaudio/internal/routing"
)

const (
	shutdownTimeout = 5 * time.Second
	powerOnTimeout  = 5 * time.Second
)

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		listen      string
		noBluetooth bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the call audio routing service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				settings.API.Listen = listen
			}
			if noBluetooth {
				settings.Bluetooth.Enabled = false
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return New(settings).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "API listen address, overrides api.listen")
	cmd.Flags().BoolVar(&noBluetooth, "no-bluetooth", false, "Run without BlueZ")
	return cmd
}

// Service is one run of the routing engine and its surfaces.
type Service struct {
	settings   *conf.Settings
	enumerator audiodev.Enumerator
	player     audiodev.Player
	apiLn      net.Listener
	log        logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEnumerator replaces the malgo playback device enumerator.
func WithEnumerator(e audiodev.Enumerator) Option {
	return func(s *Service) { s.enumerator = e }
}

// WithPlayer replaces the malgo tone player.
func WithPlayer(p audiodev.Player) Option {
	return func(s *Service) { s.player = p }
}

// WithAPIListener serves the API on ln instead of api.listen.
func WithAPIListener(ln net.Listener) Option {
	return func(s *Service) { s.apiLn = ln }
}

// New creates a Service.
func New(settings *conf.Settings, opts ...Option) *Service {
	s := &Service{settings: settings, log: logger.Global().Module("serve")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails.
func (s *Service) Run(ctx context.Context) error {
	settings := s.settings

	bus := events.New(events.Config{
		BufferSize: settings.EventBus.BufferSize,
		Workers:    settings.EventBus.Workers,
		DedupTTL:   settings.EventBus.DedupTTL,
	}, logger.Global().Module("events"))
	errors.SetEventPublisher(events.NewErrorPublisherAdapter(bus))
	defer func() {
		errors.SetEventPublisher(nil)
		if err := bus.Shutdown(shutdownTimeout); err != nil {
			s.log.Warn("event bus shutdown incomplete", logger.Error(err))
		}
	}()

	var m *observability.Metrics
	if settings.Metrics.Enabled {
		var err error
		if m, err = observability.NewMetrics(); err != nil {
			return err
		}
		bus.SetObserver(m.CallAudio)
	}

	earpiece := s.detectEarpiece()

	hostAudio := audiodev.NewHostManager(logger.Global().Module("audiodev"))
	ringer := audiodev.NewToneRinger(settings.Audio.Ringer, s.player, logger.Global().Module("audiodev"))

	var (
		stack   bluetooth.Stack = bluetooth.NoStack{}
		conn    *bluez.Conn
		bzStack *bluez.Stack
	)
	if settings.Bluetooth.Enabled {
		var err error
		conn, bzStack, err = s.openBluetooth(ctx)
		if err != nil {
			s.log.Warn("bluetooth unavailable, continuing without it", logger.Error(err))
		} else {
			stack = bzStack
			defer conn.Close()
		}
	}

	deps := callaudio.Deps{
		AudioManager: hostAudio,
		Stack:        stack,
		Ringer:       ringer,
		StatusBar:    hostAudio,
		Bus:          bus,
		Logger:       logger.Global().Module("callaudio"),
	}
	if m != nil {
		deps.Metrics = m.CallAudio
	}
	mgr := callaudio.New(callaudio.Config{
		Bluetooth: bluetooth.Config{
			ConnectionTimeout:  settings.Bluetooth.ConnectionTimeout,
			RetryBackoff:       settings.Bluetooth.RetryBackoff,
			MaxConnectAttempts: settings.Bluetooth.MaxConnectAttempts,
		},
		Routing: routing.Config{
			EarpieceSupported:   earpiece,
			WiredHeadsetPlugged: settings.Audio.WiredHeadsetPlugged,
		},
	}, deps)
	mgr.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Stop(stopCtx); err != nil {
			s.log.Warn("state machines did not stop in time", logger.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if conn != nil {
		watcher := bluez.NewWatcher(conn, bzStack, mgr.Bluetooth())
		g.Go(func() error { return watcher.Run(gctx, conn) })
	}

	if settings.MQTT.Enabled {
		client, err := s.startMQTT(gctx, bus, m)
		if err != nil {
			return err
		}
		defer client.Disconnect()
	}

	if settings.API.Enabled {
		ctrl, err := s.newAPI(mgr, bus, m)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if s.apiLn != nil {
				return ctrl.Serve(gctx, s.apiLn)
			}
			return ctrl.Run(gctx, settings.API.Listen)
		})
	}

	if m != nil && settings.Metrics.Listen != "" {
		endpoint, err := observability.NewEndpoint(settings.Metrics.Listen, m)
		if err != nil {
			return err
		}
		g.Go(func() error { return endpoint.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	s.log.Info("call audio service running",
		logger.Bool("earpiece", earpiece),
		logger.Bool("bluetooth", conn != nil),
		logger.Bool("api", settings.API.Enabled),
		logger.Bool("mqtt", settings.MQTT.Enabled),
		logger.Bool("metrics", m != nil))

	err := g.Wait()
	s.log.Info("call audio service stopping")
	return err
}

func (s *Service) detectEarpiece() bool {
	result, err := audiodev.FromSettings(&s.settings.Audio, s.enumerator).Detect()
	if err != nil {
		s.log.Warn("earpiece detection failed, assuming no earpiece", logger.Error(err))
		return false
	}
	s.log.Info("earpiece detection",
		logger.Bool("supported", result.Supported),
		logger.String("source", string(result.Source)),
		logger.String("device", result.Device))
	return result.Supported
}

func (s *Service) openBluetooth(ctx context.Context) (*bluez.Conn, *bluez.Stack, error) {
	conn, err := bluez.Open()
	if err != nil {
		return nil, nil, err
	}
	stack := bluez.NewStack(conn, bluez.Config{
		Adapter:       s.settings.Bluetooth.Adapter,
		InbandRinging: s.settings.Bluetooth.InbandRinging,
	})
	powerCtx, cancel := context.WithTimeout(ctx, powerOnTimeout)
	defer cancel()
	if err := stack.PowerOn(powerCtx); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, stack, nil
}

func (s *Service) startMQTT(ctx context.Context, bus *events.EventBus, m *observability.Metrics) (mqtt.Client, error) {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.settings.MQTT.Broker
	cfg.ClientID = s.settings.MQTT.ClientID
	cfg.Username = s.settings.MQTT.Username
	cfg.Password = s.settings.MQTT.Password
	cfg.Topic = s.settings.MQTT.Topic
	cfg.Retain = s.settings.MQTT.Retain

	var mm *metrics.MQTTMetrics
	if m != nil {
		mm = m.MQTT
	}
	client, err := mqtt.NewClient(cfg, mm)
	if err != nil {
		return nil, err
	}
	// paho keeps retrying in the background after a failed first attempt
	if err := client.Connect(ctx); err != nil {
		s.log.Warn("mqtt broker not reachable yet", logger.Error(err))
	}
	if err := bus.RegisterConsumer(mqtt.NewPublisher(client, cfg, mm)); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Service) newAPI(mgr *callaudio.Manager, bus *events.EventBus, m *observability.Metrics) (*api.Controller, error) {
	hub := api.NewHub()
	if err := bus.RegisterConsumer(hub); err != nil {
		return nil, err
	}
	opts := []api.Option{
		api.WithHub(hub),
		api.WithStats(bus),
		api.WithRateLimit(s.settings.API.RateLimit),
		api.WithLogger(logger.Global().Module("api")),
	}
	if m != nil && s.settings.Metrics.Listen == "" {
		opts = append(opts, api.WithMetrics(m))
	}
	return api.New(echo.New(), mgr, opts...), nil
}
