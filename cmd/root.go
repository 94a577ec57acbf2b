// Package cmd wires the callaudio command line.
package cmd

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/tphakala/callaudio/cmd/devices"
	"github.com/tphakala/callaudio/cmd/serve"
	"github.com/tphakala/callaudio/cmd/simulate"
	"github.com/tphakala/callaudio/cmd/version"
	"github.com/tphakala/callaudio/internal/buildinfo"
	"github.com/tphakala/callaudio/internal/conf"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// RootCommand creates the root command. settings is filled from the config
// file before any subcommand runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var (
		configFile string
		debug      bool
		central    *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:           "callaudio",
		Short:         "Call audio routing engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml (default: search ., ~/.config/callaudio, /etc/callaudio)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	versionCmd := version.Command()
	rootCmd.AddCommand(
		serve.Command(settings),
		simulate.Command(settings),
		devices.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded
		if debug {
			settings.Debug = true
		}

		central, err = initLogging(settings)
		if err != nil {
			return err
		}
		return initTelemetry(settings)
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if settings.Telemetry.Enabled {
			sentry.Flush(sentryFlushTimeout)
		}
		if central != nil {
			return central.Close()
		}
		return nil
	}

	return rootCmd
}

func initLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = "debug"
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = "debug"
			cfg.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, errors.New(err).
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Context("operation", "init_logging").
			Build()
	}
	logger.SetGlobal(central)
	return central, nil
}

func initTelemetry(settings *conf.Settings) error {
	if !settings.Telemetry.Enabled {
		return nil
	}
	info := buildinfo.Current()
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Telemetry.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          info.Release(),
	})
	if err != nil {
		return errors.New(fmt.Errorf("sentry init: %w", err)).
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Context("operation", "init_telemetry").
			Build()
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	logger.Global().Module("telemetry").Info("error reporting enabled",
		logger.String("release", info.Release()))
	return nil
}
