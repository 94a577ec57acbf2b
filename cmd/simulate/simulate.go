// Package simulate implements the simulate command, which plays scenario
// files against the routing engine with in-memory hardware.
package simulate

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tphakala/callaudio/internal/bluetooth"
	"github.com/tphakala/callaudio/internal/conf"
	"github.com/tphakala/callaudio/internal/errors"
	"github.com/tphakala/callaudio/internal/logger"
	"github.com/tphakala/callaudio/internal/observability"
	"github.com/tphakala/callaudio/internal/scenario"
)

// Command creates the simulate command.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "simulate [scenario.yaml | dir]...",
		Short: "Run call audio scenarios against in-memory hardware",
		Long: "Plays each scenario file through the routing state machines with in-memory " +
			"audio, Bluetooth and ringer fakes, then checks the expected final state. " +
			"Directories are expanded to the *.yaml files they contain.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expand(args)
			if err != nil {
				return err
			}

			opts := []scenario.Option{
				scenario.WithBluetoothConfig(bluetooth.Config{
					ConnectionTimeout:  settings.Bluetooth.ConnectionTimeout,
					RetryBackoff:       settings.Bluetooth.RetryBackoff,
					MaxConnectAttempts: settings.Bluetooth.MaxConnectAttempts,
				}),
				scenario.WithLogger(logger.Global().Module("simulate")),
			}
			if settings.Metrics.Enabled {
				m, err := observability.NewMetrics()
				if err != nil {
					return err
				}
				opts = append(opts, scenario.WithMetrics(m.CallAudio))
			}

			failed, err := run(cmd, scenario.NewRunner(opts...), files, cmd.OutOrStdout(), asJSON)
			if err != nil {
				return err
			}
			if failed > 0 {
				return errors.Newf("%d of %d scenarios failed", failed, len(files)).
					Component("simulate").
					Category(errors.CategoryScenario).
					Build()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON result per line")
	return cmd
}

func expand(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, errors.New(err).
				Component("simulate").
				Category(errors.CategoryFileIO).
				Context("path", arg).
				Build()
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.yaml"))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, errors.Newf("no scenario files found in %v", args).
			Component("simulate").
			Category(errors.CategoryValidation).
			Build()
	}
	return files, nil
}

func run(cmd *cobra.Command, runner *scenario.Runner, files []string, w io.Writer, asJSON bool) (failed int, err error) {
	enc := json.NewEncoder(w)
	for _, file := range files {
		sc, err := scenario.Load(file)
		if err != nil {
			return failed, err
		}
		res, err := runner.Run(cmd.Context(), sc)
		if err != nil {
			return failed, err
		}
		if !res.Passed() {
			failed++
		}

		if asJSON {
			if err := enc.Encode(res); err != nil {
				return failed, err
			}
			continue
		}
		status := "PASS"
		if !res.Passed() {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s  %s  route=%s muted=%t mode=%s/%s bt=%s\n",
			status, res.Name, res.State.Route, res.State.Muted,
			res.ModeState, res.AudioMode, res.BluetoothState)
		for _, f := range res.Failures {
			fmt.Fprintf(w, "      %s\n", f)
		}
	}
	return failed, nil
}
