// Package devices implements the devices command.
package devices

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/callaudio/internal/audiodev"
	"github.com/tphakala/callaudio/internal/conf"
)

// Command lists playback devices and the earpiece detection result.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List playback devices and earpiece detection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), settings, audiodev.MalgoEnumerator{}, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

type report struct {
	Devices  []audiodev.Device `json:"devices"`
	Earpiece audiodev.Result   `json:"earpiece"`
}

func run(w io.Writer, settings *conf.Settings, enum audiodev.Enumerator, asJSON bool) error {
	devices, err := enum.PlaybackDevices()
	if err != nil {
		return err
	}
	result, err := audiodev.FromSettings(&settings.Audio, enum).Detect()
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report{Devices: devices, Earpiece: result})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tID\tDEFAULT")
	for _, d := range devices {
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.Index, d.Name, d.ID, def)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nearpiece control: %s\n", settings.Audio.EarpieceControl)
	if result.Supported {
		fmt.Fprintf(w, "earpiece: supported (%s", result.Source)
		if result.Device != "" {
			fmt.Fprintf(w, ", %s", result.Device)
		}
		fmt.Fprintln(w, ")")
	} else {
		fmt.Fprintf(w, "earpiece: not supported (%s)\n", result.Source)
	}
	return nil
}
