package cli

import (
	"fmt"

	"github.com/fmueller/voxstream/internal/record"
	"github.com/spf13/cobra"
)

func newDevicesCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List recording devices and backend diagnostics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			backends, err := record.HostBackends()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			preferred, err := record.SelectBackend(backends, app.settings.CaptureBackend)
			if err != nil {
				fmt.Fprintf(out, "capture: %v\n\n", err)
			} else {
				fmt.Fprintf(out, "capture backend in use: %s\n\n", preferred.Name())
			}

			for _, backend := range backends {
				fmt.Fprintf(out, "== %s ==\n", backend.Name())
				if !backend.Available() {
					fmt.Fprintln(out, "not available on PATH")
					fmt.Fprintln(out)
					continue
				}

				listing, err := backend.ListDevices(cmd.Context())
				switch {
				case err != nil:
					fmt.Fprintf(out, "failed to list devices: %v\n", err)
				case listing == "":
					fmt.Fprintln(out, "no output")
				default:
					fmt.Fprintln(out, listing)
				}
				fmt.Fprintln(out)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&app.captureBackend, "backend", "", "Recording backend to report as in use: auto|pw-record|arecord|ffmpeg")
	return cmd
}
