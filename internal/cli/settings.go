package cli

import (
	"fmt"

	"github.com/fmueller/voxstream/internal/platform"
	"github.com/fmueller/voxstream/internal/settings"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSettingsCmd(app *appState) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the effective settings, optionally saving them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := platform.ResolveSettingsPath(app.settingsPath)
			if err != nil {
				return err
			}

			if save {
				if err := settings.Save(path, app.settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Settings saved to %s\n", path)
			}

			data, err := yaml.Marshal(app.settings)
			if err != nil {
				return fmt.Errorf("encode settings: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	bindCaptureFlags(cmd.Flags(), app)
	cmd.Flags().BoolVar(&save, "save", false, "Persist the effective settings, including flags given now")
	return cmd
}
