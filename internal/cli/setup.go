package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fmueller/voxstream/internal/download"
	"github.com/fmueller/voxstream/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			resolved, err := whisper.ResolveModel(app.settings.Engine.ModelID, modelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			if !resolved.NeedsDownload && app.modelIntact(cmd.Context(), resolved) {
				app.log().Info("model already present", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
				return nil
			}

			backend := whisper.NewBackend(modelDir, app.log())
			backend.NoProgress = app.noProgress
			path, err := backend.Download(cmd.Context(), app.settings.Engine, nil)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", resolved.Name, path)
			return nil
		},
	}
}

// modelIntact verifies a present model against its published checksum. A
// model without a known checksum counts as intact.
func (a *appState) modelIntact(ctx context.Context, resolved whisper.ResolvedModel) bool {
	expected := resolved.SHA256
	if expected == "" && resolved.SHA256URL != "" {
		checksum, err := download.ResolveExpectedChecksum(ctx, resolved.SHA256URL, filepath.Base(resolved.Path), nil)
		if err != nil {
			a.log().Warn("could not resolve model checksum; keeping present copy", zap.String("model", resolved.Name), zap.Error(err))
			return true
		}
		expected = checksum
	}
	if expected == "" {
		return true
	}

	if err := download.VerifyFileChecksum(resolved.Path, expected); err != nil {
		a.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", resolved.Name), zap.Error(err))
		return false
	}
	return true
}
