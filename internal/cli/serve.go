package cli

import (
	"github.com/fmueller/voxstream/internal/engine"
	"github.com/fmueller/voxstream/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(app *appState) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine host as a WebSocket service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := app.modelStorageDir(); err != nil {
				return err
			}

			srv := server.New(server.Options{
				Addr: addr,
				Backends: func() []engine.Backend {
					backends, err := app.engineBackends()
					if err != nil {
						app.log().Warn("accelerated engine disabled", zap.Error(err))
						return []engine.Backend{engine.PortableBackend{}}
					}
					return backends
				},
				Registry: prometheus.NewRegistry(),
				Logger:   app.log(),
			})
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8765", "Listen address")
	return cmd
}
