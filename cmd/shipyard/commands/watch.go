package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/api"
)

func newWatchCommand() *cobra.Command {
	var (
		addr         string
		name         string
		validateOnly bool
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Re-validate and deploy descriptors as they change",
		Long: `Watch a directory tree of application descriptors. Every descriptor is
processed at start and again whenever it changes: it is validated and, when
valid, deployed.

While running, an HTTP listener (watch.addr) serves:
  - /healthz
  - /metrics (Prometheus)
  - /api/v1/apps, /api/v1/apps/{team}/{name}, /api/v1/apps/{team}/{name}/events
  - /api/v1/reports (latest validation result per descriptor)

Custom rego policies under validation.policy_paths are reloaded on change.`,
		Example: `  # Validate and deploy everything under apps/
  shipyard watch apps

  # Validation only, on another port
  shipyard watch --validate-only --addr 127.0.0.1:9090 apps`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root := args[0]
			if info, err := os.Stat(root); err != nil || !info.IsDir() {
				return errors.New(root + " is not a directory")
			}

			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			v, err := p.validator(ctx)
			if err != nil {
				return err
			}
			if paths := p.settings.Validation.PolicyPaths; len(paths) > 0 {
				loader, err := p.policies.Watch(ctx, paths)
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			var runner batchDeployer
			if !validateOnly {
				coord, err := p.coordinator(ctx)
				if err != nil {
					return err
				}
				runner = p.runner(coord)
			}

			server := api.NewServer(api.Deps{
				Registry: p.db,
				States:   p.states,
				Journal:  p.db,
				Metrics:  p.telemetry.Metrics.Handler(),
				Logger:   p.logger,
			})
			if addr == "" {
				addr = p.settings.Watch.Addr
			}
			stopServer := serve(addr, server.Router(), p.logger)
			defer stopServer()

			loop := &watchLoop{
				validator: v,
				snapshot:  p.db.Snapshot,
				runner:    runner,
				reports:   server,
				recorder:  p.recordDiagnostics,
				logger:    p.logger.With().Str("component", "watch").Logger(),
			}

			initial, err := collectDescriptors(root, name)
			if err != nil {
				return err
			}
			loop.process(ctx, initial)

			w := &descriptorWatcher{
				root:     root,
				name:     name,
				debounce: p.settings.Watch.Debounce,
				process:  loop.process,
				logger:   p.logger,
			}
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "status listener address (default watch.addr)")
	cmd.Flags().StringVar(&name, "name", "app.yaml", "descriptor file name")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "validate without deploying")

	return cmd
}

// serve runs an HTTP server in the background. The returned function shuts
// it down.
func serve(addr string, handler http.Handler, logger zerolog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Status API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Status API stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Status API shutdown failed")
		}
	}
}
