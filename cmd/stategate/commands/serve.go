package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cheneeheng/stategate/pkg/config"
	"github.com/cheneeheng/stategate/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the long-lived service process",
		Long: `Run StateGate as a long-lived process.

Exposes the Prometheus metrics endpoint when enabled, logs execution
events, and watches the config file so governance limit edits take effect
without a restart. Stops on SIGINT or SIGTERM.`,
		Example: `  stategate serve --config stategate.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			rt.tel.Events.Subscribe(func(event telemetry.Event) {
				rt.log.Info().
					Str("event", event.Type).
					Str("scope", event.ScopeID).
					Str("action", event.ActionID).
					Str("snapshot", event.SnapshotID).
					Msg("execution event")
			})

			if rt.cfg.Telemetry.Metrics.Enabled {
				go func() {
					if err := rt.tel.Metrics.Serve(); err != nil {
						rt.log.Error().Err(err).Msg("metrics server stopped")
					}
				}()
				rt.log.Info().
					Str("address", rt.cfg.Telemetry.Metrics.ListenAddress).
					Msg("metrics endpoint listening")
			}

			if configPath != "" {
				watcher, err := config.NewWatcher(configPath, rt.log, func(cfg config.Config) {
					rt.cfg.Scopes = cfg.Scopes
					if err := rt.applyLimits(ctx); err != nil {
						rt.log.Warn().Err(err).Msg("applying reloaded limits")
					}
				})
				if err != nil {
					return fmt.Errorf("watching config file: %w", err)
				}
				go func() {
					if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
						rt.log.Error().Err(err).Msg("config watcher stopped")
					}
				}()
			}

			rt.log.Info().Msg("stategate ready")
			<-ctx.Done()
			rt.log.Info().Msg("shutting down")
			return nil
		},
	}
	return cmd
}
