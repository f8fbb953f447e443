package cli

import (
	"context"
	"errors"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolbridge/internal/config"
	"toolbridge/internal/gateway"
)

func newServeCmd(st *cliState) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve tools/call, tools/list and health as line-delimited JSON-RPC on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := st.newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var wg sync.WaitGroup
			if watch {
				wg.Add(1)
				go func() {
					defer wg.Done()
					st.watchCapacity(ctx, cmd, app)
				}()
			}

			gw := gateway.New(app.Bridge, gateway.Options{
				MaxLineBytes:   app.Config.MaxLineBytes,
				JSONRPCVersion: app.Config.Protocol.JSONRPCVersion,
				Logger:         app.Logger,
			})
			app.Logger.Info("serving on stdio",
				zap.String("command", app.Config.Process.Command),
				zap.Int("max_concurrent_sessions", app.Config.MaxConcurrentSessions))

			err = gw.Serve(ctx, st.streams.in, st.streams.out)
			cancel()
			wg.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload max_concurrent_sessions when the config file changes")
	return cmd
}

// watchCapacity applies capacity changes from config reloads. Other settings
// take effect on restart.
func (st *cliState) watchCapacity(ctx context.Context, cmd *cobra.Command, app *App) {
	opts := config.Options{ConfigPath: st.flags.ConfigPath, Overrides: st.overrides(cmd)}
	err := config.Watch(ctx, opts, app.Logger, func(cfg *config.Config) {
		if err := app.Bridge.SetCapacity(cfg.MaxConcurrentSessions); err != nil {
			app.Logger.Warn("capacity change rejected", zap.Error(err))
		}
	})
	if err != nil {
		app.Logger.Warn("config watch disabled", zap.String("path", st.flags.ConfigPath), zap.Error(err))
	}
}
